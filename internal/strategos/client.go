// Package strategos is the narrow HTTP client for the worker orchestrator.
// The pipeline spawns workers, polls status, fetches output, and deletes
// workers through it; everything else the orchestrator can do is out of
// reach on purpose.
package strategos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veracity-research/veracity/internal/fault"
)

// WorkerState is the orchestrator's lifecycle state for one worker.
type WorkerState string

const (
	StateQueued  WorkerState = "queued"
	StateRunning WorkerState = "running"
	StateDone    WorkerState = "done"
	StateFailed  WorkerState = "failed"
)

// Terminal reports whether the state will never change again.
func (s WorkerState) Terminal() bool { return s == StateDone || s == StateFailed }

// SpawnRequest describes one worker to start.
type SpawnRequest struct {
	Template        string `json:"template"`
	Label           string `json:"label"`
	ProjectPath     string `json:"projectPath"`
	TaskDescription string `json:"taskDescription"`
	ParentWorkerID  string `json:"parentWorkerId,omitempty"`
}

// Status is the polled state of a worker.
type Status struct {
	State WorkerState `json:"state"`
	Error string      `json:"error,omitempty"`
}

// Worker is one entry from the list endpoint.
type Worker struct {
	ID    string      `json:"workerId"`
	Label string      `json:"label,omitempty"`
	State WorkerState `json:"state,omitempty"`
}

// Options configures a Client. Zero values take defaults.
type Options struct {
	BaseURL      string
	HTTPClient   *http.Client
	Backoff      Backoff
	PollInterval time.Duration
	Logger       *zap.Logger
}

type Client struct {
	base    *url.URL
	http    *http.Client
	backoff Backoff
	poll    time.Duration
	logger  *zap.Logger
}

// New builds a client for the orchestrator at opts.BaseURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fault.New(fault.InvalidInput, "strategos base URL %q is not absolute", opts.BaseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		// Per-call deadlines come from ctx; a client-level timeout would
		// cut long polls short.
		hc = &http.Client{Timeout: 0}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    base,
		http:    hc,
		backoff: opts.Backoff.withDefaults(),
		poll:    poll,
		logger:  logger.Named("strategos"),
	}, nil
}

// Spawn starts a worker and returns its id. The idempotency key is fixed
// for the call so retried POSTs cannot double-spawn.
func (c *Client) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	if strings.TrimSpace(req.Template) == "" {
		return "", fault.New(fault.InvalidInput, "spawn request has no template")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fault.Wrap(fault.InvalidInput, err, "encoding spawn request")
	}
	var resp struct {
		WorkerID string `json:"workerId"`
	}
	headers := map[string]string{"Idempotency-Key": uuid.New().String()}
	if err := c.do(ctx, http.MethodPost, "/api/workers", body, headers, &resp); err != nil {
		return "", err
	}
	if resp.WorkerID == "" {
		return "", fault.New(fault.PermanentBackend, "orchestrator accepted spawn but returned no workerId")
	}
	c.logger.Debug("worker spawned",
		zap.String("workerId", resp.WorkerID),
		zap.String("template", req.Template),
		zap.String("label", req.Label))
	return resp.WorkerID, nil
}

// Status fetches the current state of a worker.
func (c *Client) Status(ctx context.Context, workerID string) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/api/workers/"+url.PathEscape(workerID)+"/status", nil, nil, &st)
	return st, err
}

// Output fetches the worker's accumulated output with ANSI sequences
// stripped server-side.
func (c *Client) Output(ctx context.Context, workerID string) (string, error) {
	var out string
	err := c.doRaw(ctx, http.MethodGet, "/api/workers/"+url.PathEscape(workerID)+"/output?stripAnsi=1", &out)
	return out, err
}

// Delete removes a worker. A worker the orchestrator no longer knows about
// counts as deleted.
func (c *Client) Delete(ctx context.Context, workerID string) error {
	err := c.do(ctx, http.MethodDelete, "/api/workers/"+url.PathEscape(workerID), nil, nil, nil)
	if fault.Is(err, fault.NotFound) {
		return nil
	}
	return err
}

// List returns workers filtered by label prefix, empty label for all.
func (c *Client) List(ctx context.Context, label string) ([]Worker, error) {
	path := "/api/workers"
	if label != "" {
		path += "?label=" + url.QueryEscape(label)
	}
	var resp struct {
		Workers []Worker `json:"workers"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// WaitDone polls until the worker reaches a terminal state or ctx ends.
// A deadline expiry maps to worker_timeout so callers can record a gap
// instead of failing the project.
func (c *Client) WaitDone(ctx context.Context, workerID string) (Status, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, workerID)
		if err != nil {
			if ctxErr := timeoutFault(ctx, workerID); ctxErr != nil {
				return Status{}, ctxErr
			}
			return Status{}, err
		}
		if st.State.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return Status{}, timeoutFault(ctx, workerID)
		case <-ticker.C:
		}
	}
}

func timeoutFault(ctx context.Context, workerID string) error {
	switch {
	case ctx.Err() == nil:
		return nil
	case ctx.Err() == context.DeadlineExceeded:
		return fault.New(fault.WorkerTimeout, "worker %s exceeded its deadline", workerID)
	default:
		return fault.Wrap(fault.TransientBackend, context.Cause(ctx), "waiting on worker "+workerID)
	}
}

const maxErrorBody = 8 << 10

// do issues a JSON request with retries on transient failures. out may be
// nil for endpoints whose body is irrelevant.
func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = c.once(ctx, method, path, body, headers, out)
		if lastErr == nil || !fault.Retriable(lastErr) || attempt+1 >= c.backoff.MaxAttempts {
			return lastErr
		}
		delay := DelayForAttempt(attempt+1, c.backoff, fmt.Sprintf("%s:%s:%d", method, path, attempt+1))
		if ra := retryAfterIn(lastErr); ra > delay {
			delay = ra
		}
		c.logger.Debug("retrying orchestrator call",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.TransientBackend, context.Cause(ctx), method+" "+path)
		case <-time.After(delay):
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return fault.Wrap(fault.InvalidInput, err, "building request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fault.Wrap(fault.TransientBackend, context.Cause(ctx), method+" "+path)
		}
		return fault.Wrap(fault.TransientBackend, err, method+" "+path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		ferr := fault.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("%s %s: %s", method, path, strings.TrimSpace(string(snippet))))
		return withRetryAfter(ferr, resp.Header.Get("Retry-After"))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.Wrap(fault.PermanentBackend, err, "decoding "+method+" "+path+" response")
	}
	return nil
}

// doRaw fetches a text body without retries beyond the transient policy.
func (c *Client) doRaw(ctx context.Context, method, path string, out *string) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = c.onceRaw(ctx, method, path, out)
		if lastErr == nil || !fault.Retriable(lastErr) || attempt+1 >= c.backoff.MaxAttempts {
			return lastErr
		}
		delay := DelayForAttempt(attempt+1, c.backoff, fmt.Sprintf("%s:%s:%d", method, path, attempt+1))
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.TransientBackend, context.Cause(ctx), method+" "+path)
		case <-time.After(delay):
		}
	}
}

func (c *Client) onceRaw(ctx context.Context, method, path string, out *string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, nil)
	if err != nil {
		return fault.Wrap(fault.InvalidInput, err, "building request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fault.Wrap(fault.TransientBackend, context.Cause(ctx), method+" "+path)
		}
		return fault.Wrap(fault.TransientBackend, err, method+" "+path)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fault.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("%s %s: %s", method, path, strings.TrimSpace(string(snippet))))
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.Wrap(fault.TransientBackend, err, "reading "+path+" body")
	}
	*out = string(raw)
	return nil
}
