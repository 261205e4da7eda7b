package strategos

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veracity-research/veracity/internal/fault"
)

func testClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{
		BaseURL:      srv.URL,
		Backoff:      Backoff{InitialDelayMS: 1, MaxDelayMS: 5, MaxAttempts: 3},
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsRelativeURL(t *testing.T) {
	if _, err := New(Options{BaseURL: "localhost:8788"}); err == nil {
		t.Fatalf("New accepted URL without scheme")
	}
	if _, err := New(Options{BaseURL: ""}); err == nil {
		t.Fatalf("New accepted empty URL")
	}
}

func TestSpawn(t *testing.T) {
	var gotKey atomic.Value
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/workers" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req SpawnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode spawn body: %v", err)
		}
		if req.Template != "research" || req.Label != "veracity/p1/P-SCI/e1/L1" {
			t.Errorf("spawn body = %+v", req)
		}
		gotKey.Store(r.Header.Get("Idempotency-Key"))
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"workerId": "w-42"})
	}))

	id, err := c.Spawn(context.Background(), SpawnRequest{
		Template:        "research",
		Label:           "veracity/p1/P-SCI/e1/L1",
		ProjectPath:     "/data/projects/p1",
		TaskDescription: "PURPOSE\nverify",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if id != "w-42" {
		t.Fatalf("Spawn id = %q", id)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want retry after 503", calls.Load())
	}
	if key, _ := gotKey.Load().(string); key == "" {
		t.Fatalf("no Idempotency-Key header sent")
	}
}

func TestSpawnRejectsEmptyTemplate(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request should not reach server")
	}))
	_, err := c.Spawn(context.Background(), SpawnRequest{Label: "x"})
	if !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("err = %v, want invalid_input", err)
	}
}

func TestSpawnPermanentFailureDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad template", http.StatusBadRequest)
	}))
	_, err := c.Spawn(context.Background(), SpawnRequest{Template: "research"})
	if !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("err = %v, want invalid_input", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, 400 must not retry", calls.Load())
	}
}

func TestOutput(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/workers/w-1/output" || r.URL.Query().Get("stripAnsi") != "1" {
			t.Errorf("unexpected %s %s", r.URL.Path, r.URL.RawQuery)
		}
		w.Write([]byte("prose then {\"evidenceFound\": true}"))
	}))
	out, err := c.Output(context.Background(), "w-1")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if out != "prose then {\"evidenceFound\": true}" {
		t.Fatalf("Output = %q", out)
	}
}

func TestDelete(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	if err := c.Delete(context.Background(), "w-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Delete(context.Background(), "w-gone"); err != nil {
		t.Fatalf("Delete of unknown worker: %v", err)
	}
}

func TestList(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("label") != "veracity/p1" {
			t.Errorf("label = %q", r.URL.Query().Get("label"))
		}
		json.NewEncoder(w).Encode(map[string]any{"workers": []Worker{
			{ID: "w-1", Label: "veracity/p1/P-SCI/e1/L1", State: StateRunning},
		}})
	}))
	ws, err := c.List(context.Background(), "veracity/p1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ws) != 1 || ws[0].ID != "w-1" || ws[0].State != StateRunning {
		t.Fatalf("List = %+v", ws)
	}
}

func TestWaitDone(t *testing.T) {
	states := []WorkerState{StateQueued, StateRunning, StateRunning, StateDone}
	var i atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(i.Add(1)) - 1
		if n >= len(states) {
			n = len(states) - 1
		}
		json.NewEncoder(w).Encode(Status{State: states[n]})
	}))
	st, err := c.WaitDone(context.Background(), "w-1")
	if err != nil {
		t.Fatalf("WaitDone: %v", err)
	}
	if st.State != StateDone {
		t.Fatalf("state = %s", st.State)
	}
}

func TestWaitDoneFailedState(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Status{State: StateFailed, Error: "sandbox crashed"})
	}))
	st, err := c.WaitDone(context.Background(), "w-1")
	if err != nil {
		t.Fatalf("WaitDone: %v", err)
	}
	if st.State != StateFailed || st.Error != "sandbox crashed" {
		t.Fatalf("status = %+v", st)
	}
}

func TestWaitDoneDeadlineMapsToWorkerTimeout(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Status{State: StateRunning})
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_, err := c.WaitDone(ctx, "w-1")
	if !fault.Is(err, fault.WorkerTimeout) {
		t.Fatalf("err = %v, want worker_timeout", err)
	}
}

func TestDelayForAttempt(t *testing.T) {
	cfg := Backoff{InitialDelayMS: 100, Factor: 2, MaxDelayMS: 300, MaxAttempts: 5}
	if d := DelayForAttempt(1, cfg, "s"); d != 100*time.Millisecond {
		t.Fatalf("attempt 1 = %v", d)
	}
	if d := DelayForAttempt(2, cfg, "s"); d != 200*time.Millisecond {
		t.Fatalf("attempt 2 = %v", d)
	}
	if d := DelayForAttempt(3, cfg, "s"); d != 300*time.Millisecond {
		t.Fatalf("attempt 3 = %v, want cap", d)
	}

	cfg.Jitter = true
	a := DelayForAttempt(2, cfg, "seed-a")
	b := DelayForAttempt(2, cfg, "seed-a")
	if a != b {
		t.Fatalf("same seed gave %v and %v", a, b)
	}
	if a < 100*time.Millisecond || a > 300*time.Millisecond {
		t.Fatalf("jittered delay %v outside [0.5x, 1.5x] band", a)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("3"); d != 3*time.Second {
		t.Fatalf("seconds form = %v", d)
	}
	if d := parseRetryAfter("-1"); d != 0 {
		t.Fatalf("negative = %v", d)
	}
	if d := parseRetryAfter("soon"); d != 0 {
		t.Fatalf("garbage = %v", d)
	}
	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	if d := parseRetryAfter(past); d != 0 {
		t.Fatalf("past date = %v", d)
	}
}
