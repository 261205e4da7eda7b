// Package store persists projects and their phase artifacts under a
// per-project directory. Every JSON write is tmp-then-rename; mutations to
// one project serialize through a per-project mutex.
package store

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/veracity-research/veracity/internal/fault"
	"github.com/veracity-research/veracity/internal/research"
)

const projectFile = "project.json"

type Store struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(root string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(root, "projects"), 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	return &Store{
		root:   root,
		logger: logger.Named("store"),
		locks:  map[string]*sync.Mutex{},
	}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) ProjectDir(id string) string {
	return filepath.Join(s.root, "projects", id)
}

// lock returns the mutex serializing mutations for one project id.
func (s *Store) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

func (s *Store) Create(topic string, cfg research.ProjectConfig) (*research.Project, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fault.New(fault.InvalidInput, "topic is required")
	}
	if cfg.InvestigationBudget < 0 || cfg.InvestigationBudget > 50 {
		return nil, fault.New(fault.InvalidInput, "investigationBudget %d out of range [0, 50]", cfg.InvestigationBudget)
	}
	now := time.Now().UTC()
	p := &research.Project{
		ID:        ulid.Make().String(),
		Topic:     topic,
		Status:    research.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Config:    cfg,
	}
	dir := s.ProjectDir(p.ID)
	if _, err := os.Stat(dir); err == nil {
		return nil, fault.New(fault.InvariantViolation, "project dir %s already exists", p.ID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}
	if err := WriteJSONAtomic(filepath.Join(dir, projectFile), p); err != nil {
		return nil, fmt.Errorf("write project.json: %w", err)
	}
	s.logger.Info("project created", zap.String("project", p.ID), zap.String("topic", topic))
	return p, nil
}

func (s *Store) Get(id string) (*research.Project, error) {
	var p research.Project
	if err := s.readJSON(filepath.Join(s.ProjectDir(id), projectFile), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) List() ([]*research.Project, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "projects"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*research.Project
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := s.Get(e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable project", zap.String("project", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Remove(id string) error {
	dir := s.ProjectDir(id)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fault.New(fault.NotFound, "project %s", id)
		}
		return err
	}
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()
	return os.RemoveAll(dir)
}

// UpdateStatus applies a status transition, rejecting moves the state machine
// does not permit. note becomes lastError when the new status is error and
// clears it otherwise.
func (s *Store) UpdateStatus(id string, status research.Status, note string) (*research.Project, error) {
	if !status.Valid() {
		return nil, fault.New(fault.InvalidInput, "unknown status %q", status)
	}
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !research.ValidTransition(p.Status, status) {
		return nil, fault.New(fault.InvalidInput, "invalid transition %s -> %s for project %s", p.Status, status, id)
	}
	p.Status = status
	p.UpdatedAt = monotonic(p.UpdatedAt)
	if status == research.StatusError {
		p.LastError = note
	} else {
		p.LastError = ""
	}
	if err := WriteJSONAtomic(filepath.Join(s.ProjectDir(id), projectFile), p); err != nil {
		return nil, err
	}
	s.logger.Info("status updated", zap.String("project", id), zap.String("status", string(status)))
	return p, nil
}

// Pause sets the cooperative pause flag. The engine observes it at
// checkpoints and moves the status itself.
func (s *Store) Pause(id string) error   { return s.setPauseFlag(id, true) }
func (s *Store) Unpause(id string) error { return s.setPauseFlag(id, false) }

func (s *Store) setPauseFlag(id string, v bool) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.Get(id)
	if err != nil {
		return err
	}
	if p.PauseRequested == v {
		return nil
	}
	p.PauseRequested = v
	p.UpdatedAt = monotonic(p.UpdatedAt)
	return WriteJSONAtomic(filepath.Join(s.ProjectDir(id), projectFile), p)
}

func (s *Store) IsPauseRequested(id string) (bool, error) {
	p, err := s.Get(id)
	if err != nil {
		return false, err
	}
	return p.PauseRequested, nil
}

// WriteArtifact persists v at rel under the project directory and records
// the path with its content digest in project.json.
func (s *Store) WriteArtifact(id, rel string, v any) error {
	rel, err := cleanRel(rel)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", rel, err)
	}
	b = append(b, '\n')

	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(filepath.Join(s.ProjectDir(id), rel), b); err != nil {
		return fmt.Errorf("write artifact %s: %w", rel, err)
	}

	ref := research.ArtifactRef{Path: rel, Digest: digest(b)}
	replaced := false
	for i := range p.Artifacts {
		if p.Artifacts[i].Path == rel {
			p.Artifacts[i] = ref
			replaced = true
			break
		}
	}
	if !replaced {
		p.Artifacts = append(p.Artifacts, ref)
	}
	p.UpdatedAt = monotonic(p.UpdatedAt)
	return WriteJSONAtomic(filepath.Join(s.ProjectDir(id), projectFile), p)
}

func (s *Store) ReadArtifact(id, rel string, out any) error {
	rel, err := cleanRel(rel)
	if err != nil {
		return err
	}
	return s.readJSON(filepath.Join(s.ProjectDir(id), rel), out)
}

// ListArtifacts returns project-relative paths matching a doublestar pattern,
// sorted for stable output.
func (s *Store) ListArtifacts(id, pattern string) ([]string, error) {
	dir := s.ProjectDir(id)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fault.New(fault.NotFound, "project %s", id)
		}
		return nil, err
	}
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, fault.New(fault.InvalidInput, "bad artifact pattern %q: %v", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

func (s *Store) GetGraph(id string) (json.RawMessage, error) {
	b, err := os.ReadFile(filepath.Join(s.ProjectDir(id), "graph.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fault.New(fault.NotFound, "graph for project %s", id)
		}
		return nil, err
	}
	return json.RawMessage(b), nil
}

// AppendWorkerLog appends captured worker output to logs/worker-<id>.log.
// Logs are append-only and exempt from the atomic-write contract.
func (s *Store) AppendWorkerLog(id, workerID, content string) error {
	if strings.TrimSpace(workerID) == "" {
		return fault.New(fault.InvalidInput, "worker id is required")
	}
	dir := filepath.Join(s.ProjectDir(id), "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "worker-"+workerID+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(content); err != nil {
		return err
	}
	if !strings.HasSuffix(content, "\n") {
		_, err = f.WriteString("\n")
	}
	return err
}

func (s *Store) readJSON(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fault.New(fault.NotFound, "%s", filepath.Base(path))
		}
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func cleanRel(rel string) (string, error) {
	rel = filepath.ToSlash(strings.TrimSpace(rel))
	if rel == "" {
		return "", fault.New(fault.InvalidInput, "artifact path is required")
	}
	clean := filepath.Clean(rel)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fault.New(fault.InvalidInput, "artifact path %q escapes the project dir", rel)
	}
	return clean, nil
}

func digest(b []byte) string {
	h := blake3.New()
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

func monotonic(prev time.Time) time.Time {
	now := time.Now().UTC()
	if now.Before(prev) {
		return prev
	}
	return now
}
