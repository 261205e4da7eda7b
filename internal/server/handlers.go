package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/veracity-research/veracity/internal/fault"
	"github.com/veracity-research/veracity/internal/index"
	"github.com/veracity-research/veracity/internal/research"
	"github.com/veracity-research/veracity/internal/sources"
)

// defaultInvestigationBudget applies when a create request carries no config.
const defaultInvestigationBudget = 10

type createProjectRequest struct {
	Topic  string                  `json:"topic"`
	Config *research.ProjectConfig `json:"config"`
}

type resumeProjectRequest struct {
	FromPhase string `json:"fromPhase"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	projects, _ := s.store.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"projects": len(projects),
		"sources":  s.sources.Len(),
		"indexed":  s.index.Len(),
	})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	cfg := research.ProjectConfig{InvestigationBudget: defaultInvestigationBudget}
	if req.Config != nil {
		cfg = *req.Config
	}

	p, err := s.store.Create(req.Topic, cfg)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := s.engine.Start(p.ID); err != nil {
		// The project is on disk but has no driver; surface the failure so
		// the caller can resume it once the cause clears.
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List()
	if err != nil {
		writeFault(w, err)
		return
	}
	if list == nil {
		list = []*research.Project{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.engine.Running(id) {
		writeError(w, http.StatusConflict, fmt.Sprintf("project %s has a running driver; pause it first", id))
		return
	}
	if err := s.store.Remove(id); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePauseProject(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pause(r.PathValue("id")); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pausing"})
}

func (s *Server) handleUnpauseProject(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Unpause(r.PathValue("id")); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unpaused"})
}

func (s *Server) handleResumeProject(w http.ResponseWriter, r *http.Request) {
	var req resumeProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.FromPhase) == "" {
		writeError(w, http.StatusBadRequest, "fromPhase is required")
		return
	}
	id := r.PathValue("id")
	if err := s.engine.Resume(id, req.FromPhase); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resuming", "fromPhase": req.FromPhase})
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	raw, err := s.store.GetGraph(r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(id); err != nil {
		writeFault(w, err)
		return
	}
	s.streamEvents(w, r, id)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	list := s.sources.Sources()
	if list == nil {
		list = []sources.Source{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.sources.Get(r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleUpsertSource(w http.ResponseWriter, r *http.Request) {
	var src sources.Source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	id := r.PathValue("id")
	if src.ID == "" {
		src.ID = id
	}
	if src.ID != id {
		writeError(w, http.StatusBadRequest, "source id in body does not match path")
		return
	}
	if err := s.sources.Upsert(src); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := s.sources.Delete(r.PathValue("id")); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleMatchSources(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	max := 0
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		max = n
	}
	matched := s.sources.Match(topic, max)
	if matched == nil {
		matched = []sources.Source{}
	}
	writeJSON(w, http.StatusOK, matched)
}

func (s *Server) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	entries := s.index.Entries()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":        len(entries),
		"needsRebuild": s.index.NeedsRebuild(),
		"entries":      entries,
	})
}

func (s *Server) handleSearchIndex(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	results := s.index.Search(q, limit)
	if results == nil {
		results = []index.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   q,
		"count":   len(results),
		"results": results,
	})
}

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.index.Rebuild(); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "rebuilt", "entries": s.index.Len()})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeFault maps the fault taxonomy onto HTTP statuses: invalid input is the
// caller's problem, not-found is 404, an invariant collision (double driver,
// duplicate id) is a conflict, and everything else is internal.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.InvalidInput:
		status = http.StatusBadRequest
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.InvariantViolation:
		status = http.StatusConflict
	}
	writeError(w, status, err.Error())
}
