// Package server exposes the control surface: project lifecycle, graph and
// event access, source registry edits, and index queries over HTTP+JSON.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/veracity-research/veracity/internal/events"
	"github.com/veracity-research/veracity/internal/fault"
	"github.com/veracity-research/veracity/internal/index"
	"github.com/veracity-research/veracity/internal/pipeline"
	"github.com/veracity-research/veracity/internal/sources"
	"github.com/veracity-research/veracity/internal/store"
)

// Config wires the control surface to the running service. Every component
// is required; the surface is a thin layer over them.
type Config struct {
	Addr    string // listen address, e.g. "127.0.0.1:8790"
	Store   *store.Store
	Engine  *pipeline.Engine
	Bus     *events.Bus
	Index   *index.Index
	Sources *sources.Registry
	Logger  *zap.Logger
}

// Server is the HTTP server fronting the research pipeline.
type Server struct {
	cfg     Config
	store   *store.Store
	engine  *pipeline.Engine
	bus     *events.Bus
	index   *index.Index
	sources *sources.Registry
	logger  *zap.Logger

	// heartbeat paces SSE keepalive comments on idle streams.
	heartbeat time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Engine == nil || cfg.Bus == nil || cfg.Index == nil || cfg.Sources == nil {
		return nil, fault.New(fault.InvalidInput, "server requires store, engine, bus, index, and sources")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		store:     cfg.Store,
		engine:    cfg.Engine,
		bus:       cfg.Bus,
		index:     cfg.Index,
		sources:   cfg.Sources,
		logger:    logger.Named("server"),
		heartbeat: 15 * time.Second,
		baseCtx:   ctx,
		cancel:    cancel,
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /api/healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)
	mux.HandleFunc("POST /api/projects/{id}/pause", s.handlePauseProject)
	mux.HandleFunc("POST /api/projects/{id}/unpause", s.handleUnpauseProject)
	mux.HandleFunc("POST /api/projects/{id}/resume", s.handleResumeProject)
	mux.HandleFunc("GET /api/projects/{id}/graph", s.handleGetGraph)
	mux.HandleFunc("GET /api/projects/{id}/events", s.handleProjectEvents)
	mux.HandleFunc("GET /api/sources", s.handleListSources)
	mux.HandleFunc("GET /api/sources/match", s.handleMatchSources)
	mux.HandleFunc("GET /api/sources/{id}", s.handleGetSource)
	mux.HandleFunc("PUT /api/sources/{id}", s.handleUpsertSource)
	mux.HandleFunc("DELETE /api/sources/{id}", s.handleDeleteSource)
	mux.HandleFunc("GET /api/index", s.handleGetIndex)
	mux.HandleFunc("GET /api/index/search", s.handleSearchIndex)
	mux.HandleFunc("POST /api/index/rebuild", s.handleRebuildIndex)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s, nil
}

// Handler returns the routed handler, including the CSRF guard.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Info("shutting down", zap.String("signal", sig.String()))
		s.Shutdown()
	}()

	s.logger.Info("control surface listening", zap.String("addr", s.cfg.Addr))
	s.httpSrv.Addr = s.cfg.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin mutating requests. Browsers set the
// Origin header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI/programmatic callers (which either
// omit Origin or set it to match the server).
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				// Allow only localhost-family origins.
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops the server: pipeline drivers wind down first, then open
// requests (including SSE streams) are released and connections drain.
func (s *Server) Shutdown() {
	s.engine.Close()

	// Canceling the base context unblocks every in-flight SSE stream so the
	// drain below does not wait out its full timeout.
	s.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
}
