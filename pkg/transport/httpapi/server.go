// Package httpapi serves a project over HTTP: terminal session management,
// log reads, the scaffold event stream and a websocket feed of live lines.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/daemon"
	"github.com/modoterra/switchyard/pkg/manifest"
	"github.com/modoterra/switchyard/pkg/mux"
	"github.com/modoterra/switchyard/pkg/scaffold"
	"github.com/modoterra/switchyard/pkg/terminal"
)

// Processes reports the producer processes of the project.
type Processes interface {
	Processes() []core.Process
}

// Server is the HTTP API of one project.
type Server struct {
	listen    string
	project   *daemon.Project
	processes Processes
	scaffold  *scaffold.Runner
	logger    *slog.Logger
	server    *http.Server

	// pingInterval paces websocket keepalives.
	pingInterval time.Duration
}

// New creates a server for project. processes may be nil.
func New(listen string, project *daemon.Project, processes Processes, runner *scaffold.Runner, logger *slog.Logger) *Server {
	return &Server{
		listen:       listen,
		project:      project,
		processes:    processes,
		scaffold:     runner,
		logger:       logger,
		pingInterval: 30 * time.Second,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("http api starting", "listen", s.listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Post("/api/scaffold/run", s.handleScaffoldRun)

	r.Route("/api/projects/{project}", func(r chi.Router) {
		r.Use(s.projectOnly)
		r.Get("/terminals", s.handleListTerminals)
		r.Post("/terminals", s.handleCreateTerminal)
		r.Patch("/terminals/{id}", s.handleRenameTerminal)
		r.Delete("/terminals/{id}", s.handleCloseTerminal)
		r.Post("/terminals/{id}/activate", s.handleActivateTerminal)
		r.Get("/logs", s.handleListLogs)
		r.Get("/logs/{log}", s.handleReadLog)
		r.Delete("/logs/{log}", s.handleClearLog)
		r.Get("/apicalls", s.handleAPICalls)
		r.Get("/agents", s.handleAgents)
		r.Get("/processes", s.handleProcesses)
	})

	r.With(s.projectOnly).Get("/ws/projects/{project}", s.handleWebsocket)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", sanitize(r.URL.Path),
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// projectOnly rejects malformed project names and projects this server
// does not serve.
func (s *Server) projectOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "project")
		if !manifest.ValidProjectName(name) {
			writeError(w, http.StatusBadRequest, "Invalid project name")
			return
		}
		if name != s.project.Name {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Project '%s' not found", name))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, terminal.ErrNotFound), errors.Is(err, mux.ErrUnknownLog):
		return http.StatusNotFound
	case errors.Is(err, terminal.ErrLastSession):
		return http.StatusConflict
	case errors.Is(err, terminal.ErrEmptyName), errors.Is(err, mux.ErrDerivedView):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeError(w, status, err.Error())
}

// sanitize strips control characters from user input before it is logged.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
