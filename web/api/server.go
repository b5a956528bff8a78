// Package api exposes the command surface over HTTP. Handlers are a
// thin adapter: they translate requests into scheduler calls and
// scheduler results into status codes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskfactory/taskfactory/internal/budget"
	"github.com/taskfactory/taskfactory/internal/config"
	"github.com/taskfactory/taskfactory/internal/events"
	"github.com/taskfactory/taskfactory/internal/scheduler"
	"github.com/taskfactory/taskfactory/internal/store"
)

// Server is the HTTP API server
type Server struct {
	store   *store.Store
	sched   *scheduler.Scheduler
	guard   *budget.Guard
	runtime *config.Runtime
	hub     *events.Hub
	addr    string
	mux     *http.ServeMux
	log     zerolog.Logger

	httpServer *http.Server
}

// NewServer creates a new API server
func NewServer(st *store.Store, sched *scheduler.Scheduler, guard *budget.Guard, runtime *config.Runtime, hub *events.Hub, addr string, log zerolog.Logger) *Server {
	s := &Server{
		store:   st,
		sched:   sched,
		guard:   guard,
		runtime: runtime,
		hub:     hub,
		addr:    addr,
		mux:     http.NewServeMux(),
		log:     log.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.auth(s.statusHandler))
	s.mux.HandleFunc("/api/projects", s.auth(s.listProjectsHandler))
	s.mux.HandleFunc("/api/projects/", s.auth(s.projectHandler))
	s.mux.HandleFunc("/api/runs", s.auth(s.startRunHandler))
	s.mux.HandleFunc("/api/runs/", s.auth(s.runHandler))
	s.mux.HandleFunc("/api/sessions", s.auth(s.createSessionHandler))
	s.mux.HandleFunc("/api/sessions/", s.auth(s.sessionHandler))
	s.mux.HandleFunc("/api/budget", s.auth(s.budgetHandler))
	s.mux.HandleFunc("/api/events", s.auth(s.sseHandler))
	s.mux.HandleFunc("/api/events/ws", s.auth(s.wsHandler))
}

// Start runs the HTTP server until ctx is done
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	s.log.Info().Str("addr", s.addr).Msg("api listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// auth enforces the configured bearer token, if any
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.runtime.Snapshot().Web.AuthToken
		if token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != token {
				writeOutcome(w, http.StatusForbidden, map[string]string{
					"outcome": "forbidden",
					"message": "invalid or missing token",
				})
				return
			}
		}
		next(w, r)
	}
}

// writeResult maps a scheduler result to an HTTP status
func writeResult(w http.ResponseWriter, res scheduler.Result) {
	code := http.StatusOK
	switch res.Outcome {
	case scheduler.OutcomeNotFound:
		code = http.StatusNotFound
	case scheduler.OutcomeConflict:
		code = http.StatusConflict
	case scheduler.OutcomeDenied:
		code = http.StatusUnprocessableEntity
	case scheduler.OutcomeOK:
	}
	writeOutcome(w, code, res)
}

func writeOutcome(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeOutcome(w, code, map[string]string{"error": message})
}

// pathParts splits the request path after the given prefix
func pathParts(r *http.Request, prefix string) []string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("empty body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}
