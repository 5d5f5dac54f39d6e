// Package api exposes the daemon's read-only status surface over HTTP.
//
// The server is local-operator tooling: it reports fleet state and never
// mutates it. It is only started when an address is configured.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/virtengine/openfleet/internal/pool"
	"github.com/virtengine/openfleet/internal/resolver"
	"github.com/virtengine/openfleet/internal/state"
)

// Server serves fleet status over HTTP
type Server struct {
	store  *state.Store
	pool   *pool.Pool
	esc    *resolver.Escalator
	logger *zap.Logger
	srv    *http.Server
}

// New creates a server listening on addr
func New(addr string, store *state.Store, p *pool.Pool, esc *resolver.Escalator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  store,
		pool:   p,
		esc:    esc,
		logger: logger.With(zap.String("component", "api")),
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/tasks", s.handleTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleTask).Methods(http.MethodGet)
	r.HandleFunc("/threads", s.handleThreads).Methods(http.MethodGet)
	r.HandleFunc("/escalations", s.handleEscalations).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info("status API listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status API failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"fleet":       s.store.Status(),
		"threads":     len(s.pool.Threads()),
		"escalations": len(s.esc.History()),
		"suppressed":  s.esc.Suppressed(),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetAllTasks())
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, ok := s.store.GetTask(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleThreads(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Threads())
}

func (s *Server) handleEscalations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.esc.History())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
