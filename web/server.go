// ABOUTME: Operator HTTP API for the run controller behind a chi router: start, stop,
// ABOUTME: status, run history, and a live SSE event stream fed by the broadcaster.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voltaic-labs/carousel/engine"
)

// HistoryStore is the subset of the run store the API reads from.
type HistoryStore interface {
	LoadRecent(n int) ([]*engine.RunState, error)
}

// Server exposes the controller over HTTP for operators and dashboards.
type Server struct {
	controller  *engine.Controller
	store       HistoryStore
	broadcaster *engine.Broadcaster
	router      chi.Router
	addr        string
}

// ServerConfig holds the configuration for the operator API server.
type ServerConfig struct {
	Addr string // listen address (default: "127.0.0.1:8723")
}

// NewServer creates a Server wired to the controller. The store and
// broadcaster may be nil; the corresponding endpoints then report empty
// history or reject stream subscriptions.
func NewServer(controller *engine.Controller, store HistoryStore, broadcaster *engine.Broadcaster, cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8723"
	}
	s := &Server{
		controller:  controller,
		store:       store,
		broadcaster: broadcaster,
		addr:        cfg.Addr,
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the HTTP handler, for embedding or testing.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("operator API listening on http://%s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/runs", s.handleStartRun)
		r.Post("/runs/stop", s.handleStopRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/latest", s.handleLatestRun)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
	})
	return r
}

type startRunRequest struct {
	Cycles int `json:"cycles"`
}

type startRunResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
			return
		}
	}

	runID, err := s.controller.StartAsync(context.Background(), req.Cycles)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrRecovering):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, engine.ErrReserveShortfall):
			writeError(w, http.StatusPreconditionFailed, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{RunID: runID})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	if !s.controller.Stop() {
		writeError(w, http.StatusConflict, engine.ErrNotRunning)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []*engine.RunState{})
		return
	}
	states, err := s.store.LoadRecent(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if states == nil {
		states = []*engine.RunState{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	latest := s.controller.LatestResult()
	if latest == nil {
		writeError(w, http.StatusNotFound, errors.New("no completed run yet"))
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

// handleEvents streams engine events as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		writeError(w, http.StatusNotImplemented, errors.New("event streaming not enabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	events, unsubscribe := s.broadcaster.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				log.Printf("web: marshaling event %s: %v", evt.Type, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
