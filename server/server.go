// ABOUTME: HTTP server for submitting and observing executions: REST endpoints plus
// ABOUTME: SSE event streaming with Last-Event-ID resume against the bus ring.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dipeo/dipeo/compile"
	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/engine"
	"github.com/dipeo/dipeo/events"
)

// Run tracks one submitted execution.
type Run struct {
	ID        diagram.ExecutionID
	CreatedAt time.Time

	exec *engine.Execution

	mu     sync.RWMutex
	result *engine.Result
}

// status returns the run's current lifecycle string.
func (r *Run) status() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.result == nil {
		return "running"
	}
	return string(r.result.Status)
}

// Server exposes the engine over HTTP. One Server fronts one Engine; runs
// are kept in memory for status queries, events in the bus ring (and the
// optional sink) for streaming.
type Server struct {
	engine *engine.Engine
	log    *slog.Logger
	sink   *EventSink

	mu     sync.RWMutex
	runs   map[diagram.ExecutionID]*Run
	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request/lifecycle logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithSink persists every execution's events to the given sink, so history
// outlives the bus ring.
func WithSink(sink *EventSink) Option {
	return func(s *Server) { s.sink = sink }
}

// New creates a Server fronting the given engine.
func New(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine: eng,
		log:    slog.Default(),
		runs:   make(map[diagram.ExecutionID]*Run),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Post("/executions", s.handleSubmit)
	r.Get("/executions/{id}", s.handleStatus)
	r.Get("/executions/{id}/events", s.handleEvents)
	r.Get("/executions/{id}/history", s.handleHistory)
	r.Post("/executions/{id}/cancel", s.handleCancel)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// submitRequest is the POST /executions payload.
type submitRequest struct {
	Diagram   diagram.DomainDiagram `json:"diagram"`
	Variables map[string]any        `json:"variables,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	res := compile.Compile(&req.Diagram)
	if !res.OK() {
		msgs := make([]string, len(res.Errors))
		for i, e := range res.Errors {
			msgs[i] = e.Error()
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "diagram does not compile",
			"detail": msgs,
		})
		return
	}

	x, err := s.engine.Start(context.Background(), res.Diagram, req.Variables)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	run := &Run{ID: x.ID, CreatedAt: time.Now(), exec: x}
	s.mu.Lock()
	s.runs[x.ID] = run
	s.mu.Unlock()

	if s.sink != nil {
		go func() {
			if err := s.sink.Record(s.engine.Bus(), x.ID); err != nil {
				s.log.Warn("event sink stopped", "execution_id", x.ID, "error", err)
			}
		}()
	}
	go func() {
		result := x.Wait()
		run.mu.Lock()
		run.result = result
		run.mu.Unlock()
		s.log.Info("execution finished", "execution_id", x.ID, "status", result.Status)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": string(x.ID),
		"status":       "running",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution not found"})
		return
	}

	body := map[string]any{
		"execution_id": string(run.ID),
		"status":       run.status(),
		"created_at":   run.CreatedAt,
		"projection":   run.exec.Tracker().Projection(),
	}
	run.mu.RLock()
	if run.result != nil && run.result.Reason != "" {
		body["reason"] = run.result.Reason
	}
	run.mu.RUnlock()
	writeJSON(w, http.StatusOK, body)
}

// handleEvents streams the execution's events as SSE. A reconnecting client
// sends Last-Event-ID with its last seen seq; a resume point older than the
// ring yields 410 Gone, directing the client to a durable sink.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution not found"})
		return
	}

	lastSeq := uint64(0)
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed Last-Event-ID"})
			return
		}
		lastSeq = n
	}

	sub, err := s.engine.Bus().SubscribeFrom(run.ID, lastSeq)
	if err != nil {
		var gap *events.GapError
		if errors.As(err, &gap) {
			writeJSON(w, http.StatusGone, map[string]any{
				"error":      "requested seq no longer retained",
				"oldest_seq": gap.Oldest,
			})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case evt, open := <-sub.C:
			if !open {
				if err := sub.Err(); err != nil {
					s.log.Warn("subscriber detached", "execution_id", run.ID, "error", err)
				}
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			// KeepAlive carries the current max seq, not a fresh one; it is
			// sent as a comment so clients do not advance Last-Event-ID.
			if evt.Type == events.KeepAlive {
				fmt.Fprintf(w, ": keepalive %d\n\n", evt.Seq)
			} else {
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, data)
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleHistory serves the full persisted event log from the sink. Unlike
// the SSE endpoint it is immune to ring eviction.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution not found"})
		return
	}
	if s.sink == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no event sink configured"})
		return
	}
	lastSeq := uint64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed after"})
			return
		}
		lastSeq = n
	}
	evts, err := s.sink.Events(r.Context(), run.ID, lastSeq)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": string(run.ID),
		"events":       evts,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution not found"})
		return
	}
	run.exec.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) run(r *http.Request) (*Run, bool) {
	id := diagram.ExecutionID(chi.URLParam(r, "id"))
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
