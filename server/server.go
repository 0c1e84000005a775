package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the read-only HTTP monitor for a running stack. It serves the
// live status, the transition stream and, when a gatherer is configured,
// prometheus metrics.
type Server struct {
	mux  *http.ServeMux
	orch *Orchestrator
}

// NewServer creates a Server for o and registers all routes. gatherer may
// be nil, in which case /metrics is not served.
func NewServer(o *Orchestrator, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		mux:  http.NewServeMux(),
		orch: o,
	}

	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /status/{service}", s.handleService)
	s.mux.HandleFunc("GET /report", s.handleReport)
	s.mux.HandleFunc("GET /events", s.handleSSE)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status())
}

// handleService handles GET /status/{service}.
func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	st, ok := s.orch.State().Get(r.PathValue("service"))
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleReport handles GET /report. The status code is 200 when the stack
// is accepting and 503 otherwise, so it doubles as a liveness endpoint.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep := s.orch.report()
	status := http.StatusOK
	if !rep.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// handleSSE handles GET /events.
//
// On connect it replays every transition (or those after Last-Event-ID on
// reconnection), then streams new ones until the client disconnects.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var fromSeq uint64
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if seq, err := strconv.ParseUint(lastID, 10, 64); err == nil {
			fromSeq = seq
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for t := range s.orch.State().Subscribe(r.Context(), fromSeq) {
		if err := writeSSEEvent(w, flusher, t); err != nil {
			return
		}
	}
}

// writeSSEEvent formats and flushes a single SSE frame. The id is the
// transition's sequence number so clients can resume with Last-Event-ID.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, t Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", t.Seq, t.To, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
