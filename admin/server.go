package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/sqlbridge/sqlbridge/connector"
	"github.com/sqlbridge/sqlbridge/deadletter"
	"github.com/sqlbridge/sqlbridge/pipeline"
	"github.com/sqlbridge/sqlbridge/telemetry"
)

// Server exposes the relay's operational surface: metrics, health, stream
// status, and the dead-letter log.
type Server struct {
	addr       string
	pipelines  []*pipeline.Pipeline
	connectors []connector.Connector
	deadLetter *deadletter.Log
	httpServer *http.Server
}

// NewServer builds the admin HTTP server.
func NewServer(addr string, pipelines []*pipeline.Pipeline, connectors []connector.Connector, dlq *deadletter.Log) *Server {
	return &Server{
		addr:       addr,
		pipelines:  pipelines,
		connectors: connectors,
		deadLetter: dlq,
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/deadletter", s.handleDeadLetter)

	if h := telemetry.GetMetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}

	s.httpServer = &http.Server{Addr: s.addr, Handler: r}
	go func() {
		log.Info().Str("address", s.addr).Msg("Admin server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
}

// handleHealth pings every connector's query session.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	// Bidirectional mode holds two sessions per endpoint; an endpoint is
	// healthy only when every one of its sessions answers the ping.
	status := make(map[string]string, len(s.connectors))
	healthy := true
	for _, c := range s.connectors {
		if err := c.Ping(ctx); err != nil {
			status[c.ID()] = err.Error()
			healthy = false
		} else if _, reported := status[c.ID()]; !reported {
			status[c.ID()] = "ok"
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"healthy": healthy, "endpoints": status})
}

// handleStatus reports per-stream state, position, and counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := make([]pipeline.Stats, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		stats = append(stats, p.Stats())
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": stats})
}

// handleDeadLetter lists dead-letter entries in sequence order, oldest
// first. Query params: after (sequence cursor, default: from the first
// entry), limit.
func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	if s.deadLetter == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}

	after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.deadLetter.ReadFrom(after, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   s.deadLetter.Len(),
		"entries": entries,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
