// Package httpapi exposes the ambient operational HTTP surface: a liveness
// check, Prometheus metrics, and a read-only JSON snapshot of every symbol's
// current phase. It replaces this lineage's full WebSocket dashboard hub —
// there is no live-quote GUI in this core, only the health/metrics/snapshot
// surface an operator needs to watch the process from outside.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spotfsm/internal/config"
	"spotfsm/pkg/types"
)

// SymbolSnapshotProvider is the subset of the FSM Engine the snapshot
// handler needs.
type SymbolSnapshotProvider interface {
	Snapshot() map[string]types.Phase
}

// Server runs the ops HTTP surface.
type Server struct {
	cfg      config.OpsConfig
	provider SymbolSnapshotProvider
	server   *http.Server
	logger   *slog.Logger

	phaseGauge *prometheus.GaugeVec
}

// New creates an ops HTTP Server bound to the configured port.
func New(cfg config.OpsConfig, provider SymbolSnapshotProvider, logger *slog.Logger) *Server {
	registry := prometheus.NewRegistry()
	phaseGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spotfsm_symbol_phase",
		Help: "1 for the symbol's current phase, 0 for every other phase label on that symbol",
	}, []string{"symbol", "phase"})
	registry.MustRegister(phaseGauge)

	s := &Server{
		cfg:        cfg,
		provider:   provider,
		logger:     logger.With("component", "httpapi"),
		phaseGauge: phaseGauge,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start blocks serving until Stop is called. Returns nil on a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("ops http server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleSnapshot returns each symbol's current phase and refreshes the
// Prometheus gauge as a side effect, so /metrics always reflects the most
// recently served snapshot without a separate polling goroutine.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	phases := s.provider.Snapshot()

	s.phaseGauge.Reset()
	for symbol, phase := range phases {
		s.phaseGauge.WithLabelValues(symbol, string(phase)).Set(1)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(phases); err != nil {
		s.logger.Error("encode snapshot failed", "error", err)
	}
}
