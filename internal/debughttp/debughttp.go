// Package debughttp exposes the cache's local observability surface:
// stats snapshot, health probes and Prometheus metrics.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/placepin/pincache/internal/bridge"
	"github.com/placepin/pincache/internal/health"
	"github.com/placepin/pincache/internal/hotness/expdecay"
	"github.com/placepin/pincache/internal/middleware"
	"github.com/placepin/pincache/internal/observability"
)

type Config struct {
	Addr   string
	Logger zerolog.Logger
	Bridge *bridge.Layer

	// Hotness optionally adds the top hot cells to the stats snapshot.
	Hotness *expdecay.Tracker

	// Ready checks gate /readyz; typically a kvstore ping.
	Ready []func() error
}

type statsResponse struct {
	Stats    bridge.Stats         `json:"stats"`
	HotCells []expdecay.CellScore `json:"hot_cells,omitempty"`
}

// NewRouter builds the debug routes. Split from Run so tests can drive
// it with httptest.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(cfg.Ready...))
	r.Handle("/metrics", observability.Handler())

	r.Get("/debug/stats", func(w http.ResponseWriter, _ *http.Request) {
		resp := statsResponse{Stats: cfg.Bridge.Stats()}
		if cfg.Hotness != nil {
			resp.HotCells = cfg.Hotness.Top(10)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			cfg.Logger.Warn().Err(err).Msg("stats encode failed")
		}
	})

	return r
}

// Run serves the debug surface until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		cfg.Logger.Info().Str("addr", cfg.Addr).Msg("debug http listen")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
