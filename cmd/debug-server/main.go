// Command debug-server hosts the pin cache core behind a local HTTP
// surface for development: stats, health probes and Prometheus metrics.
// The cache itself is driven programmatically; this binary exists to
// observe it against a real backend.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/placepin/pincache/internal/backend/httpapi"
	"github.com/placepin/pincache/internal/bridge"
	"github.com/placepin/pincache/internal/cache/pincache"
	"github.com/placepin/pincache/internal/config"
	"github.com/placepin/pincache/internal/debughttp"
	"github.com/placepin/pincache/internal/hitevents"
	"github.com/placepin/pincache/internal/hotness/expdecay"
	"github.com/placepin/pincache/internal/kvstore"
	"github.com/placepin/pincache/internal/logger"
	"github.com/placepin/pincache/internal/observability"
	"github.com/placepin/pincache/internal/optimistic"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address override")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = strings.TrimSpace(*addrFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.Console,
		Component: "debug-server",
	}, os.Stdout)

	observability.ExposeBuildInfo(Version)
	zl.Info().
		Str("addr", cfg.Addr).
		Str("version", Version).
		Str("backend", cfg.BackendURL).
		Msg("starting debug server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := httpapi.New(cfg.BackendURL, cfg.BackendToken, httpapi.NewOutbound(), zl)
	if err != nil {
		zl.Error().Err(err).Msg("backend client setup failed")
		return 1
	}

	var ready []func() error
	var store kvstore.Store
	if cfg.RedisAddr != "" {
		rs, err := kvstore.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			zl.Error().Err(err).Str("addr", cfg.RedisAddr).Msg("redis setup failed")
			return 1
		}
		defer rs.Close()
		store = rs
		ready = append(ready, func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, _, err := rs.Get(pingCtx, "pincache:ready")
			return err
		})
	}

	var hits *hitevents.Publisher
	if cfg.HitEvents.Enabled {
		hits, err = hitevents.NewPublisher(strings.Split(cfg.HitEvents.Brokers, ","), cfg.HitEvents.Topic, 256, zl)
		if err != nil {
			zl.Error().Err(err).Msg("hit event publisher setup failed")
			return 1
		}
		defer func() { _ = hits.Close() }()
	}

	cache := pincache.New(pincache.Config{
		MaxAge:       cfg.PinMaxAge,
		CommentsTTL:  cfg.CommentsTTL,
		CommentsSize: cfg.CommentsSize,
		Logger:       zl,
	})
	opt := optimistic.New(optimistic.Config{
		UserID: cfg.UserID,
		Store:  store,
		TTL:    cfg.OptimisticTTL,
		Logger: zl,
	})
	hot := expdecay.New(cfg.HotHalfLife)

	layer := bridge.New(bridge.Config{
		Backend:          client,
		Cache:            cache,
		Optimistic:       opt,
		Logger:           zl,
		UserID:           cfg.UserID,
		UserName:         cfg.UserName,
		Debounce:         cfg.Debounce,
		Hotness:          hot,
		Hits:             hits,
		PrewarmEnabled:   cfg.PrewarmEnabled,
		PrewarmThreshold: cfg.PrewarmThreshold,
	})

	// expired optimistic entries also get purged lazily on access; the
	// ticker just keeps the gauges honest while the surface is idle
	go func() {
		tick := time.NewTicker(time.Minute)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if n := opt.PurgeExpired(); n > 0 {
					zl.Debug().Int("purged", n).Msg("expired optimistic entries purged")
				}
			}
		}
	}()

	if err := debughttp.Run(ctx, debughttp.Config{
		Addr:    cfg.Addr,
		Logger:  zl,
		Bridge:  layer,
		Hotness: hot,
		Ready:   ready,
	}); err != nil {
		zl.Error().Err(err).Msg("debug server exited with error")
		return 1
	}
	zl.Info().Msg("debug server stopped")
	return 0
}
