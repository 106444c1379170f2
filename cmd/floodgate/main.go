package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"floodgate/cfg"
	"floodgate/metrics"
	"floodgate/svc/anomaly"
	"floodgate/svc/api"
	"floodgate/svc/breaker"
	"floodgate/svc/collect"
	"floodgate/svc/util"

	"golang.org/x/sync/errgroup"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting floodgate")
	metrics.Init()

	hasher, err := util.NewIdentityHasher([]byte(c.IdentityPepper.Value()), c.IdentityRotationInterval)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize identity hasher")
		os.Exit(1)
	}
	defer hasher.Stop()
	util.Info().Dur("rotation_interval", c.IdentityRotationInterval).Msg("identity hasher initialized")

	brk, err := breaker.NewAdaptive(breaker.Config{
		Window:          time.Duration(c.Breaker.WindowSeconds) * time.Second,
		QPSMax:          c.Breaker.QPSMax,
		BanDuration:     time.Duration(c.Breaker.BanSeconds) * time.Second,
		CleanupInterval: c.Breaker.CleanupInterval,
	})
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create circuit breaker")
		os.Exit(1)
	}
	defer brk.Stop()
	util.Info().
		Int("window_seconds", c.Breaker.WindowSeconds).
		Float64("qps_max", c.Breaker.QPSMax).
		Int("ban_seconds", c.Breaker.BanSeconds).
		Msg("circuit breaker initialized")

	col, err := collect.New(c.Collector.MaxEventsPerKey, c.Collector.Retention)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create event collector")
		os.Exit(1)
	}
	defer col.Stop()
	util.Info().
		Int("max_events_per_key", c.Collector.MaxEventsPerKey).
		Dur("retention", c.Collector.Retention).
		Msg("event collector initialized")

	det, err := anomaly.New(anomaly.Config{
		Window:          time.Duration(c.Detector.WindowSeconds) * time.Second,
		DefaultBaseline: c.Detector.DefaultBaseline,
		Alpha:           c.Detector.Alpha,
		MaxScopes:       c.Detector.MaxScopes,
		Weights: anomaly.Weights{
			Burst:       c.Detector.WeightBurst,
			Duplication: c.Detector.WeightDuplication,
			Entropy:     c.Detector.WeightEntropy,
			Velocity:    c.Detector.WeightVelocity,
		},
	})
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create anomaly detector")
		os.Exit(1)
	}
	util.Info().Int("window_seconds", c.Detector.WindowSeconds).Msg("anomaly detector initialized")

	server, mw := api.NewServer(c, api.Deps{
		Breaker:   brk,
		Admitter:  brk,
		Collector: col,
		Detector:  det,
		Hasher:    hasher,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sampleLoad(ctx, mw, brk, c)
	go maintainBaselines(ctx, col, det, c)

	go func() {
		util.Info().Msg("starting pprof server on :6060")
		if err := http.ListenAndServe(":6060", nil); err != nil {
			util.Warn().Err(err).Msg("pprof server failed")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start()
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-gctx.Done():
	}
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	if err := g.Wait(); err != nil {
		util.Error().Err(err).Msg("server exited with error")
	}
	util.Info().Msg("shutdown complete")
}

// sampleLoad derives the adaptive breaker's load signal from in-flight
// request pressure against the configured ceiling.
func sampleLoad(ctx context.Context, mw *api.Mw, brk *breaker.AdaptiveCircuitBreaker, c *cfg.Cfg) {
	ticker := time.NewTicker(c.LoadSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			load := float64(mw.InFlight()) / float64(c.MaxInFlight) * 100
			brk.UpdateSystemLoad(load)
		case <-ctx.Done():
			return
		}
	}
}

// maintainBaselines periodically folds per-key event rates into the
// detector's EMA baselines, outside the scoring path.
func maintainBaselines(ctx context.Context, col *collect.Collector, det *anomaly.Detector, c *cfg.Cfg) {
	ticker := time.NewTicker(c.BaselineInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, key := range col.Keys() {
				sample := float64(len(col.GetEvents(key, time.Minute)))
				det.UpdateBaseline(key, sample)
				metrics.BaselineUpdates.Inc()
			}
		case <-ctx.Done():
			return
		}
	}
}
