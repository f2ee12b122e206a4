// Package cxhealthd parses daemon flags and wires the source, engine,
// classifier, cache, loader and HTTP API into one process.
package cxhealthd

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cxhealth/cxhealth/internal/cache"
	"github.com/cxhealth/cxhealth/internal/churn"
	"github.com/cxhealth/cxhealth/internal/config"
	"github.com/cxhealth/cxhealth/internal/engine"
	"github.com/cxhealth/cxhealth/internal/loader"
	"github.com/cxhealth/cxhealth/internal/metrics"
	"github.com/cxhealth/cxhealth/internal/source"
	"github.com/cxhealth/cxhealth/pkg/api"
	"github.com/cxhealth/cxhealth/pkg/health"
	"github.com/cxhealth/cxhealth/pkg/utils"
)

// Flags holds command-line options.
type Flags struct {
	ConfigFile string
	EnvFile    string
	Once       bool
	Force      bool
}

// ParseFlags parses args into Flags.
func ParseFlags(fs *flag.FlagSet, args []string) (Flags, error) {
	var f Flags
	fs.StringVar(&f.ConfigFile, "config", "", "Path to a YAML configuration file")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "Path to a dotenv file; skipped when missing")
	fs.BoolVar(&f.Once, "once", false, "Load once, print the portfolio summary as JSON and exit")
	fs.BoolVar(&f.Force, "force", false, "With -once, skip cache hydration and recompute")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	if f.Force && !f.Once {
		return Flags{}, fmt.Errorf("-force requires -once")
	}
	return f, nil
}

// Run builds the process from configuration and either serves the API until
// ctx is cancelled or performs one load and writes the summary to out.
func Run(ctx context.Context, f Flags, out io.Writer) error {
	if err := config.LoadDotEnv(f.EnvFile); err != nil {
		return err
	}
	cfg, err := config.Load(f.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := utils.NewLogger(utils.LoggerConfig{
		Level:  cfg.Global.LogLevel,
		Format: cfg.Global.LogFormat,
		File:   cfg.Global.LogFile,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logCloser.Close()

	collector := metrics.NewNop()
	if cfg.Metrics.Enabled {
		collector, err = metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Namespace: cfg.Metrics.Namespace,
			Path:      cfg.Metrics.Path,
		})
		if err != nil {
			return fmt.Errorf("create metrics collector: %w", err)
		}
	}

	tracker := health.NewTracker(health.DefaultConfig(), logger)
	cm, err := cache.NewManager(cfg.Cache, logger, cache.WithMetrics(collector), cache.WithHealth(tracker))
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	defer cm.Close()
	if err := cm.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("Distributed cache unreachable, continuing with memory and disk tiers")
	}

	tracker.RegisterComponent(loader.ComponentSource, true, nil)
	if cfg.Cache.Distributed.Enabled {
		tracker.RegisterComponent(cache.HealthComponent(cache.TierDistributed), false, cm.Ping)
	}
	if cfg.Cache.Disk.Enabled {
		tracker.RegisterComponent(cache.HealthComponent(cache.TierDisk), false, nil)
	}

	src, err := source.New(ctx, cfg.Source, logger)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	defer func() {
		if err := source.Close(src); err != nil {
			logger.Warn().Err(err).Msg("Failed to close source")
		}
	}()

	clf, err := churn.New(cfg.Churn, logger)
	if err != nil {
		return fmt.Errorf("create classifier: %w", err)
	}

	ldr := loader.New(src, engine.New(logger, collector), clf, cm, logger,
		loader.WithMetrics(collector),
		loader.WithHealth(tracker),
		loader.WithAsOf(cfg.AsOfTime()),
	)

	logger.Info().
		Str("source", src.Name()).
		Str("classifier", cfg.Churn.Mode).
		Str("cache_version", cm.Version()).
		Msg("cxhealthd configured")

	if f.Once {
		return runOnce(ctx, ldr, f.Force, out)
	}
	go tracker.StartHealthChecks(ctx)
	return serve(ctx, cfg, ldr, collector, tracker, logger)
}

func runOnce(ctx context.Context, ldr *loader.Loader, force bool, out io.Writer) error {
	snap, err := ldr.Load(ctx, force)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(snap.Summary)
}

func serve(ctx context.Context, cfg *config.Configuration, ldr *loader.Loader, collector *metrics.Collector, tracker *health.Tracker, logger zerolog.Logger) error {
	srvCfg := api.DefaultServerConfig()
	srvCfg.Address = cfg.Global.ListenAddr
	srvCfg.EnableMetrics = cfg.Metrics.Enabled
	srvCfg.EnableProfiling = cfg.Global.EnableProfiling
	server := api.NewServer(srvCfg, ldr, collector, logger, api.WithHealthTracker(tracker))

	ldr.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.Global.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info().Msg("cxhealthd stopped")
	return nil
}
