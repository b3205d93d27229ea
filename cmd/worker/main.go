// Package main provides the relay engine entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cctp-relayer/internal/api"
	"github.com/cctp-relayer/internal/config"
	"github.com/cctp-relayer/internal/logging"
	"github.com/cctp-relayer/internal/retry"
	"github.com/cctp-relayer/internal/service"
	"github.com/cctp-relayer/internal/storage"
	"github.com/cctp-relayer/internal/worker"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		logging.GetGlobalLogger().WithError(err).Error("Relayer exited with error")
		_ = logging.GetGlobalLogger().Sync()
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer func() { err = multierr.Append(err, store.Close()) }()
	logger.WithField("driver", cfg.Database.Driver).Info("Job store ready")

	components, err := service.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, components.Close()) }()

	policy := retry.DefaultPolicy().WithMaxAttempts(cfg.Relay.MaxRetries)
	engine, err := worker.NewEngine(&worker.EngineConfig{
		Store:                   store,
		Chains:                  components.Chains,
		Attestation:             components.Iris,
		Alerts:                  components.Alerts,
		Policy:                  &policy,
		RelayEnabled:            cfg.Relay.Enabled,
		BlockBatch:              cfg.Relay.BlockBatch,
		ScanInterval:            cfg.Relay.ScanInterval,
		IrisPollInterval:        cfg.Iris.PollInterval,
		ReceiptPollInterval:     cfg.Relay.ReceiptPollInterval,
		AttestationPendingAfter: cfg.Alert.AttestationPendingAfter,
		RelayPendingAfter:       cfg.Alert.RelayPendingAfter,
		Logger:                  logger,
	})
	if err != nil {
		return err
	}

	if !cfg.Relay.Enabled {
		logger.Warn("RELAY_ENABLED=0, running in monitor-only mode")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	if cfg.API.Enabled {
		serverCfg := api.DefaultServerConfig(cfg.API.Host, cfg.API.Port)
		serverCfg.Logger = logger
		serverCfg.Components = components.StatusReporters()
		server := api.NewServer(serverCfg, store)

		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			return server.Shutdown(context.Background())
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Relayer stopped")
	return nil
}
