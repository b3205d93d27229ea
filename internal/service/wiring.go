package service

import (
	"context"
	"fmt"

	"github.com/cctp-relayer/internal/adapter"
	"github.com/cctp-relayer/internal/alert"
	"github.com/cctp-relayer/internal/api"
	"github.com/cctp-relayer/internal/config"
	"github.com/cctp-relayer/internal/logging"
	"github.com/cctp-relayer/internal/models"
	"github.com/cctp-relayer/internal/ratelimit"
	"github.com/cctp-relayer/internal/storage"
	"github.com/cctp-relayer/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

// Components are the long-lived clients a relayer process builds from config
type Components struct {
	Chains map[models.ChainRole]worker.ChainEndpoint
	Iris   *adapter.IrisClient
	Alerts *alert.Dispatcher
	Redis  *redis.Client

	// Budget is the shared attestation budget, nil without Redis
	Budget *ratelimit.BudgetTracker

	closers []func() error
}

// Close releases every client. Errors are combined.
func (c *Components) Close() error {
	var errs error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, c.closers[i]())
	}
	c.closers = nil
	return errs
}

// Build dials both chains and creates the attestation client and alert
// dispatcher. Redis is optional; without it the shared budget is skipped.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Components, error) {
	c := &Components{Chains: make(map[models.ChainRole]worker.ChainEndpoint, 2)}

	if cfg.Database.Redis.Addr != "" {
		client, err := storage.NewRedisClient(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, shared attestation budget disabled")
		} else {
			c.Redis = client
			c.closers = append(c.closers, client.Close)
		}
	}

	for role, chainCfg := range map[models.ChainRole]config.ChainConfig{
		models.ChainL1: cfg.Chains.L1,
		models.ChainL2: cfg.Chains.L2,
	} {
		ep, chain, err := buildChain(ctx, role, chainCfg, logger)
		if err != nil {
			return nil, multierr.Append(err, c.Close())
		}
		c.Chains[role] = ep
		c.closers = append(c.closers, func() error { chain.Close(); return nil })
	}

	irisLimiter, budget, err := attestationLimiter(cfg.Iris, c.Redis)
	if err != nil {
		return nil, multierr.Append(err, c.Close())
	}
	c.Budget = budget
	c.Iris = adapter.NewIrisClient(adapter.IrisClientConfig{
		BaseURL: cfg.Iris.BaseURL,
		Limiter: irisLimiter,
	})

	c.Alerts = alert.NewDispatcher(alert.Config{
		WebhookURL: cfg.Alert.WebhookURL,
		Kind:       cfg.Alert.WebhookKind,
		Logger:     logger,
	})
	if !c.Alerts.Enabled() {
		logger.Warn("ALERT_WEBHOOK_URL not set, alerts are disabled")
	}

	return c, nil
}

func buildChain(ctx context.Context, role models.ChainRole, cfg config.ChainConfig, logger *logging.Logger) (worker.ChainEndpoint, *adapter.EthereumAdapter, error) {
	chain, err := adapter.NewEthereumAdapter(ctx, &adapter.EthereumAdapterConfig{
		Role:       role,
		RPCURL:     cfg.RPCURL,
		PrivateKey: cfg.PrivateKey,
		Limiter:    ratelimit.NewLocalLimiter(cfg.RPCRatePerSecond),
		Logger:     logger,
	})
	if err != nil {
		return worker.ChainEndpoint{}, nil, fmt.Errorf("failed to create %s adapter: %w", role, err)
	}

	for name, addr := range map[string]string{"scan": cfg.ScanContract, "relay": cfg.RelayContract} {
		if addr != "" && !chain.ValidateAddress(addr) {
			chain.Close()
			return worker.ChainEndpoint{}, nil, fmt.Errorf("invalid %s %s contract address %q", role, name, addr)
		}
	}

	return worker.ChainEndpoint{
		Chain:         chain,
		Domain:        cfg.Domain,
		Confirmations: cfg.Confirmations,
		ScanContract:  cfg.ScanContract,
		RelayContract: cfg.RelayContract,
	}, chain, nil
}

// attestationLimiter chains the process-local bucket with the shared budget
func attestationLimiter(cfg config.IrisConfig, client *redis.Client) (ratelimit.Limiter, *ratelimit.BudgetTracker, error) {
	local := ratelimit.NewLocalLimiter(cfg.RatePerSecond)
	if client == nil || cfg.BudgetPerMinute <= 0 {
		return local, nil, nil
	}

	budget, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
		Redis:  client,
		Name:   "iris",
		Budget: cfg.BudgetPerMinute,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create attestation budget: %w", err)
	}
	return ratelimit.Chain(local, budget), budget, nil
}

// StatusReporters exposes the runtime state of the components on the ops API
func (c *Components) StatusReporters() map[string]api.ComponentStatus {
	reporters := map[string]api.ComponentStatus{
		"alertWebhook": func(context.Context) (interface{}, error) {
			return c.Alerts.BreakerStats(), nil
		},
	}
	if c.Budget != nil {
		reporters["attestationBudget"] = func(ctx context.Context) (interface{}, error) {
			used, err := c.Budget.Used(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]int{"used": used, "budget": c.Budget.Budget()}, nil
		}
	}
	return reporters
}
