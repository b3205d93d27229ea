package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cctp-relayer/internal/logging"
	"github.com/cctp-relayer/internal/models"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DefaultEndpointCooldown is how long a rate limited endpoint is skipped
const DefaultEndpointCooldown = 60 * time.Second

// DialFunc connects to one RPC endpoint. The returned func closes it.
type DialFunc func(ctx context.Context, url string) (EthBackend, func(), error)

// DialEthClient is the DialFunc used outside tests
func DialEthClient(ctx context.Context, url string) (EthBackend, func(), error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

// RPCPoolConfig holds configuration for an RPC pool
type RPCPoolConfig struct {
	Role models.ChainRole

	// Endpoints are tried in order. The first one is preferred whenever it is
	// out of cooldown.
	Endpoints []string

	// Cooldown after a rate limit response. Default: 60s.
	Cooldown time.Duration

	// Dial defaults to DialEthClient.
	Dial DialFunc

	Logger *logging.Logger
	Now    func() time.Time
}

// RPCPool is an EthBackend spread over several endpoints of one chain.
// It sticks to the current endpoint until it answers with a rate limit
// error, then moves to the next endpoint that is not cooling down.
type RPCPool struct {
	role      models.ChainRole
	endpoints []string
	dial      DialFunc
	cooldown  time.Duration
	logger    *logging.Logger
	now       func() time.Time

	mu        sync.Mutex
	backends  []EthBackend
	closers   []func()
	current   int
	limitedAt map[int]time.Time
}

var _ EthBackend = (*RPCPool)(nil)

// ParseEndpoints splits a comma separated endpoint list, dropping blanks
func ParseEndpoints(urls string) []string {
	var endpoints []string
	for _, ep := range strings.Split(urls, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints
}

// NewRPCPool connects to the first endpoint. The others are dialed on first use.
func NewRPCPool(ctx context.Context, cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	p := &RPCPool{
		role:      cfg.Role,
		endpoints: cfg.Endpoints,
		dial:      cfg.Dial,
		cooldown:  cfg.Cooldown,
		logger:    cfg.Logger,
		now:       cfg.Now,
		backends:  make([]EthBackend, len(cfg.Endpoints)),
		closers:   make([]func(), len(cfg.Endpoints)),
		limitedAt: make(map[int]time.Time),
	}
	if p.dial == nil {
		p.dial = DialEthClient
	}
	if p.cooldown == 0 {
		p.cooldown = DefaultEndpointCooldown
	}
	if p.logger == nil {
		p.logger = logging.GetGlobalLogger()
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.logger = p.logger.WithField("chain", string(cfg.Role))

	if err := p.connect(ctx, 0); err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	if len(p.endpoints) > 1 {
		p.logger.Infof("RPC pool initialized with %d endpoints", len(p.endpoints))
	}
	return p, nil
}

// connect dials endpoint i if needed; caller holds mu or owns p exclusively
func (p *RPCPool) connect(ctx context.Context, i int) error {
	if p.backends[i] != nil {
		return nil
	}
	backend, closer, err := p.dial(ctx, p.endpoints[i])
	if err != nil {
		return err
	}
	p.backends[i] = backend
	p.closers[i] = closer
	return nil
}

func (p *RPCPool) coolingDown(i int) bool {
	at, ok := p.limitedAt[i]
	if !ok {
		return false
	}
	if p.now().Sub(at) < p.cooldown {
		return true
	}
	delete(p.limitedAt, i)
	return false
}

// backend returns the endpoint to use, falling back to the primary once its
// cooldown is over
func (p *RPCPool) backend(ctx context.Context) (int, EthBackend) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != 0 && !p.coolingDown(0) {
		if err := p.connect(ctx, 0); err == nil {
			p.logger.Info("Switched back to primary RPC endpoint")
			p.current = 0
		}
	}
	return p.current, p.backends[p.current]
}

// onRateLimited marks endpoint i as limited and moves to the next usable one.
// A stale index from a concurrent caller that already switched is ignored.
func (p *RPCPool) onRateLimited(ctx context.Context, i int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.limitedAt[i] = p.now()
	if i != p.current {
		return
	}

	for step := 1; step < len(p.endpoints); step++ {
		next := (i + step) % len(p.endpoints)
		if p.coolingDown(next) {
			continue
		}
		if err := p.connect(ctx, next); err != nil {
			p.logger.WithField("endpoint", next).WithError(err).Warn("Failed to connect to RPC endpoint")
			continue
		}
		p.logger.WithFields(map[string]interface{}{
			"from": i,
			"to":   next,
		}).Warn("RPC endpoint rate limited, switching")
		p.current = next
		return
	}
	p.logger.Warnf("All %d RPC endpoints are rate limited", len(p.endpoints))
}

func (p *RPCPool) call(ctx context.Context, fn func(EthBackend) error) error {
	i, b := p.backend(ctx)
	err := fn(b)
	if IsRateLimitError(err) {
		p.onRateLimited(ctx, i)
	}
	return err
}

// CurrentEndpoint returns the index of the endpoint in use
func (p *RPCPool) CurrentEndpoint() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// IsRateLimitError reports whether err looks like an HTTP 429 or a provider
// throttling message
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}

// Close closes every dialed endpoint
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, closer := range p.closers {
		if closer != nil {
			closer()
		}
		p.closers[i] = nil
		p.backends[i] = nil
	}
}

func (p *RPCPool) ChainID(ctx context.Context) (id *big.Int, err error) {
	err = p.call(ctx, func(b EthBackend) error {
		id, err = b.ChainID(ctx)
		return err
	})
	return id, err
}

func (p *RPCPool) BlockNumber(ctx context.Context) (n uint64, err error) {
	err = p.call(ctx, func(b EthBackend) error {
		n, err = b.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (p *RPCPool) TransactionReceipt(ctx context.Context, txHash common.Hash) (r *types.Receipt, err error) {
	err = p.call(ctx, func(b EthBackend) error {
		r, err = b.TransactionReceipt(ctx, txHash)
		return err
	})
	return r, err
}

func (p *RPCPool) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) (code []byte, err error) {
	err = p.call(ctx, func(b EthBackend) error {
		code, err = b.CodeAt(ctx, contract, blockNumber)
		return err
	})
	return code, err
}

func (p *RPCPool) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) (out []byte, err error) {
	err = p.call(ctx, func(b EthBackend) error {
		out, err = b.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (p *RPCPool) HeaderByNumber(ctx context.Context, number *big.Int) (h *types.Header, err error) {
	err = p.call(ctx, func(b EthBackend) error {
		h, err = b.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

func (p *RPCPool) PendingCodeAt(ctx context.Context, account common.Address) (code []byte, err error) {
	err = p.call(ctx, func(b EthBackend) error {
		code, err = b.PendingCodeAt(ctx, account)
		return err
	})
	return code, err
}

func (p *RPCPool) PendingNonceAt(ctx context.Context, account common.Address) (nonce uint64, err error) {
	err = p.call(ctx, func(b EthBackend) error {
		nonce, err = b.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (p *RPCPool) SuggestGasPrice(ctx context.Context) (price *big.Int, err error) {
	err = p.call(ctx, func(b EthBackend) error {
		price, err = b.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (p *RPCPool) SuggestGasTipCap(ctx context.Context) (tip *big.Int, err error) {
	err = p.call(ctx, func(b EthBackend) error {
		tip, err = b.SuggestGasTipCap(ctx)
		return err
	})
	return tip, err
}

func (p *RPCPool) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (gas uint64, err error) {
	err = p.call(ctx, func(b EthBackend) error {
		gas, err = b.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

func (p *RPCPool) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return p.call(ctx, func(b EthBackend) error {
		return b.SendTransaction(ctx, tx)
	})
}

func (p *RPCPool) FilterLogs(ctx context.Context, q ethereum.FilterQuery) (logs []types.Log, err error) {
	err = p.call(ctx, func(b EthBackend) error {
		logs, err = b.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

func (p *RPCPool) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (sub ethereum.Subscription, err error) {
	err = p.call(ctx, func(b EthBackend) error {
		sub, err = b.SubscribeFilterLogs(ctx, q, ch)
		return err
	})
	return sub, err
}
