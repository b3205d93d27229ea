package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cctp-relayer/internal/logging"
	"github.com/cctp-relayer/internal/models"
	"github.com/cctp-relayer/internal/ratelimit"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPC read retry options. Submissions are never retried.
var (
	RtyAttNum = uint(3)
	RtyAtt    = retry.Attempts(RtyAttNum)
	RtyDel    = retry.Delay(time.Millisecond * 400)
	RtyErr    = retry.LastErrorOnly(true)
)

// DefaultCallTimeout bounds every RPC call
const DefaultCallTimeout = 10 * time.Second

// EthBackend is the RPC surface the adapter uses
type EthBackend interface {
	bind.ContractBackend
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Ensure ethclient.Client implements EthBackend interface
var _ EthBackend = (*ethclient.Client)(nil)

// EthereumAdapterConfig holds configuration for one chain role
type EthereumAdapterConfig struct {
	// Role is the chain role served. Required.
	Role models.ChainRole

	// RPCURL is the JSON-RPC endpoint, used by NewEthereumAdapter. A comma
	// separated list enables failover on rate limiting.
	RPCURL string

	// Dial connects to one endpoint. Default: DialEthClient.
	Dial DialFunc

	// PrivateKey is the hex signing key for destination calls. Without it
	// the adapter is read-only.
	PrivateKey string

	// Limiter bounds RPC calls. Default: unlimited.
	Limiter ratelimit.Limiter

	// CallTimeout bounds each RPC call. Default: 10s.
	CallTimeout time.Duration

	// Logger defaults to the global logger.
	Logger *logging.Logger
}

// EthereumAdapter implements ChainAdapter for EVM chains via go-ethereum
type EthereumAdapter struct {
	role        models.ChainRole
	backend     EthBackend
	chainID     *big.Int
	signer      *bind.TransactOpts
	limiter     ratelimit.Limiter
	callTimeout time.Duration
	logger      *logging.Logger
	closer      func()
}

// Ensure EthereumAdapter implements ChainAdapter interface
var _ ChainAdapter = (*EthereumAdapter)(nil)

// NewEthereumAdapter dials the RPC endpoint and creates an adapter for the role
func NewEthereumAdapter(ctx context.Context, cfg *EthereumAdapterConfig) (*EthereumAdapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	if cfg.RPCURL == "" {
		return nil, NewAdapterError(cfg.Role, "NewEthereumAdapter", fmt.Errorf("rpc url is required"), nil)
	}

	pool, err := NewRPCPool(ctx, &RPCPoolConfig{
		Role:      cfg.Role,
		Endpoints: ParseEndpoints(cfg.RPCURL),
		Dial:      cfg.Dial,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, NewAdapterError(cfg.Role, "NewEthereumAdapter", err, nil)
	}

	a, err := NewEthereumAdapterWithBackend(ctx, cfg, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.closer = pool.Close
	return a, nil
}

// NewEthereumAdapterWithBackend creates an adapter on an existing backend.
// The chain id is read once to bind the transactor.
func NewEthereumAdapterWithBackend(ctx context.Context, cfg *EthereumAdapterConfig, backend EthBackend) (*EthereumAdapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}

	a := &EthereumAdapter{
		role:        cfg.Role,
		backend:     backend,
		limiter:     cfg.Limiter,
		callTimeout: cfg.CallTimeout,
		logger:      cfg.Logger,
	}
	if a.limiter == nil {
		a.limiter = ratelimit.Unlimited()
	}
	if a.callTimeout == 0 {
		a.callTimeout = DefaultCallTimeout
	}
	if a.logger == nil {
		a.logger = logging.GetGlobalLogger()
	}
	a.logger = a.logger.WithField("chain", string(cfg.Role))

	err := a.read(ctx, "ChainID", func(ctx context.Context) error {
		id, err := backend.ChainID(ctx)
		a.chainID = id
		return err
	})
	if err != nil {
		return nil, NewAdapterError(cfg.Role, "ChainID", err, nil)
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, NewAdapterError(cfg.Role, "NewEthereumAdapter", fmt.Errorf("invalid private key: %w", err), nil)
		}
		signer, err := bind.NewKeyedTransactorWithChainID(key, a.chainID)
		if err != nil {
			return nil, NewAdapterError(cfg.Role, "NewEthereumAdapter", err, nil)
		}
		a.signer = signer
	}

	a.logger.WithFields(map[string]interface{}{
		"chainId": a.chainID.String(),
		"signer":  a.From(),
	}).Info("Chain adapter ready")

	return a, nil
}

// HeadBlock returns the latest block number
func (a *EthereumAdapter) HeadBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := a.read(ctx, "HeadBlock", func(ctx context.Context) error {
		n, err := a.backend.BlockNumber(ctx)
		head = n
		return err
	})
	if err != nil {
		return 0, NewAdapterError(a.role, "HeadBlock", err, nil)
	}
	return head, nil
}

// FilterSourceEvents returns the source events for kind emitted by contract
// within [fromBlock, toBlock]. Logs removed by a reorg are skipped.
func (a *EthereumAdapter) FilterSourceEvents(ctx context.Context, kind models.JobKind, contract string, fromBlock, toBlock uint64) ([]EventLog, error) {
	details := map[string]interface{}{
		"kind":      kind,
		"fromBlock": fromBlock,
		"toBlock":   toBlock,
	}
	if kind.SourceChain() != a.role {
		return nil, NewAdapterError(a.role, "FilterSourceEvents", ErrWrongChain, details)
	}
	if !a.ValidateAddress(contract) {
		return nil, NewAdapterError(a.role, "FilterSourceEvents", ErrInvalidAddress, details)
	}
	if fromBlock > toBlock {
		return nil, NewAdapterError(a.role, "FilterSourceEvents", ErrInvalidBlockRange, details)
	}
	topic, err := SourceEventTopic(kind)
	if err != nil {
		return nil, NewAdapterError(a.role, "FilterSourceEvents", err, details)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{common.HexToAddress(contract)},
		Topics:    [][]common.Hash{{topic}},
	}

	var logs []types.Log
	err = a.read(ctx, "FilterLogs", func(ctx context.Context) error {
		result, err := a.backend.FilterLogs(ctx, query)
		logs = result
		return err
	})
	if err != nil {
		return nil, NewAdapterError(a.role, "FilterSourceEvents", err, details)
	}

	events := make([]EventLog, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		decoded, err := DecodeSourceEvent(kind, lg)
		if err != nil {
			a.logger.WithField("txHash", lg.TxHash.Hex()).WithError(err).Warn("Could not decode source event")
		}
		events = append(events, EventLog{
			TxHash:      lg.TxHash.Hex(),
			BlockNumber: lg.BlockNumber,
			LogIndex:    lg.Index,
			Event:       decoded,
		})
	}

	a.logger.WithFields(details).Debugf("Filtered %d source events", len(events))
	return events, nil
}

// SubmitRelay sends finalize or receiveMessage for kind and returns the tx hash
func (a *EthereumAdapter) SubmitRelay(ctx context.Context, kind models.JobKind, contract string, message, attestation []byte) (string, error) {
	binding, ok := relayMethods[kind]
	if !ok {
		return "", NewAdapterError(a.role, "SubmitRelay", fmt.Errorf("%w: %s", ErrUnknownKind, kind), nil)
	}
	details := map[string]interface{}{
		"kind":   kind,
		"method": binding.name,
	}
	if kind.DestinationChain() != a.role {
		return "", NewAdapterError(a.role, "SubmitRelay", ErrWrongChain, details)
	}
	if a.signer == nil {
		return "", NewAdapterError(a.role, "SubmitRelay", ErrNoSigner, details)
	}
	if !a.ValidateAddress(contract) {
		return "", NewAdapterError(a.role, "SubmitRelay", ErrInvalidAddress, details)
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return "", NewAdapterError(a.role, "SubmitRelay", err, details)
	}
	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	opts := *a.signer
	opts.Context = callCtx

	bound := bind.NewBoundContract(common.HexToAddress(contract), binding.contract, a.backend, a.backend, a.backend)
	tx, err := bound.Transact(&opts, binding.name, message, attestation)
	if err != nil {
		return "", NewAdapterError(a.role, "SubmitRelay", err, details)
	}

	a.logger.WithFields(details).WithField("txHash", tx.Hash().Hex()).Info("Relay transaction submitted")
	return tx.Hash().Hex(), nil
}

// TransactionReceipt returns the receipt for txHash, or nil if not yet mined
func (a *EthereumAdapter) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	if err := ValidateTxHash(txHash); err != nil {
		return nil, NewAdapterError(a.role, "TransactionReceipt", err, nil)
	}

	var receipt *types.Receipt
	err := a.read(ctx, "TransactionReceipt", func(ctx context.Context) error {
		r, err := a.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
		if errors.Is(err, ethereum.NotFound) {
			receipt = nil
			return nil
		}
		receipt = r
		return err
	})
	if err != nil {
		return nil, NewAdapterError(a.role, "TransactionReceipt", err, map[string]interface{}{
			"txHash": txHash,
		})
	}
	if receipt == nil {
		return nil, nil
	}

	out := &Receipt{
		TxHash:  txHash,
		Status:  receipt.Status,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// ValidateAddress checks if address is a 0x-prefixed 20-byte hex string
func (a *EthereumAdapter) ValidateAddress(address string) bool {
	return strings.HasPrefix(address, "0x") && common.IsHexAddress(address)
}

// Role returns the chain role
func (a *EthereumAdapter) Role() models.ChainRole {
	return a.role
}

// ChainID returns the chain id read at construction
func (a *EthereumAdapter) ChainID() *big.Int {
	return new(big.Int).Set(a.chainID)
}

// From returns the signer address, empty for a read-only adapter
func (a *EthereumAdapter) From() string {
	if a.signer == nil {
		return ""
	}
	return a.signer.From.Hex()
}

// read runs fn under the limiter and a per-call timeout, retrying transient
// RPC failures
func (a *EthereumAdapter) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(
		func() error {
			if err := a.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
			defer cancel()
			return fn(callCtx)
		},
		retry.Context(ctx),
		RtyAtt,
		RtyDel,
		RtyErr,
		retry.RetryIf(isRetryableRPCError),
		retry.OnRetry(func(n uint, err error) {
			a.logger.WithFields(map[string]interface{}{
				"op":      op,
				"attempt": n + 1,
			}).WithError(err).Warn("Retrying RPC call")
		}),
	)
}

var retryableRPCErrors = []string{
	"rate limit",
	"too many requests",
	"429",
	"timeout",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"no such host",
	"eof",
	"502",
	"503",
	"bad gateway",
	"service unavailable",
}

// isRetryableRPCError determines if an RPC read failure is worth another try
func isRetryableRPCError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range retryableRPCErrors {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// Close closes the RPC connection
func (a *EthereumAdapter) Close() {
	if a.closer != nil {
		a.closer()
	}
}
