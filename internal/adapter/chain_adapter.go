package adapter

import (
	"context"
	"fmt"

	"github.com/cctp-relayer/internal/models"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainAdapter defines the chain access the relay engine needs on one role
type ChainAdapter interface {
	// HeadBlock returns the latest block number on the chain
	HeadBlock(ctx context.Context) (uint64, error)

	// FilterSourceEvents returns the events that open jobs of kind, emitted by
	// contract within [fromBlock, toBlock]
	FilterSourceEvents(ctx context.Context, kind models.JobKind, contract string, fromBlock, toBlock uint64) ([]EventLog, error)

	// SubmitRelay sends the destination call for kind and returns the tx hash.
	// It is never retried.
	SubmitRelay(ctx context.Context, kind models.JobKind, contract string, message, attestation []byte) (string, error)

	// TransactionReceipt returns the receipt for txHash, or nil while the
	// transaction is not yet mined
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)

	// Role returns the chain role this adapter serves
	Role() models.ChainRole
}

// EventLog is one source-chain event matched by the scanner
type EventLog struct {
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
	// Event is the decoded *DepositInitiated or *WithdrawExecuted, nil when
	// the payload could not be decoded
	Event interface{}
}

// Receipt is the part of a destination receipt the engine reads
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Status      uint64
	GasUsed     uint64
}

// Succeeded reports whether the transaction executed without reverting
func (r *Receipt) Succeeded() bool {
	return r.Status == types.ReceiptStatusSuccessful
}

// Common error types for chain adapters

var (
	// ErrInvalidAddress indicates the address format is invalid
	ErrInvalidAddress = fmt.Errorf("invalid address format")

	// ErrInvalidBlockRange indicates fromBlock is after toBlock
	ErrInvalidBlockRange = fmt.Errorf("invalid block range")

	// ErrWrongChain indicates the job kind does not touch this chain role
	ErrWrongChain = fmt.Errorf("job kind does not use this chain")

	// ErrNoSigner indicates a submission on an adapter without a private key
	ErrNoSigner = fmt.Errorf("no signing key configured")

	// ErrUnknownKind indicates a job kind without an event or method binding
	ErrUnknownKind = fmt.Errorf("unknown job kind")
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	Chain   models.ChainRole
	Op      string // Operation that failed (e.g., "HeadBlock", "SubmitRelay")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain adapter error [%s:%s]: %v (details: %+v)", e.Chain, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain adapter error [%s:%s]: %v", e.Chain, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(chain models.ChainRole, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Chain:   chain,
		Op:      op,
		Err:     err,
		Details: details,
	}
}
