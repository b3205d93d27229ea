// Package service holds operator workflows built on the relay components.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cctp-relayer/internal/adapter"
	"github.com/cctp-relayer/internal/logging"
	"github.com/cctp-relayer/internal/models"
	"github.com/cctp-relayer/internal/worker"

	relayerrors "github.com/cctp-relayer/internal/errors"
)

// ErrAttestationTimeout is returned when the attestation does not complete in time
var ErrAttestationTimeout = errors.New("attestation not complete before timeout")

// ManualRelayConfig holds configuration for one-shot relays
type ManualRelayConfig struct {
	Attestation worker.AttestationSource
	Chains      map[models.ChainRole]worker.ChainEndpoint

	// Classifier detects messages already consumed on the destination.
	// Default: relayerrors.AlreadyProcessedClassifier().
	Classifier relayerrors.Classifier

	// PollInterval spaces attestation and receipt queries. Default: 5s.
	PollInterval time.Duration
	// Timeout bounds the whole relay. Default: 30m.
	Timeout time.Duration
	// WaitReceipt waits for the destination receipt after submitting
	WaitReceipt bool

	Logger *logging.Logger
}

// ManualRelayResult describes one completed manual relay
type ManualRelayResult struct {
	Kind             models.JobKind
	SourceTxHash     string
	EventNonce       string
	DestChain        models.ChainRole
	DestTxHash       string
	AlreadyProcessed bool
	Reason           string
	Receipt          *adapter.Receipt
}

// ManualRelayer relays a single transfer without the job store. It is the
// operator path for transfers the engine missed or must not touch.
type ManualRelayer struct {
	source       worker.AttestationSource
	chains       map[models.ChainRole]worker.ChainEndpoint
	classifier   relayerrors.Classifier
	pollInterval time.Duration
	timeout      time.Duration
	waitReceipt  bool
	logger       *logging.Logger
}

// NewManualRelayer creates a manual relayer
func NewManualRelayer(cfg ManualRelayConfig) (*ManualRelayer, error) {
	if cfg.Attestation == nil {
		return nil, fmt.Errorf("attestation source cannot be nil")
	}
	for _, role := range []models.ChainRole{models.ChainL1, models.ChainL2} {
		if ep, ok := cfg.Chains[role]; !ok || ep.Chain == nil {
			return nil, fmt.Errorf("chain adapter for %s cannot be nil", role)
		}
	}

	r := &ManualRelayer{
		source:       cfg.Attestation,
		chains:       cfg.Chains,
		classifier:   cfg.Classifier,
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		waitReceipt:  cfg.WaitReceipt,
		logger:       cfg.Logger,
	}
	if r.classifier == nil {
		r.classifier = relayerrors.AlreadyProcessedClassifier()
	}
	if r.pollInterval <= 0 {
		r.pollInterval = worker.DefaultIrisPollInterval
	}
	if r.timeout <= 0 {
		r.timeout = 30 * time.Minute
	}
	if r.logger == nil {
		r.logger = logging.GetGlobalLogger()
	}
	return r, nil
}

// Relay waits for the attestation of txHash and submits it to the
// destination chain of kind
func (r *ManualRelayer) Relay(ctx context.Context, kind models.JobKind, txHash string) (*ManualRelayResult, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	if err := adapter.ValidateTxHash(txHash); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	source := r.chains[kind.SourceChain()]
	destRole := kind.DestinationChain()
	dest := r.chains[destRole]
	logger := r.logger.WithFields(map[string]interface{}{
		"kind":   kind,
		"txHash": txHash,
	})

	att, err := r.WaitForAttestation(ctx, source.Domain, txHash)
	if err != nil {
		return nil, err
	}
	logger.WithField("eventNonce", att.EventNonce).Info("Attestation complete")

	result := &ManualRelayResult{
		Kind:         kind,
		SourceTxHash: txHash,
		EventNonce:   att.EventNonce,
		DestChain:    destRole,
	}

	destTx, err := dest.Chain.SubmitRelay(ctx, kind, dest.RelayContract, att.Message, att.Attestation)
	if err != nil {
		if r.classifier(err) {
			result.AlreadyProcessed = true
			result.Reason = err.Error()
			logger.Info("Destination already processed")
			return result, nil
		}
		return result, fmt.Errorf("submit relay: %w", err)
	}
	result.DestTxHash = destTx
	logger.WithField("destTx", destTx).Info("Relay submitted")

	if !r.waitReceipt {
		return result, nil
	}

	receipt, err := r.waitForReceipt(ctx, dest.Chain, destTx)
	if err != nil {
		return result, err
	}
	result.Receipt = receipt
	if !receipt.Succeeded() {
		return result, fmt.Errorf("dest tx reverted: %s", destTx)
	}
	return result, nil
}

// WaitForAttestation polls until the attestation completes or ctx ends.
// Retryable query errors are retried.
func (r *ManualRelayer) WaitForAttestation(ctx context.Context, domain uint32, txHash string) (adapter.PollResult, error) {
	for {
		res := r.source.Poll(ctx, domain, txHash)

		wait := r.pollInterval
		switch res.State {
		case adapter.PollComplete:
			return res, nil
		case adapter.PollRateLimited:
			if res.RetryAfter > wait {
				wait = res.RetryAfter
			}
		case adapter.PollError:
			if !relayerrors.IsRetryable(res.Err) {
				return adapter.PollResult{}, res.Err
			}
			r.logger.WithError(res.Err).Warn("Attestation query failed, retrying")
		}

		if err := sleep(ctx, wait); err != nil {
			return adapter.PollResult{}, fmt.Errorf("%w: %s", ErrAttestationTimeout, txHash)
		}
	}
}

func (r *ManualRelayer) waitForReceipt(ctx context.Context, chain adapter.ChainAdapter, txHash string) (*adapter.Receipt, error) {
	for {
		receipt, err := chain.TransactionReceipt(ctx, txHash)
		if err != nil {
			r.logger.WithError(err).Warn("Receipt lookup failed, retrying")
		} else if receipt != nil {
			return receipt, nil
		}

		if err := sleep(ctx, r.pollInterval); err != nil {
			return nil, fmt.Errorf("receipt for %s: %w", txHash, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
