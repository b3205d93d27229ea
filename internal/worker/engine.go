package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cctp-relayer/internal/adapter"
	"github.com/cctp-relayer/internal/alert"
	"github.com/cctp-relayer/internal/logging"
	"github.com/cctp-relayer/internal/models"
	"github.com/cctp-relayer/internal/retry"
	"github.com/cctp-relayer/internal/storage"

	relayerrors "github.com/cctp-relayer/internal/errors"
)

// Engine defaults
const (
	DefaultBatchSize           = 25
	DefaultBlockBatch          = 2000
	DefaultScanInterval        = 10 * time.Second
	DefaultIrisPollInterval    = 5 * time.Second
	DefaultReceiptPollInterval = 7 * time.Second
	DefaultAttestationAlert    = 30 * time.Minute
	DefaultRelayAlert          = 10 * time.Minute

	// minRateLimitBackoff is the wait after a 429 without Retry-After
	minRateLimitBackoff = 10 * time.Second
	// monitorInterval reschedules jobs while relaying is disabled
	monitorInterval = 30 * time.Second
	// idleInterval reschedules jobs that match no step
	idleInterval = 10 * time.Second
)

// AttestationSource classifies the attestation state of a source transaction
type AttestationSource interface {
	Poll(ctx context.Context, sourceDomain uint32, txHash string) adapter.PollResult
}

// AlertSender delivers operator alerts. Failures are the sender's concern.
type AlertSender interface {
	Send(ctx context.Context, a alert.Alert)
}

// ChainEndpoint is everything the engine knows about one chain role
type ChainEndpoint struct {
	Chain         adapter.ChainAdapter
	Domain        uint32
	Confirmations uint64
	// ScanContract emits the source events of the kind originating here
	ScanContract string
	// RelayContract receives the destination call of the kind ending here
	RelayContract string
}

// EngineConfig holds configuration for the relay engine
type EngineConfig struct {
	Store       storage.JobStore
	Chains      map[models.ChainRole]ChainEndpoint
	Attestation AttestationSource
	Alerts      AlertSender

	// Classifier detects submissions already completed by another actor.
	// Default: relayerrors.AlreadyProcessedClassifier().
	Classifier relayerrors.Classifier

	// Policy is the per-job backoff and attempt ceiling. Default: retry.DefaultPolicy().
	Policy *retry.Policy

	RelayEnabled bool
	BatchSize    int
	BlockBatch   uint64

	ScanInterval        time.Duration
	IrisPollInterval    time.Duration
	ReceiptPollInterval time.Duration

	AttestationPendingAfter time.Duration
	RelayPendingAfter       time.Duration

	Logger *logging.Logger
	Now    func() time.Time
}

// Validate checks if the configuration is valid
func (c *EngineConfig) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("job store cannot be nil")
	}
	if c.Attestation == nil {
		return fmt.Errorf("attestation source cannot be nil")
	}
	for _, role := range []models.ChainRole{models.ChainL1, models.ChainL2} {
		ep, ok := c.Chains[role]
		if !ok || ep.Chain == nil {
			return fmt.Errorf("chain adapter for %s cannot be nil", role)
		}
	}
	if c.Policy != nil && c.Policy.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.Policy.MaxAttempts)
	}
	return nil
}

func (c *EngineConfig) withDefaults() EngineConfig {
	out := *c
	if out.Alerts == nil {
		out.Alerts = alert.NewDispatcher(alert.Config{})
	}
	if out.Classifier == nil {
		out.Classifier = relayerrors.AlreadyProcessedClassifier()
	}
	if out.Policy == nil {
		p := retry.DefaultPolicy()
		out.Policy = &p
	}
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.BlockBatch == 0 {
		out.BlockBatch = DefaultBlockBatch
	}
	if out.ScanInterval == 0 {
		out.ScanInterval = DefaultScanInterval
	}
	if out.IrisPollInterval == 0 {
		out.IrisPollInterval = DefaultIrisPollInterval
	}
	if out.ReceiptPollInterval == 0 {
		out.ReceiptPollInterval = DefaultReceiptPollInterval
	}
	if out.AttestationPendingAfter == 0 {
		out.AttestationPendingAfter = DefaultAttestationAlert
	}
	if out.RelayPendingAfter == 0 {
		out.RelayPendingAfter = DefaultRelayAlert
	}
	if out.Logger == nil {
		out.Logger = logging.GetGlobalLogger()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// NewEngine wires the scanner, the three job steps and the scheduler
func NewEngine(cfg *EngineConfig) (*Scheduler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	c := cfg.withDefaults()

	rec := &recorder{
		store:  c.Store,
		alerts: c.Alerts,
		policy: *c.Policy,
		logger: c.Logger,
	}

	l1 := c.Chains[models.ChainL1]
	l2 := c.Chains[models.ChainL2]

	scanner := NewScanner(c.Store, c.BlockBatch, c.Logger,
		ScanTarget{
			Kind:          models.JobKindDeposit,
			Role:          models.ChainL2,
			Domain:        l2.Domain,
			Confirmations: l2.Confirmations,
			Contract:      l2.ScanContract,
			Chain:         l2.Chain,
		},
		ScanTarget{
			Kind:          models.JobKindWithdraw,
			Role:          models.ChainL1,
			Domain:        l1.Domain,
			Confirmations: l1.Confirmations,
			Contract:      l1.ScanContract,
			Chain:         l1.Chain,
		},
	)

	poller := &AttestationPoller{
		recorder:     rec,
		source:       c.Attestation,
		pollInterval: c.IrisPollInterval,
		alertAfter:   c.AttestationPendingAfter,
	}

	submitter := &RelaySubmitter{
		recorder:            rec,
		chains:              c.Chains,
		classifier:          c.Classifier,
		receiptPollInterval: c.ReceiptPollInterval,
	}

	receipts := &ReceiptWatcher{
		recorder:            rec,
		chains:              c.Chains,
		receiptPollInterval: c.ReceiptPollInterval,
		alertAfter:          c.RelayPendingAfter,
	}

	return &Scheduler{
		recorder:          rec,
		scanner:           scanner,
		poller:            poller,
		submitter:         submitter,
		receipts:          receipts,
		relayEnabled:      c.RelayEnabled,
		relayPendingAfter: c.RelayPendingAfter,
		scanInterval:      c.ScanInterval,
		batchSize:         c.BatchSize,
		now:               c.Now,
	}, nil
}

// recorder writes step outcomes to the job store and owns the shared
// failure path: attempt bookkeeping, backoff and the one-shot error alert
type recorder struct {
	store  storage.JobStore
	alerts AlertSender
	policy retry.Policy
	logger *logging.Logger
}

func (r *recorder) update(ctx context.Context, job *models.Job, patch models.JobPatch) error {
	if err := r.store.Update(ctx, job.ID, patch); err != nil {
		return fmt.Errorf("update job %d: %w", job.ID, err)
	}
	return nil
}

// fail records one failed attempt. The error alert is sent only if this job
// has not alerted on the error path before, and its flag rides on the same patch.
func (r *recorder) fail(ctx context.Context, job *models.Job, now time.Time, errMsg string, a alert.Alert) error {
	outcome := r.policy.Fail(job.Attempts)
	status := models.StatusFailedRetry
	if outcome.Terminal {
		status = models.StatusFailedTerminal
	}

	patch := models.JobPatch{
		Status:    &status,
		Attempts:  &outcome.Attempts,
		NextRunAt: models.Ptr(now.Add(outcome.Delay)),
		LastError: &errMsg,
		UpdatedAt: now,
	}
	if !job.AlertedError {
		r.alerts.Send(ctx, a)
		patch.AlertedError = models.Ptr(true)
	}

	jobLogger(ctx, job).WithFields(map[string]interface{}{
		"attempts": outcome.Attempts,
		"status":   status,
		"retryIn":  outcome.Delay.String(),
	}).Warnf("Job step failed: %s", errMsg)

	return r.update(ctx, job, patch)
}

// reschedule moves next_run_at forward without any other change
func (r *recorder) reschedule(ctx context.Context, job *models.Job, now time.Time, after time.Duration) error {
	return r.update(ctx, job, models.JobPatch{
		NextRunAt: models.Ptr(now.Add(after)),
		UpdatedAt: now,
	})
}

func jobLogger(ctx context.Context, job *models.Job) *logging.Logger {
	return logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":  job.ID,
		"kind":   job.Kind,
		"txHash": job.SourceTxHash,
	})
}

func ageMinutes(job *models.Job, now time.Time) int64 {
	return int64(job.Age(now) / time.Minute)
}

func destTx(job *models.Job) string {
	if job.DestTxHash == nil {
		return ""
	}
	return *job.DestTxHash
}
