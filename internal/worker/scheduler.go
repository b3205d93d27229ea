package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cctp-relayer/internal/alert"
	"github.com/cctp-relayer/internal/logging"
	"github.com/cctp-relayer/internal/models"
	"github.com/google/uuid"

	relayerrors "github.com/cctp-relayer/internal/errors"
)

// Loop pacing
const (
	tickTarget = 1500 * time.Millisecond
	minNap     = 500 * time.Millisecond
)

// SchedulerState is the loop state carried between ticks
type SchedulerState struct {
	LastScanAt time.Time
	Ticks      uint64
}

// TickResult summarizes one scheduler iteration
type TickResult struct {
	RunID         string
	Scanned       bool
	ScanErr       error
	JobsProcessed int
	JobErrors     int
}

// Scheduler drives scanning and the per-job state machine from one loop
type Scheduler struct {
	*recorder
	scanner   *Scanner
	poller    *AttestationPoller
	submitter *RelaySubmitter
	receipts  *ReceiptWatcher

	relayEnabled      bool
	relayPendingAfter time.Duration
	scanInterval      time.Duration
	batchSize         int
	now               func() time.Time
}

// Run ticks until ctx is cancelled. Tick failures are logged and the loop
// continues after the pacing sleep.
func (s *Scheduler) Run(ctx context.Context) error {
	state := &SchedulerState{}
	s.logger.WithFields(map[string]interface{}{
		"relayEnabled": s.relayEnabled,
		"batchSize":    s.batchSize,
		"scanInterval": s.scanInterval.String(),
	}).Info("Relay engine started")

	for {
		if ctx.Err() != nil {
			s.logger.Info("Relay engine stopped")
			return nil
		}

		start := time.Now()
		if _, err := s.Tick(ctx, state); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Error("Tick failed")
		}

		timer := time.NewTimer(Pace(time.Since(start)))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Relay engine stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Pace returns the sleep after a tick that took elapsed
func Pace(elapsed time.Duration) time.Duration {
	nap := tickTarget - elapsed
	if nap < minNap {
		nap = minNap
	}
	return nap
}

// Tick runs one iteration: a scan when the scan interval has elapsed, then
// one step for each due job in the batch
func (s *Scheduler) Tick(ctx context.Context, state *SchedulerState) (*TickResult, error) {
	result := &TickResult{RunID: uuid.NewString()}
	logger := s.logger.WithField("runId", result.RunID)
	ctx = logging.WithLogger(ctx, logger)
	state.Ticks++

	now := s.now()
	if state.LastScanAt.IsZero() || now.Sub(state.LastScanAt) >= s.scanInterval {
		result.Scanned = true
		if err := s.scanner.ScanAll(ctx, now); err != nil {
			result.ScanErr = err
			logger.WithError(err).Error("Event scan failed")
		} else {
			state.LastScanAt = now
		}
	}

	jobs, err := s.store.GetDue(ctx, now, s.batchSize)
	if err != nil {
		return result, relayerrors.NewDatabaseError("load due jobs", err)
	}

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.JobsProcessed++
		if err := s.processJob(ctx, job); err != nil {
			result.JobErrors++
			jobLogger(ctx, job).WithError(err).Error("Job step failed")
		}
	}

	if len(jobs) > 0 {
		logger.WithFields(map[string]interface{}{
			"jobs":   result.JobsProcessed,
			"errors": result.JobErrors,
		}).Debug("Tick complete")
	}
	return result, nil
}

// processJob routes job to the single step its fields call for
func (s *Scheduler) processJob(ctx context.Context, job *models.Job) error {
	now := s.now()

	if s.policy.Exhausted(job.Attempts) {
		jobLogger(ctx, job).WithError(relayerrors.NewTerminalError(job.Attempts, nil)).Warn("Attempt ceiling reached")
		return s.update(ctx, job, models.JobPatch{
			Status:    models.Ptr(models.StatusFailedTerminal),
			UpdatedAt: now,
		})
	}

	switch {
	case !job.HasCertification():
		return s.poller.Process(ctx, job, now)

	case !s.relayEnabled:
		return s.monitor(ctx, job, now)

	case job.HasDestTx() && (job.Status == models.StatusRelaying || job.Status == models.StatusFailedRetry):
		return s.receipts.Process(ctx, job, now)

	case !job.HasDestTx() && (job.Status == models.StatusIrisComplete || job.Status == models.StatusFailedRetry):
		return s.submitter.Process(ctx, job, now)

	default:
		return s.reschedule(ctx, job, now, idleInterval)
	}
}

// monitor watches a certified job while relaying is disabled
func (s *Scheduler) monitor(ctx context.Context, job *models.Job, now time.Time) error {
	patch := models.JobPatch{
		NextRunAt: models.Ptr(now.Add(monitorInterval)),
		UpdatedAt: now,
	}
	if job.Age(now) > s.relayPendingAfter && !job.AlertedRelay {
		s.alerts.Send(ctx, alert.Alert{
			Title: fmt.Sprintf("Relay disabled / pending (%s)", job.Kind),
			Body:  fmt.Sprintf("tx=%s\nstatus=%s\nageMinutes=%d", job.SourceTxHash, job.Status, ageMinutes(job, now)),
		})
		patch.AlertedRelay = models.Ptr(true)
	}
	return s.update(ctx, job, patch)
}
