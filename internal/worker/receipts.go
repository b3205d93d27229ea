package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cctp-relayer/internal/alert"
	"github.com/cctp-relayer/internal/models"
)

// ReceiptWatcher confirms submitted destination transactions
type ReceiptWatcher struct {
	*recorder
	chains              map[models.ChainRole]ChainEndpoint
	receiptPollInterval time.Duration
	alertAfter          time.Duration
}

// Process checks the destination receipt of job
func (w *ReceiptWatcher) Process(ctx context.Context, job *models.Job, now time.Time) error {
	role := job.Kind.DestinationChain()
	if job.DestChain != nil {
		role = *job.DestChain
	}
	endpoint, ok := w.chains[role]
	if !ok || endpoint.Chain == nil {
		return fmt.Errorf("no destination chain configured for %s", role)
	}
	dest := destTx(job)
	logger := jobLogger(ctx, job).WithField("destTx", dest)

	// Pending outcomes keep the job in relaying, which also covers re-entry
	// from failed_retry
	patch := models.JobPatch{
		Status:    models.Ptr(models.StatusRelaying),
		NextRunAt: models.Ptr(now.Add(w.receiptPollInterval)),
		UpdatedAt: now,
	}

	receipt, err := endpoint.Chain.TransactionReceipt(ctx, dest)
	if err != nil {
		// Read failures are not attempts
		logger.WithError(err).Warn("Receipt lookup failed")
		return w.update(ctx, job, patch)
	}

	if receipt == nil {
		if job.Age(now) > w.alertAfter && !job.AlertedRelay {
			w.alerts.Send(ctx, alert.Alert{
				Title: fmt.Sprintf("Relay pending too long (%s)", job.Kind),
				Body:  fmt.Sprintf("srcTx=%s\ndestTx=%s\nageMinutes=%d", job.SourceTxHash, dest, ageMinutes(job, now)),
			})
			patch.AlertedRelay = models.Ptr(true)
		}
		return w.update(ctx, job, patch)
	}

	if receipt.Succeeded() {
		logger.WithField("block", receipt.BlockNumber).Info("Relay confirmed")
		return w.update(ctx, job, models.JobPatch{
			Status:    models.Ptr(models.StatusRelayed),
			UpdatedAt: now,
		})
	}

	return w.fail(ctx, job, now, "Dest tx reverted: "+dest, alert.Alert{
		Title: fmt.Sprintf("Destination tx reverted (%s)", job.Kind),
		Body:  fmt.Sprintf("srcTx=%s\ndestTx=%s", job.SourceTxHash, dest),
	})
}
