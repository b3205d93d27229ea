package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cctp-relayer/internal/adapter"
	"github.com/cctp-relayer/internal/alert"
	"github.com/cctp-relayer/internal/models"
)

// AttestationPoller fetches the certified message for jobs that lack one
type AttestationPoller struct {
	*recorder
	source       AttestationSource
	pollInterval time.Duration
	alertAfter   time.Duration
}

// Process runs one attestation query for job. Only store failures are
// returned; query failures are recorded on the job.
func (p *AttestationPoller) Process(ctx context.Context, job *models.Job, now time.Time) error {
	result := p.source.Poll(ctx, job.SourceDomain, job.SourceTxHash)
	logger := jobLogger(ctx, job).WithField("attestation", result.State.String())

	switch result.State {
	case adapter.PollRateLimited:
		wait := result.RetryAfter
		if wait <= 0 {
			wait = minRateLimitBackoff
		}
		if wait < p.pollInterval {
			wait = p.pollInterval
		}
		logger.Debugf("Attestation service rate limited, waiting %s", wait)
		return p.update(ctx, job, models.JobPatch{
			Status:    models.Ptr(models.StatusIrisPending),
			NextRunAt: models.Ptr(now.Add(wait)),
			UpdatedAt: now,
		})

	case adapter.PollError:
		errMsg := "attestation query failed"
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		return p.fail(ctx, job, now, errMsg, alert.Alert{
			Title: fmt.Sprintf("Iris error (%s)", job.Kind),
			Body:  fmt.Sprintf("tx=%s\nerror=%s", job.SourceTxHash, errMsg),
		})

	case adapter.PollComplete:
		logger.WithField("eventNonce", result.EventNonce).Info("Attestation complete")
		patch := models.JobPatch{
			Status:          models.Ptr(models.StatusIrisComplete),
			IrisMessage:     result.Message,
			IrisAttestation: result.Attestation,
			NextRunAt:       models.Ptr(now),
			UpdatedAt:       now,
		}
		if result.EventNonce != "" {
			patch.IrisEventNonce = models.Ptr(result.EventNonce)
		}
		return p.update(ctx, job, patch)

	default:
		patch := models.JobPatch{
			Status:    models.Ptr(models.StatusIrisPending),
			NextRunAt: models.Ptr(now.Add(p.pollInterval)),
			UpdatedAt: now,
		}
		if job.Age(now) > p.alertAfter && !job.AlertedAttestation {
			p.alerts.Send(ctx, alert.Alert{
				Title: fmt.Sprintf("Attestation pending too long (%s)", job.Kind),
				Body:  fmt.Sprintf("tx=%s\nageMinutes=%d", job.SourceTxHash, ageMinutes(job, now)),
			})
			patch.AlertedAttestation = models.Ptr(true)
		}
		return p.update(ctx, job, patch)
	}
}
