package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cctp-relayer/internal/alert"
	"github.com/cctp-relayer/internal/models"

	relayerrors "github.com/cctp-relayer/internal/errors"
)

// RelaySubmitter sends the destination call for certified jobs
type RelaySubmitter struct {
	*recorder
	chains              map[models.ChainRole]ChainEndpoint
	classifier          relayerrors.Classifier
	receiptPollInterval time.Duration
}

// Process submits job's message and attestation to its destination chain.
// Exactly one submission is made per call.
func (s *RelaySubmitter) Process(ctx context.Context, job *models.Job, now time.Time) error {
	role := job.Kind.DestinationChain()
	endpoint, ok := s.chains[role]
	if !ok || endpoint.Chain == nil {
		return fmt.Errorf("no destination chain configured for %s", role)
	}
	logger := jobLogger(ctx, job).WithField("destChain", role)

	txHash, err := endpoint.Chain.SubmitRelay(ctx, job.Kind, endpoint.RelayContract, job.IrisMessage, job.IrisAttestation)
	if err != nil {
		errMsg := submissionMessage(err)

		if s.classifier(err) {
			logger.WithError(relayerrors.NewAlreadyProcessedError(err)).Info("Destination already processed")
			return s.update(ctx, job, models.JobPatch{
				Status:    models.Ptr(models.StatusAlreadyProcessed),
				LastError: &errMsg,
				UpdatedAt: now,
			})
		}

		return s.fail(ctx, job, now, errMsg, alert.Alert{
			Title: fmt.Sprintf("Relay submit failed (%s)", job.Kind),
			Body:  fmt.Sprintf("tx=%s\nerror=%s", job.SourceTxHash, errMsg),
		})
	}

	logger.WithField("destTx", txHash).Info("Relay submitted")
	return s.update(ctx, job, models.JobPatch{
		Status:     models.Ptr(models.StatusRelaying),
		DestChain:  &role,
		DestTxHash: &txHash,
		NextRunAt:  models.Ptr(now.Add(s.receiptPollInterval)),
		UpdatedAt:  now,
	})
}

// submissionMessage prefers the decoded revert reason over the raw error text
func submissionMessage(err error) string {
	if reason, ok := relayerrors.RevertReason(err); ok && reason != "" {
		return "execution reverted: " + reason
	}
	return err.Error()
}
