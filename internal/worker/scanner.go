package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cctp-relayer/internal/adapter"
	"github.com/cctp-relayer/internal/logging"
	"github.com/cctp-relayer/internal/models"
	"github.com/cctp-relayer/internal/storage"
	"go.uber.org/multierr"
)

// EventSource is the read side of a source chain
type EventSource interface {
	HeadBlock(ctx context.Context) (uint64, error)
	FilterSourceEvents(ctx context.Context, kind models.JobKind, contract string, fromBlock, toBlock uint64) ([]adapter.EventLog, error)
}

// ScanTarget is one source chain and the job kind its events open
type ScanTarget struct {
	Kind          models.JobKind
	Role          models.ChainRole
	Domain        uint32
	Confirmations uint64
	Contract      string
	Chain         EventSource
}

// ScanResult summarizes one scan of a source chain
type ScanResult struct {
	Kind         models.JobKind
	SafeHead     uint64
	FromBlock    uint64
	ToBlock      uint64
	Scanned      bool
	EventsFound  int
	JobsInserted int
}

// Scanner discovers source events and turns them into jobs
type Scanner struct {
	store      storage.JobStore
	blockBatch uint64
	targets    []ScanTarget
	logger     *logging.Logger
}

// NewScanner creates a scanner over targets, scanning at most blockBatch
// blocks per chain per call
func NewScanner(store storage.JobStore, blockBatch uint64, logger *logging.Logger, targets ...ScanTarget) *Scanner {
	if blockBatch == 0 {
		blockBatch = DefaultBlockBatch
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Scanner{
		store:      store,
		blockBatch: blockBatch,
		targets:    targets,
		logger:     logger.WithField("component", "scanner"),
	}
}

// ScanAll scans every target. A failing chain does not stop the others;
// their errors are combined.
func (s *Scanner) ScanAll(ctx context.Context, now time.Time) error {
	var errs error
	for _, target := range s.targets {
		if _, err := s.ScanChain(ctx, target, now); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("scan %s: %w", target.Role, err))
		}
	}
	return errs
}

// ScanChain scans the next confirmed window of one chain.
// On first run the checkpoint starts at the safe head, so history is not backfilled.
func (s *Scanner) ScanChain(ctx context.Context, target ScanTarget, now time.Time) (*ScanResult, error) {
	result := &ScanResult{Kind: target.Kind}
	logger := s.logger.WithFields(map[string]interface{}{
		"chain": target.Role,
		"kind":  target.Kind,
	})

	head, err := target.Chain.HeadBlock(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to get head block: %w", err)
	}
	var safeHead uint64
	if head > target.Confirmations {
		safeHead = head - target.Confirmations
	}
	result.SafeHead = safeHead

	key := models.CheckpointKey(target.Role)
	checkpoint, found, err := s.store.GetCheckpoint(ctx, key)
	if err != nil {
		return result, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if !found {
		if err := s.store.SetCheckpoint(ctx, key, safeHead); err != nil {
			return result, fmt.Errorf("failed to initialize checkpoint: %w", err)
		}
		logger.Infof("Checkpoint initialized at safe head %d", safeHead)
		return result, nil
	}
	if checkpoint >= safeHead {
		return result, nil
	}

	from := checkpoint + 1
	to := checkpoint + s.blockBatch
	if to > safeHead {
		to = safeHead
	}
	result.FromBlock, result.ToBlock = from, to

	events, err := target.Chain.FilterSourceEvents(ctx, target.Kind, target.Contract, from, to)
	if err != nil {
		return result, fmt.Errorf("failed to filter blocks %d-%d: %w", from, to, err)
	}
	result.EventsFound = len(events)

	for _, ev := range events {
		inserted, err := s.store.InsertIfAbsent(ctx, models.NewJob{
			Kind:           target.Kind,
			SourceChain:    target.Role,
			SourceDomain:   target.Domain,
			SourceTxHash:   ev.TxHash,
			SourceBlock:    ev.BlockNumber,
			SourceLogIndex: ev.LogIndex,
		}, now)
		if err != nil {
			return result, fmt.Errorf("failed to insert job for %s: %w", ev.TxHash, err)
		}
		if inserted {
			result.JobsInserted++
			logger.WithFields(map[string]interface{}{
				"txHash":   ev.TxHash,
				"block":    ev.BlockNumber,
				"logIndex": ev.LogIndex,
			}).Info("New job discovered")
		}
	}

	if err := s.store.SetCheckpoint(ctx, key, to); err != nil {
		return result, fmt.Errorf("failed to save checkpoint %d: %w", to, err)
	}
	result.Scanned = true

	logger.WithFields(map[string]interface{}{
		"fromBlock": from,
		"toBlock":   to,
		"events":    result.EventsFound,
		"inserted":  result.JobsInserted,
	}).Debug("Scanned block window")

	return result, nil
}
