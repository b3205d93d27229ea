// Package storage provides the durable job store and scan checkpoints.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cctp-relayer/internal/models"
)

var (
	// ErrJobNotFound is returned when no job has the requested id
	ErrJobNotFound = errors.New("job not found")
	// ErrDestTxHashImmutable is returned when a patch would overwrite a recorded destination tx
	ErrDestTxHashImmutable = errors.New("dest_tx_hash already set")
)

// JobStore is the single source of truth for relay jobs and scan checkpoints.
// Every other component reads and writes through it.
type JobStore interface {
	// InsertIfAbsent creates a job in status seen. It returns false when the
	// natural key (kind, source tx hash, source log index) already exists.
	InsertIfAbsent(ctx context.Context, job models.NewJob, now time.Time) (bool, error)

	// GetDue returns schedulable jobs with next_run_at <= now, oldest-due first
	GetDue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)

	// Update applies a partial patch to one job
	Update(ctx context.Context, id int64, patch models.JobPatch) error

	GetByID(ctx context.Context, id int64) (*models.Job, error)
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error)

	// GetCheckpoint returns the last scanned block stored under key
	GetCheckpoint(ctx context.Context, key string) (uint64, bool, error)
	// SetCheckpoint stores value under key. A value lower than the stored one is ignored.
	SetCheckpoint(ctx context.Context, key string, value uint64) error

	Ping(ctx context.Context) error
	Close() error
}

// jobColumns is the column list shared by every job SELECT, in scanJob order
const jobColumns = `id, kind, source_chain, source_domain, source_tx_hash, source_block, source_log_index,
	status, attempts, next_run_at, first_seen_at, updated_at,
	iris_event_nonce, iris_message, iris_attestation,
	dest_chain, dest_tx_hash,
	alerted_attestation, alerted_relay, alerted_error,
	last_error`

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                          models.Job
		kind, sourceChain, status    string
		domain, block, logIndex      int64
		nextRunAt, firstSeen, update int64
		destChain                    *string
	)

	err := row.Scan(
		&job.ID,
		&kind,
		&sourceChain,
		&domain,
		&job.SourceTxHash,
		&block,
		&logIndex,
		&status,
		&job.Attempts,
		&nextRunAt,
		&firstSeen,
		&update,
		&job.IrisEventNonce,
		&job.IrisMessage,
		&job.IrisAttestation,
		&destChain,
		&job.DestTxHash,
		&job.AlertedAttestation,
		&job.AlertedRelay,
		&job.AlertedError,
		&job.LastError,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = models.JobKind(kind)
	job.SourceChain = models.ChainRole(sourceChain)
	job.Status = models.JobStatus(status)
	job.SourceDomain = uint32(domain)   // #nosec G115 - written from a uint32
	job.SourceBlock = uint64(block)     // #nosec G115 - block numbers are non-negative
	job.SourceLogIndex = uint(logIndex) // #nosec G115 - log indexes are non-negative
	job.NextRunAt = time.UnixMilli(nextRunAt)
	job.FirstSeenAt = time.UnixMilli(firstSeen)
	job.UpdatedAt = time.UnixMilli(update)
	if destChain != nil {
		role := models.ChainRole(*destChain)
		job.DestChain = &role
	}

	return &job, nil
}

// placeholderFunc renders the n-th (1-based) bind parameter for a SQL dialect
type placeholderFunc func(n int) string

func postgresPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func sqlitePlaceholder(int) string { return "?" }

// updateQuery renders a patch as an UPDATE statement. When the patch sets
// dest_tx_hash the statement only matches rows where it is still NULL.
func updateQuery(id int64, patch models.JobPatch, ph placeholderFunc) (string, []any, bool) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = %s", column, ph(len(args))))
	}

	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	add("updated_at", updatedAt.UnixMilli())

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Attempts != nil {
		add("attempts", *patch.Attempts)
	}
	if patch.NextRunAt != nil {
		add("next_run_at", patch.NextRunAt.UnixMilli())
	}
	if patch.IrisEventNonce != nil {
		add("iris_event_nonce", *patch.IrisEventNonce)
	}
	if patch.IrisMessage != nil {
		add("iris_message", patch.IrisMessage)
	}
	if patch.IrisAttestation != nil {
		add("iris_attestation", patch.IrisAttestation)
	}
	if patch.DestChain != nil {
		add("dest_chain", string(*patch.DestChain))
	}
	if patch.DestTxHash != nil {
		add("dest_tx_hash", *patch.DestTxHash)
	}
	if patch.AlertedAttestation != nil {
		add("alerted_attestation", *patch.AlertedAttestation)
	}
	if patch.AlertedRelay != nil {
		add("alerted_relay", *patch.AlertedRelay)
	}
	if patch.AlertedError != nil {
		add("alerted_error", *patch.AlertedError)
	}
	if patch.LastError != nil {
		add("last_error", *patch.LastError)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = %s", strings.Join(sets, ", "), ph(len(args)))

	guarded := patch.DestTxHash != nil
	if guarded {
		query += " AND dest_tx_hash IS NULL"
	}

	return query, args, guarded
}

// dueStatusArgs returns the due statuses as bind arguments
func dueStatusArgs() []any {
	args := make([]any, len(models.DueStatuses))
	for i, s := range models.DueStatuses {
		args[i] = string(s)
	}
	return args
}

func inList(start, count int, ph placeholderFunc) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = ph(start + i)
	}
	return strings.Join(parts, ", ")
}

func formatCheckpoint(value uint64) string {
	return strconv.FormatUint(value, 10)
}

func parseCheckpoint(key, raw string) (uint64, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint %s=%q: %w", key, raw, err)
	}
	return value, nil
}
