package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cctp-relayer/internal/models"
	"github.com/jackc/pgx/v5"
)

// PostgresStore is a JobStore backed by Postgres
type PostgresStore struct {
	db *PostgresDB
}

// NewPostgresStore creates a job store on an open pool. The schema is
// managed by RunMigrations.
func NewPostgresStore(db *PostgresDB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InsertIfAbsent creates a job unless its natural key already exists
func (s *PostgresStore) InsertIfAbsent(ctx context.Context, job models.NewJob, now time.Time) (bool, error) {
	query := `
		INSERT INTO jobs (
			kind, source_chain, source_domain, source_tx_hash, source_block, source_log_index,
			status, attempts, next_run_at, first_seen_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8, $8)
		ON CONFLICT (kind, source_tx_hash, source_log_index) DO NOTHING
	`

	tag, err := s.db.Pool().Exec(ctx, query,
		string(job.Kind),
		string(job.SourceChain),
		int64(job.SourceDomain),
		job.SourceTxHash,
		int64(job.SourceBlock),    // #nosec G115 - block numbers fit in int64
		int64(job.SourceLogIndex), // #nosec G115 - log indexes fit in int64
		string(models.StatusSeen),
		now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// GetDue returns due jobs ordered by next_run_at
func (s *PostgresStore) GetDue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	statuses := dueStatusArgs()
	n := len(statuses)
	query := fmt.Sprintf(`
		SELECT %s
		FROM jobs
		WHERE status IN (%s) AND next_run_at <= $%d
		ORDER BY next_run_at ASC, id ASC
		LIMIT $%d
	`, jobColumns, inList(1, n, postgresPlaceholder), n+1, n+2)

	args := append(statuses, now.UnixMilli(), limit)
	return s.queryJobs(ctx, query, args...)
}

// Update applies a partial patch
func (s *PostgresStore) Update(ctx context.Context, id int64, patch models.JobPatch) error {
	query, args, guarded := updateQuery(id, patch, postgresPlaceholder)

	tag, err := s.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}
	if guarded {
		return fmt.Errorf("job %d: %w", id, ErrDestTxHashImmutable)
	}
	return nil
}

// GetByID retrieves a job by id
func (s *PostgresStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	row := s.db.Pool().QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns), id)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListByStatus lists the most recent jobs, optionally filtered by status
func (s *PostgresStore) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	if status == "" {
		return s.queryJobs(ctx, fmt.Sprintf(`SELECT %s FROM jobs ORDER BY id DESC LIMIT $1`, jobColumns), limit)
	}
	return s.queryJobs(ctx,
		fmt.Sprintf(`SELECT %s FROM jobs WHERE status = $1 ORDER BY id DESC LIMIT $2`, jobColumns),
		string(status), limit,
	)
}

// CountByStatus returns the number of jobs per status
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.db.Pool().Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[models.JobStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job counts: %w", err)
	}
	return counts, nil
}

// GetCheckpoint reads a scan checkpoint
func (s *PostgresStore) GetCheckpoint(ctx context.Context, key string) (uint64, bool, error) {
	var raw string
	err := s.db.Pool().QueryRow(ctx, `SELECT value FROM meta WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get checkpoint %s: %w", key, err)
	}

	value, err := parseCheckpoint(key, raw)
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

// SetCheckpoint stores a checkpoint, never lowering an existing one
func (s *PostgresStore) SetCheckpoint(ctx context.Context, key string, value uint64) error {
	query := `
		INSERT INTO meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
		WHERE meta.value::NUMERIC < EXCLUDED.value::NUMERIC
	`
	if _, err := s.db.Pool().Exec(ctx, query, key, formatCheckpoint(value)); err != nil {
		return fmt.Errorf("failed to set checkpoint %s: %w", key, err)
	}
	return nil
}

// Ping checks that the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}
