package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cctp-relayer/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteStore is a JobStore backed by a single SQLite file
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to ping sqlite database: %w", err)
	}

	if err := applySchema(ctx, db, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// applySchema executes each statement of an idempotent schema file
func applySchema(ctx context.Context, db *sql.DB, schema string) error {
	for _, stmt := range strings.Split(stripComments(schema), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

func stripComments(schema string) string {
	lines := strings.Split(schema, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// InsertIfAbsent creates a job unless its natural key already exists
func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, job models.NewJob, now time.Time) (bool, error) {
	ts := now.UnixMilli()
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO jobs (
			kind, source_chain, source_domain, source_tx_hash, source_block, source_log_index,
			status, attempts, next_run_at, first_seen_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`,
		string(job.Kind),
		string(job.SourceChain),
		int64(job.SourceDomain),
		job.SourceTxHash,
		int64(job.SourceBlock),    // #nosec G115 - block numbers fit in int64
		int64(job.SourceLogIndex), // #nosec G115 - log indexes fit in int64
		string(models.StatusSeen),
		ts, ts, ts,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return affected == 1, nil
}

// GetDue returns due jobs ordered by next_run_at
func (s *SQLiteStore) GetDue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	statuses := dueStatusArgs()
	query := fmt.Sprintf(`
		SELECT %s
		FROM jobs
		WHERE status IN (%s) AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC
		LIMIT ?
	`, jobColumns, inList(1, len(statuses), sqlitePlaceholder))

	args := append(statuses, now.UnixMilli(), limit)
	return s.queryJobs(ctx, query, args...)
}

// Update applies a partial patch
func (s *SQLiteStore) Update(ctx context.Context, id int64, patch models.JobPatch) error {
	query, args, guarded := updateQuery(id, patch, sqlitePlaceholder)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected > 0 {
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
func (s *SQLiteStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE id = ?`, jobColumns), id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListByStatus lists the most recent jobs, optionally filtered by status
func (s *SQLiteStore) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	if status == "" {
		return s.queryJobs(ctx, fmt.Sprintf(`SELECT %s FROM jobs ORDER BY id DESC LIMIT ?`, jobColumns), limit)
	}
	return s.queryJobs(ctx,
		fmt.Sprintf(`SELECT %s FROM jobs WHERE status = ? ORDER BY id DESC LIMIT ?`, jobColumns),
		string(status), limit,
	)
}

// CountByStatus returns the number of jobs per status
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, key string) (uint64, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
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
func (s *SQLiteStore) SetCheckpoint(ctx context.Context, key string, value uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
		WHERE CAST(meta.value AS INTEGER) < CAST(excluded.value AS INTEGER)
	`, key, formatCheckpoint(value))
	if err != nil {
		return fmt.Errorf("failed to set checkpoint %s: %w", key, err)
	}
	return nil
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
