package storage

import (
	"os"
	"testing"
	"time"

	"github.com/cctp-relayer/internal/config"
	"github.com/cctp-relayer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPostgresConfig() *config.PostgresConfig {
	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		password = "relayer_dev_password"
	}
	return &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "cctp_relayer",
		User:           "relayer",
		Password:       password,
		SSLMode:        "disable",
		MaxConnections: 5,
	}
}

// newPostgresTestStore connects to a local Postgres, migrates it and empties
// the tables. The test is skipped when no server is reachable.
func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	require.NoError(t, RunMigrations(cfg.URL()))

	ctx := testContext(t)
	_, err = db.Pool().Exec(ctx, "TRUNCATE jobs RESTART IDENTITY")
	require.NoError(t, err)
	_, err = db.Pool().Exec(ctx, "DELETE FROM meta")
	require.NoError(t, err)

	return NewPostgresStore(db)
}

func TestPostgresStore_InsertAndUpdate(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := testContext(t)
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, store.Ping(ctx))

	inserted, err := store.InsertIfAbsent(ctx, depositKey("0xaa", 0), now)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertIfAbsent(ctx, depositKey("0xaa", 0), now)
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, store.Update(ctx, 1, models.JobPatch{
		Status:          models.Ptr(models.StatusIrisComplete),
		IrisMessage:     []byte{0x01},
		IrisAttestation: []byte{0x02},
		UpdatedAt:       now.Add(time.Second),
	}))

	job, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIrisComplete, job.Status)
	assert.Equal(t, []byte{0x01}, job.IrisMessage)
	assert.Equal(t, now, job.NextRunAt)
	assert.Equal(t, now.Add(time.Second), job.UpdatedAt)

	_, err = store.GetByID(ctx, 2)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestPostgresStore_DestTxHashImmutable(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := testContext(t)

	_, err := store.InsertIfAbsent(ctx, depositKey("0xcc", 0), time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, 1, models.JobPatch{DestTxHash: models.Ptr("0xdead")}))

	err = store.Update(ctx, 1, models.JobPatch{DestTxHash: models.Ptr("0xbeef")})
	assert.ErrorIs(t, err, ErrDestTxHashImmutable)
}

func TestPostgresStore_GetDueAndCounts(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := testContext(t)
	base := time.UnixMilli(1_700_000_000_000)

	for _, tx := range []string{"0x01", "0x02", "0x03"} {
		_, err := store.InsertIfAbsent(ctx, depositKey(tx, 0), base)
		require.NoError(t, err)
	}
	require.NoError(t, store.Update(ctx, 1, models.JobPatch{NextRunAt: models.Ptr(base.Add(2 * time.Second))}))
	require.NoError(t, store.Update(ctx, 3, models.JobPatch{Status: models.Ptr(models.StatusRelayed)}))

	due, err := store.GetDue(ctx, base.Add(5*time.Second), 25)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "0x02", due[0].SourceTxHash)
	assert.Equal(t, "0x01", due[1].SourceTxHash)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.StatusSeen])
	assert.Equal(t, int64(1), counts[models.StatusRelayed])

	jobs, err := store.ListByStatus(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestPostgresStore_Checkpoint(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := testContext(t)
	key := models.CheckpointKey(models.ChainL1)

	_, found, err := store.GetCheckpoint(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetCheckpoint(ctx, key, 2100))
	require.NoError(t, store.SetCheckpoint(ctx, key, 900))

	value, found, err := store.GetCheckpoint(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(2100), value)
}
