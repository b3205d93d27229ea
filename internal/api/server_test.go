package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cctp-relayer/internal/logging"
	"github.com/cctp-relayer/internal/models"
	"github.com/cctp-relayer/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "api.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestServer(store JobReader, rps int) *Server {
	cfg := DefaultServerConfig("127.0.0.1", "0")
	cfg.RequestsPerSec = rps
	cfg.Logger = logging.NewNopLogger()
	return NewServer(cfg, store)
}

func seed(t *testing.T, store *storage.SQLiteStore, n int) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		_, err := store.InsertIfAbsent(ctx, models.NewJob{
			Kind:         models.JobKindDeposit,
			SourceChain:  models.ChainL2,
			SourceDomain: 6,
			SourceTxHash: fmt.Sprintf("0x%064x", i),
			SourceBlock:  uint64(100 + i),
		}, now)
		require.NoError(t, err)
	}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "192.0.2.10:40000"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

type failingStore struct {
	JobReader
	pingErr  error
	panicked bool
}

func (f *failingStore) Ping(context.Context) error {
	return f.pingErr
}

func (f *failingStore) CountByStatus(context.Context) (map[models.JobStatus]int64, error) {
	return nil, errors.New("disk I/O error")
}

func (f *failingStore) ListByStatus(context.Context, models.JobStatus, int) ([]*models.Job, error) {
	f.panicked = true
	panic("boom")
}

func TestHealth(t *testing.T) {
	s := newTestServer(newTestStore(t), 100)

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])

	down := newTestServer(&failingStore{pingErr: errors.New("database is closed")}, 100)
	rec = get(t, down, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListJobs(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, 3)
	s := newTestServer(store, 100)

	rec := get(t, s, "/jobs?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Jobs  []JobView `json:"jobs"`
		Count int       `json:"count"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Jobs, 2)
	assert.Greater(t, body.Jobs[0].ID, body.Jobs[1].ID, "most recent first")
	assert.Equal(t, models.StatusSeen, body.Jobs[0].Status)

	rec = get(t, s, "/jobs?status=relayed")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Zero(t, body.Count)
}

func TestListJobs_BadInput(t *testing.T) {
	s := newTestServer(newTestStore(t), 100)

	for _, path := range []string{"/jobs?status=done", "/jobs?limit=0", "/jobs?limit=abc"} {
		rec := get(t, s, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)

		var body ErrorResponse
		decode(t, rec, &body)
		assert.Equal(t, ErrCodeInvalidInput, body.Error.Code)
	}
}

func TestGetJob(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, 1)
	require.NoError(t, store.Update(context.Background(), 1, models.JobPatch{
		Status:          models.Ptr(models.StatusIrisComplete),
		IrisMessage:     []byte{0xde, 0xad},
		IrisAttestation: []byte{0xbe, 0xef},
	}))
	s := newTestServer(store, 100)

	rec := get(t, s, "/jobs/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var view JobView
	decode(t, rec, &view)
	assert.Equal(t, int64(1), view.ID)
	assert.Equal(t, models.StatusIrisComplete, view.Status)
	assert.Equal(t, "0xdead", view.IrisMessage)
	assert.Equal(t, "0xbeef", view.IrisAttestation)

	rec = get(t, s, "/jobs/99")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errBody ErrorResponse
	decode(t, rec, &errBody)
	assert.Equal(t, ErrCodeNotFound, errBody.Error.Code)
	assert.Equal(t, "99", errBody.Error.Details["id"])

	rec = get(t, s, "/jobs/abc")
	assert.Equal(t, http.StatusNotFound, rec.Code, "non-numeric ids do not match the route")
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, 3)
	require.NoError(t, store.Update(context.Background(), 2, models.JobPatch{Status: models.Ptr(models.StatusRelayed)}))
	s := newTestServer(store, 100)

	rec := get(t, s, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ByStatus map[string]int64 `json:"byStatus"`
		Total    int64            `json:"total"`
	}
	decode(t, rec, &body)
	assert.Equal(t, int64(3), body.Total)
	assert.Equal(t, int64(2), body.ByStatus["seen"])
	assert.Equal(t, int64(1), body.ByStatus["relayed"])
	assert.Len(t, body.ByStatus, len(models.AllStatuses))

	broken := newTestServer(&failingStore{}, 100)
	rec = get(t, broken, "/stats")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStats_Components(t *testing.T) {
	cfg := DefaultServerConfig("127.0.0.1", "0")
	cfg.Logger = logging.NewNopLogger()
	cfg.Components = map[string]ComponentStatus{
		"alertWebhook": func(context.Context) (interface{}, error) {
			return map[string]string{"state": "closed"}, nil
		},
		"attestationBudget": func(context.Context) (interface{}, error) {
			return nil, errors.New("redis down")
		},
	}
	s := NewServer(cfg, newTestStore(t))

	rec := get(t, s, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Components map[string]map[string]string `json:"components"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "closed", body.Components["alertWebhook"]["state"])
	assert.Equal(t, "redis down", body.Components["attestationBudget"]["error"])
}

func TestRecoveryMiddleware(t *testing.T) {
	store := &failingStore{}
	s := newTestServer(store, 100)

	rec := get(t, s, "/jobs")
	assert.True(t, store.panicked)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	decode(t, rec, &body)
	assert.Equal(t, ErrCodeInternalError, body.Error.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServer(newTestStore(t), 1)

	assert.Equal(t, http.StatusOK, get(t, s, "/health").Code)
	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// other clients have their own bucket
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "198.51.100.7:5000"
	other := httptest.NewRecorder()
	s.Handler().ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(newTestStore(t), 100)
	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
