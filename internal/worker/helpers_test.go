package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cctp-relayer/internal/adapter"
	"github.com/cctp-relayer/internal/alert"
	"github.com/cctp-relayer/internal/logging"
	"github.com/cctp-relayer/internal/models"
	"github.com/cctp-relayer/internal/storage"
	"github.com/stretchr/testify/require"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type filterCall struct {
	kind     models.JobKind
	from, to uint64
}

// fakeChain is an in-memory chain role
type fakeChain struct {
	role models.ChainRole

	mu          sync.Mutex
	head        uint64
	headErr     error
	events      []adapter.EventLog
	filterCalls []filterCall
	submitErr   error
	submits     int
	lastMessage []byte
	receipts    map[string]*adapter.Receipt
	receiptErr  error
}

func newFakeChain(role models.ChainRole) *fakeChain {
	return &fakeChain{role: role, receipts: make(map[string]*adapter.Receipt)}
}

func (c *fakeChain) HeadBlock(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, c.headErr
}

func (c *fakeChain) FilterSourceEvents(_ context.Context, kind models.JobKind, _ string, from, to uint64) ([]adapter.EventLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filterCalls = append(c.filterCalls, filterCall{kind: kind, from: from, to: to})

	var out []adapter.EventLog
	for _, ev := range c.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *fakeChain) SubmitRelay(_ context.Context, kind models.JobKind, _ string, message, _ []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	c.lastMessage = message
	if c.submitErr != nil {
		return "", c.submitErr
	}
	return fmt.Sprintf("0x%064x", 0xd000+c.submits), nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, txHash string) (*adapter.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receiptErr != nil {
		return nil, c.receiptErr
	}
	return c.receipts[txHash], nil
}

func (c *fakeChain) Role() models.ChainRole {
	return c.role
}

func (c *fakeChain) setHead(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
}

// fakeAttestation replays scripted poll results, repeating the last one
type fakeAttestation struct {
	mu      sync.Mutex
	results []adapter.PollResult
	calls   int
}

func (f *fakeAttestation) Poll(context.Context, uint32, string) adapter.PollResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return adapter.PollResult{State: adapter.PollPending}
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r
}

type fakeAlerts struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (f *fakeAlerts) Send(_ context.Context, a alert.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, a)
}

func (f *fakeAlerts) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, a := range f.sent {
		out = append(out, a.Title)
	}
	return out
}

// recordingStore counts the patches written per job
type recordingStore struct {
	storage.JobStore

	mu        sync.Mutex
	patches   map[int64][]models.JobPatch
	getDueErr error
	dueCalls  int
}

func (s *recordingStore) Update(ctx context.Context, id int64, patch models.JobPatch) error {
	s.mu.Lock()
	s.patches[id] = append(s.patches[id], patch)
	s.mu.Unlock()
	return s.JobStore.Update(ctx, id, patch)
}

func (s *recordingStore) GetDue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	s.dueCalls++
	err := s.getDueErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.JobStore.GetDue(ctx, now, limit)
}

func (s *recordingStore) patchesFor(id int64) []models.JobPatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.JobPatch(nil), s.patches[id]...)
}

type harness struct {
	sched  *Scheduler
	store  *recordingStore
	l1, l2 *fakeChain
	iris   *fakeAttestation
	alerts *fakeAlerts
	clock  *fakeClock
}

func newHarness(t *testing.T, mutate func(cfg *EngineConfig)) *harness {
	t.Helper()
	sqlite, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "relayer.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	h := &harness{
		store:  &recordingStore{JobStore: sqlite, patches: make(map[int64][]models.JobPatch)},
		l1:     newFakeChain(models.ChainL1),
		l2:     newFakeChain(models.ChainL2),
		iris:   &fakeAttestation{},
		alerts: &fakeAlerts{},
		clock:  &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}

	cfg := &EngineConfig{
		Store: h.store,
		Chains: map[models.ChainRole]ChainEndpoint{
			models.ChainL1: {
				Chain:         h.l1,
				Domain:        0,
				Confirmations: 3,
				ScanContract:  "0x1000000000000000000000000000000000000001",
				RelayContract: "0x1000000000000000000000000000000000000002",
			},
			models.ChainL2: {
				Chain:         h.l2,
				Domain:        6,
				Confirmations: 3,
				ScanContract:  "0x2000000000000000000000000000000000000001",
				RelayContract: "0x2000000000000000000000000000000000000002",
			},
		},
		Attestation:  h.iris,
		Alerts:       h.alerts,
		RelayEnabled: true,
		Logger:       logging.NewNopLogger(),
		Now:          h.clock.Now,
	}
	if mutate != nil {
		mutate(cfg)
	}

	sched, err := NewEngine(cfg)
	require.NoError(t, err)
	h.sched = sched
	return h
}

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

// seedJob inserts a job discovered now and applies patch on top of it
func (h *harness) seedJob(t *testing.T, kind models.JobKind, n int, patch *models.JobPatch) *models.Job {
	t.Helper()
	ctx := testContext(t)

	inserted, err := h.store.InsertIfAbsent(ctx, models.NewJob{
		Kind:           kind,
		SourceChain:    kind.SourceChain(),
		SourceDomain:   6,
		SourceTxHash:   txHash(n),
		SourceBlock:    100,
		SourceLogIndex: 0,
	}, h.clock.Now())
	require.NoError(t, err)
	require.True(t, inserted)

	jobs, err := h.store.ListByStatus(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	id := jobs[0].ID

	if patch != nil {
		require.NoError(t, h.store.JobStore.Update(ctx, id, *patch))
	}
	return h.job(t, id)
}

func (h *harness) job(t *testing.T, id int64) *models.Job {
	t.Helper()
	job, err := h.store.GetByID(testContext(t), id)
	require.NoError(t, err)
	return job
}

// certified returns a patch that leaves a job ready for submission
func certified() *models.JobPatch {
	return &models.JobPatch{
		Status:          models.Ptr(models.StatusIrisComplete),
		IrisMessage:     []byte{0xab, 0x01},
		IrisAttestation: []byte{0xcd, 0x02},
		IrisEventNonce:  models.Ptr("77"),
	}
}

// relaying returns a patch for a job whose destination tx is in flight
func relaying(destTx string, attempts int) *models.JobPatch {
	p := certified()
	p.Status = models.Ptr(models.StatusRelaying)
	p.DestChain = models.Ptr(models.ChainL1)
	p.DestTxHash = models.Ptr(destTx)
	p.Attempts = models.Ptr(attempts)
	return p
}

func (h *harness) tick(t *testing.T) *TickResult {
	t.Helper()
	result, err := h.sched.Tick(testContext(t), &SchedulerState{LastScanAt: h.clock.Now()})
	require.NoError(t, err)
	return result
}
