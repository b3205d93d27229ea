package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cctp-relayer/internal/logging"
	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(c *clock) *CircuitBreaker {
	return NewCircuitBreaker(&Config{
		Name:                   "webhook",
		MaxConsecutiveFailures: 3,
		Cooldown:               time.Minute,
		Logger:                 logging.NewNopLogger(),
		Now:                    c.Now,
	})
}

var errDown = errors.New("webhook HTTP 502: bad gateway")

func fail() error { return errDown }
func ok() error   { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	cb := newBreaker(c)

	assert.ErrorIs(t, cb.Execute(fail), errDown)
	assert.NoError(t, cb.Execute(ok), "a success resets the streak")
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(fail), errDown)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	calls := 0
	err := cb.Execute(func() error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
	assert.Equal(t, 1, cb.GetStats().Rejected)
}

func TestCircuitBreaker_ProbeAfterCooldown(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	cb := newBreaker(c)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(fail)
	}

	c.Advance(time.Minute)
	assert.ErrorIs(t, cb.Execute(fail), errDown, "the probe runs")
	assert.Equal(t, StateOpen, cb.GetState(), "a failed probe reopens")
	assert.ErrorIs(t, cb.Execute(ok), ErrCircuitOpen)

	c.Advance(time.Minute)
	assert.NoError(t, cb.Execute(ok))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Zero(t, cb.GetStats().ConsecutiveFails)
}
