package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cctp-relayer/internal/logging"
	"github.com/cctp-relayer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	backends map[string]*fakeBackend
	dialed   []string
	closed   []string
}

func (d *fakeDialer) dial(_ context.Context, url string) (EthBackend, func(), error) {
	b, ok := d.backends[url]
	if !ok {
		return nil, nil, errors.New("connection refused")
	}
	d.dialed = append(d.dialed, url)
	return b, func() { d.closed = append(d.closed, url) }, nil
}

func newTestPool(t *testing.T, d *fakeDialer, now func() time.Time, endpoints ...string) *RPCPool {
	t.Helper()
	pool, err := NewRPCPool(context.Background(), &RPCPoolConfig{
		Role:      models.ChainL1,
		Endpoints: endpoints,
		Dial:      d.dial,
		Logger:    logging.NewNopLogger(),
		Now:       now,
	})
	require.NoError(t, err)
	return pool
}

func TestParseEndpoints(t *testing.T) {
	assert.Equal(t, []string{"http://a", "http://b"}, ParseEndpoints(" http://a, ,http://b ,"))
	assert.Empty(t, ParseEndpoints(""))
}

func TestRPCPool_DialsLazily(t *testing.T) {
	d := &fakeDialer{backends: map[string]*fakeBackend{"a": {head: 1}, "b": {head: 2}}}
	pool := newTestPool(t, d, nil, "a", "b")

	assert.Equal(t, []string{"a"}, d.dialed)

	pool.Close()
	assert.Equal(t, []string{"a"}, d.closed)
}

func TestRPCPool_RequiresEndpoints(t *testing.T) {
	_, err := NewRPCPool(context.Background(), &RPCPoolConfig{})
	assert.Error(t, err)

	d := &fakeDialer{backends: map[string]*fakeBackend{}}
	_, err = NewRPCPool(context.Background(), &RPCPoolConfig{Endpoints: []string{"down"}, Dial: d.dial})
	assert.Error(t, err)
}

func TestRPCPool_SwitchesOnRateLimit(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	primary := &fakeBackend{head: 100, headErrs: []error{errors.New("429 Too Many Requests")}}
	backup := &fakeBackend{head: 101}
	d := &fakeDialer{backends: map[string]*fakeBackend{"a": primary, "b": backup}}
	pool := newTestPool(t, d, clock, "a", "b")
	ctx := context.Background()

	_, err := pool.BlockNumber(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, pool.CurrentEndpoint())

	head, err := pool.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), head)

	// primary is preferred again once its cooldown is over
	now = now.Add(DefaultEndpointCooldown + time.Second)
	head, err = pool.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), head)
	assert.Equal(t, 0, pool.CurrentEndpoint())
}

func TestRPCPool_OtherErrorsDoNotSwitch(t *testing.T) {
	primary := &fakeBackend{headErrs: []error{errors.New("connection reset by peer")}}
	d := &fakeDialer{backends: map[string]*fakeBackend{"a": primary, "b": {}}}
	pool := newTestPool(t, d, nil, "a", "b")

	_, err := pool.BlockNumber(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, pool.CurrentEndpoint())
	assert.Equal(t, []string{"a"}, d.dialed)
}

func TestRPCPool_AllEndpointsLimited(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	limited := errors.New("rate limit exceeded")
	d := &fakeDialer{backends: map[string]*fakeBackend{
		"a": {headErrs: []error{limited}},
		"b": {headErrs: []error{limited}},
	}}
	pool := newTestPool(t, d, func() time.Time { return now }, "a", "b")
	ctx := context.Background()

	_, err := pool.BlockNumber(ctx)
	require.Error(t, err)
	_, err = pool.BlockNumber(ctx)
	require.Error(t, err)

	// nowhere to go, stays on the last endpoint tried
	assert.Equal(t, 1, pool.CurrentEndpoint())
}

func TestEthereumAdapter_FailsOverBetweenEndpoints(t *testing.T) {
	primary := &fakeBackend{head: 10}
	backup := &fakeBackend{head: 11}
	d := &fakeDialer{backends: map[string]*fakeBackend{"http://a": primary, "http://b": backup}}

	a, err := NewEthereumAdapter(context.Background(), &EthereumAdapterConfig{
		Role:   models.ChainL2,
		RPCURL: "http://a,http://b",
		Dial:   d.dial,
		Logger: logging.NewNopLogger(),
	})
	require.NoError(t, err)
	defer a.Close()

	primary.headErrs = []error{errors.New("429 Too Many Requests")}
	head, err := a.HeadBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(11), head)
}

func TestIsRateLimitError(t *testing.T) {
	assert.True(t, IsRateLimitError(errors.New("429 Too Many Requests")))
	assert.True(t, IsRateLimitError(errors.New("request throttled")))
	assert.False(t, IsRateLimitError(errors.New("execution reverted")))
	assert.False(t, IsRateLimitError(nil))
}
