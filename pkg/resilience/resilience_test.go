package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(reg prometheus.Registerer) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker("storage", Config{
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
		MaxAttempts:      3,
		Backoff:          time.Millisecond,
		Timeout:          time.Second,
	}, reg)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_RetriesUntilSuccess(t *testing.T) {
	b, _ := newTestBreaker(nil)
	calls := 0

	err := b.Execute(context.Background(), "presign", func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_OpensAfterThresholdAndRecovers(t *testing.T) {
	b, clock := newTestBreaker(prometheus.NewRegistry())
	boom := errors.New("boom")

	err := b.Execute(context.Background(), "presign", func(context.Context) error { return boom })
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, CircuitBreakerOpen, b.State())

	calls := 0
	err = b.Execute(context.Background(), "presign", func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)

	clock.Advance(11 * time.Second)
	err = b.Execute(context.Background(), "presign", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(nil)
	boom := errors.New("boom")

	_ = b.Execute(context.Background(), "presign", func(context.Context) error { return boom })
	require.Equal(t, CircuitBreakerOpen, b.State())

	clock.Advance(11 * time.Second)
	calls := 0
	err := b.Execute(context.Background(), "presign", func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitBreakerOpen, b.State())
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "timeout", classifyError(context.DeadlineExceeded))
	assert.Equal(t, "network", classifyError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "none", classifyError(nil))
	assert.Equal(t, "unknown", classifyError(errors.New("weird")))
}
