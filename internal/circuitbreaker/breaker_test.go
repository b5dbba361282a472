package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("down")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(clock.now), clock
}

func fail() error { return errDown }
func ok() error   { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newBreaker(3)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do("hook", fail), errDown)
	}
	assert.Equal(t, StateOpen, b.State("hook"))

	called := false
	err := b.Do("hook", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newBreaker(3)

	_ = b.Do("hook", fail)
	_ = b.Do("hook", fail)
	require.NoError(t, b.Do("hook", ok))
	_ = b.Do("hook", fail)
	_ = b.Do("hook", fail)

	assert.Equal(t, StateClosed, b.State("hook"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newBreaker(1)

	_ = b.Do("hook", fail)
	require.Equal(t, StateOpen, b.State("hook"))

	clock.advance(59 * time.Second)
	assert.ErrorIs(t, b.Do("hook", ok), ErrOpen)

	clock.advance(time.Second)
	require.NoError(t, b.Do("hook", ok))
	assert.Equal(t, StateClosed, b.State("hook"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newBreaker(2)

	_ = b.Do("hook", fail)
	_ = b.Do("hook", fail)
	clock.advance(time.Minute)

	assert.ErrorIs(t, b.Do("hook", fail), errDown)
	assert.Equal(t, StateOpen, b.State("hook"))
	assert.ErrorIs(t, b.Do("hook", ok), ErrOpen)
}

func TestBreaker_EndpointsAreIndependent(t *testing.T) {
	b, _ := newBreaker(1)

	_ = b.Do("a", fail)
	assert.Equal(t, StateOpen, b.State("a"))
	assert.Equal(t, StateClosed, b.State("b"))
	assert.NoError(t, b.Do("b", ok))
}

func TestNew_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.cooldown)
	assert.Equal(t, "half_open", StateHalfOpen.String())
}
