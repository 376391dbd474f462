package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Second).WithClock(clk.Now), clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("stream-0")
	b.RecordFailure("stream-0")
	assert.True(t, b.Allow("stream-0"))

	b.RecordFailure("stream-0")
	assert.False(t, b.Allow("stream-0"))
	assert.Equal(t, StateOpen, b.State("stream-0"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2)
	b.RecordFailure("stream-1")
	b.RecordFailure("stream-1")
	require.False(t, b.Allow("stream-1"))

	clk.Advance(time.Second)
	assert.True(t, b.Allow("stream-1"), "first caller after cool-down probes")
	assert.Equal(t, StateHalfOpen, b.State("stream-1"))
	assert.False(t, b.Allow("stream-1"), "second caller waits for the probe")

	b.RecordSuccess("stream-1")
	assert.Equal(t, StateClosed, b.State("stream-1"))
	assert.True(t, b.Allow("stream-1"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure("k")
	clk.Advance(time.Second)
	require.True(t, b.Allow("k"))

	b.RecordFailure("k")
	assert.Equal(t, StateOpen, b.State("k"))
	assert.False(t, b.Allow("k"), "cool-down restarts from the failed probe")
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	b.RecordFailure("k")
	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	b.RecordFailure("k")
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("stream-0")
	assert.False(t, b.Allow("stream-0"))
	assert.True(t, b.Allow("stream-1"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2)
	boom := errors.New("boom")

	calls := 0
	fail := func() error { calls++; return boom }

	assert.ErrorIs(t, b.Execute("k", fail), boom)
	assert.ErrorIs(t, b.Execute("k", fail), boom)
	assert.ErrorIs(t, b.Execute("k", fail), ErrOpen)
	assert.Equal(t, 2, calls)
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(1)
	got := make(chan [2]State, 1)
	b.OnTransition(func(key string, from, to State) {
		got <- [2]State{from, to}
	})

	b.RecordFailure("k")
	select {
	case tr := <-got:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, tr)
	case <-time.After(time.Second):
		t.Fatal("transition callback not invoked")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
