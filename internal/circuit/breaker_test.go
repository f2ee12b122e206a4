package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cxerrors "github.com/cxhealth/cxhealth/pkg/errors"
)

var errBackend = errors.New("backend down")

func call(cb *CircuitBreaker, err error) error {
	return cb.ExecuteWithContext(context.Background(), func(context.Context) error { return err })
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(999), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("redis", Config{})

	assert.Equal(t, "redis", cb.Name())
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, uint32(1), cb.config.MaxRequests)
	assert.Equal(t, uint32(5), cb.config.FailureThreshold)
	assert.Equal(t, 30*time.Second, cb.config.Timeout)
}

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	var transitions []State
	cb := NewCircuitBreaker("redis", Config{
		FailureThreshold: 3,
		Timeout:          10 * time.Second,
		Clock:            clock,
		OnStateChange: func(_ string, _ State, to State) {
			transitions = append(transitions, to)
		},
	})

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, call(cb, errBackend), errBackend)
	}
	assert.Equal(t, StateClosed, cb.GetState())

	// a success resets the consecutive count
	require.NoError(t, call(cb, nil))
	for i := 0; i < 3; i++ {
		_ = call(cb, errBackend)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.ExecuteWithContext(context.Background(), func(context.Context) error { called = true; return nil })
	assert.False(t, called)
	assert.True(t, cxerrors.HasCode(err, cxerrors.ErrCodeCircuitOpen))

	clock.Advance(10 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, call(cb, nil))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker("redis", Config{FailureThreshold: 1, Timeout: time.Second, Clock: clock})

	_ = call(cb, errBackend)
	require.Equal(t, StateOpen, cb.GetState())

	clock.Advance(time.Second)
	_ = call(cb, errBackend)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_HalfOpenTrialBudget(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker("redis", Config{FailureThreshold: 1, Timeout: time.Second, Clock: clock})
	_ = call(cb, errBackend)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.ExecuteWithContext(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := call(cb, nil)
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_GetCounts(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("redis", Config{FailureThreshold: 3})
	require.NoError(t, call(cb, nil))
	_ = call(cb, errBackend)
	_ = call(cb, errBackend)

	assert.Equal(t, Counts{
		Requests:            3,
		TotalSuccesses:      1,
		TotalFailures:       2,
		ConsecutiveFailures: 2,
	}, cb.GetCounts())

	_ = call(cb, errBackend)
	require.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, Counts{}, cb.GetCounts())
}

func TestCircuitBreaker_IntervalClearsCounts(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker("redis", Config{FailureThreshold: 2, Interval: time.Minute, Clock: clock})

	_ = call(cb, errBackend)
	clock.Advance(2 * time.Minute)
	_ = call(cb, errBackend)

	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, uint32(1), cb.GetCounts().ConsecutiveFailures)
}
