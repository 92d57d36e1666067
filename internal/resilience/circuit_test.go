package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream")

func failCall(context.Context) error { return errUpstream }
func okCall(context.Context) error   { return nil }

func newTestBreaker(threshold int, reset time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("completion", BreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
		OnStateChange:    func(string, CircuitState, CircuitState) {},
	})
	b.nowFunc = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(3, time.Minute)
	for range 3 {
		require.ErrorIs(t, b.Execute(context.Background(), failCall), errUpstream)
	}
	assert.Equal(t, CircuitOpen, b.State())

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, int64(1), b.Rejected())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(3, time.Minute)
	_ = b.Execute(context.Background(), failCall)
	_ = b.Execute(context.Background(), failCall)
	require.NoError(t, b.Execute(context.Background(), okCall))
	_ = b.Execute(context.Background(), failCall)
	_ = b.Execute(context.Background(), failCall)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	b, now := newTestBreaker(1, 10*time.Second)
	_ = b.Execute(context.Background(), failCall)
	require.Equal(t, CircuitOpen, b.State())

	*now = now.Add(10 * time.Second)
	assert.Equal(t, CircuitHalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), okCall))
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b, now := newTestBreaker(2, 10*time.Second)
	_ = b.Execute(context.Background(), failCall)
	_ = b.Execute(context.Background(), failCall)

	*now = now.Add(11 * time.Second)
	_ = b.Execute(context.Background(), failCall)
	assert.Equal(t, CircuitOpen, b.State(), "one failed probe reopens")
}

func TestBreaker_ShouldTrip(t *testing.T) {
	t.Parallel()

	b := NewBreaker("completion", BreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       func(err error) bool { return IsTransient(err) },
		OnStateChange:    func(string, CircuitState, CircuitState) {},
	})
	_ = b.Execute(context.Background(), failCall)
	assert.Equal(t, CircuitClosed, b.State(), "permanent errors do not trip")

	_ = b.Execute(context.Background(), func(context.Context) error {
		return NewTransientError(errUpstream, 503)
	})
	assert.Equal(t, CircuitOpen, b.State())
}

func TestBreaker_TransitionsReported(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []string
	b := NewBreaker("store", BreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(name string, from, to CircuitState) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, name+":"+from.String()+">"+to.String())
		},
	})
	_ = b.Execute(context.Background(), failCall)
	b.Reset()

	assert.Equal(t, []string{"store:closed>open", "store:open>closed"}, seen)
}

func TestExecuteVal(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(1, time.Minute)
	v, err := ExecuteVal(context.Background(), b, func(context.Context) (string, error) { return "Plato", nil })
	require.NoError(t, err)
	assert.Equal(t, "Plato", v)

	_, _ = ExecuteVal(context.Background(), b, func(context.Context) (string, error) { return "", errUpstream })
	v, err = ExecuteVal(context.Background(), b, func(context.Context) (string, error) { return "Kant", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Empty(t, v)
}

func TestBreaker_Concurrent(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(1000, time.Minute)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Execute(context.Background(), failCall)
				return
			}
			_ = b.Execute(context.Background(), okCall)
		}()
	}
	wg.Wait()
	assert.Equal(t, CircuitClosed, b.State())
}

func TestCircuitState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
