package circuitbreaker

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(settings Settings) *Breaker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBreaker("llm:test", settings, logger)
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := testBreaker(Settings{FailureThreshold: 3, OpenTimeout: time.Minute, ProbeRequests: 1})

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.Report(false)
	}

	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := testBreaker(Settings{FailureThreshold: 3, OpenTimeout: time.Minute, ProbeRequests: 1})

	require.NoError(t, b.Allow())
	b.Report(false)
	require.NoError(t, b.Allow())
	b.Report(false)
	require.NoError(t, b.Allow())
	b.Report(true)

	// Two more failures stay under the threshold of three consecutive.
	require.NoError(t, b.Allow())
	b.Report(false)
	require.NoError(t, b.Allow())
	b.Report(false)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbes(t *testing.T) {
	b := testBreaker(Settings{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond, ProbeRequests: 2})

	require.NoError(t, b.Allow())
	b.Report(false)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// Only ProbeRequests probes may be in flight.
	require.NoError(t, b.Allow())
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	// Both probes succeeding closes the breaker.
	b.Report(true)
	b.Report(true)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := testBreaker(Settings{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond, ProbeRequests: 2})

	require.NoError(t, b.Allow())
	b.Report(false)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Allow())
	b.Report(false)

	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestManagerReusesBreakers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(DefaultSettings(), logger)

	a := m.Get("llm:groq")
	b := m.Get("llm:groq")
	c := m.Get("llm:gemini")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	stats := m.Stats()
	assert.Len(t, stats, 2)
}
