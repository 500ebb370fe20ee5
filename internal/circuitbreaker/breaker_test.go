package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream blew up")

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 3, OpenTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return errUpstream })
		assert.ErrorIs(t, err, errUpstream)
	}
	assert.Equal(t, StateOpen, b.State())

	// Open circuit fails fast without touching the upstream.
	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 3, OpenTimeout: time.Minute})

	b.Execute(func() error { return errUpstream })
	b.Execute(func() error { return errUpstream })
	require.NoError(t, b.Execute(func() error { return nil }))
	b.Execute(func() error { return errUpstream })
	b.Execute(func() error { return errUpstream })

	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenRecovery(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 1, OpenTimeout: 20 * time.Millisecond, HalfOpenProbes: 2})

	b.Execute(func() error { return errUpstream })
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// A successful probe closes the circuit.
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 1, OpenTimeout: 20 * time.Millisecond, HalfOpenProbes: 2})

	b.Execute(func() error { return errUpstream })
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	b.Execute(func() error { return errUpstream })
	assert.Equal(t, StateOpen, b.State())
}
