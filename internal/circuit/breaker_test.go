package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Timeout: 50 * time.Millisecond})
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		_ = b.Execute(func() error { return boom })
	}

	assert.Equal(t, StateOpen, b.State())
}

func TestOpenBreakerRejectsWithoutCallingFn(t *testing.T) {
	b := New(Config{Timeout: time.Hour})
	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		_ = b.Execute(func() error { return boom })
	}
	require.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil })

	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestHalfOpenRecoversOnSuccess(t *testing.T) {
	b := New(Config{Timeout: 10 * time.Millisecond})
	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		_ = b.Execute(func() error { return boom })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	err := b.Execute(func() error { return nil })

	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	b := New(Config{Timeout: 10 * time.Millisecond})
	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		_ = b.Execute(func() error { return boom })
	}
	time.Sleep(20 * time.Millisecond)

	err := b.Execute(func() error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, b.State())
}

func TestClosedBreakerExecutesNormally(t *testing.T) {
	b := New(Config{})
	calls := 0
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { calls++; return nil })
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, StateClosed, b.State())
}
