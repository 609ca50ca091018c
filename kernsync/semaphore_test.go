package kernsync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/vp"
)

func TestSemaphoreTryAcquireRespectsPermitCount(t *testing.T) {
	s := newTestScheduler(t)
	sem := NewSemaphore(s, 2)

	require.True(t, sem.TryAcquire())
	require.True(t, sem.TryAcquire())
	require.False(t, sem.TryAcquire())
	require.Equal(t, 0, sem.Available())

	sem.Release(1)
	require.Equal(t, 1, sem.Available())
	require.True(t, sem.TryAcquire())
}

func TestSemaphoreAcquireBlocksUntilRelease(t *testing.T) {
	s := newTestScheduler(t)
	sem := NewSemaphore(s, 0)

	a := vp.NewVP(30)
	done := make(chan error, 1)
	runVP(s, a, func() {
		done <- sem.Acquire(a, clock.QuantumInfinite)
	})
	s.Resume(a, false)

	waitUntil(t, func() bool {
		var n int
		s.Locked(func() { n = sem.waiters.Len })
		return n == 1
	})

	sem.Release(1)
	require.NoError(t, <-done)
}

func TestSemaphoreReleaseWakesUpToN(t *testing.T) {
	s := newTestScheduler(t)
	sem := NewSemaphore(s, 0)

	a := vp.NewVP(30)
	b := vp.NewVP(30)
	done := make(chan error, 2)
	waiter := func(v *vp.VP) {
		done <- sem.Acquire(v, clock.QuantumInfinite)
	}
	runVP(s, a, func() { waiter(a) })
	runVP(s, b, func() { waiter(b) })
	s.Resume(a, false)
	s.Resume(b, false)
	waitUntil(t, func() bool {
		var n int
		s.Locked(func() { n = sem.waiters.Len })
		return n == 2
	})

	sem.Release(2)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	require.Equal(t, 0, sem.Available())
}
