package kernsync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/vp"
)

func TestUserWaitQueueSignalBeforeWaitIsNotLost(t *testing.T) {
	s := newTestScheduler(t)
	q := NewUserWaitQueue(s)

	q.Signal(0x1)

	self := vp.NewVP(30)
	hit, err := q.Wait(self, 0x1, clock.QuantumInfinite)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1), hit)
}

func TestUserWaitQueueWaitOnlyConsumesMatchingBits(t *testing.T) {
	s := newTestScheduler(t)
	q := NewUserWaitQueue(s)

	q.Signal(0x6)

	self := vp.NewVP(30)
	hit, err := q.Wait(self, 0x2, clock.QuantumInfinite)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2), hit)

	hit, err = q.Wait(self, 0x4, clock.QuantumInfinite)
	require.NoError(t, err)
	require.Equal(t, uint64(0x4), hit)
}

func TestUserWaitQueueWaitBlocksUntilSignal(t *testing.T) {
	s := newTestScheduler(t)
	q := NewUserWaitQueue(s)

	a := vp.NewVP(30)
	type result struct {
		hit uint64
		err error
	}
	done := make(chan result, 1)
	runVP(s, a, func() {
		hit, err := q.Wait(a, 0x1, clock.QuantumInfinite)
		done <- result{hit, err}
	})
	s.Resume(a, false)

	waitUntil(t, func() bool {
		var n int
		s.Locked(func() { n = q.waiters.Len })
		return n == 1
	})

	q.Signal(0x1)
	r := <-done
	require.NoError(t, r.err)
	require.Equal(t, uint64(0x1), r.hit)
}

func TestOnceFlagFireIsIdempotentAndWakesAllWaiters(t *testing.T) {
	s := newTestScheduler(t)
	f := NewOnceFlag(s)

	require.False(t, f.Fired())

	a := vp.NewVP(30)
	b := vp.NewVP(30)
	done := make(chan error, 2)
	waiter := func(v *vp.VP) { done <- f.Wait(v, clock.QuantumInfinite) }
	runVP(s, a, func() { waiter(a) })
	runVP(s, b, func() { waiter(b) })
	s.Resume(a, false)
	s.Resume(b, false)

	waitUntil(t, func() bool {
		var n int
		s.Locked(func() { n = f.q.Len })
		return n == 2
	})

	require.True(t, f.TryFire())
	require.False(t, f.TryFire())
	require.True(t, f.Fired())

	require.NoError(t, <-done)
	require.NoError(t, <-done)
}
