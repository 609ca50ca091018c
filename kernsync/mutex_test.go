package kernsync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/sched"
	"github.com/dplanitzer/serena-vpcore/vp"
)

// newTestScheduler builds a scheduler over a fresh fake clock; tests
// that need to advance time grab it back with clockz.NewFakeClock()
// themselves and pass it to newTestSchedulerWithClock instead.
func newTestScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	return newTestSchedulerWithClock(t, clockz.NewFakeClock())
}

func newTestSchedulerWithClock(t *testing.T, fc clockz.Clock) *sched.Scheduler {
	t.Helper()
	src := clock.NewSource(fc, int64(time.Millisecond))
	s := sched.New(src)
	t.Cleanup(s.Shutdown)
	return s
}

// runVP spins up a goroutine standing in for a new VP's thread of
// execution and runs fn once the scheduler grants it the running
// token, then terminates v so the token passes to the next ready VP,
// as a finished Entry body's VP leaves its tenure in this core.
func runVP(s *sched.Scheduler, v *vp.VP, fn func()) {
	go func() {
		v.Park()
		fn()
		s.Terminate(v)
	}()
}

func TestMutexMutualExclusion(t *testing.T) {
	s := newTestScheduler(t)
	m := NewMutex(s)

	a := vp.NewVP(30)
	b := vp.NewVP(30)

	var counter int32
	var holders int32
	var maxHolders int32
	done := make(chan struct{}, 2)

	work := func(v *vp.VP) {
		m.Lock(v)
		n := atomic.AddInt32(&holders, 1)
		if n > atomic.LoadInt32(&maxHolders) {
			atomic.StoreInt32(&maxHolders, n)
		}
		atomic.AddInt32(&counter, 1)
		atomic.AddInt32(&holders, -1)
		m.Unlock(v)
		done <- struct{}{}
	}

	runVP(s, a, func() { work(a) })
	runVP(s, b, func() { work(b) })
	s.Resume(a, false)
	s.Resume(b, false)

	<-done
	<-done
	require.Equal(t, int32(2), atomic.LoadInt32(&counter))
	require.LessOrEqual(t, atomic.LoadInt32(&maxHolders), int32(1))
}

func TestMutexTryLock(t *testing.T) {
	s := newTestScheduler(t)
	m := NewMutex(s)
	a := vp.NewVP(30)

	require.True(t, m.TryLock(a))
	require.False(t, m.TryLock(a))
	m.Unlock(a)
	require.True(t, m.TryLock(a))
}

func TestMutexUnlockByNonOwnerPanics(t *testing.T) {
	s := newTestScheduler(t)
	m := NewMutex(s)
	a := vp.NewVP(30)
	b := vp.NewVP(30)
	require.True(t, m.TryLock(a))
	require.Panics(t, func() { m.Unlock(b) })
}
