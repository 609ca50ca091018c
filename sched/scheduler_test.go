package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/kernerr"
	"github.com/dplanitzer/serena-vpcore/vp"
)

func newTestScheduler(t *testing.T) (*Scheduler, clockz.Clock) {
	t.Helper()
	fc := clockz.NewFakeClock()
	src := clock.NewSource(fc, int64(time.Millisecond))
	s := New(src)
	t.Cleanup(s.Shutdown)
	return s, fc
}

func runVP(s *Scheduler, v *vp.VP, fn func()) {
	go func() {
		v.Park()
		fn()
	}()
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestResumeReadiesAndHandsOffFromBoot(t *testing.T) {
	s, _ := newTestScheduler(t)
	v := vp.NewVP(PrioAppMin)
	v.State = vp.Suspended

	ran := make(chan struct{})
	runVP(s, v, func() { close(ran) })
	s.Resume(v, false)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("resumed VP never ran")
	}
	require.Equal(t, v, s.ExposeRunning())
}

// TestCheckpointYieldsToHigherPriorityReadyVP exercises this core's only
// preemption mechanism: cooperative Checkpoint calls. A hosted Go
// goroutine cannot be suspended from outside without its own
// cooperation, so low's own goroutine calls Checkpoint between its two
// units of work — the same pattern dispatchqueue.Queue.runLoop uses
// between work items — rather than some other VP calling Checkpoint on
// low's behalf, which no real caller in this tree ever does (see
// DESIGN.md's "cooperative, not forced, preemption" note).
func TestCheckpointYieldsToHigherPriorityReadyVP(t *testing.T) {
	s, _ := newTestScheduler(t)
	low := vp.NewVP(PrioAppMin)
	high := vp.NewVP(PrioAppMax)
	low.State = vp.Suspended
	high.State = vp.Suspended

	var order []int
	firstUnitDone := make(chan struct{})
	readyToCheckpoint := make(chan struct{})
	lowFinished := make(chan struct{})
	highRan := make(chan struct{})
	runVP(s, low, func() {
		order = append(order, 1)
		close(firstUnitDone)
		<-readyToCheckpoint
		s.Checkpoint(low)
		order = append(order, 3)
		close(lowFinished)
	})
	// high terminates once done, handing the running token back to low.
	runVP(s, high, func() { order = append(order, 2); close(highRan); s.Terminate(high) })

	s.Resume(low, false)
	<-firstUnitDone
	// low is now running (handed off from boot); Resume marks high ready
	// and, since it outranks the running low, records it as preferred —
	// readyToCheckpoint guarantees this happens before low reaches its
	// own Checkpoint call, so the outcome isn't a race against low's
	// own goroutine.
	s.Resume(high, false)
	close(readyToCheckpoint)
	<-highRan
	<-lowFinished

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestSuspendRunningVPYieldsToNextReady(t *testing.T) {
	s, _ := newTestScheduler(t)
	a := vp.NewVP(PrioAppMin)
	b := vp.NewVP(PrioAppMin + 1)
	a.State = vp.Suspended
	b.State = vp.Suspended

	aRan := make(chan struct{})
	bRan := make(chan struct{})
	aDone := make(chan struct{})
	runVP(s, a, func() {
		close(aRan)
		<-aDone
		s.Suspend(a)
	})
	runVP(s, b, func() { close(bRan) })

	s.Resume(a, false)
	<-aRan
	s.mu.Lock()
	b.State = vp.Ready
	s.ready.Insert(b)
	s.mu.Unlock()
	close(aDone)

	select {
	case <-bRan:
	case <-time.After(time.Second):
		t.Fatal("b never ran after a suspended itself")
	}
	require.Equal(t, vp.Suspended, a.State)
}

func TestTerminateRemovesFromReadyQueueAndFinalizer(t *testing.T) {
	s, _ := newTestScheduler(t)
	v := vp.NewVP(PrioAppMin)
	v.State = vp.Ready
	s.mu.Lock()
	s.ready.Insert(v)
	s.mu.Unlock()

	require.Equal(t, 0, s.TerminatedCount())
	s.Terminate(v)
	require.Equal(t, vp.Terminated, v.State)
	require.Equal(t, 1, s.TerminatedCount())

	s.mu.Lock()
	best := s.ready.Highest()
	s.mu.Unlock()
	require.Nil(t, best)
}

func TestWaitOnPredicateReturnsImmediatelyWhenAlreadyTrue(t *testing.T) {
	s, _ := newTestScheduler(t)
	v := vp.NewVP(PrioAppMin)
	var q vp.WaitQueue

	reason, err := s.WaitOnPredicate(v, &q, clock.QuantumInfinite, false, func() bool { return true })
	require.NoError(t, err)
	require.Equal(t, vp.Finished, reason)
}

func TestWakeOneWakesHighestPriorityWaiterFirst(t *testing.T) {
	s, _ := newTestScheduler(t)
	var q vp.WaitQueue

	low := vp.NewVP(PrioAppMin)
	high := vp.NewVP(PrioAppMin + 5)
	low.State = vp.Suspended
	high.State = vp.Suspended

	lowDone := make(chan struct{})
	highDone := make(chan struct{})
	runVP(s, low, func() {
		s.mu.Lock()
		low.State = vp.Running
		s.running = low
		s.mu.Unlock()
		s.WaitOnPredicate(low, &q, clock.QuantumInfinite, false, nil)
		close(lowDone)
	})
	runVP(s, high, func() {
		s.mu.Lock()
		high.State = vp.Running
		s.running = high
		s.mu.Unlock()
		s.WaitOnPredicate(high, &q, clock.QuantumInfinite, false, nil)
		close(highDone)
	})

	s.Resume(low, false)
	waitUntil(t, func() bool { return low.State == vp.Waiting })
	s.Resume(high, false)
	waitUntil(t, func() bool { return high.State == vp.Waiting })
	waitUntil(t, func() bool { return !q.Empty() && q.Front() == high })

	woke, err := s.WakeOne(&q, vp.Finished)
	require.NoError(t, err)
	require.True(t, woke)

	select {
	case <-highDone:
	case <-time.After(time.Second):
		t.Fatal("higher priority waiter was not woken first")
	}
	select {
	case <-lowDone:
		t.Fatal("low priority waiter woke up too, expected only one wake")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAbortSyscallInterruptsInterruptibleWait(t *testing.T) {
	s, _ := newTestScheduler(t)
	var q vp.WaitQueue
	target := vp.NewVP(PrioAppMin)
	target.State = vp.Suspended

	errCh := make(chan error, 1)
	runVP(s, target, func() {
		s.mu.Lock()
		target.State = vp.Running
		s.running = target
		s.mu.Unlock()
		_, err := s.WaitOnPredicate(target, &q, clock.QuantumInfinite, true, nil)
		errCh <- err
	})
	s.Resume(target, false)
	waitUntil(t, func() bool { return target.State == vp.Waiting })

	s.AbortSyscall(target)

	select {
	case err := <-errCh:
		require.True(t, kernerr.IsInterrupted(err))
	case <-time.After(time.Second):
		t.Fatal("aborted VP never woke")
	}
}

func TestWaitOnPredicateTimesOut(t *testing.T) {
	s, fc := newTestScheduler(t)
	var q vp.WaitQueue
	target := vp.NewVP(PrioAppMin)
	target.State = vp.Suspended

	errCh := make(chan error, 1)
	runVP(s, target, func() {
		s.mu.Lock()
		target.State = vp.Running
		s.running = target
		s.mu.Unlock()
		deadline := s.Clock().CurrentQuantum() + 5
		_, err := s.WaitOnPredicate(target, &q, deadline, false, nil)
		errCh <- err
	})
	s.Resume(target, false)
	waitUntil(t, func() bool { return target.State == vp.Waiting })

	for i := 0; i < 10; i++ {
		fc.Advance(time.Millisecond)
	}

	select {
	case err := <-errCh:
		require.True(t, kernerr.IsTimeout(err))
	case <-time.After(time.Second):
		t.Fatal("waiter never timed out")
	}
}

func TestChangePriorityReinsertsReadyVPAtNewPriority(t *testing.T) {
	s, _ := newTestScheduler(t)
	v := vp.NewVP(PrioAppMin)
	v.State = vp.Ready
	s.mu.Lock()
	s.ready.Insert(v)
	s.mu.Unlock()

	s.ChangePriority(v, PrioAppMax)
	require.Equal(t, PrioAppMax, v.BasePriority)
	require.Equal(t, PrioAppMax, v.EffectivePriority)

	s.mu.Lock()
	best := s.ready.Highest()
	s.mu.Unlock()
	require.Equal(t, v, best)
}

func TestPanicLogsAndPanics(t *testing.T) {
	require.Panics(t, func() { Panic("TestOp", "forced invariant violation") })
}
