package kernsync

import (
	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/sched"
	"github.com/dplanitzer/serena-vpcore/vp"
)

// Semaphore is a counting semaphore with a priority-ordered wait
// queue, the release-side sibling of Mutex/ConditionVariable; no
// original_source file covers it directly (this kernel generalizes
// the single-owner Lock into an N-permit primitive the dispatch queue
// uses to signal sync-dispatch completion), so its wait/wake shape follows
// Lock.c's pattern verbatim.
type Semaphore struct {
	s       *sched.Scheduler
	waiters vp.WaitQueue
	permits int
}

// NewSemaphore creates a semaphore with the given number of initially
// available permits.
func NewSemaphore(s *sched.Scheduler, permits int) *Semaphore {
	return &Semaphore{s: s, permits: permits}
}

// Acquire blocks self until a permit is available, then takes one.
// Returns kernerr.EINTR/ETIMEDOUT if woken before acquiring.
func (sem *Semaphore) Acquire(self *vp.VP, deadline clock.Quantum) error {
	_, err := sem.s.WaitOnPredicate(self, &sem.waiters, deadline, true, func() bool {
		if sem.permits <= 0 {
			return false
		}
		sem.permits--
		return true
	})
	return err
}

// TryAcquire takes a permit without blocking.
func (sem *Semaphore) TryAcquire() bool {
	var ok bool
	sem.s.Locked(func() {
		if sem.permits <= 0 {
			return
		}
		sem.permits--
		ok = true
	})
	return ok
}

// Release returns n permits and wakes up to n waiters.
func (sem *Semaphore) Release(n int) {
	sem.s.Locked(func() { sem.permits += n })
	sem.s.WakeSome(&sem.waiters, n, vp.Finished) //nolint:errcheck
}

// Available reports the current permit count.
func (sem *Semaphore) Available() int {
	var n int
	sem.s.Locked(func() { n = sem.permits })
	return n
}
