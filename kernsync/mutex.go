// Package kernsync implements the synchronization primitives built
// atop the scheduler's single wait_on/wake_* mechanism: Mutex,
// ConditionVariable, Semaphore, and UserWaitQueue.
//
// Grounded on original_source/Kernel/Sources/Lock.c and
// ConditionVariable.c (Semaphore follows Lock.c's shape; see its doc
// comment). The original relies on a
// single-core kernel's "preemption disabled" critical section to make
// check-then-block atomic; on this hosted runtime other VPs'
// goroutines genuinely run in parallel, so every primitive here
// instead folds its resource check into sched.Scheduler.WaitOnPredicate,
// which evaluates the check under the scheduler's own lock.
package kernsync

import (
	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/sched"
	"github.com/dplanitzer/serena-vpcore/vp"
)

// Mutex is a non-reentrant, priority-ordered mutual-exclusion lock.
// Unlocking from a VP other than the owner panics, mirroring
// Lock.c's ownership-violation abort() rather than returning an error:
// a spec invariant violation, not a recoverable condition (spec §7).
type Mutex struct {
	s       *sched.Scheduler
	waiters vp.WaitQueue
	owner   *vp.VP
	held    bool
}

// NewMutex creates an unlocked mutex bound to scheduler s.
func NewMutex(s *sched.Scheduler) *Mutex {
	return &Mutex{s: s}
}

// Lock blocks the calling VP until the mutex is free, then takes it.
func (m *Mutex) Lock(self *vp.VP) {
	m.s.WaitOnPredicate(self, &m.waiters, clock.QuantumInfinite, false, func() bool {
		if m.held {
			return false
		}
		m.held = true
		m.owner = self
		return true
	})
}

// Unlock releases the mutex. self must be the current owner. Every
// waiter is woken (not just one), matching Lock_WakeUp's
// WakeUpAll(..., true): each re-checks Mutex.held itself and only one
// of them will actually win the race to set it.
func (m *Mutex) Unlock(self *vp.VP) {
	var wasOwner bool
	m.s.Locked(func() {
		wasOwner = m.owner == self
		if wasOwner {
			m.held = false
			m.owner = nil
		}
	})
	if !wasOwner {
		sched.Panic("Mutex.Unlock", "called by a VP other than the current owner")
	}
	m.s.WakeAll(&m.waiters, vp.Finished) //nolint:errcheck
}

// TryLock attempts to take the mutex without blocking.
func (m *Mutex) TryLock(self *vp.VP) bool {
	var acquired bool
	m.s.Locked(func() {
		if m.held {
			return
		}
		m.held = true
		m.owner = self
		acquired = true
	})
	return acquired
}

// Owner returns the current holder, or nil if unlocked.
func (m *Mutex) Owner() *vp.VP {
	var owner *vp.VP
	m.s.Locked(func() { owner = m.owner })
	return owner
}

// unlockExchange clears ownership and wakes every waiter, assuming the
// scheduler's critical section is already held by the caller (only
// valid inside a sched.WaitOnExchange callback). Used by
// ConditionVariable.Wait to make "unlock the mutex, then block on the
// condvar" atomic with respect to a concurrent Signal/Broadcast.
func (m *Mutex) unlockExchange(self *vp.VP) {
	if m.owner != self {
		sched.Panic("Mutex.unlockExchange", "called by a VP other than the current owner")
	}
	m.held = false
	m.owner = nil
	m.s.WakeAllLocked(&m.waiters)
}
