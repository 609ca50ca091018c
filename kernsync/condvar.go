package kernsync

import (
	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/sched"
	"github.com/dplanitzer/serena-vpcore/vp"
)

// ConditionVariable is a wait queue with no state of its own beyond
// its waiters; every signal/broadcast/wait call pairs with a Mutex,
// exactly as in ConditionVariable.c.
type ConditionVariable struct {
	s       *sched.Scheduler
	waiters vp.WaitQueue
}

// NewConditionVariable creates an empty condition variable bound to s.
func NewConditionVariable(s *sched.Scheduler) *ConditionVariable {
	return &ConditionVariable{s: s}
}

// Wait atomically unlocks lock and blocks self until signaled,
// broadcast to, interrupted, or deadline passes, then relocks lock
// before returning — mirroring ConditionVariable_Wait's
// unlock/wait/lock sequence. The unlock and the enqueue onto this
// condvar's wait queue happen inside one scheduler critical section
// (WaitOnExchange) so a concurrent Signal/Broadcast can never slip in
// between them and be missed.
func (c *ConditionVariable) Wait(self *vp.VP, lock *Mutex, deadline clock.Quantum) error {
	_, err := c.s.WaitOnExchange(self, &c.waiters, deadline, true, func() {
		lock.unlockExchange(self)
	})
	lock.Lock(self)
	return err
}

// Signal wakes exactly one waiter (reason Finished) and, if lock is
// non-nil, atomically unlocks it first — ConditionVariable_SignalAndUnlock.
func (c *ConditionVariable) Signal(lock *Mutex, self *vp.VP) {
	if lock != nil {
		lock.Unlock(self)
	}
	c.s.WakeSome(&c.waiters, 1, vp.Finished) //nolint:errcheck
}

// Broadcast wakes every waiter and, if lock is non-nil, atomically
// unlocks it first — ConditionVariable_BroadcastAndUnlock.
func (c *ConditionVariable) Broadcast(lock *Mutex, self *vp.VP) {
	if lock != nil {
		lock.Unlock(self)
	}
	c.s.WakeAll(&c.waiters, vp.Finished) //nolint:errcheck
}

// WaiterCount reports how many VPs are currently blocked in Wait
// (test/introspection only).
func (c *ConditionVariable) WaiterCount() int {
	var n int
	c.s.Locked(func() { n = c.waiters.Len })
	return n
}

// Close wakes every remaining waiter with reason Interrupted, matching
// ConditionVariable_Deinit's "tell them the wait has been interrupted"
// behavior: a destroyed condition variable can no longer be signaled,
// so any pending Wait returns kernerr.EINTR.
func (c *ConditionVariable) Close() {
	c.s.WakeAll(&c.waiters, vp.Interrupted) //nolint:errcheck
}
