package kernsync

import (
	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/sched"
	"github.com/dplanitzer/serena-vpcore/vp"
)

// UserWaitQueue is a signalling-mode wait primitive: signals are
// latched into a bitmask rather than delivered only to whoever happens
// to be waiting at the time, so a Signal that arrives before Wait is
// called is not lost (spec §4.7's "UWQ"). Generalizes Lock.c's
// wait_queue + value pattern from a single bit (locked/unlocked) to an
// arbitrary signal mask.
type UserWaitQueue struct {
	s       *sched.Scheduler
	waiters vp.WaitQueue
	latched uint64
}

// NewUserWaitQueue creates an empty queue bound to s.
func NewUserWaitQueue(s *sched.Scheduler) *UserWaitQueue {
	return &UserWaitQueue{s: s}
}

// Signal latches mask into the pending signal set and wakes every
// waiter; a waiter whose mask does not overlap the latched bits goes
// back to waiting.
func (q *UserWaitQueue) Signal(mask uint64) {
	q.s.Locked(func() { q.latched |= mask })
	q.s.WakeAll(&q.waiters, vp.Finished) //nolint:errcheck
}

// Wait blocks self until any bit in mask is latched, then clears and
// returns exactly the bits that were latched out of mask (consuming
// them), or returns an error if interrupted/timed out first.
func (q *UserWaitQueue) Wait(self *vp.VP, mask uint64, deadline clock.Quantum) (uint64, error) {
	var observed uint64
	_, err := q.s.WaitOnPredicate(self, &q.waiters, deadline, true, func() bool {
		hit := q.latched & mask
		if hit == 0 {
			return false
		}
		q.latched &^= hit
		observed = hit
		return true
	})
	return observed, err
}

// OnceFlag is a latch that fires exactly once and lets any number of
// waiters block until it does, generalized from Lock.c's single
// owner_vpid/value pair into a fire-once broadcast rather than a
// re-entrant lock. No other package in this tree uses it; the dispatch
// queue's termination barrier waits on its own vpShutdown condition
// variable.
type OnceFlag struct {
	s     *sched.Scheduler
	q     vp.WaitQueue
	fired bool
}

// NewOnceFlag creates an unfired flag bound to s.
func NewOnceFlag(s *sched.Scheduler) *OnceFlag {
	return &OnceFlag{s: s}
}

// TryFire fires the flag and wakes every waiter. Returns false if the
// flag had already fired (idempotent).
func (f *OnceFlag) TryFire() bool {
	var won bool
	f.s.Locked(func() {
		if f.fired {
			return
		}
		f.fired = true
		won = true
	})
	if won {
		f.s.WakeAll(&f.q, vp.Finished) //nolint:errcheck
	}
	return won
}

// Wait blocks self until the flag fires.
func (f *OnceFlag) Wait(self *vp.VP, deadline clock.Quantum) error {
	_, err := f.s.WaitOnPredicate(self, &f.q, deadline, true, func() bool {
		return f.fired
	})
	return err
}

// Fired reports whether TryFire has already succeeded.
func (f *OnceFlag) Fired() bool {
	var fired bool
	f.s.Locked(func() { fired = f.fired })
	return fired
}
