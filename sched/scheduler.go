// Package sched implements the VP scheduler: the ready/wait/timeout
// queues' algorithms, preemption control, wait/wake, sleep, and the
// forced context switch that moves the running token between VPs.
//
// Grounded on original_source/Kernel/Sources/VirtualProcessorScheduler.c
// and .h; the Go realization substitutes a per-VP resume channel
// (vp.VP.Park/Grant) for a machine register-context switch, as recorded
// in SPEC_FULL.md §1 and DESIGN.md.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/capitan"

	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/kernerr"
	"github.com/dplanitzer/serena-vpcore/signals"
	"github.com/dplanitzer/serena-vpcore/vp"
)

// PreemptState is the opaque token returned by DisablePreempt, handed
// back to RestorePreempt.
type PreemptState struct {
	depth int
	coop  bool
}

// Scheduler owns the ready queue, the timeout queue, and the single
// running-VP slot. Boot installs one process-wide instance (spec §9
// "Global scheduler state"); New also builds independent instances,
// as the tests do. Concurrent access is mediated by one mutex that
// stands in for "preemption disabled", matching §5's "scheduler
// operations run with preemption disabled rather than under a lock" —
// here the mutex IS the disabled-preemption critical section.
type Scheduler struct {
	mu sync.Mutex

	ready    vp.ReadyQueue
	timeoutQ vp.TimeoutQueue
	sleepQ   vp.WaitQueue

	running *vp.VP
	clock   *clock.Source

	preemptDepth int
	coopDisabled bool
	preferred    *vp.VP // set by a quantum tick when a higher-priority VP should run next

	// finalizer records VPs that have run to Terminated, for introspection
	// (spec §4.2's terminated state is terminal; nothing dequeues this).
	finalizer []*vp.VP

	idleVP *vp.VP
	bootVP *vp.VP

	tickStop chan struct{}
}

// New creates an independent scheduler instance bound to clk: the idle
// and boot VPs at the reserved priorities, and a running quantum tick
// loop. Each instance owns its own ready/wait/timeout queues — nothing
// here is process-global, so tests can run many schedulers concurrently
// against independent fake clocks.
func New(clk *clock.Source) *Scheduler {
	s := &Scheduler{
		clock:    clk,
		tickStop: make(chan struct{}),
	}
	s.idleVP = vp.NewVP(prioIdle)
	s.bootVP = vp.NewVP(prioBoot)
	s.running = s.bootVP
	s.bootVP.State = vp.Running
	go s.tickLoop()
	return s
}

var (
	singleton     *Scheduler
	singletonOnce sync.Once
)

// Boot installs clk as the backing clock for the process-wide
// scheduler singleton used by cmd/kernsim and any other single-image
// entry point; the original kernel's gVirtualProcessorScheduler has
// exactly this lifetime (created once at startup, never torn down).
// Subsequent calls are a no-op and return the original instance.
func Boot(clk *clock.Source) *Scheduler {
	singletonOnce.Do(func() { singleton = New(clk) })
	return singleton
}

// Panic reports a fatal invariant violation (spec §7): it logs the
// highest-severity capitan signal carrying op and detail, then panics.
// Unlike kernerr, which carries recoverable operational failures back
// to a caller, an invariant violation is never returned as an error —
// the core's internal bookkeeping is no longer trustworthy, so the
// only safe move is to crash loudly rather than limp on.
func Panic(op, detail string) {
	capitan.Error(context.Background(), signals.InvariantViolated,
		signals.FieldReason.Field(detail),
	)
	panic("sched: invariant violation in " + op + ": " + detail)
}

// Get returns the singleton installed by Boot. Panics if Boot has not
// run, since no core component may operate before boot.
func Get() *Scheduler {
	if singleton == nil {
		Panic("Get", "scheduler not initialized: Boot was never called")
	}
	return singleton
}

// Clock exposes the monotonic clock source backing this scheduler.
func (s *Scheduler) Clock() *clock.Source { return s.clock }

// DisablePreempt inhibits the scheduler and returns the prior state.
// Nestable.
func (s *Scheduler) DisablePreempt() PreemptState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := PreemptState{depth: s.preemptDepth, coop: s.coopDisabled}
	s.preemptDepth++
	return prior
}

// RestorePreempt restores a prior preemption state obtained from
// DisablePreempt.
func (s *Scheduler) RestorePreempt(prior PreemptState) {
	s.mu.Lock()
	s.preemptDepth = prior.depth
	s.coopDisabled = prior.coop
	s.mu.Unlock()
}

// Resume decrements v's suspension count (or forces it to zero) and,
// if it reaches zero, readies v and considers a voluntary switch.
func (s *Scheduler) Resume(v *vp.VP, force bool) {
	s.mu.Lock()
	if force {
		v.SuspendCount = 0
	} else if v.SuspendCount > 0 {
		v.SuspendCount--
	}
	if v.SuspendCount > 0 || v.State != vp.Suspended {
		s.mu.Unlock()
		return
	}
	v.State = vp.Ready
	v.EffectivePriority = v.BasePriority
	v.QuantumAllowance = QuantumAllowance(v.EffectivePriority)
	s.ready.Insert(v)
	capitan.Info(context.Background(), signals.VPResumed,
		signals.FieldVPID.Field(int(v.ID)),
		signals.FieldPriority.Field(v.BasePriority))
	s.considerVoluntarySwitch()
	s.mu.Unlock()
}

// Suspend nests a suspension request against v. The first call removes
// v from the ready queue, forces a switch away if v is Running, or is
// silently absorbed if v is Waiting.
//
// The Running case assumes the only VP that can be Running is the one
// whose goroutine calls Suspend — a VP suspending itself at a syscall
// boundary, per original_source's self-suspend pattern. A hosted Go
// scheduler cannot halt an arbitrary goroutine's execution from the
// outside, so forcibly suspending a different, concurrently-executing
// Running VP is not supported; callers suspend other VPs only while
// those VPs are Ready or Waiting.
func (s *Scheduler) Suspend(v *vp.VP) {
	s.mu.Lock()
	v.SuspendCount++
	if v.SuspendCount > 1 {
		s.mu.Unlock()
		return
	}
	switch v.State {
	case vp.Ready:
		s.ready.Remove(v)
		v.State = vp.Suspended
		s.mu.Unlock()
	case vp.Running:
		v.State = vp.Suspended
		s.yieldAwayLocked(v)
		s.mu.Unlock()
		v.Park()
	default:
		s.mu.Unlock()
	}
	capitan.Info(context.Background(), signals.VPSuspended, signals.FieldVPID.Field(int(v.ID)))
}

// SuspendAndExit is Suspend's counterpart for a caller whose goroutine
// is about to return rather than continue past this call, mirroring
// Terminate's no-park running branch: the running token is handed off
// the same way, but the caller is never parked on v's resume channel.
//
// vppool.Pool.Relinquish is the only caller. A cached VP's next
// Acquire spawns a brand new goroutine for its next tenure rather than
// waking this one (see vppool's doc comment), so parking here the way
// Suspend does would leak this goroutine forever — nothing will ever
// Grant it again, and if it somehow were granted it would just resume
// inside Relinquish with nothing left to do.
func (s *Scheduler) SuspendAndExit(v *vp.VP) {
	s.mu.Lock()
	v.SuspendCount++
	if v.SuspendCount > 1 {
		s.mu.Unlock()
		return
	}
	switch v.State {
	case vp.Ready:
		s.ready.Remove(v)
		v.State = vp.Suspended
		s.mu.Unlock()
	case vp.Running:
		v.State = vp.Suspended
		s.yieldAwayLocked(v)
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
	capitan.Info(context.Background(), signals.VPSuspended, signals.FieldVPID.Field(int(v.ID)))
}

// Terminate marks v Terminated and routes it to the finalizer queue
// through a forced context switch.
func (s *Scheduler) Terminate(v *vp.VP) {
	s.mu.Lock()
	wasRunning := v.State == vp.Running
	if v.State == vp.Ready {
		s.ready.Remove(v)
	}
	if v.WaitQueue != nil {
		v.WaitQueue.Remove(v)
		s.timeoutQ.Disarm(&v.Timeout)
	}
	v.State = vp.Terminated
	s.finalizer = append(s.finalizer, v)
	if wasRunning {
		s.yieldAwayLocked(v)
		s.mu.Unlock()
		capitan.Info(context.Background(), signals.VPTerminated, signals.FieldVPID.Field(int(v.ID)))
		// v's own goroutine called Terminate on itself (the usual case: its
		// Entry has returned); the running token has already been handed
		// off above, so there is nothing left to park for.
		return
	}
	s.mu.Unlock()
	capitan.Info(context.Background(), signals.VPTerminated, signals.FieldVPID.Field(int(v.ID)))
}

// AbortSyscall injects a forced abort into target, as described in spec
// §4.2. If target is parked on an interruptible wait it is additionally
// woken with reason Interrupted; the abort itself is always legal
// (idempotent) regardless of caller identity, modeling "the system call
// runs to completion first" — cancellation merely arranges for the
// eventual return to land at the abort trampoline.
//
// Every other scheduler operation only touches v.State/v.WaitQueue
// under s.mu (the stand-in for "preemption disabled"); RequestAbort's
// own state check and the WaitQueue read below must hold the same lock
// for the same reason, so this calls wakeSomeLocked directly instead of
// WakeOne — taking s.mu twice would deadlock.
func (s *Scheduler) AbortSyscall(target *vp.VP) {
	s.mu.Lock()
	wasInterruptibleWait := target.RequestAbort()
	var woken int
	if wasInterruptibleWait {
		woken, _ = s.wakeSomeLocked(target.WaitQueue, 1, vp.Interrupted)
	}
	if woken > 0 {
		s.considerVoluntarySwitch()
	}
	s.mu.Unlock()
	capitan.Info(context.Background(), signals.VPAborted, signals.FieldVPID.Field(int(target.ID)))
}

// ChangePriority updates v's base priority, per spec §4.2: reinserts at
// the new priority if Ready, updates base/effective/allowance without
// preempting if Running, or updates only the base if Waiting (the
// effective priority is recomputed when the wait ends).
func (s *Scheduler) ChangePriority(v *vp.VP, newBase int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v.State {
	case vp.Ready:
		s.ready.Remove(v)
		v.BasePriority = newBase
		v.EffectivePriority = newBase
		s.ready.Insert(v)
	case vp.Running:
		v.BasePriority = newBase
		v.EffectivePriority = newBase
		v.QuantumAllowance = QuantumAllowance(newBase)
	default:
		v.BasePriority = newBase
	}
}

// considerVoluntarySwitch reconsiders who should be running after a
// wake-up or priority change, with s.mu held. The idle and boot VPs
// are bookkeeping placeholders with no goroutine of their own behind
// them (nothing ever calls their Park), so a switch away from either
// is performed immediately, right here. A switch away from a genuine
// running VP cannot be forced on a hosted runtime — that VP's own
// goroutine is mid-execution — so it is only recorded in s.preferred
// for that VP's own Checkpoint call, or the next quantum tick, to act
// on (spec §5's cooperative-preemption limitation).
func (s *Scheduler) considerVoluntarySwitch() {
	if s.coopDisabled || s.running == nil {
		return
	}
	best := s.ready.Highest()
	if best == nil {
		return
	}
	if s.running == s.idleVP || s.running == s.bootVP {
		s.handoffFromPlaceholderLocked()
		return
	}
	if best.EffectivePriority > s.running.EffectivePriority {
		s.preferred = best
	}
}

// handoffFromPlaceholderLocked switches away from the idle or boot
// placeholder directly to the highest-priority ready VP. The
// placeholder is simply marked Suspended and dropped — it was never a
// member of the ready queue and is picked up again only as
// yieldAwayLocked's empty-queue fallback (idle) or never again (boot,
// whose one-time job ends at the first real VP's first run).
func (s *Scheduler) handoffFromPlaceholderLocked() {
	cur := s.running
	next := s.ready.PopHighest()
	if next == nil {
		return
	}
	cur.State = vp.Suspended
	next.State = vp.Running
	s.running = next
	s.preferred = nil
	capitan.Info(context.Background(), signals.ContextSwitch,
		signals.FieldVPID.Field(int(next.ID)),
		signals.FieldEffective.Field(next.EffectivePriority))
	next.Grant()
}

// yieldAwayLocked hands the running token to the highest-priority ready
// VP on behalf of v, which has just left Running for Waiting/Suspended/
// Terminated. Must be called with s.mu held; v.State must already
// reflect its new non-Running state.
func (s *Scheduler) yieldAwayLocked(v *vp.VP) {
	if s.running == v {
		s.running = nil
	}
	next := s.ready.PopHighest()
	if next == nil {
		next = s.idleVP
	}
	next.State = vp.Running
	s.running = next
	s.preferred = nil
	capitan.Info(context.Background(), signals.ContextSwitch,
		signals.FieldVPID.Field(int(next.ID)),
		signals.FieldEffective.Field(next.EffectivePriority))
	next.Grant()
}

// Checkpoint is the Go realization of a quantum boundary: long-running
// VP bodies call it between units of work (spec §5's suspension
// points cannot include "anywhere mid-instruction" on a hosted
// runtime). If a strictly higher-priority VP has become ready since v
// last ran, v is requeued at its (possibly decayed) priority and parks
// until granted again.
func (s *Scheduler) Checkpoint(v *vp.VP) {
	s.mu.Lock()
	if s.preferred == nil || s.preferred == v {
		s.mu.Unlock()
		return
	}
	v.State = vp.Ready
	s.ready.Insert(v)
	s.yieldAwayLocked(v)
	s.mu.Unlock()
	v.Park()
}

// Locked runs fn with the scheduler's critical section held, so a
// synchronization primitive built on WaitOnPredicate can read or write
// the same fields its ready closure inspects without a separate lock.
func (s *Scheduler) Locked(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
}

// WaitOn parks v on q until deadline (clock.QuantumInfinite for no
// timeout), honoring interruptible. Must be called with preemption
// already disabled by the caller (spec §4.3); WaitOn itself leaves the
// cooperation state unchanged.
func (s *Scheduler) WaitOn(v *vp.VP, q *vp.WaitQueue, deadline clock.Quantum, interruptible bool) (vp.WakeReason, error) {
	return s.WaitOnPredicate(v, q, deadline, interruptible, nil)
}

// WaitOnPredicate is WaitOn with the acquire-or-wait check folded into
// the same scheduler critical section as the enqueue, closing the
// lost-wakeup window a separate check-then-wait would leave: on a real
// single-core kernel, disabling preemption around "check the resource,
// enqueue if busy" is enough because nothing else can run in between;
// on this hosted runtime, other VPs' goroutines truly run concurrently
// (see the package doc's note on the big-lock/goroutine model), so the
// check and the enqueue must share s.mu instead. ready is evaluated
// under s.mu; if it reports true, WaitOnPredicate takes no wait action
// and returns (Finished, nil) immediately. Pass a nil ready to wait
// unconditionally, as CondVar.Wait does (its condition is the caller's
// own predicate loop, evaluated under the caller's own mutex).
// ready, when non-nil, is re-evaluated under s.mu every time v wakes
// with reason Finished before WaitOnPredicate returns — a wake only
// means "the predicate might now hold", not "it does": WakeAll (used
// by Mutex.Unlock and CondVar.Broadcast) wakes every waiter, and only
// the one that re-observes the resource as free should stop waiting.
func (s *Scheduler) WaitOnPredicate(v *vp.VP, q *vp.WaitQueue, deadline clock.Quantum, interruptible bool, ready func() bool) (vp.WakeReason, error) {
	return s.waitOnCore(v, q, deadline, interruptible, ready, nil)
}

// WaitOnExchange parks v on q, but first runs exchange inside the same
// scheduler critical section as the enqueue. This is the Go
// realization of ConditionVariable_Wait's "unlock the paired mutex and
// block" being done with preemption disabled throughout: on a real
// single core that scoping is enough to prevent a concurrent signal
// from being lost between the unlock and the park, but here other VPs'
// goroutines genuinely run in parallel, so the unlock itself — and any
// wake-up it triggers via WakeAllLocked — must happen under s.mu
// alongside the enqueue. exchange must not block or call back into the
// scheduler other than through WakeAllLocked.
func (s *Scheduler) WaitOnExchange(v *vp.VP, q *vp.WaitQueue, deadline clock.Quantum, interruptible bool, exchange func()) (vp.WakeReason, error) {
	return s.waitOnCore(v, q, deadline, interruptible, nil, exchange)
}

func (s *Scheduler) waitOnCore(v *vp.VP, q *vp.WaitQueue, deadline clock.Quantum, interruptible bool, ready func() bool, exchange func()) (vp.WakeReason, error) {
	for {
		s.mu.Lock()
		if ready != nil && ready() {
			s.mu.Unlock()
			return vp.Finished, nil
		}
		if exchange != nil {
			exchange()
		}

		now := s.clock.CurrentQuantum()
		if deadline != clock.QuantumInfinite && deadline <= now {
			s.mu.Unlock()
			return vp.Timeout, kernerr.New("wait_on", kernerr.ETIMEDOUT)
		}

		if deadline != clock.QuantumInfinite {
			v.Timeout = vp.TimeoutRecord{Owner: v, Deadline: uint64(deadline)}
			s.timeoutQ.Arm(&v.Timeout)
		}
		q.Insert(v)
		v.State = vp.Waiting
		v.WaitInterruptible = interruptible
		v.WakeUp = vp.None
		v.WaitStart = now

		s.yieldAwayLocked(v)
		s.mu.Unlock()

		v.Park()

		s.mu.Lock()
		reason := v.WakeUp
		s.mu.Unlock()

		switch reason {
		case vp.Interrupted:
			return reason, kernerr.New("wait_on", kernerr.EINTR)
		case vp.Timeout:
			return reason, kernerr.New("wait_on", kernerr.ETIMEDOUT)
		default:
			if ready == nil {
				return vp.Finished, nil
			}
			// Finished but unconditional: recheck the predicate next
			// iteration rather than trusting a single wake.
		}
	}
}

// wakeLocked removes v from its wait queue/timeout record, records the
// wake reason, applies the wait-duration priority boost, and readies
// it. Must be called with s.mu held.
func (s *Scheduler) wakeLocked(v *vp.VP, reason vp.WakeReason) {
	if v.WaitQueue != nil {
		v.WaitQueue.Remove(v)
	}
	s.timeoutQ.Disarm(&v.Timeout)

	now := s.clock.CurrentQuantum()
	boost := v.EffectivePriority
	nsPerQuantum := s.clock.NsPerQuantum()
	if nsPerQuantum > 0 && now > v.WaitStart {
		quarterSecondQuanta := int64(250_000_000) / nsPerQuantum
		if quarterSecondQuanta <= 0 {
			quarterSecondQuanta = 1
		}
		steps := int(int64(now-v.WaitStart) / quarterSecondQuanta)
		boost = v.BasePriority + steps
		if boost > WakeBoostCap {
			boost = WakeBoostCap
		}
	}

	v.WakeUp = reason
	v.State = vp.Ready
	v.EffectivePriority = boost
	v.QuantumAllowance = QuantumAllowance(boost)
	s.ready.Insert(v)

	capitan.Info(context.Background(), signals.WakeBoost,
		signals.FieldVPID.Field(int(v.ID)),
		signals.FieldEffective.Field(boost),
		signals.FieldReason.Field(waitReasonName(reason)))
}

func waitReasonName(r vp.WakeReason) string {
	switch r {
	case vp.Finished:
		return "finished"
	case vp.Interrupted:
		return "interrupted"
	case vp.Timeout:
		return "timeout"
	default:
		return "none"
	}
}

// WakeOne wakes the highest-priority waiter on q with the given reason.
// If reason is Interrupted and the target's wait is not interruptible,
// returns EBUSY without waking anyone.
func (s *Scheduler) WakeOne(q *vp.WaitQueue, reason vp.WakeReason) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	woken, err := s.wakeSomeLocked(q, 1, reason)
	if woken > 0 {
		s.considerVoluntarySwitch()
	}
	return woken > 0, err
}

// WakeSome dequeues up to n waiters on q with the given reason, then
// considers a single voluntary switch to the best woken candidate.
func (s *Scheduler) WakeSome(q *vp.WaitQueue, n int, reason vp.WakeReason) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	woken, err := s.wakeSomeLocked(q, n, reason)
	if woken > 0 {
		s.considerVoluntarySwitch()
	}
	return woken, err
}

// WakeAll wakes every waiter on q.
func (s *Scheduler) WakeAll(q *vp.WaitQueue, reason vp.WakeReason) (int, error) {
	return s.WakeSome(q, int(^uint(0)>>1), reason)
}

// wakeSomeLocked is WakeSome's body with s.mu already held and no
// voluntary-switch reconsideration, so it can be composed into a
// larger critical section (see WaitOnExchange).
func (s *Scheduler) wakeSomeLocked(q *vp.WaitQueue, n int, reason vp.WakeReason) (int, error) {
	if q == nil || q.Empty() {
		return 0, nil
	}
	if reason == vp.Interrupted && !q.Front().WaitInterruptible {
		return 0, kernerr.New("wake", kernerr.EBUSY)
	}
	woken := 0
	for woken < n && !q.Empty() {
		target := q.Front()
		if reason == vp.Interrupted && !target.WaitInterruptible {
			break
		}
		s.wakeLocked(target, reason)
		woken++
	}
	return woken, nil
}

// WakeAllLocked wakes every waiter on q. It must only be called from
// within an exchange callback passed to WaitOnExchange — i.e. while
// s.mu is already held on the caller's behalf.
func (s *Scheduler) WakeAllLocked(q *vp.WaitQueue) {
	s.wakeSomeLocked(q, int(^uint(0)>>1), vp.Finished) //nolint:errcheck
}

// Sleep parks the calling VP for interval, busy-spinning for very short
// delays (spec §4.3) and otherwise waiting on a dedicated sleep queue.
func (s *Scheduler) Sleep(v *vp.VP, interval clock.TimeInterval) error {
	if s.clock.DelayUntil(s.clock.Now().Add(interval)) {
		deadline := s.clock.Now().Add(interval)
		for s.clock.Now().Before(deadline) {
			// short busy-delay, per spec ≤ 1ms
		}
		return nil
	}
	prior := s.DisablePreempt()
	defer s.RestorePreempt(prior)
	nowQ := s.clock.CurrentQuantum()
	target := nowQ + clock.ToQuanta(interval, s.clock.NsPerQuantum(), clock.RoundAwayFromZero)
	_, err := s.WaitOn(v, &s.sleepQ, target, true)
	if err != nil && kernerr.IsInterrupted(err) {
		return err
	}
	return nil
}

// ExposeRunning returns the currently running VP (test/introspection
// only).
func (s *Scheduler) ExposeRunning() *vp.VP {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Shutdown stops the quantum tick loop. Intended for tests.
func (s *Scheduler) Shutdown() {
	close(s.tickStop)
}

// TerminatedCount reports how many VPs this scheduler has ever
// terminated (test/introspection only).
func (s *Scheduler) TerminatedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finalizer)
}

// tickLoop fires once per quantum: it drains expired timeouts (waking
// their owners with reason Timeout), decays the running VP's quantum
// allowance, and reselects if the allowance is exhausted or a higher
// priority VP has become ready. Grounded on
// original_source/Kernel/Sources/VirtualProcessorScheduler.c's
// "OnEndOfQuantum" handler; here it runs as a goroutine driven by the
// clock source's tick channel rather than a hardware timer interrupt.
func (s *Scheduler) tickLoop() {
	ticker := s.clock.Underlying().After(s.quantumInterval())
	for {
		select {
		case <-s.tickStop:
			return
		case <-ticker:
			s.onQuantumTick()
			ticker = s.clock.Underlying().After(s.quantumInterval())
		}
	}
}

func (s *Scheduler) quantumInterval() time.Duration {
	ns := s.clock.NsPerQuantum()
	if ns <= 0 {
		ns = 1_000_000
	}
	return time.Duration(ns)
}

func (s *Scheduler) onQuantumTick() {
	s.mu.Lock()
	now := s.clock.CurrentQuantum()

	for _, rec := range s.timeoutQ.DrainDue(uint64(now)) {
		owner := rec.Owner
		if owner.State != vp.Waiting {
			continue
		}
		s.wakeLocked(owner, vp.Timeout)
	}

	if s.running != nil && s.running != s.idleVP && s.preemptDepth == 0 {
		s.running.QuantumAllowance--
		if s.running.QuantumAllowance <= 0 {
			decayed := s.running.EffectivePriority - 1
			if decayed < DecayFloor {
				decayed = s.running.EffectivePriority
			}
			s.running.EffectivePriority = decayed
			s.running.QuantumAllowance = QuantumAllowance(decayed)
			capitan.Info(context.Background(), signals.QuantumDecay,
				signals.FieldVPID.Field(int(s.running.ID)),
				signals.FieldEffective.Field(decayed))
			s.considerVoluntarySwitch()
		}
	} else {
		s.considerVoluntarySwitch()
	}

	// A preferred VP set above (quantum decay or a wake that outranks the
	// running VP) cannot be forced onto the CPU from here: s.running's
	// goroutine is the tick loop's own, or some other VP's, not ours to
	// park. It takes effect at the running VP's own next Checkpoint call.
	s.mu.Unlock()
}
