// Package vp defines the Virtual Processor data model: the VP itself,
// its execution stacks, and the three intrusive, lock-free-by-convention
// queues (ready, wait, timeout) the scheduler threads VPs through.
//
// Every structure here is a plain data holder manipulated only while
// the scheduler's single global critical section (package sched) is
// held; none of these types do their own locking, mirroring the
// "opaque self-referential graph modeled as handles + intrusive links"
// design note in SPEC_FULL.md §9.
package vp

import (
	"context"
	"sync/atomic"
)

// State is a VP's scheduling state.
type State int32

const (
	Ready State = iota
	Running
	Waiting
	Suspended
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Suspended:
		return "suspended"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// WakeReason records why a waiting VP was resumed.
type WakeReason int32

const (
	None WakeReason = iota
	Finished
	Interrupted
	Timeout
)

// Stack is a contiguous execution-stack region. Resizing is only
// permitted while the owning VP is Suspended (enforced by VP.SetStacks).
type Stack struct {
	Base []byte
	Size int
}

// EntryFunc is the trampoline body: it runs with ctx canceled when the
// VP is forcibly aborted (the Go stand-in for rewriting a saved return
// address onto an abort trampoline, per SPEC_FULL.md §4.2).
type EntryFunc func(ctx context.Context)

var idSeq int64

// NextID returns a fresh, stable VP identity.
func NextID() int64 {
	return atomic.AddInt64(&idSeq, 1)
}

// TimeoutRecord is a VP's armed deadline, threaded onto the scheduler's
// timeout queue (singly linked, ascending deadline) while a timed wait
// is outstanding.
type TimeoutRecord struct {
	Owner    *VP
	Deadline uint64 // clock.Quantum, duplicated here to avoid an import cycle
	Valid    bool
	next     *TimeoutRecord
}

// VP is a single thread of execution: identity, priority, scheduling
// state, and the bookkeeping the scheduler and dispatch queue need to
// move it between ready/wait/timeout/pool lists.
//
// All fields are exported because they are manipulated by the sched,
// vppool, kernsync and dispatchqueue packages while holding the
// scheduler's global critical section — never concurrently, and never
// by the VP's own goroutine except through Park/Grant.
type VP struct {
	ID int64

	BasePriority      int
	EffectivePriority int
	QuantumAllowance  int

	State        State
	SuspendCount int

	InUserSpace           bool
	Aborted               bool
	WaitInterruptible     bool
	TerminationRequested  bool
	LastSyscallEntryValid bool

	WaitQueue *WaitQueue // nil if not waiting (invariant I2)
	WakeUp    WakeReason
	WaitStart uint64 // clock.Quantum at which the current/last wait began

	Timeout TimeoutRecord

	Kernel Stack
	User   Stack

	// OwnerQueueName/LaneIndex identify the dispatch queue lane this VP
	// is bound to, for introspection; empty/negative when unbound.
	OwnerQueueName string
	LaneIndex      int

	Entry  EntryFunc
	cancel context.CancelFunc

	// qPrev/qNext are the intrusive doubly-linked-list pointers used by
	// whichever list (ready-queue priority bucket or a WaitQueue)
	// currently owns this VP. A VP is a member of at most one such list
	// at a time (invariant I2/I3).
	qPrev, qNext *VP

	resumeCh chan struct{}
}

// NewVP creates a VP in the Suspended state with suspend-count 1 and no
// entry point; it runs only once SetEntry and Resume have both been
// called (spec §4.2 "A VP is created suspended with count 1").
func NewVP(basePriority int) *VP {
	return &VP{
		ID:                NextID(),
		BasePriority:      basePriority,
		EffectivePriority: basePriority,
		State:             Suspended,
		SuspendCount:      1,
		LaneIndex:         -1,
		resumeCh:          make(chan struct{}, 1),
	}
}

// SetEntry installs the trampoline body. Only legal while Suspended,
// mirroring spec's set_closure precondition.
func (v *VP) SetEntry(ctx context.Context, entry EntryFunc) (context.Context, bool) {
	if v.State != Suspended {
		return ctx, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	v.Entry = entry
	v.cancel = cancel
	return runCtx, true
}

// RequestAbort cancels the VP's run context (the Go realization of
// rewriting a saved return address to an abort trampoline) and reports
// whether the VP was parked on an interruptible wait at the time, so
// the caller can additionally wake it with reason Interrupted. Abort
// is idempotent: a second call is a no-op.
func (v *VP) RequestAbort() (wasInterruptibleWait bool) {
	if v.Aborted {
		return false
	}
	v.Aborted = true
	if v.cancel != nil {
		v.cancel()
	}
	return v.State == Waiting && v.WaitInterruptible
}

// Park blocks the calling goroutine (the VP's own) until the scheduler
// grants it the running token via Grant. This is the Go stand-in for a
// machine context switch landing back in this VP's saved register
// context.
func (v *VP) Park() {
	<-v.resumeCh
}

// Grant hands the running token to v. Non-blocking: the channel is
// buffered by one, matching the invariant that at most one grant is
// ever outstanding for a VP (it cannot be readied twice without an
// intervening Park).
func (v *VP) Grant() {
	select {
	case v.resumeCh <- struct{}{}:
	default:
	}
}

// Links exposes the intrusive list pointers to the sched package's
// queue implementations without making them part of the VP's public
// field surface used by application code.
func (v *VP) Links() (prev, next **VP) {
	return &v.qPrev, &v.qNext
}
