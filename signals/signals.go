// Package signals centralizes the capitan.Signal and field-key
// constants emitted by every core component, so the scheduler, pool,
// sync primitives, and dispatch queue all log through the same
// structured vocabulary.
//
// Grounded on pipz's signals.go: one const block per component, one
// var block of typed field keys, reused exactly that way here.
package signals

import "github.com/zoobzio/capitan"

const (
	// Scheduler signals.
	VPResumed     capitan.Signal = "sched.vp.resumed"
	VPSuspended   capitan.Signal = "sched.vp.suspended"
	VPTerminated  capitan.Signal = "sched.vp.terminated"
	VPAborted     capitan.Signal = "sched.vp.aborted"
	ContextSwitch capitan.Signal = "sched.context_switch"
	QuantumDecay  capitan.Signal = "sched.quantum_decay"
	WakeBoost     capitan.Signal = "sched.wake_boost"

	// InvariantViolated marks a fatal, unrecoverable core bookkeeping
	// failure (spec §7); every sched.Panic call emits this signal
	// before panicking.
	InvariantViolated capitan.Signal = "sched.invariant_violated"

	// VP pool signals.
	PoolAcquired   capitan.Signal = "vppool.acquired"
	PoolRelinquish capitan.Signal = "vppool.relinquished"
	PoolReused     capitan.Signal = "vppool.reused"
	PoolCreated    capitan.Signal = "vppool.created"

	// Dispatch queue signals.
	LaneAcquired     capitan.Signal = "dispatchqueue.lane.acquired"
	LaneReleased     capitan.Signal = "dispatchqueue.lane.released"
	QueueSaturated   capitan.Signal = "dispatchqueue.saturated"
	QueueTerminating capitan.Signal = "dispatchqueue.terminating"
	QueueTerminated  capitan.Signal = "dispatchqueue.terminated"
	ItemCoalesced    capitan.Signal = "dispatchqueue.item.coalesced"
	ItemRemoved      capitan.Signal = "dispatchqueue.item.removed_by_tag"
	TimerRearmed     capitan.Signal = "dispatchqueue.timer.rearmed"
	TimerMissed      capitan.Signal = "dispatchqueue.timer.missed_deadline"
)

// Field keys, all primitive-typed per capitan convention.
var (
	FieldVPID        = capitan.NewIntKey("vpid")
	FieldPriority    = capitan.NewIntKey("priority")
	FieldEffective   = capitan.NewIntKey("effective_priority")
	FieldReason      = capitan.NewStringKey("reason")
	FieldQuantum     = capitan.NewIntKey("quantum")
	FieldTimestamp   = capitan.NewFloat64Key("timestamp")
	FieldQueueName   = capitan.NewStringKey("queue_name")
	FieldLaneIndex   = capitan.NewIntKey("lane_index")
	FieldTag         = capitan.NewIntKey("tag")
	FieldQueuedCount = capitan.NewIntKey("queued_count")
	FieldOccupied    = capitan.NewIntKey("occupied")
	FieldMaxConc     = capitan.NewIntKey("max_concurrency")
)
