package dispatchqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/kernerr"
	"github.com/dplanitzer/serena-vpcore/sched"
	"github.com/dplanitzer/serena-vpcore/signals"
	"github.com/dplanitzer/serena-vpcore/vp"
	"github.com/dplanitzer/serena-vpcore/vppool"
)

// idleWaitInterval is the "wait up to 2 seconds for work before
// considering relinquishing this lane" deadline from DispatchQueue.c's
// _get_next_work when no timer is pending.
const idleWaitInterval = 2 * time.Second

// acquireVPLocked acquires a worker VP from the pool and binds it to
// the first free lane, when the queue is under-provisioned per spec
// §4.5's acquire_vp predicate. Expects the queue lock held. A no-op,
// not an error, when every lane is already occupied or none of the
// three growth conditions hold.
func (q *Queue) acquireVPLocked() error {
	occupied := q.occupied()
	needsGrowth := occupied == 0 ||
		occupied < q.minConcurrency ||
		(q.queuedCount > 4 && occupied < q.maxConcurrency)
	if !needsGrowth {
		return nil
	}

	idx := -1
	for i, ln := range q.lanes {
		if ln.vp == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		emit(signals.QueueSaturated,
			signals.FieldQueueName.Field(q.name), signals.FieldOccupied.Field(occupied),
			signals.FieldMaxConc.Field(q.maxConcurrency))
		return nil
	}

	prio := sched.LanePriority(q.qos, q.priority)

	var v *vp.VP
	entry := func(ctx context.Context) { q.runLoop(ctx, v, idx) }
	acquired, _, err := q.pool.Acquire(context.Background(), vppool.Params{Priority: prio, Entry: entry})
	if err != nil {
		return err
	}
	v = acquired
	v.OwnerQueueName = q.name
	v.LaneIndex = idx
	q.lanes[idx] = lane{vp: v}

	q.s.Resume(v, false)

	emit(signals.LaneAcquired, signals.FieldQueueName.Field(q.name),
		signals.FieldVPID.Field(int(v.ID)), signals.FieldLaneIndex.Field(idx))
	return nil
}

// getNextWorkLocked implements _get_next_work: a due timer outranks an
// immediate item (timers carry a deadline promise; immediate work
// doesn't), else it waits on work_available up to the next timer's
// deadline or a 2-second idle ceiling, returning nil once it is both
// timed out and safe to relinquish this lane.
func (q *Queue) getNextWorkLocked(self *vp.VP) *WorkItem {
	mayRelinquish := false
	for {
		now := q.clockSrc.NowQuanta()

		var item *WorkItem
		if q.timerHead != nil && q.timerHead.deadline <= now {
			item = q.timerHead
			q.timerHead = item.next
			item.next = nil
		} else if q.itemHead != nil {
			item = q.itemHead
			q.itemHead = item.next
			if q.itemHead == nil {
				q.itemTail = nil
			}
			item.next = nil
		}

		if item != nil {
			q.queuedCount--
			q.metrics.Gauge(MetricQueuedDepth).Set(float64(q.queuedCount))
			return item
		}
		if mayRelinquish {
			return nil
		}

		var deadline clock.Quantum
		if q.timerHead != nil {
			deadline = q.timerHead.deadline
		} else {
			deadline = now + clock.ToQuanta(clock.FromDuration(idleWaitInterval), q.clockSrc.NsPerQuantum(), clock.RoundAwayFromZero)
		}

		err := q.workAvailable.Wait(self, q.lock, deadline)
		if q.st != stateRunning {
			return nil
		}
		if err != nil && kernerr.IsTimeout(err) && q.occupied() > q.minConcurrency {
			mayRelinquish = true
		}
	}
}

// runLoop is every worker VP's entry point once acquireVPLocked grants
// it: pick work, run it unlocked, rearm or relinquish it, loop; exit
// and detach once _get_next_work signals nothing is left to do or the
// queue is terminating, per DispatchQueue_Run.
func (q *Queue) runLoop(ctx context.Context, self *vp.VP, laneIdx int) {
	q.lock.Lock(self)

	for q.st == stateRunning {
		item := q.getNextWorkLocked(self)
		if item == nil {
			break
		}

		q.lanes[laneIdx].activeItem = item
		q.lock.Unlock(self)

		// The boundary between work items is this architecture's
		// checkpoint: a hosted Go goroutine cannot be forced off the
		// CPU mid-item the way a real interrupt preempts a kernel
		// thread (see sched.Checkpoint's doc comment), so bounded
		// preemption latency within a lane is measured in items, not
		// instructions. A higher-priority VP made ready since this
		// lane's VP last ran takes the running token here; it must run
		// with the queue lock already released, since Checkpoint can
		// park this goroutine and must not hold q.lock while parked.
		q.s.Checkpoint(self)

		runCtx, span := q.tracer.StartSpan(ctx, SpanRunItem)
		span.SetTag(TagLaneIdx, strconv.Itoa(laneIdx))
		if item.hasTag {
			span.SetTag(TagItemTag, strconv.Itoa(item.tag))
		}
		item.fn(runCtx, item.args)
		span.Finish()
		q.metrics.Counter(MetricItemsProcessed).Inc()

		q.lock.Lock(self)
		q.lanes[laneIdx].activeItem = nil

		if item.isSync {
			// The waiter relinquishes the item once it observes
			// completion; don't also relinquish it here.
			q.signalCompletionLocked(item, false)
		} else if item.variant == VariantRepeating && q.st == stateRunning {
			q.rearmTimerLocked(item)
			emit(signals.TimerRearmed, signals.FieldQueueName.Field(q.name), signals.FieldTag.Field(item.tag))
		} else {
			q.relinquishItem(item)
		}
	}

	v := q.lanes[laneIdx].vp
	q.lanes[laneIdx] = lane{}
	emit(signals.LaneReleased, signals.FieldQueueName.Field(q.name),
		signals.FieldVPID.Field(int(v.ID)), signals.FieldLaneIndex.Field(laneIdx))
	shuttingDown := q.st >= stateTerminating
	if shuttingDown {
		q.vpShutdown.Broadcast(nil, self)
	}
	q.lock.Unlock(self)

	// Relinquish caches or terminates this VP and hands the running
	// token on; neither path parks this goroutine, which returns right
	// after. It runs with the queue lock already released, since this
	// VP no longer belongs to the queue.
	v.OwnerQueueName = ""
	v.LaneIndex = -1
	q.pool.Relinquish(v)
}

// rearmTimerLocked advances a repeating timer's deadline by interval,
// skipping any fire dates already in the past, then reinserts it.
func (q *Queue) rearmTimerLocked(item *WorkItem) {
	now := q.clockSrc.NowQuanta()
	step := clock.ToQuanta(item.interval, q.clockSrc.NsPerQuantum(), clock.RoundAwayFromZero)
	if step == 0 {
		step = 1
	}
	missed := 0
	for item.deadline <= now {
		item.deadline += step
		missed++
	}
	if missed > 1 {
		emit(signals.TimerMissed, signals.FieldQueueName.Field(q.name), signals.FieldTag.Field(item.tag))
	}
	q.insertTimerLocked(item)
}

// Terminate stops the queue from accepting new work, flushes both
// queued lists (releasing any sync waiter, which then returns
// ETERMINATED), and wakes
// every lane VP so it exits its run loop. Idempotent.
func (q *Queue) Terminate(self *vp.VP) {
	q.lock.Lock(self)
	if q.st >= stateTerminating {
		q.lock.Unlock(self)
		return
	}
	q.st = stateTerminating
	emit(signals.QueueTerminating, signals.FieldQueueName.Field(q.name))

	q.flushLocked()
	q.workAvailable.Broadcast(nil, self)
	q.lock.Unlock(self)
}

func (q *Queue) flushLocked() {
	for q.itemHead != nil {
		item := q.itemHead
		q.itemHead = item.next
		item.next = nil
		q.queuedCount--
		// Not interrupted: the waiter observes ETERMINATED uniformly
		// (spec §9 Open Question (a)), since the queue itself ended the
		// wait rather than an external abort. A sync item is relinquished
		// by its waiter, not here.
		q.signalCompletionLocked(item, false)
		if !item.isSync {
			q.relinquishItem(item)
		}
	}
	q.itemTail = nil
	for q.timerHead != nil {
		item := q.timerHead
		q.timerHead = item.next
		item.next = nil
		q.queuedCount--
		q.relinquishItem(item)
	}
}

// WaitForTermination blocks self until every lane VP has relinquished
// itself, then marks the queue Terminated and fires the termination
// hook. Precondition: Terminate must have already been called.
func (q *Queue) WaitForTermination(self *vp.VP) {
	q.lock.Lock(self)
	for q.occupied() > 0 {
		_ = q.vpShutdown.Wait(self, q.lock, clock.QuantumInfinite) //nolint:errcheck
	}
	q.st = stateTerminated
	q.lock.Unlock(self)

	emit(signals.QueueTerminated, signals.FieldQueueName.Field(q.name))
	_ = q.hooks.Emit(context.Background(), EventTerminated, Event{ //nolint:errcheck
		QueueName: q.name,
		Timestamp: time.Now(),
	})
	q.hooks.Close()
	q.tracer.Close()
}
