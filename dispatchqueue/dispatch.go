package dispatchqueue

import (
	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/kernerr"
	"github.com/dplanitzer/serena-vpcore/kernsync"
	"github.com/dplanitzer/serena-vpcore/signals"
	"github.com/dplanitzer/serena-vpcore/vp"
)

// Options are the dispatch_args bit flags from spec §4.5.
type Options uint8

const (
	// OptCoalesce causes dispatch_args to scan running lanes and both
	// queued lists for a matching tag and silently no-op if one exists.
	OptCoalesce Options = 1 << iota
)

// DispatchAsync enqueues an immediate work item and returns without
// waiting for it to run. Equivalent to DispatchArgs with no options,
// no tag, and no argument payload.
func (q *Queue) DispatchAsync(self *vp.VP, fn Func) error {
	return q.DispatchArgs(self, fn, nil, 0, 0, false)
}

// DispatchSync enqueues an immediate work item and blocks self until
// it has run, returning EINTR/ETERMINATED per spec §4.5's dispatch_sync
// semantics.
func (q *Queue) DispatchSync(self *vp.VP, fn Func) error {
	return q.dispatchImmediate(self, fn, nil, true, false, 0)
}

// DispatchArgs is the general immediate-dispatch entry point, per spec
// §4.5. DispatchAsync calls it; DispatchSync shares its body,
// dispatchImmediate.
func (q *Queue) DispatchArgs(self *vp.VP, fn Func, args []byte, opts Options, tag int, hasTag bool) error {
	return q.dispatchImmediate(self, fn, args, false, opts&OptCoalesce != 0, tag, hasTag)
}

func (q *Queue) dispatchImmediate(self *vp.VP, fn Func, args []byte, isSync, coalesce bool, tag int, hasTag ...bool) error {
	tagged := len(hasTag) > 0 && hasTag[0]

	q.lock.Lock(self)

	if q.st != stateRunning {
		q.lock.Unlock(self)
		return kernerr.New("dispatch", kernerr.ETERMINATED)
	}

	if coalesce && tagged && (hasItemWithTagLocked(q.itemHead, tag) || hasItemWithTagLocked(q.timerHead, tag) || q.hasRunningTagLocked(tag)) {
		emit(signals.ItemCoalesced, signals.FieldQueueName.Field(q.name), signals.FieldTag.Field(tag))
		q.lock.Unlock(self)
		return nil
	}

	item, err := q.acquireItem(fn, args, tag, tagged)
	if err != nil {
		q.lock.Unlock(self)
		return err
	}
	item.variant = VariantImmediate

	var completion *kernsync.Semaphore
	if isSync {
		completion = kernsync.NewSemaphore(q.s, 0)
		item.isSync = true
		item.completion = completion
	}

	q.pushImmediateLocked(item)
	if err := q.acquireVPLocked(); err != nil {
		q.removeImmediateLocked(item)
		q.relinquishItem(item)
		q.lock.Unlock(self)
		return err
	}
	q.workAvailable.Broadcast(nil, self)
	q.lock.Unlock(self)

	if !isSync {
		return nil
	}

	err = completion.Acquire(self, clock.QuantumInfinite)

	q.lock.Lock(self)
	if err == nil {
		// Queue state takes priority over the interrupted flag: a sync
		// item flushed by Terminate before it ever ran must return
		// ETERMINATED uniformly (spec §9 Open Question (a)), regardless
		// of how flushLocked happened to mark it. item.interrupted only
		// matters for a still-running queue (RemoveByTag's cancellation).
		if q.st != stateRunning {
			err = kernerr.New("dispatch_sync", kernerr.ETERMINATED)
		} else if item.interrupted {
			err = kernerr.New("dispatch_sync", kernerr.EINTR)
		}
	}
	q.relinquishItem(item)
	q.lock.Unlock(self)
	return err
}

// DispatchAfter schedules fn to run once, on or after deadline.
func (q *Queue) DispatchAfter(self *vp.VP, deadline clock.Quantum, fn Func, tag int, hasTag bool) error {
	return q.dispatchTimer(self, deadline, clock.Zero, fn, nil, tag, hasTag, 0)
}

// DispatchPeriodically schedules fn to run on or after deadline and
// again every interval thereafter until removed by tag or the queue
// terminates. interval == 0 is rejected (spec §9 Open Question (c)).
func (q *Queue) DispatchPeriodically(self *vp.VP, deadline clock.Quantum, interval clock.TimeInterval, fn Func, tag int, hasTag bool) error {
	if interval == clock.Zero {
		return kernerr.New("dispatch_periodically", kernerr.EINVAL)
	}
	return q.dispatchTimer(self, deadline, interval, fn, nil, tag, hasTag, 0)
}

func (q *Queue) dispatchTimer(self *vp.VP, deadline clock.Quantum, interval clock.TimeInterval, fn Func, args []byte, tag int, hasTag bool, opts Options) error {
	q.lock.Lock(self)
	defer q.lock.Unlock(self)

	if q.st != stateRunning {
		return kernerr.New("dispatch_timer", kernerr.ETERMINATED)
	}
	if opts&OptCoalesce != 0 && hasTag && (hasItemWithTagLocked(q.timerHead, tag) || hasItemWithTagLocked(q.itemHead, tag) || q.hasRunningTagLocked(tag)) {
		emit(signals.ItemCoalesced, signals.FieldQueueName.Field(q.name), signals.FieldTag.Field(tag))
		return nil
	}

	item, err := q.acquireItem(fn, args, tag, hasTag)
	if err != nil {
		return err
	}
	item.deadline = deadline
	item.interval = interval
	if interval != clock.Zero && interval != clock.Infinite {
		item.variant = VariantRepeating
	} else {
		item.variant = VariantOneShot
	}

	q.insertTimerLocked(item)
	if err := q.acquireVPLocked(); err != nil {
		removeByTagTimerLocked(q, item)
		q.relinquishItem(item)
		return err
	}
	q.workAvailable.Broadcast(nil, self)
	return nil
}

// RemoveByTag cancels every queued (not yet running) immediate item
// and timer whose tag matches. Items already executing run to
// completion. Returns whether anything was actually removed.
func (q *Queue) RemoveByTag(self *vp.VP, tag int) bool {
	q.lock.Lock(self)
	defer q.lock.Unlock(self)

	r0 := removeByTagLocked(&q.itemHead, &q.itemTail, tag, func(item *WorkItem) {
		q.queuedCount--
		q.signalCompletionLocked(item, true)
		// A sync item is relinquished by its waiter after it has read
		// item.interrupted.
		if !item.isSync {
			q.relinquishItem(item)
		}
	})
	r1 := removeByTagLocked(&q.timerHead, nil, tag, func(item *WorkItem) {
		q.queuedCount--
		q.relinquishItem(item)
	})
	if r0 || r1 {
		emit(signals.ItemRemoved, signals.FieldQueueName.Field(q.name), signals.FieldTag.Field(tag))
	}
	return r0 || r1
}

// hasRunningTagLocked reports whether any currently-executing lane's
// active item carries tag, closing the coalesce scan over in-flight
// work as well as the two queued lists (spec §4.5 "scan currently
// executing lanes... for any item with matching tag").
func (q *Queue) hasRunningTagLocked(tag int) bool {
	for _, ln := range q.lanes {
		if ln.activeItem != nil && ln.activeItem.hasTag && ln.activeItem.tag == tag {
			return true
		}
	}
	return false
}

func (q *Queue) pushImmediateLocked(item *WorkItem) {
	if q.itemTail == nil {
		q.itemHead = item
	} else {
		q.itemTail.next = item
	}
	q.itemTail = item
	q.queuedCount++
	q.metrics.Gauge(MetricQueuedDepth).Set(float64(q.queuedCount))
}

func (q *Queue) removeImmediateLocked(item *WorkItem) {
	removeByTagLocked(&q.itemHead, &q.itemTail, item.tag, func(*WorkItem) {})
}

// insertTimerLocked threads item into the timer list in ascending
// deadline order, mirroring vp.TimeoutQueue.Arm's shape.
func (q *Queue) insertTimerLocked(item *WorkItem) {
	if q.timerHead == nil || item.deadline < q.timerHead.deadline {
		item.next = q.timerHead
		q.timerHead = item
		q.queuedCount++
		q.metrics.Gauge(MetricQueuedDepth).Set(float64(q.queuedCount))
		return
	}
	cur := q.timerHead
	for cur.next != nil && cur.next.deadline <= item.deadline {
		cur = cur.next
	}
	item.next = cur.next
	cur.next = item
	q.queuedCount++
	q.metrics.Gauge(MetricQueuedDepth).Set(float64(q.queuedCount))
}

func removeByTagTimerLocked(q *Queue, item *WorkItem) {
	removeByTagLocked(&q.timerHead, nil, item.tag, func(*WorkItem) {})
	q.queuedCount--
}

// signalCompletionLocked releases a sync item's completion semaphore
// exactly once (invariant I6), recording whether the wait should
// observe Interrupted.
func (q *Queue) signalCompletionLocked(item *WorkItem, interrupted bool) {
	if !item.isSync || item.completion == nil {
		return
	}
	item.interrupted = interrupted
	item.completion.Release(1)
}
