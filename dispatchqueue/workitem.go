// Package dispatchqueue implements the concurrency-lane work scheduler
// built on top of sched/vppool/kernsync: a bounded pool of worker VPs
// pulling immediate and timer work items off a per-queue lock, in
// submission order except that due timers preempt immediate work.
//
// Grounded on original_source/Kernel/Sources/dispatchqueue/DispatchQueue.c
// and WorkItem.c (spec §4.5).
package dispatchqueue

import (
	"context"

	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/kernerr"
	"github.com/dplanitzer/serena-vpcore/kernsync"
)

// MaxArgBytes bounds a work item's inline argument copy, per
// WorkItemPriv.h's MAX_ARG_BYTES.
const MaxArgBytes = 256

// MinItemCacheCapacity is the floor on a queue's free-item cache size,
// per DispatchQueue_Create's "__max(MAX_ITEM_CACHE_COUNT, maxConcurrency)".
const MinItemCacheCapacity = 8

// Variant distinguishes an immediate work item from the two timer forms.
type Variant int

const (
	VariantImmediate Variant = iota
	VariantOneShot
	VariantRepeating
)

// Func is a dispatched closure: it receives the queue's run context
// (canceled on forced abort of the owning VP) and a copy of whatever
// argument bytes the caller supplied.
type Func func(ctx context.Context, args []byte)

// WorkItem is one queued unit of work: an immediate closure, a
// one-shot timer, or a repeating timer. Work items are pooled per
// queue (acquireItem/relinquishItem below) rather than individually
// garbage-collected on every dispatch, mirroring the original's
// item_cache_queue.
type WorkItem struct {
	fn   Func
	tag  int
	hasTag bool

	variant  Variant
	deadline clock.Quantum
	interval clock.TimeInterval

	isSync      bool
	interrupted bool
	completion  *kernsync.Semaphore // non-nil only for a sync dispatch

	args []byte // length is the live argument size; cap is the reuse key

	next *WorkItem // intrusive singly-linked queue/cache membership
}

// reset clears every field except the underlying args backing array,
// so a cached item's capacity survives to be reused by a later,
// equal-or-smaller acquireItem call.
func (w *WorkItem) reset() {
	w.fn = nil
	w.tag = 0
	w.hasTag = false
	w.variant = VariantImmediate
	w.deadline = 0
	w.interval = clock.Zero
	w.isSync = false
	w.interrupted = false
	w.completion = nil
	w.args = w.args[:0]
	w.next = nil
}

// acquireItem scans the queue's free-item cache (linear scan, first
// item whose argument capacity is large enough) before allocating a
// fresh item, per WorkItem.c's acquire_item. Expects the queue lock
// held.
func (q *Queue) acquireItem(fn Func, args []byte, tag int, hasTag bool) (*WorkItem, error) {
	if len(args) > MaxArgBytes {
		return nil, kernerr.New("dispatch", kernerr.EINVAL)
	}

	var item *WorkItem
	var prev *WorkItem
	for cur := q.itemCache; cur != nil; cur = cur.next {
		if cap(cur.args) >= len(args) {
			if prev == nil {
				q.itemCache = cur.next
			} else {
				prev.next = cur.next
			}
			q.itemCacheCount--
			item = cur
			break
		}
		prev = cur
	}
	if item == nil {
		item = &WorkItem{args: make([]byte, 0, len(args))}
	} else {
		item.reset()
	}

	item.fn = fn
	item.tag = tag
	item.hasTag = hasTag
	item.args = item.args[:len(args)]
	copy(item.args, args)
	return item, nil
}

// relinquishItem returns item to the free cache if capacity allows,
// otherwise drops it for the garbage collector — the Go stand-in for
// WorkItem.c's kfree fallback. Expects the queue lock held.
func (q *Queue) relinquishItem(item *WorkItem) {
	item.reset()
	if q.itemCacheCount < q.itemCacheCapacity {
		item.next = q.itemCache
		q.itemCache = item
		q.itemCacheCount++
	}
}
