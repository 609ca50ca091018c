// Package vppool caches Suspended VPs for reuse so that dispatch
// queues and other short-lived-work callers don't pay goroutine/stack
// setup cost on every acquisition.
//
// Grounded on original_source/Kernel/Sources/VirtualProcessorPool.c:
// the same in-use/reuse split, the same reuse_capacity bound, the same
// "relinquish always suspends; termination only if the cache is full"
// contract (spec §4.4).
package vppool

import (
	"context"
	"sync"

	"github.com/zoobzio/capitan"

	"github.com/dplanitzer/serena-vpcore/sched"
	"github.com/dplanitzer/serena-vpcore/signals"
	"github.com/dplanitzer/serena-vpcore/vp"
)

// DefaultReuseCapacity mirrors the original's REUSE_CACHE_CAPACITY.
const DefaultReuseCapacity = 16

// Params configures an acquired VP: its scheduling priority and the
// trampoline body it will run once resumed.
type Params struct {
	Priority int
	Entry    vp.EntryFunc
}

// Pool is a bounded cache of Suspended VPs plus the set currently on
// loan. Safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	s *sched.Scheduler

	inUse        map[*vp.VP]struct{}
	reuse        []*vp.VP
	reuseCap     int
	createdTotal int
}

// New creates an empty pool bound to scheduler s, with reuse capacity
// cap (DefaultReuseCapacity if cap <= 0).
func New(s *sched.Scheduler, capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultReuseCapacity
	}
	return &Pool{
		s:        s,
		inUse:    make(map[*vp.VP]struct{}),
		reuse:    make([]*vp.VP, 0, capacity),
		reuseCap: capacity,
	}
}

// Acquire returns a VP configured per params: a cached Suspended VP if
// one is available, otherwise a freshly created one. The returned VP
// is moved to the in-use set and remains Suspended (with suspend-count
// 1) until the caller resumes it, per spec §4.4 and §4.2.
//
// A reused VP's prior goroutine exited when its last Entry returned
// (the point at which it was relinquished), so Acquire spawns a fresh
// goroutine bound to the VP's resume channel for this new tenure: it
// parks immediately and runs params.Entry once the caller resumes the
// VP. This is the Go stand-in for the original's "acquire just
// reconfigures the VP's saved register context to resume at a new
// entry point" — here a new goroutine takes the place of a rewritten
// context.
func (p *Pool) Acquire(ctx context.Context, params Params) (*vp.VP, context.Context, error) {
	p.mu.Lock()
	var v *vp.VP
	if n := len(p.reuse); n > 0 {
		v = p.reuse[n-1]
		p.reuse = p.reuse[:n-1]
	}
	reused := v != nil
	if v == nil {
		v = vp.NewVP(params.Priority)
		p.createdTotal++
	}
	p.inUse[v] = struct{}{}
	p.mu.Unlock()

	p.s.ChangePriority(v, params.Priority)
	runCtx, ok := v.SetEntry(ctx, params.Entry)
	if !ok {
		// Reused VP wasn't actually Suspended (shouldn't happen under the
		// lock discipline above); fall back to a fresh VP rather than
		// silently discarding the caller's entry point.
		v = vp.NewVP(params.Priority)
		runCtx, _ = v.SetEntry(ctx, params.Entry)
	}

	if reused {
		capitan.Info(context.Background(), signals.PoolReused, signals.FieldVPID.Field(int(v.ID)))
	} else {
		capitan.Info(context.Background(), signals.PoolCreated, signals.FieldVPID.Field(int(v.ID)))
	}
	capitan.Info(context.Background(), signals.PoolAcquired,
		signals.FieldVPID.Field(int(v.ID)), signals.FieldPriority.Field(params.Priority))

	entry := v.Entry
	go func() {
		v.Park()
		entry(runCtx)
	}()

	return v, runCtx, nil
}

// Relinquish returns v to the pool. If the reuse cache has room, v is
// cached and left Suspended for a future Acquire; otherwise v is
// terminated. v is always removed from the dispatch queue binding
// (spec §4.4 "the dispatch queue reference is cleared in any case").
func (p *Pool) Relinquish(v *vp.VP) {
	v.OwnerQueueName = ""
	v.LaneIndex = -1

	p.mu.Lock()
	delete(p.inUse, v)
	cached := len(p.reuse) < p.reuseCap
	if cached {
		p.reuse = append(p.reuse, v)
	}
	p.mu.Unlock()

	capitan.Info(context.Background(), signals.PoolRelinquish, signals.FieldVPID.Field(int(v.ID)))

	if cached {
		// v's own goroutine is calling Relinquish on itself and returns
		// right after; a future Acquire spawns a fresh goroutine for v's
		// next tenure rather than waking this one, so this must not park
		// the caller the way a plain Suspend would.
		p.s.SuspendAndExit(v)
	} else {
		p.s.Terminate(v)
	}
}

// InUseCount and ReuseCount expose pool occupancy for introspection
// and tests.
func (p *Pool) InUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

func (p *Pool) ReuseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reuse)
}

// CreatedTotal reports how many VPs this pool has ever constructed
// from scratch (as opposed to reused from its cache).
func (p *Pool) CreatedTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createdTotal
}
