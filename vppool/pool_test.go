package vppool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/sched"
)

func newTestScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	src := clock.NewSource(clockz.NewFakeClock(), int64(time.Millisecond))
	s := sched.New(src)
	t.Cleanup(s.Shutdown)
	return s
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAcquireCreatesFreshVPWhenCacheEmpty(t *testing.T) {
	s := newTestScheduler(t)
	p := New(s, 4)

	done := make(chan struct{})
	v, _, err := p.Acquire(context.Background(), Params{
		Priority: sched.PrioAppMin,
		Entry:    func(ctx context.Context) { close(done) },
	})
	require.NoError(t, err)
	require.Equal(t, 1, p.InUseCount())
	require.Equal(t, 1, p.CreatedTotal())

	s.Resume(v, false)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acquired VP's entry never ran")
	}
}

func TestRelinquishCachesVPForReuse(t *testing.T) {
	s := newTestScheduler(t)
	p := New(s, 4)

	ran := make(chan struct{})
	v, _, err := p.Acquire(context.Background(), Params{
		Priority: sched.PrioAppMin,
		Entry:    func(ctx context.Context) { close(ran) },
	})
	require.NoError(t, err)
	s.Resume(v, false)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("entry never ran")
	}

	p.Relinquish(v)
	waitUntil(t, func() bool { return p.ReuseCount() == 1 })
	require.Equal(t, 0, p.InUseCount())
	require.Equal(t, 1, p.CreatedTotal())
}

func TestAcquireReusesCachedVPAndRunsNewEntry(t *testing.T) {
	s := newTestScheduler(t)
	p := New(s, 4)

	firstRan := make(chan struct{})
	v1, _, err := p.Acquire(context.Background(), Params{
		Priority: sched.PrioAppMin,
		Entry:    func(ctx context.Context) { close(firstRan) },
	})
	require.NoError(t, err)
	s.Resume(v1, false)
	<-firstRan

	p.Relinquish(v1)
	waitUntil(t, func() bool { return p.ReuseCount() == 1 })

	secondRan := make(chan struct{})
	v2, _, err := p.Acquire(context.Background(), Params{
		Priority: sched.PrioAppMin,
		Entry:    func(ctx context.Context) { close(secondRan) },
	})
	require.NoError(t, err)
	require.Same(t, v1, v2, "Acquire should hand back the cached VP rather than creating a new one")
	require.Equal(t, 1, p.CreatedTotal(), "reuse must not increment the created-from-scratch counter")

	s.Resume(v2, false)
	select {
	case <-secondRan:
	case <-time.After(2 * time.Second):
		t.Fatal("reused VP's new entry never ran")
	}
}

func TestRelinquishTerminatesWhenCacheFull(t *testing.T) {
	s := newTestScheduler(t)
	p := New(s, 1)

	// Acquire a second VP while the first is still on loan, so it is
	// freshly created rather than taken from the cache.
	ran1 := make(chan struct{})
	v1, _, err := p.Acquire(context.Background(), Params{Priority: sched.PrioAppMin, Entry: func(ctx context.Context) { close(ran1) }})
	require.NoError(t, err)
	s.Resume(v1, false)
	<-ran1
	ran2 := make(chan struct{})
	v2, _, err := p.Acquire(context.Background(), Params{Priority: sched.PrioAppMin, Entry: func(ctx context.Context) { close(ran2) }})
	require.NoError(t, err)

	// Fill the single reuse slot.
	p.Relinquish(v1)
	waitUntil(t, func() bool { return p.ReuseCount() == 1 })

	// The second VP, dropped past capacity, should be Terminated rather
	// than cached.
	s.Resume(v2, false)
	<-ran2

	before := s.TerminatedCount()
	p.Relinquish(v2)
	waitUntil(t, func() bool { return s.TerminatedCount() == before+1 })
	require.Equal(t, 1, p.ReuseCount(), "reuse cache should stay at capacity, not grow")
}
