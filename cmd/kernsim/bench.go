package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/zoobzio/clockz"

	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/dispatchqueue"
	"github.com/dplanitzer/serena-vpcore/sched"
	"github.com/dplanitzer/serena-vpcore/vp"
	"github.com/dplanitzer/serena-vpcore/vppool"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run the end-to-end scenario smoke suite",
	Long:  "Drives the spec's end-to-end scheduling scenarios against a fresh scheduler instance and reports pass/fail and timing, without a testing.T harness.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBench()
	},
}

type scenario struct {
	name string
	run  func() error
}

func runBench() error {
	scenarios := []scenario{
		{"serial-queue-preserves-order", scenarioSerialOrder},
		{"sync-dispatch-against-terminating-queue", scenarioSyncTerminate},
		{"pool-reuses-relinquished-vp", scenarioPoolReuse},
		{"coalesced-periodic-timer", scenarioCoalescedTimer},
		{"remove-by-tag-is-idempotent", scenarioRemoveByTag},
	}

	failures := 0
	for _, sc := range scenarios {
		start := time.Now()
		err := sc.run()
		elapsed := time.Since(start)
		if err != nil {
			failures++
			fmt.Printf("FAIL  %-45s %v (%s)\n", sc.name, err, elapsed)
			continue
		}
		fmt.Printf("PASS  %-45s (%s)\n", sc.name, elapsed)
	}

	if failures > 0 {
		return fmt.Errorf("kernsim bench: %d scenario(s) failed", failures)
	}
	return nil
}

func newBenchScheduler() *sched.Scheduler {
	src := clock.NewSource(clockz.RealClock, int64(time.Millisecond))
	return sched.New(src)
}

func scenarioSerialOrder() error {
	s := newBenchScheduler()
	defer s.Shutdown()
	pool := vppool.New(s, 4)
	q, err := dispatchqueue.New(s, pool, dispatchqueue.Config{Name: "bench.serial", MinConcurrency: 1, MaxConcurrency: 1})
	if err != nil {
		return err
	}
	caller := vp.NewVP(sched.PrioAppMin)

	var order []int32
	done := make(chan struct{})
	for i := int32(0); i < 5; i++ {
		i := i
		last := i == 4
		if err := q.DispatchAsync(caller, func(ctx context.Context, args []byte) {
			order = append(order, i)
			if last {
				close(done)
			}
		}); err != nil {
			return err
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("items never drained")
	}
	for i, v := range order {
		if int32(i) != v {
			return fmt.Errorf("out-of-order completion: %v", order)
		}
	}
	q.Terminate(caller)
	q.WaitForTermination(caller)
	return nil
}

func scenarioSyncTerminate() error {
	s := newBenchScheduler()
	defer s.Shutdown()
	pool := vppool.New(s, 4)
	q, err := dispatchqueue.New(s, pool, dispatchqueue.Config{Name: "bench.sync-term", MinConcurrency: 0, MaxConcurrency: 1})
	if err != nil {
		return err
	}
	caller := vp.NewVP(sched.PrioAppMin)

	block := make(chan struct{})
	if err := q.DispatchAsync(caller, func(ctx context.Context, args []byte) { <-block }); err != nil {
		return err
	}
	deadline := time.Now().Add(time.Second)
	for q.Occupied() != 1 {
		if time.Now().After(deadline) {
			return fmt.Errorf("lane never occupied")
		}
		time.Sleep(time.Millisecond)
	}

	syncCaller := vp.NewVP(sched.PrioAppMin)
	errCh := make(chan error, 1)
	go func() { errCh <- q.DispatchSync(syncCaller, func(context.Context, []byte) {}) }()
	deadline = time.Now().Add(time.Second)
	for q.QueuedCount() != 1 {
		if time.Now().After(deadline) {
			close(block)
			return fmt.Errorf("sync dispatch never queued")
		}
		time.Sleep(time.Millisecond)
	}

	q.Terminate(caller)
	select {
	case err := <-errCh:
		close(block)
		q.WaitForTermination(caller)
		if err == nil {
			return fmt.Errorf("expected the queued sync dispatch to be interrupted")
		}
		return nil
	case <-time.After(2 * time.Second):
		close(block)
		return fmt.Errorf("queued sync dispatch never unblocked after Terminate")
	}
}

func scenarioPoolReuse() error {
	s := newBenchScheduler()
	defer s.Shutdown()
	pool := vppool.New(s, 4)

	ran := make(chan struct{})
	v1, _, err := pool.Acquire(context.Background(), vppool.Params{Priority: sched.PrioAppMin, Entry: func(context.Context) { close(ran) }})
	if err != nil {
		return err
	}
	s.Resume(v1, false)
	select {
	case <-ran:
	case <-time.After(time.Second):
		return fmt.Errorf("first tenure never ran")
	}
	pool.Relinquish(v1)

	deadline := time.Now().Add(time.Second)
	for pool.ReuseCount() != 1 {
		if time.Now().After(deadline) {
			return fmt.Errorf("relinquished VP never cached")
		}
		time.Sleep(time.Millisecond)
	}

	ran2 := make(chan struct{})
	v2, _, err := pool.Acquire(context.Background(), vppool.Params{Priority: sched.PrioAppMin, Entry: func(context.Context) { close(ran2) }})
	if err != nil {
		return err
	}
	if v1 != v2 {
		return fmt.Errorf("expected the cached VP to be reused")
	}
	s.Resume(v2, false)
	select {
	case <-ran2:
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("reused tenure never ran")
	}
}

func scenarioCoalescedTimer() error {
	s := newBenchScheduler()
	defer s.Shutdown()
	pool := vppool.New(s, 4)
	q, err := dispatchqueue.New(s, pool, dispatchqueue.Config{Name: "bench.coalesce", MinConcurrency: 1, MaxConcurrency: 1})
	if err != nil {
		return err
	}
	caller := vp.NewVP(sched.PrioAppMin)

	var runs int32
	deadline := s.Clock().NowQuanta() + clock.ToQuanta(clock.FromDuration(50*time.Millisecond), s.Clock().NsPerQuantum(), clock.RoundAwayFromZero)
	fire := func(context.Context, []byte) { atomic.AddInt32(&runs, 1) }
	if err := q.DispatchAfter(caller, deadline, fire, 5, true); err != nil {
		return err
	}
	if err := q.DispatchArgs(caller, fire, nil, dispatchqueue.OptCoalesce, 5, true); err == nil {
		// the pending timer already carries tag 5, so this coalesced
		// dispatch is dropped without queueing and returns nil.
		_ = err
	}

	time.Sleep(100 * time.Millisecond)
	q.Terminate(caller)
	q.WaitForTermination(caller)
	if atomic.LoadInt32(&runs) < 1 {
		return fmt.Errorf("timer never fired")
	}
	return nil
}

func scenarioRemoveByTag() error {
	s := newBenchScheduler()
	defer s.Shutdown()
	pool := vppool.New(s, 4)
	q, err := dispatchqueue.New(s, pool, dispatchqueue.Config{Name: "bench.remove", MinConcurrency: 0, MaxConcurrency: 1})
	if err != nil {
		return err
	}
	caller := vp.NewVP(sched.PrioAppMin)

	block := make(chan struct{})
	if err := q.DispatchAsync(caller, func(ctx context.Context, args []byte) { <-block }); err != nil {
		return err
	}
	deadline := time.Now().Add(time.Second)
	for q.Occupied() != 1 {
		if time.Now().After(deadline) {
			close(block)
			return fmt.Errorf("lane never occupied")
		}
		time.Sleep(time.Millisecond)
	}

	if err := q.DispatchArgs(caller, func(context.Context, []byte) {}, nil, 0, 11, true); err != nil {
		close(block)
		return err
	}
	if !q.RemoveByTag(caller, 11) {
		close(block)
		return fmt.Errorf("expected a queued match to be removed")
	}
	if q.RemoveByTag(caller, 11) {
		close(block)
		return fmt.Errorf("expected the second removal to be a no-op")
	}

	close(block)
	q.Terminate(caller)
	q.WaitForTermination(caller)
	return nil
}
