package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zoobzio/clockz"

	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/dispatchqueue"
	"github.com/dplanitzer/serena-vpcore/sched"
	"github.com/dplanitzer/serena-vpcore/vp"
	"github.com/dplanitzer/serena-vpcore/vppool"
)

var (
	runConfigPath string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Boot the scheduler core and a demo dispatch queue",
		Long:  "Boots the VP scheduler singleton, the VP pool, and a demo dispatch queue, then idles until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulator(runConfigPath)
		},
	}
)

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to a TOML boot config")
}

func runSimulator(configPath string) error {
	cfg, err := loadBootConfig(configPath)
	if err != nil {
		return fmt.Errorf("kernsim: loading config: %w", err)
	}

	src := clock.NewSource(clockz.RealClock, cfg.NsPerQuantum)
	s := sched.Boot(src)

	pool := vppool.New(s, cfg.PoolCapacity)
	q, err := dispatchqueue.New(s, pool, dispatchqueue.Config{
		Name:              "kernsim.demo",
		MinConcurrency:    1,
		MaxConcurrency:    4,
		QoS:               sched.QoSUserInitiated,
		ItemCacheCapacity: cfg.MaxItemCache,
	})
	if err != nil {
		return fmt.Errorf("kernsim: creating demo dispatch queue: %w", err)
	}

	caller := vp.NewVP(sched.PrioAppMin)
	tick := 0
	_ = q.DispatchPeriodically(caller, src.NowQuanta(), clock.FromDuration(time.Second), func(ctx context.Context, args []byte) {
		tick++
		fmt.Printf("kernsim: heartbeat #%d (occupied=%d queued=%d)\n", tick, q.Occupied(), q.QueuedCount())
	}, 0, false)

	fmt.Println("kernsim: running, press Ctrl-C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("kernsim: shutting down")
	q.Terminate(caller)
	q.WaitForTermination(caller)
	return nil
}
