// Command caps 在 capability 调度器上运行演示负载
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go-rem/caps/config"
	"go-rem/caps/sched"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "caps",
		Short:        "Run workloads on a pool of capabilities",
		SilenceUsage: true,
	}
	config.RegisterFlags(root.PersistentFlags())
	root.AddCommand(
		workload("counter", "Many threads increment one MVar", 1000, runCounter),
		workload("throwto", "Threads on different capabilities interrupt each other", 16, runThrowTo),
		workload("deadlock", "Two threads deadlock on MVars and are resurrected", 2, runDeadlock),
	)
	return root
}

// workload 把 fn 包装成一个命令：加载参数并为它启动 runtime
func workload(name, short string, defaultThreads int, fn func(ctx context.Context, rt *sched.Runtime, log *zap.Logger, threads int) error) *cobra.Command {
	var threads int
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			log, err := newLogger(flags.Debug)
			if err != nil {
				return err
			}
			defer log.Sync()

			rt, err := sched.New(flags, sched.WithLogger(log))
			if err != nil {
				return err
			}
			log = log.With(zap.String("runtime", rt.ID().String()), zap.String("workload", name))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if err := rt.Start(ctx); err != nil {
				return err
			}
			start := time.Now()
			err = fn(ctx, rt, log, max(threads, 1))
			if serr := rt.Shutdown(context.Background()); serr != nil {
				err = errors.Join(err, serr)
			}
			report(cmd, rt, time.Since(start))
			return err
		},
	}
	cmd.Flags().IntVar(&threads, "threads", defaultThreads, "number of threads to spawn")
	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runCounter(ctx context.Context, rt *sched.Runtime, log *zap.Logger, n int) error {
	count := sched.NewMVar(0)
	for i := 0; i < n; i++ {
		rt.Spawn(func(t *sched.TSO) error {
			v := count.Take(t).(int)
			t.Alloc(64)
			count.Put(t, v+1)
			return nil
		})
	}
	if err := rt.WaitAll(ctx); err != nil {
		return err
	}
	var final any
	th := rt.Spawn(func(t *sched.TSO) error {
		final = count.Read(t)
		return nil
	})
	if err := rt.Join(ctx, th); err != nil {
		return err
	}
	log.Info("counter done", zap.Any("count", final))
	if final != n {
		return fmt.Errorf("counter: want %d, got %v", n, final)
	}
	return nil
}

func runThrowTo(ctx context.Context, rt *sched.Runtime, log *zap.Logger, n int) error {
	caps := rt.Capabilities()
	var steps atomic.Int64
	victims := make([]*sched.TSO, n)
	for i := range victims {
		victims[i] = rt.SpawnOn(i, func(t *sched.TSO) error {
			for {
				steps.Add(1)
				t.Alloc(32)
			}
		})
	}
	killers := make([]*sched.TSO, n)
	for i := range killers {
		victim := victims[i]
		killers[i] = rt.SpawnOn(i+1, func(t *sched.TSO) error {
			for steps.Load() < int64(n) {
				t.Yield()
			}
			t.Kill(victim)
			return nil
		})
	}
	for _, th := range killers {
		if err := rt.Join(ctx, th); err != nil {
			return err
		}
	}
	killed := 0
	for _, th := range victims {
		if err := rt.Join(ctx, th); errors.Is(err, sched.ErrThreadKilled) {
			killed++
		}
	}
	log.Info("throwto done", zap.Int("killed", killed), zap.Int("capabilities", caps))
	if killed != n {
		return fmt.Errorf("throwto: %d of %d threads killed", killed, n)
	}
	return nil
}

// runDeadlock 忽略线程数：环里总是两个线程
func runDeadlock(ctx context.Context, rt *sched.Runtime, log *zap.Logger, _ int) error {
	m1, m2 := sched.NewMVar(1), sched.NewMVar(2)
	var stage atomic.Int32
	take := func(label string, first, second *sched.MVar) func(t *sched.TSO) error {
		return func(t *sched.TSO) error {
			t.SetLabel(label)
			first.Take(t)
			stage.Add(1)
			for stage.Load() < 2 {
				t.Yield()
			}
			second.Take(t)
			return nil
		}
	}
	a := rt.SpawnOn(0, take("a", m1, m2))
	b := rt.SpawnOn(1, take("b", m2, m1))

	for _, th := range []*sched.TSO{a, b} {
		err := rt.Join(ctx, th)
		if !errors.Is(err, sched.ErrBlockedIndefinitelyOnMVar) {
			return fmt.Errorf("deadlock: thread %s finished with %v", th.Label(), err)
		}
	}
	report := rt.LastDeadlock()
	if report == nil {
		return errors.New("deadlock: no report")
	}
	for _, bt := range report.Blocked {
		log.Info("blocked thread",
			zap.Uint64("thread", uint64(bt.ID)),
			zap.String("label", bt.Label),
			zap.Stringer("reason", bt.Reason),
			zap.Uint64("waits_for", uint64(bt.WaitsFor)))
	}
	log.Info("deadlock resolved", zap.Int("cycles", len(report.Cycles)))
	return nil
}

func report(cmd *cobra.Command, rt *sched.Runtime, elapsed time.Duration) {
	s := rt.Stats()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "elapsed %v, %d threads spawned, %d collections, %d deadlocks\n",
		elapsed.Round(time.Millisecond), s.Spawned, s.Collections, s.Deadlocks)
	for _, c := range s.Capabilities {
		fmt.Fprintf(out, "  cap %d: %d run, %d yields, %d messages, %d pushed, %d bytes\n",
			c.No, c.ThreadsRun, c.Yields, c.Messages, c.Pushed, c.Allocated)
	}
	fmt.Fprintf(out, "  closure lock: %d spins, %d yields\n", s.ClosureLock.Spins, s.ClosureLock.Yields)
}
