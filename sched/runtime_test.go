package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"go-rem/caps/closure"
	"go-rem/caps/config"
	"go-rem/caps/timer"
)

const (
	testTimeout = 10 * time.Second
	testTick    = time.Millisecond
)

func testFlags(caps int) config.Flags {
	f := config.Default()
	f.Capabilities = caps
	f.TickInterval = 0
	f.DoIdleGC = false
	f.MaxMessagesPerLoop = 64
	f.SparkPoolSize = 256
	f.NurserySize = 1 << 20
	f.DeadlockDetection = true
	return f
}

// newTestRuntime 返回一个还没启动的 runtime，测试结束时自动关闭
func newTestRuntime(t *testing.T, flags config.Flags, opts ...Option) *Runtime {
	t.Helper()
	log := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	rt, err := New(flags, append([]Option{WithLogger(log)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		require.NoError(t, rt.Shutdown(ctx))
	})
	return rt
}

func startTestRuntime(t *testing.T, flags config.Flags, opts ...Option) *Runtime {
	t.Helper()
	rt := newTestRuntime(t, flags, opts...)
	require.NoError(t, rt.Start(context.Background()))
	return rt
}

func waitAll(t *testing.T, rt *Runtime) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, rt.WaitAll(ctx))
}

func join(t *testing.T, th *TSO) error {
	t.Helper()
	select {
	case <-th.Done():
		return th.Err()
	case <-time.After(testTimeout):
		t.Fatalf("thread %d did not finish", th.ID())
		return nil
	}
}

// manualTicker 让测试自己发送 timer tick
type manualTicker struct {
	tick    func()
	started atomic.Int32
}

func (m *manualTicker) Start()         { m.started.Add(1) }
func (m *manualTicker) Stop()          {}
func (m *manualTicker) Exit(wait bool) {}

func withManualTicker(m *manualTicker) Option {
	return WithTicker(func(_ time.Duration, onTick func()) timer.Ticker {
		m.tick = onTick
		return m
	})
}

func TestNewRejectsBadFlags(t *testing.T) {
	f := testFlags(0)
	_, err := New(f)
	require.Error(t, err)

	f = testFlags(2)
	f.SparkPoolSize = 100
	_, err = New(f)
	require.Error(t, err)
}

func TestStartTwice(t *testing.T) {
	rt := startTestRuntime(t, testFlags(1))
	require.Error(t, rt.Start(context.Background()))
}

func TestSpawnRunsEveryThread(t *testing.T) {
	rt := startTestRuntime(t, testFlags(4))

	var ran atomic.Int64
	var ts []*TSO
	for i := 0; i < 100; i++ {
		ts = append(ts, rt.Spawn(func(t *TSO) error {
			ran.Add(1)
			return nil
		}))
	}
	waitAll(t, rt)

	require.Equal(t, int64(100), ran.Load())
	for _, th := range ts {
		require.Equal(t, StatusCompleted, th.Status())
		require.NoError(t, th.Err())
	}
	require.Equal(t, 0, rt.Stats().Threads)
	require.Equal(t, uint64(100), rt.Stats().Spawned)
}

func TestThreadErrorIsReported(t *testing.T) {
	rt := startTestRuntime(t, testFlags(2))
	boom := errors.New("boom")

	th := rt.Spawn(func(t *TSO) error { return boom })
	require.ErrorIs(t, join(t, th), boom)
	require.Equal(t, StatusCompleted, th.Status())
}

func TestPanicKillsOnlyTheThread(t *testing.T) {
	rt := startTestRuntime(t, testFlags(1))

	bad := rt.Spawn(func(t *TSO) error { panic("bad thread") })
	good := rt.Spawn(func(t *TSO) error { return nil })

	var pe *PanicError
	require.ErrorAs(t, join(t, bad), &pe)
	require.Equal(t, "bad thread", pe.Value)
	require.NotEmpty(t, pe.Stack)
	require.Equal(t, StatusKilled, bad.Status())
	require.NoError(t, join(t, good))
}

// 分布在所有 capability 上的大量线程通过 header 锁更新同一个共享对象
func TestSharedCounter(t *testing.T) {
	rt := startTestRuntime(t, testFlags(4))
	obj := closure.NewObject(infoMVar, 0)

	for i := 0; i < 1000; i++ {
		rt.Spawn(func(t *TSO) error {
			obj.With(t.Locker(), func(v *int) { *v++ })
			t.Alloc(16)
			return nil
		})
	}
	waitAll(t, rt)

	var n int
	obj.With(rt.Locker(), func(v *int) { n = *v })
	require.Equal(t, 1000, n)
	for _, c := range rt.Stats().Capabilities {
		require.Zero(t, c.RunQueue, "cap %d", c.No)
	}
}

func TestSpawnFromThread(t *testing.T) {
	rt := startTestRuntime(t, testFlags(2))

	var children atomic.Int64
	parent := rt.Spawn(func(t *TSO) error {
		for i := 0; i < 10; i++ {
			t.Spawn(func(t *TSO) error {
				children.Add(1)
				return nil
			})
		}
		return nil
	})
	require.NoError(t, join(t, parent))
	waitAll(t, rt)
	require.Equal(t, int64(10), children.Load())
}

func TestSpawnOnIsBound(t *testing.T) {
	rt := startTestRuntime(t, testFlags(4))

	var ts []*TSO
	for i := 0; i < 8; i++ {
		ts = append(ts, rt.SpawnOn(3, func(t *TSO) error {
			for j := 0; j < 10; j++ {
				t.Yield()
			}
			return nil
		}))
	}
	waitAll(t, rt)
	for _, th := range ts {
		require.Equal(t, 3, th.Cap())
	}
}

func TestYieldInterleaves(t *testing.T) {
	rt := newTestRuntime(t, testFlags(1))

	var order []string
	for _, name := range []string{"a", "b"} {
		rt.Spawn(func(t *TSO) error {
			for i := 0; i < 3; i++ {
				order = append(order, name)
				t.Yield()
			}
			return nil
		})
	}
	require.NoError(t, rt.Start(context.Background()))
	waitAll(t, rt)

	require.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, order)
}

func TestDelay(t *testing.T) {
	rt := startTestRuntime(t, testFlags(2))

	start := time.Now()
	th := rt.Spawn(func(t *TSO) error {
		t.Delay(20 * time.Millisecond)
		return nil
	})
	require.NoError(t, join(t, th))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.Nil(t, rt.LastDeadlock(), "a sleeping thread is not deadlocked")
}

func TestSafeCallReleasesCapability(t *testing.T) {
	rt := newTestRuntime(t, testFlags(1))

	ch := make(chan struct{})
	caller := rt.Spawn(func(t *TSO) error {
		t.SafeCall(func() { <-ch })
		return nil
	})
	// 只有调用者让出了 capability 才会运行
	closer := rt.Spawn(func(t *TSO) error {
		close(ch)
		return nil
	})
	require.NoError(t, rt.Start(context.Background()))

	require.NoError(t, join(t, closer))
	require.NoError(t, join(t, caller))
	require.Nil(t, rt.LastDeadlock())
}

func TestSafeCallPanic(t *testing.T) {
	rt := startTestRuntime(t, testFlags(1))

	th := rt.Spawn(func(t *TSO) error {
		t.SafeCall(func() { panic("in foreign code") })
		return nil
	})
	var pe *PanicError
	require.ErrorAs(t, join(t, th), &pe)
	require.Equal(t, "in foreign code", pe.Value)
}

func TestTryAndCatch(t *testing.T) {
	rt := startTestRuntime(t, testFlags(1))
	boom := errors.New("boom")

	var tried, caught error
	th := rt.Spawn(func(t *TSO) error {
		tried = t.Try(func() error {
			t.Throw(boom)
			return nil
		})
		caught = t.Catch(func() error {
			t.Throw(ErrThreadKilled)
			return nil
		}, func(err error) error {
			return errors.Join(boom, err)
		})
		return t.Try(func() error { return nil })
	})
	require.NoError(t, join(t, th))
	require.ErrorIs(t, tried, boom)
	require.ErrorIs(t, caught, boom)
	require.ErrorIs(t, caught, ErrThreadKilled)
}

func TestReserveGrowsStack(t *testing.T) {
	rt := startTestRuntime(t, testFlags(1))

	var sizes []int
	th := rt.Spawn(func(t *TSO) error {
		sizes = append(sizes, t.StackSize())
		t.Reserve(10)
		sizes = append(sizes, t.StackSize())
		t.Reserve(minStackSize + 1)
		sizes = append(sizes, t.StackSize())
		t.Reserve(5)
		sizes = append(sizes, t.StackSize())
		return nil
	})
	require.NoError(t, join(t, th))
	require.Equal(t, []int{0, minStackSize, 2 * minStackSize, 2 * minStackSize}, sizes)
}

func TestTimerForcesContextSwitch(t *testing.T) {
	f := testFlags(1)
	f.TickInterval = 10 * time.Millisecond
	f.CtxtSwitchTime = 10 * time.Millisecond
	f.IdleGCDelay = time.Hour
	mt := &manualTicker{}
	rt := newTestRuntime(t, f, withManualTicker(mt))

	var stop atomic.Bool
	spinner := rt.Spawn(func(t *TSO) error {
		for !stop.Load() {
			t.Alloc(8)
		}
		return nil
	})
	rt.Spawn(func(t *TSO) error {
		stop.Store(true)
		return nil
	})
	require.NoError(t, rt.Start(context.Background()))
	require.Equal(t, int32(1), mt.started.Load())

	require.Eventually(t, func() bool {
		mt.tick()
		select {
		case <-spinner.Done():
			return true
		default:
			return false
		}
	}, testTimeout, testTick)
	require.NoError(t, spinner.Err())
	require.NotZero(t, rt.Stats().Capabilities[0].Yields)
}

func TestShutdownUnwindsBlockedThreads(t *testing.T) {
	f := testFlags(1)
	f.DeadlockDetection = false
	rt, err := New(f, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	mv := NewEmptyMVar()
	var unwound atomic.Bool
	th := rt.Spawn(func(t *TSO) error {
		defer unwound.Store(true)
		mv.Take(t)
		return nil
	})
	require.Eventually(t, func() bool { return th.Status() == StatusBlocked }, testTimeout, testTick)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, rt.Shutdown(ctx))

	require.ErrorIs(t, join(t, th), ErrRuntimeShutdown)
	require.True(t, unwound.Load())
	require.Equal(t, StatusKilled, th.Status())

	late := rt.Spawn(func(t *TSO) error { return nil })
	require.ErrorIs(t, join(t, late), ErrRuntimeShutdown)
	require.NoError(t, rt.Shutdown(ctx), "second shutdown is a no-op")
}

func TestShutdownBeforeStart(t *testing.T) {
	rt, err := New(testFlags(2))
	require.NoError(t, err)

	ran := false
	th := rt.Spawn(func(t *TSO) error {
		ran = true
		return nil
	})
	require.NoError(t, rt.Shutdown(context.Background()))
	require.ErrorIs(t, join(t, th), ErrRuntimeShutdown)
	require.False(t, ran)
	require.Zero(t, rt.Stats().Threads)
}

func TestContextCancelShutsDown(t *testing.T) {
	rt, err := New(testFlags(2))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, rt.Start(ctx))

	th := rt.Spawn(func(t *TSO) error {
		t.Delay(time.Hour)
		return nil
	})
	require.Eventually(t, func() bool { return th.Status() == StatusBlocked }, testTimeout, testTick)
	cancel()
	require.ErrorIs(t, join(t, th), ErrRuntimeShutdown)
}

func TestStatsAndIdentity(t *testing.T) {
	rt := startTestRuntime(t, testFlags(3))
	require.Equal(t, 3, rt.Capabilities())
	require.False(t, rt.Locker().Single)
	require.NotEqual(t, rt.ID(), startTestRuntime(t, testFlags(1)).ID())

	th := rt.Spawn(func(t *TSO) error {
		t.SetLabel("worker")
		t.Alloc(100)
		return nil
	})
	require.NoError(t, join(t, th))
	require.Equal(t, "worker", th.Label())

	s := rt.Stats()
	require.Len(t, s.Capabilities, 3)
	var threadsRun, allocated uint64
	for _, c := range s.Capabilities {
		threadsRun += c.ThreadsRun
		allocated += c.Allocated
	}
	require.GreaterOrEqual(t, threadsRun, uint64(1))
	require.Equal(t, uint64(100), allocated)
}
