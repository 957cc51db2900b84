package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSched struct {
	switches atomic.Int32
	wakeups  atomic.Int32
}

func (f *fakeSched) ContextSwitchAllCapabilities() { f.switches.Add(1) }
func (f *fakeSched) WakeUpRts()                    { f.wakeups.Add(1) }

type manualTicker struct {
	starts, stops, exits int
}

func (m *manualTicker) Start()         { m.starts++ }
func (m *manualTicker) Stop()          { m.stops++ }
func (m *manualTicker) Exit(wait bool) { m.exits++ }

func newTestTimer(t *testing.T, cfg Config) (*Timer, *fakeSched, *manualTicker, *SchedulerState) {
	t.Helper()
	fs := &fakeSched{}
	mt := &manualTicker{}
	st := NewSchedulerState()
	tm := New(cfg, st, fs, func(time.Duration, func()) Ticker { return mt }, zaptest.NewLogger(t))
	return tm, fs, mt, st
}

func TestContextSwitchEveryNTicks(t *testing.T) {
	// 空闲延迟足够长，整个测试期间 timer 都在运行
	tm, fs, _, _ := newTestTimer(t, Config{
		TickInterval:    10 * time.Millisecond,
		CtxtSwitchTicks: 2,
		IdleGCDelay:     time.Hour,
	})
	tm.Start()

	for range 6 {
		tm.HandleTick()
	}
	// 倒数从 0 开始，所以第一个 tick 立即触发
	require.Equal(t, int32(3), fs.switches.Load())
}

func TestNoContextSwitchAfterIdleStop(t *testing.T) {
	tm, fs, _, st := newTestTimer(t, Config{TickInterval: 10 * time.Millisecond, CtxtSwitchTicks: 1})
	tm.Start()

	tm.HandleTick() // yes -> maybe no
	tm.HandleTick() // maybe no -> done，timer 停止
	require.Equal(t, ActivityDoneGC, st.Activity())
	require.Equal(t, 1, st.TimerDisabled())
	require.Equal(t, int32(2), fs.switches.Load())

	for range 5 {
		tm.HandleTick()
	}
	require.Equal(t, int32(2), fs.switches.Load())
	require.Zero(t, fs.wakeups.Load())
}

func TestNoContextSwitchWhileDisabled(t *testing.T) {
	tm, fs, _, _ := newTestTimer(t, Config{TickInterval: 10 * time.Millisecond, CtxtSwitchTicks: 1})

	// 从未启动：禁用计数为 1
	for range 5 {
		tm.HandleTick()
	}
	require.Zero(t, fs.switches.Load())
}

func TestIdleGCFiresOnce(t *testing.T) {
	tm, fs, _, st := newTestTimer(t, Config{
		TickInterval: 10 * time.Millisecond,
		IdleGCDelay:  30 * time.Millisecond,
		DoIdleGC:     true,
	})
	tm.Start()

	for range 20 {
		tm.HandleTick()
	}
	require.Equal(t, int32(1), fs.wakeups.Load())
	require.Equal(t, uint64(1), tm.IdleGCRequests())
	require.Equal(t, ActivityInactive, st.Activity())
}

func TestIdleGCWaitsForDelay(t *testing.T) {
	tm, fs, _, _ := newTestTimer(t, Config{
		TickInterval: 10 * time.Millisecond,
		IdleGCDelay:  30 * time.Millisecond,
		DoIdleGC:     true,
	})
	tm.Start()

	// YES -> MAYBE_NO，然后倒数三个 tick
	for range 4 {
		tm.HandleTick()
	}
	require.Zero(t, fs.wakeups.Load())
	tm.HandleTick()
	require.Equal(t, int32(1), fs.wakeups.Load())
}

func TestNoIdleGCWithContinuousActivity(t *testing.T) {
	tm, fs, _, st := newTestTimer(t, Config{
		TickInterval: 10 * time.Millisecond,
		IdleGCDelay:  20 * time.Millisecond,
		DoIdleGC:     true,
	})
	tm.Start()

	for range 50 {
		st.SetActivity(ActivityYes)
		tm.HandleTick()
	}
	require.Zero(t, fs.wakeups.Load())
}

func TestInterIdleGCWait(t *testing.T) {
	tm, fs, _, st := newTestTimer(t, Config{
		TickInterval:    10 * time.Millisecond,
		IdleGCDelay:     0,
		InterIdleGCWait: 50 * time.Millisecond,
		DoIdleGC:        true,
	})
	tm.Start()

	tm.HandleTick() // YES -> MAYBE_NO
	tm.HandleTick() // 触发
	require.Equal(t, int32(1), fs.wakeups.Load())

	// 调度器完成收集，活动恢复后又停止
	st.SetActivity(ActivityYes)
	tm.HandleTick()
	for range 4 {
		tm.HandleTick()
	}
	require.Equal(t, int32(1), fs.wakeups.Load(), "inter idle wait must hold off a second collection")
	for range 2 {
		tm.HandleTick()
	}
	require.Equal(t, int32(2), fs.wakeups.Load())
}

func TestIdleWithoutGCStopsTimer(t *testing.T) {
	tm, fs, mt, st := newTestTimer(t, Config{
		TickInterval: 10 * time.Millisecond,
		IdleGCDelay:  10 * time.Millisecond,
		DoIdleGC:     false,
	})
	tm.Start()
	require.Equal(t, 1, mt.starts)

	for range 5 {
		tm.HandleTick()
	}
	require.Zero(t, fs.wakeups.Load())
	require.Equal(t, ActivityDoneGC, st.Activity())
	require.Equal(t, 1, mt.stops)
	require.Equal(t, 1, st.TimerDisabled())
}

func TestStartStopNesting(t *testing.T) {
	tm, _, mt, st := newTestTimer(t, Config{TickInterval: time.Millisecond})

	tm.Start()
	require.Equal(t, 0, st.TimerDisabled())
	tm.Stop()
	tm.Stop()
	require.Equal(t, 1, mt.stops, "only the first Stop reaches the ticker")
	tm.Start()
	require.Equal(t, 1, mt.starts)
	tm.Start()
	require.Equal(t, 2, mt.starts)

	tm.Exit(true)
	require.Equal(t, 1, mt.exits)
}

func TestGoTickerDeliversTicks(t *testing.T) {
	var n atomic.Int32
	tk := NewTicker(time.Millisecond, func() { n.Add(1) })
	tk.Start()
	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	tk.Exit(true)

	after := n.Load()
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, after, n.Load())
}
