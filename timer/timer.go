// Package timer 把周期性的 tick 转换成对调度器的请求：tick 数够了就让
// 所有 capability 做一次上下文切换，runtime 安静得够久就请求一次空闲 GC。
//
// timer 只负责设置标志，上下文切换和空闲 GC 具体做什么
// 由传给它的 Scheduler 决定
package timer

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Activity 记录 runtime 最近有没有做事
type Activity int32

const (
	// ActivityYes：上次 tick 之后有线程运行过
	ActivityYes Activity = iota
	// ActivityMaybeNo：上个 tick 内没有线程运行，正在倒数
	ActivityMaybeNo
	// ActivityInactive：空闲够久了，已经请求了空闲 GC
	ActivityInactive
	// ActivityDoneGC：空闲 GC 已经完成，timer 已停止
	ActivityDoneGC
)

func (a Activity) String() string {
	switch a {
	case ActivityYes:
		return "yes"
	case ActivityMaybeNo:
		return "maybe-no"
	case ActivityInactive:
		return "inactive"
	case ActivityDoneGC:
		return "done-gc"
	}
	return "unknown"
}

// SchedulerState 是 timer 和调度器共享的状态
type SchedulerState struct {
	recentActivity atomic.Int32
	timerDisabled  atomic.Int32
}

// NewSchedulerState 返回的状态有近期活动，timer 被禁用一次，
// 所以第一次 Start 就会启用它
func NewSchedulerState() *SchedulerState {
	s := &SchedulerState{}
	s.recentActivity.Store(int32(ActivityYes))
	s.timerDisabled.Store(1)
	return s
}

func (s *SchedulerState) Activity() Activity {
	return Activity(s.recentActivity.Load())
}

func (s *SchedulerState) SetActivity(a Activity) {
	s.recentActivity.Store(int32(a))
}

// SwapActivity 存入 a 并返回旧值
func (s *SchedulerState) SwapActivity(a Activity) Activity {
	return Activity(s.recentActivity.Swap(int32(a)))
}

// CompareAndSwapActivity 在状态仍为 old 时改为 new
func (s *SchedulerState) CompareAndSwapActivity(old, new Activity) bool {
	return s.recentActivity.CompareAndSwap(int32(old), int32(new))
}

// TimerDisabled 返回当前有多少方在阻止 timer 运行
func (s *SchedulerState) TimerDisabled() int {
	return int(s.timerDisabled.Load())
}

// Scheduler 接收 timer 做出的决定
type Scheduler interface {
	// ContextSwitchAllCapabilities 让每个 capability 在下一个安全点
	// 切换线程
	ContextSwitchAllCapabilities()
	// WakeUpRts 唤醒空闲的调度器，让它执行空闲 GC
	WakeUpRts()
}

// Config 保存计时相关的参数
type Config struct {
	TickInterval    time.Duration
	CtxtSwitchTicks int
	IdleGCDelay     time.Duration
	InterIdleGCWait time.Duration
	DoIdleGC        bool
}

// Timer 是间隔定时器中与平台无关的那一半
type Timer struct {
	cfg    Config
	state  *SchedulerState
	sched  Scheduler
	ticker Ticker
	log    *zap.Logger

	// 只有 HandleTick 会访问这些字段，而 tick 是一个一个送达的
	ticksToCtxtSwitch int
	idleTicksToGC     int
	interGCTicksToGC  int

	idleGCRequests atomic.Uint64
}

// New 返回一个停止状态的 timer。newTicker 安装平台 ticker，
// 为 nil 时使用由 time.Ticker 驱动的 goroutine
func New(cfg Config, state *SchedulerState, sched Scheduler, newTicker func(time.Duration, func()) Ticker, log *zap.Logger) *Timer {
	if log == nil {
		log = zap.NewNop()
	}
	if newTicker == nil {
		newTicker = NewTicker
	}
	t := &Timer{
		cfg:   cfg,
		state: state,
		sched: sched,
		log:   log.Named("timer"),
	}
	t.ticker = newTicker(cfg.TickInterval, t.HandleTick)
	return t
}

// HandleTick 由 ticker 在每次 tick 时调用
func (t *Timer) HandleTick() {
	if t.cfg.CtxtSwitchTicks > 0 && t.state.timerDisabled.Load() == 0 {
		t.ticksToCtxtSwitch--
		if t.ticksToCtxtSwitch <= 0 {
			t.ticksToCtxtSwitch = t.cfg.CtxtSwitchTicks
			t.sched.ContextSwitchAllCapabilities()
		}
	}

	// 空闲超过 IdleGCDelay 后唤醒调度器做一次收集，
	// 但间隔不会短于 InterIdleGCWait
	switch t.state.Activity() {
	case ActivityYes:
		t.state.SetActivity(ActivityMaybeNo)
		t.idleTicksToGC = t.ticks(t.cfg.IdleGCDelay)
	case ActivityMaybeNo:
		if t.idleTicksToGC == 0 && t.interGCTicksToGC == 0 {
			if t.cfg.DoIdleGC {
				t.state.SetActivity(ActivityInactive)
				t.interGCTicksToGC = t.ticks(t.cfg.InterIdleGCWait)
				t.idleGCRequests.Add(1)
				t.log.Debug("idle collection requested")
				// 调度器收集完之后会停止 timer
				t.sched.WakeUpRts()
			} else {
				t.state.SetActivity(ActivityDoneGC)
				t.Stop()
			}
		} else {
			if t.idleTicksToGC > 0 {
				t.idleTicksToGC--
			}
			if t.interGCTicksToGC > 0 {
				t.interGCTicksToGC--
			}
		}
	}
}

func (t *Timer) ticks(d time.Duration) int {
	if t.cfg.TickInterval <= 0 {
		return 0
	}
	return int(d / t.cfg.TickInterval)
}

// IdleGCRequests 统计这个 timer 请求过的空闲 GC 次数
func (t *Timer) IdleGCRequests() uint64 {
	return t.idleGCRequests.Load()
}

// Start 抵消一次 Stop。没有未抵消的 Stop 时 ticker 运行
func (t *Timer) Start() {
	if t.state.timerDisabled.Add(-1) == 0 {
		t.ticker.Start()
	}
}

// Stop 让 ticker 停下，直到对应的 Start
func (t *Timer) Stop() {
	if t.state.timerDisabled.Add(1) == 1 {
		t.ticker.Stop()
	}
}

// Exit 拆除 ticker。wait 为 true 时等最后一个 tick
// 处理完才返回
func (t *Timer) Exit(wait bool) {
	t.state.timerDisabled.Add(1)
	t.ticker.Exit(wait)
}
