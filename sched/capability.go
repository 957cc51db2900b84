package sched

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go-rem/caps/osthread"
)

// Capability 是一个调度器实例，由一个 OS worker 线程驱动
type Capability struct {
	No int

	rt  *Runtime
	log *zap.Logger

	// lock 保护运行队列和收件箱。其他 capability 交接线程或消息时
	// 也要拿这把锁
	lock osthread.Mutex
	cond osthread.Condition

	runq      tsoQueue
	inboxHead Message
	inboxTail Message
	inboxLen  int

	sparks        *sparkPool
	current       atomic.Pointer[TSO]
	idle          atomic.Bool
	nSleeping     atomic.Int32
	contextSwitch atomic.Bool
	interrupt     atomic.Bool

	// 睡眠队列只有 worker 自己访问
	sleepq sleepQueue

	thread *osthread.Thread
	stats  capStats
}

type capStats struct {
	threadsRun       atomic.Uint64
	yields           atomic.Uint64
	messages         atomic.Uint64
	allocated        atomic.Uint64
	pushed           atomic.Uint64
	sparksCreated    atomic.Uint64
	sparksDud        atomic.Uint64
	sparksOverflowed atomic.Uint64
	sparksConverted  atomic.Uint64
	sparksFizzled    atomic.Uint64
	sparksStolen     atomic.Uint64
}

func newCapability(rt *Runtime, no int) *Capability {
	c := &Capability{
		No:     no,
		rt:     rt,
		log:    rt.log.With(zap.Int("cap", no)),
		runq:   tsoQueue{kind: QueueRun},
		sleepq: sleepQueue{tsoQueue{kind: QueueSleep}},
		sparks: newSparkPool(rt.flags.SparkPoolSize),
	}
	return c
}

// appendToRunQueue 把 t 放到运行队列尾部
func (c *Capability) appendToRunQueue(t *TSO) {
	c.lock.Lock()
	c.runq.pushBack(c.rt.threads, t)
	c.cond.Signal()
	c.lock.Unlock()
}

// pushOnRunQueue 把 t 放到运行队列头部，刚被唤醒的线程下一个运行
func (c *Capability) pushOnRunQueue(t *TSO) {
	c.lock.Lock()
	c.runq.pushFront(c.rt.threads, t)
	c.cond.Signal()
	c.lock.Unlock()
}

// scheduleNext 取出下一个要运行的线程，没有则返回 nil
func (c *Capability) scheduleNext() *TSO {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.runq.popFront(c.rt.threads)
}

func (c *Capability) runQueueLen() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.runq.len()
}

// wake 让正在等待工作的 worker 重新检查状态
func (c *Capability) wake() {
	c.lock.Lock()
	c.cond.Signal()
	c.lock.Unlock()
}

// ContextSwitchRequested 报告正在运行的线程是否被要求
// 在下一个安全点让出
func (c *Capability) ContextSwitchRequested() bool {
	return c.contextSwitch.Load()
}

// contextSwitchCapability 让 c 上正在运行的线程让出，排到运行队列尾部
func contextSwitchCapability(c *Capability) {
	c.contextSwitch.Store(true)
}

// interruptCapability 让 c 上正在运行的线程停下，好让 worker 处理收件箱。
// 线程仍排在运行队列的最前面
func interruptCapability(c *Capability) {
	c.interrupt.Store(true)
}

// nextWake 返回第一个睡眠线程的到期时间
func (c *Capability) nextWake() (time.Time, bool) {
	t := c.sleepq.first(c.rt.threads)
	if t == nil {
		return time.Time{}, false
	}
	return t.wakeAt, true
}

// wakeSleepers 唤醒所有已经到期的睡眠线程
func (c *Capability) wakeSleepers(now time.Time) {
	for {
		t := c.sleepq.first(c.rt.threads)
		if t == nil || t.wakeAt.After(now) {
			return
		}
		c.sleepq.remove(c.rt.threads, t)
		c.nSleeping.Add(-1)
		t.unblock()
		c.appendToRunQueue(t)
	}
}

// enqueueThread 让 t 在 to 上可运行。from 是调用者所在的 capability，
// 调度器外部调用时为 nil；from 和 to 不同时会唤醒 to 的 worker
func (rt *Runtime) enqueueThread(from, to *Capability, t *TSO) {
	to.lock.Lock()
	to.runq.pushBack(rt.threads, t)
	if from != to {
		to.cond.Signal()
	}
	to.lock.Unlock()
}

// ContextSwitchAllCapabilities 要求所有正在运行的线程让出
func (rt *Runtime) ContextSwitchAllCapabilities() {
	for _, c := range rt.caps {
		contextSwitchCapability(c)
	}
}

// WakeUpRts 唤醒所有空闲的 worker，让其中一个执行 timer 请求的空闲 GC
func (rt *Runtime) WakeUpRts() {
	for _, c := range rt.caps {
		c.wake()
	}
}

func (rt *Runtime) wakeAll() {
	for _, c := range rt.caps {
		c.lock.Lock()
		c.cond.Broadcast()
		c.lock.Unlock()
	}
}

// wakeIdleCapability 唤醒除 c 以外的一个空闲 capability（如果有）
func (rt *Runtime) wakeIdleCapability(c *Capability) {
	for i := 1; i < len(rt.caps); i++ {
		v := rt.caps[(c.No+i)%len(rt.caps)]
		if v.idle.Load() {
			v.wake()
			return
		}
	}
}
