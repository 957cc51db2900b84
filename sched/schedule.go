package sched

import (
	"runtime"
	"time"

	"go.uber.org/zap"

	"go-rem/caps/timer"
)

// schedule 是 capability c 的 worker 循环，runtime 停止时返回
func (rt *Runtime) schedule(c *Capability) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*InternalError); ok {
				c.log.Error("internal error", zap.Error(e))
			}
			panic(r)
		}
	}()

	for {
		if rt.stopping.Load() {
			return
		}

		rt.processInbox(c)

		if rt.gc.requested.Load() {
			rt.syncGC(c)
			continue
		}

		c.wakeSleepers(time.Now())

		if rt.idleGCDue() {
			rt.requestGC(true)
			continue
		}

		t := c.scheduleNext()
		if t == nil {
			t = rt.findSpark(c)
		}
		if t == nil {
			rt.waitForWork(c)
			continue
		}

		rt.schedulePushWork(c)
		rt.runThread(c, t)
		// worker 和线程通过无缓冲 channel 交接，
		// 不主动让出的话会一直霸占 P
		runtime.Gosched()
	}
}

// runThread 运行 t 直到它交回 capability，然后把它放到该去的地方
func (rt *Runtime) runThread(c *Capability, t *TSO) {
	if rt.state.SwapActivity(timer.ActivityYes) == timer.ActivityDoneGC {
		rt.timer.Start()
	}

	c.current.Store(t)
	t.running.Store(true)
	c.contextSwitch.Store(false)
	c.stats.threadsRun.Add(1)

	r := t.step()

	t.running.Store(false)
	c.current.Store(nil)

	switch r.kind {
	case stepYield:
		c.stats.yields.Add(1)
		if r.explicit || c.contextSwitch.Swap(false) {
			c.appendToRunQueue(t)
		} else {
			c.pushOnRunQueue(t)
		}

	case stepHeapOverflow:
		c.pushOnRunQueue(t)

	case stepBlocked:
		if r.finish != nil {
			r.finish(c)
		}

	case stepForeignCall:
		rt.startForeignCall(c, t, r.call)

	case stepFinished:
		rt.finishThread(c, t, r.killed)
	}
}

// finishThread 回收已返回或已死亡的线程
func (rt *Runtime) finishThread(c *Capability, t *TSO, killed bool) {
	what := ThreadComplete
	if killed {
		what = ThreadKilled
	}
	t.what.Store(int32(what))
	t.why.Store(int32(NotBlocked))

	// 还在等这个线程的 throw 已经没有意义了
	l := rt.locker
	for _, m := range t.blockedExceptions {
		info := l.Lock(&m.hdr)
		if info != infoMsgThrowTo {
			l.Unlock(&m.hdr, info)
			continue
		}
		source := m.source
		rt.doneWithMsgThrowTo(c, m)
		if source != nil {
			rt.tryWakeupThread(c, source)
		}
	}
	t.blockedExceptions = nil

	rt.threads.remove(t)
	c.log.Debug("thread finished",
		zap.Uint64("thread", uint64(t.id)),
		zap.String("label", t.label),
		zap.Bool("killed", killed),
		zap.Error(t.err))
	close(t.done)
	rt.live.done()
}

// startForeignCall 在单独的 goroutine 上执行 call，
// c 继续运行其他线程
func (rt *Runtime) startForeignCall(c *Capability, t *TSO, call func()) {
	t.setBlocked(BlockedOnCCall, nil)
	rt.mu.Lock()
	t.inForeign = true
	rt.nForeign++
	rt.mu.Unlock()

	go func() {
		defer rt.endForeignCall(t)
		defer func() {
			if p := recover(); p != nil {
				t.ccallPanic = p
			}
		}()
		call()
	}()
}

// endForeignCall 在调用返回后把 t 交还调度器
func (rt *Runtime) endForeignCall(t *TSO) {
	rt.mu.Lock()
	t.inForeign = false
	rt.nForeign--
	unwinding := rt.unwinding.Load()
	if !unwinding {
		t.ccallDone.Store(true)
		rt.postMessage(t.cap.Load(), newTryWakeup(t))
	}
	rt.mu.Unlock()

	if unwinding {
		rt.unwindThread(t)
	}
}

// schedulePushWork 把 c 上多余的线程分给空闲的 capability
func (rt *Runtime) schedulePushWork(c *Capability) {
	if len(rt.caps) == 1 {
		return
	}
	var free []*Capability
	for _, v := range rt.caps {
		if v != c && v.idle.Load() {
			free = append(free, v)
		}
	}
	if len(free) == 0 {
		return
	}

	var moved []*TSO
	c.lock.Lock()
	for id := c.runq.tail; id != noThread && c.runq.len() > 1 && len(moved) < len(free); {
		t := rt.threads.get(id)
		id = t.link.prev
		if t.bound {
			continue
		}
		c.runq.remove(rt.threads, t)
		moved = append(moved, t)
	}
	c.lock.Unlock()

	for i, t := range moved {
		v := free[i]
		t.cap.Store(v)
		rt.enqueueThread(c, v, t)
		c.stats.pushed.Add(1)
	}
	if len(moved) > 0 {
		c.log.Debug("pushed threads to idle capabilities", zap.Int("threads", len(moved)))
	}
}

// waitForWork 让 c 的 worker 休眠直到有事可做。
// 最后一个空闲的 capability 先做死锁检查
func (rt *Runtime) waitForWork(c *Capability) {
	rt.mu.Lock()
	c.idle.Store(true)
	rt.idleCaps++
	if rt.idleCaps == len(rt.caps) && rt.flags.DeadlockDetection {
		rt.detectDeadlock(c)
	}
	rt.mu.Unlock()

	c.lock.Lock()
	for !rt.hasWork(c) {
		if at, ok := c.nextWake(); ok {
			c.cond.TimedWait(&c.lock, at)
		} else {
			c.cond.Wait(&c.lock)
		}
	}
	c.lock.Unlock()

	rt.mu.Lock()
	c.idle.Store(false)
	rt.idleCaps--
	rt.mu.Unlock()
}

// hasWork 报告 c 的 worker 是否有事可做。调用时持有 c.lock
func (rt *Runtime) hasWork(c *Capability) bool {
	if !c.runq.empty() || c.inboxHead != nil {
		return true
	}
	if rt.stopping.Load() || rt.gc.requested.Load() || rt.idleGCDue() {
		return true
	}
	if at, ok := c.nextWake(); ok && !at.After(time.Now()) {
		return true
	}
	return rt.sparksAvailable()
}
