package sched

import (
	"sync/atomic"

	"go.uber.org/zap"

	"go-rem/caps/osthread"
	"go-rem/caps/timer"
)

// gcSync 是 stop-the-world 的汇合点。需要 GC 的 capability 设置 requested，
// 所有 worker 在下一个安全点汇合，
// 最后到达的那个执行收集
type gcSync struct {
	requested atomic.Bool

	mu      osthread.Mutex
	cond    osthread.Condition
	idle    bool
	arrived int
	epoch   uint64

	collections uint64
	idleGCs     uint64
}

// requestGC 要求所有 capability 停下来做一次收集
func (rt *Runtime) requestGC(idle bool) {
	g := &rt.gc
	g.mu.Lock()
	if idle && !g.requested.Load() && rt.state.Activity() != timer.ActivityInactive {
		// 其他 worker 已经做过空闲 GC 了
		g.mu.Unlock()
		return
	}
	if !g.requested.Load() {
		g.idle = idle
		g.requested.Store(true)
		rt.heap.RequestSafepoint()
	} else if !idle {
		g.idle = false
	}
	g.mu.Unlock()
	rt.wakeAll()
}

// syncGC 是 c 的 worker 等待其他 worker 的地方。
// 最后到达的执行收集并放行所有人
func (rt *Runtime) syncGC(c *Capability) {
	g := &rt.gc
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.requested.Load() {
		return
	}
	g.arrived++
	if g.arrived == len(rt.caps) {
		rt.collect(c, g.idle)
		g.arrived = 0
		g.epoch++
		g.requested.Store(false)
		g.cond.Broadcast()
		return
	}
	epoch := g.epoch
	for g.epoch == epoch && !rt.stopping.Load() {
		g.cond.Wait(&g.mu)
	}
}

// collect 在所有 capability 都停下时运行
func (rt *Runtime) collect(c *Capability, idle bool) {
	rt.heap.Collect(idle)
	for _, t := range rt.threads.snapshot() {
		t.dirty.Store(false)
	}
	rt.gc.collections++
	if idle {
		rt.gc.idleGCs++
		// 线程再次运行之前 timer 保持关闭
		if rt.state.CompareAndSwapActivity(timer.ActivityInactive, timer.ActivityDoneGC) {
			rt.timer.Stop()
		}
	}
	c.log.Debug("collection done", zap.Bool("idle", idle), zap.Uint64("collections", rt.gc.collections))
}

// idleGCDue 报告 timer 是否请求了一次还没开始的空闲 GC
func (rt *Runtime) idleGCDue() bool {
	return rt.flags.DoIdleGC &&
		rt.state.Activity() == timer.ActivityInactive &&
		!rt.gc.requested.Load()
}

// releaseGC 在 runtime 停止时让等在屏障上的 worker 离开
func (rt *Runtime) releaseGC() {
	rt.gc.mu.Lock()
	rt.gc.cond.Broadcast()
	rt.gc.mu.Unlock()
}
