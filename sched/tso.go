package sched

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go-rem/caps/closure"
	"go-rem/caps/heap"
)

const minStackSize = 1 << 10

// TSO 是一个轻量级线程
//
// 每个 TSO 跑在自己的 goroutine 上，但只有在所属 capability 把控制权交给它时
// 才会执行：capability 唤醒线程，然后等它让出、阻塞或结束。
// 所以任意时刻每个 capability 上最多只有一个 TSO 在执行，
// TSO 里的代码相当于这个 capability 的持有者
type TSO struct {
	id    ThreadID
	rt    *Runtime
	fn    func(t *TSO) error
	label string
	bound bool

	cap     atomic.Pointer[Capability]
	what    atomic.Int32
	why     atomic.Int32
	running atomic.Bool
	dirty   atomic.Bool

	// 由线程所在的 capability 持有
	blockInfo any
	wakeAt    time.Time
	stack     []byte
	pending   []error

	// 由线程所在队列的锁保护
	link link

	// MVar 交接
	mvarPut   bool
	mvarValue any

	// 外部调用。inForeign 由 rt.mu 保护
	inForeign         bool
	ccallDone         atomic.Bool
	ccallPanic        any
	blockedExceptions []*MsgThrowTo

	started bool
	resume  chan struct{}
	yield   chan stepResult

	err  error
	done chan struct{}
}

// ID 返回线程 id
func (t *TSO) ID() ThreadID { return t.id }

// Label 返回 SetLabel 设置的名字
func (t *TSO) Label() string { return t.label }

// SetLabel 设置线程名，用于日志和死锁报告
func (t *TSO) SetLabel(s string) { t.label = s }

// Cap 返回线程所在 capability 的编号
func (t *TSO) Cap() int { return t.cap.Load().No }

// Locker 返回线程所属 runtime 的 closure 锁
func (t *TSO) Locker() closure.Locker { return t.rt.locker }

// Status 返回线程状态
func (t *TSO) Status() Status {
	switch WhatNext(t.what.Load()) {
	case ThreadComplete:
		return StatusCompleted
	case ThreadKilled:
		return StatusKilled
	}
	if t.running.Load() {
		return StatusRunning
	}
	if t.blockReason() != NotBlocked {
		return StatusBlocked
	}
	return StatusRunnable
}

// BlockReason 返回线程阻塞的原因
func (t *TSO) BlockReason() BlockReason { return t.blockReason() }

// Done 在线程结束时关闭
func (t *TSO) Done() <-chan struct{} { return t.done }

// Err 返回线程结束时的错误：函数的返回值，或者杀死它的异常。
// 只有 Done 关闭之后才有意义
func (t *TSO) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait 阻塞当前 goroutine 直到线程结束，返回 Err。
// 不能在 TSO 内部调用
func (t *TSO) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *TSO) blockReason() BlockReason { return BlockReason(t.why.Load()) }

func (t *TSO) finished() bool { return WhatNext(t.what.Load()) != ThreadRunGHC }

func (t *TSO) setBlocked(why BlockReason, info any) {
	t.blockInfo = info
	t.why.Store(int32(why))
	t.markDirty()
}

func (t *TSO) unblock() {
	t.blockInfo = nil
	t.why.Store(int32(NotBlocked))
	t.markDirty()
}

func (t *TSO) markDirty() {
	t.dirty.Store(true)
}

// step 由 capability 调用：唤醒线程，等它交回控制权
func (t *TSO) step() stepResult {
	if !t.started {
		t.started = true
		go t.main()
	}
	t.resume <- struct{}{}
	return <-t.yield
}

func (t *TSO) main() {
	<-t.resume
	res := stepResult{kind: stepFinished}
	defer func() { t.yield <- res }()
	defer func() {
		switch e := recover().(type) {
		case nil:
		case *asyncException:
			t.err, res.killed = e.err, true
		case shutdownUnwind:
			t.err, res.killed = ErrRuntimeShutdown, true
		case *InternalError:
			t.rt.log.Error("internal error", zap.Uint64("thread", uint64(t.id)), zap.Error(e))
			panic(e)
		default:
			t.err, res.killed = &PanicError{Value: e, Stack: debug.Stack()}, true
		}
	}()

	if t.rt.unwinding.Load() {
		panic(shutdownUnwind{})
	}
	t.raisePending()
	t.err = t.fn(t)
}

// suspend 把控制权交还 capability，线程下次被调度时返回，
// 期间收到的异常会在这里抛出
func (t *TSO) suspend(r stepResult) {
	t.yield <- r
	<-t.resume
	if t.rt.unwinding.Load() {
		panic(shutdownUnwind{})
	}
	t.raisePending()
}

func (t *TSO) raisePending() {
	if len(t.pending) == 0 {
		return
	}
	err := t.pending[0]
	t.pending = t.pending[1:]
	panic(&asyncException{err: err})
}

// checkpoint 是安全点：有上下文切换、消息或 GC 在等待时，
// 线程在这里让出 capability
func (t *TSO) checkpoint() {
	c := t.cap.Load()
	if c.interrupt.Load() || c.contextSwitch.Load() || t.rt.gc.requested.Load() || t.rt.stopping.Load() {
		t.suspend(stepResult{kind: stepYield})
		return
	}
	t.raisePending()
}

// Alloc 从 capability 的分配区分配 n 字节，是一个安全点
func (t *TSO) Alloc(n int) heap.Addr {
	c := t.cap.Load()
	addr, needGC := t.rt.heap.Allocate(c.No, n)
	c.stats.allocated.Add(uint64(n))
	if t.rt.flags.Debug && !t.rt.heap.IsHeapAddress(addr) {
		barf("allocation of %d bytes on cap %d returned %#x outside the heap", n, c.No, addr)
	}
	if needGC {
		t.rt.requestGC(false)
		t.suspend(stepResult{kind: stepHeapOverflow})
		c = t.cap.Load()
		addr, _ = t.rt.heap.Allocate(c.No, n)
		return addr
	}
	t.checkpoint()
	return addr
}

// Reserve 保证线程栈至少有 n 字节，通过分配器扩容
func (t *TSO) Reserve(n int) {
	if n <= len(t.stack) {
		return
	}
	size := max(n, 2*len(t.stack), minStackSize)
	t.Alloc(size)
	stack := make([]byte, size)
	copy(stack, t.stack)
	t.stack = stack
	t.markDirty()
}

// StackSize 返回线程栈的大小
func (t *TSO) StackSize() int { return len(t.stack) }

// Yield 把 capability 让给下一个可运行的线程
func (t *TSO) Yield() {
	t.suspend(stepResult{kind: stepYield, explicit: true})
}

// Delay 让线程阻塞至少 d
func (t *TSO) Delay(d time.Duration) {
	if d <= 0 {
		t.Yield()
		return
	}
	c := t.cap.Load()
	t.wakeAt = time.Now().Add(d)
	t.setBlocked(BlockedOnDelay, nil)
	c.sleepq.insert(t.rt.threads, t)
	c.nSleeping.Add(1)
	t.suspend(stepResult{kind: stepBlocked})
}

// SafeCall 在不占用 capability 的情况下运行 fn，期间其他线程可以继续运行。
// fn 里的 panic 会在线程中抛出
func (t *TSO) SafeCall(fn func()) {
	t.ccallDone.Store(false)
	t.suspend(stepResult{kind: stepForeignCall, call: fn})
	if p := t.ccallPanic; p != nil {
		t.ccallPanic = nil
		t.Throw(&PanicError{Value: p})
	}
}

// Throw 在当前线程中抛出 err
func (t *TSO) Throw(err error) {
	panic(&asyncException{err: err})
}

// Try 运行 fn，返回它的结果或者它抛出的异常
func (t *TSO) Try(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*asyncException)
			if !ok {
				panic(r)
			}
			err = e.err
		}
	}()
	return fn()
}

// Catch 运行 fn。fn 抛出异常时由 handler 决定结果
func (t *TSO) Catch(fn func() error, handler func(error) error) error {
	raised := false
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				e, ok := r.(*asyncException)
				if !ok {
					panic(r)
				}
				raised, err = true, e.err
			}
		}()
		return fn()
	}()
	if raised {
		return handler(err)
	}
	return err
}

// ThrowTo 在 target 中抛出 err。异常送达后才返回，
// target 在下一个安全点看到它
func (t *TSO) ThrowTo(target *TSO, err error) {
	if target == t {
		t.Throw(err)
	}
	c := t.cap.Load()
	msg := t.rt.throwTo(c, t, target, err)
	if msg == nil {
		t.checkpoint()
		return
	}
	t.setBlocked(BlockedOnMsgThrowTo, msg)
	t.suspend(stepResult{kind: stepBlocked, finish: func(*Capability) {
		msg.hdr.Unlock(infoMsgThrowTo)
	}})
}

// Kill 在 target 中抛出 ErrThreadKilled
func (t *TSO) Kill(target *TSO) {
	t.ThrowTo(target, ErrThreadKilled)
}

// Spawn 在当前线程的 capability 上新建线程运行 fn
func (t *TSO) Spawn(fn func(t *TSO) error) *TSO {
	c := t.cap.Load()
	nt := t.rt.newThread(c, fn, false)
	t.rt.enqueueThread(c, c, nt)
	return nt
}

// SpawnOn 在新线程中运行 fn，该线程固定在第 n 个 capability 上
// （对 capability 数量取模）
func (t *TSO) SpawnOn(n int, fn func(t *TSO) error) *TSO {
	c := t.rt.caps[n%len(t.rt.caps)]
	nt := t.rt.newThread(c, fn, true)
	t.rt.enqueueThread(t.cap.Load(), c, nt)
	return nt
}

// Par 把 th 记录为 spark：空闲的 capability 可能并行地求值它
func (t *TSO) Par(th *Thunk) {
	c := t.cap.Load()
	if th.hdr.Get() != infoThunk {
		c.stats.sparksDud.Add(1)
		return
	}
	if !c.sparks.push(th) {
		c.stats.sparksOverflowed.Add(1)
		return
	}
	c.stats.sparksCreated.Add(1)
	t.rt.wakeIdleCapability(c)
}
