// Package sched 在固定数量的 capability 上调度轻量级线程。
//
// 每个 capability 由一个独占 OS 线程的 worker 驱动，拥有自己的运行队列、
// 来自其他 capability 的消息收件箱、spark 池和睡眠队列。线程只在安全点让出：
// 分配内存、主动 Yield 以及各种阻塞操作。
// 要对另一个 capability 上的线程做任何事，都必须通过那个 capability 的收件箱。
//
// 加锁顺序：先 rt.mu，再 capability 锁。持有 closure 锁时可以再拿
// capability 锁，反过来不行。
package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-rem/caps/closure"
	"go-rem/caps/config"
	"go-rem/caps/heap"
	"go-rem/caps/osthread"
	"go-rem/caps/timer"
)

// Runtime 是一组 capability 以及运行在其上的线程
type Runtime struct {
	id        uuid.UUID
	flags     config.Flags
	log       *zap.Logger
	heap      heap.Collector
	locker    closure.Locker
	state     *timer.SchedulerState
	timer     *timer.Timer
	newTicker func(time.Duration, func()) timer.Ticker

	caps    []*Capability
	threads *threadArena
	msgSeq  atomic.Uint64
	nextCap atomic.Uint32

	// mu 保护空闲计数、外部调用计数和关闭流程，
	// 死锁检测期间一直持有
	mu       sync.Mutex
	idleCaps int
	nForeign int

	gc gcSync

	started   atomic.Bool
	stopping  atomic.Bool
	unwinding atomic.Bool
	stopOnce  sync.Once
	group     *errgroup.Group
	stopCtx   func() bool

	live         liveThreads
	spawned      atomic.Uint64
	deadlocks    atomic.Uint64
	lastDeadlock atomic.Pointer[DeadlockReport]
}

// Option 配置 Runtime
type Option func(*Runtime)

// WithLogger 设置日志。默认丢弃所有日志
func WithLogger(log *zap.Logger) Option {
	return func(rt *Runtime) { rt.log = log }
}

// WithCollector 替换默认的 nursery
func WithCollector(c heap.Collector) Option {
	return func(rt *Runtime) { rt.heap = c }
}

// WithTicker 替换驱动 timer 的 ticker
func WithTicker(newTicker func(time.Duration, func()) timer.Ticker) Option {
	return func(rt *Runtime) { rt.newTicker = newTicker }
}

// New 创建一个有 flags.Capabilities 个 capability 的 runtime。
// Start 之前就可以 Spawn 线程，Start 之后才会运行
func New(flags config.Flags, opts ...Option) (*Runtime, error) {
	if err := flags.Validate(); err != nil {
		return nil, fmt.Errorf("sched: %w", err)
	}
	rt := &Runtime{
		id:      uuid.New(),
		flags:   flags,
		log:     zap.NewNop(),
		locker:  closure.Locker{Single: flags.Capabilities == 1},
		state:   timer.NewSchedulerState(),
		threads: newThreadArena(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.log = rt.log.With(zap.String("runtime", rt.id.String()))
	if procs := runtime.GOMAXPROCS(0); procs < flags.Capabilities {
		runtime.GOMAXPROCS(flags.Capabilities)
		rt.log.Info("raised GOMAXPROCS to the number of capabilities",
			zap.Int("from", procs), zap.Int("to", flags.Capabilities))
	}
	if rt.heap == nil {
		rt.heap = heap.NewNursery(flags.Capabilities, flags.NurserySize)
	}
	rt.timer = timer.New(flags.Timer(), rt.state, rt, rt.newTicker, rt.log)

	rt.caps = make([]*Capability, flags.Capabilities)
	for i := range rt.caps {
		rt.caps[i] = newCapability(rt, i)
	}
	return rt, nil
}

// ID 用于在日志中区分 runtime
func (rt *Runtime) ID() uuid.UUID { return rt.id }

// Capabilities 返回 capability 的数量
func (rt *Runtime) Capabilities() int { return len(rt.caps) }

// Locker 返回与 capability 数量匹配的 closure 锁
func (rt *Runtime) Locker() closure.Locker { return rt.locker }

// LastDeadlock 返回最近一次死锁报告，没有则为 nil
func (rt *Runtime) LastDeadlock() *DeadlockReport { return rt.lastDeadlock.Load() }

// Start 为每个 capability 启动一个 worker，并启动 timer。
// 取消 ctx 会关闭 runtime
func (rt *Runtime) Start(ctx context.Context) error {
	if !rt.started.CompareAndSwap(false, true) {
		return errors.New("sched: runtime already started")
	}
	g, _ := errgroup.WithContext(ctx)
	rt.group = g
	n := len(rt.caps)
	var ready sync.WaitGroup
	ready.Add(n)
	for _, c := range rt.caps {
		g.Go(func() error {
			var affinityErr error
			c.thread = osthread.Create(fmt.Sprintf("cap-%d", c.No), func() {
				if rt.flags.SetAffinity {
					affinityErr = osthread.SetThreadAffinity(c.No, n)
				}
				ready.Done()
				rt.schedule(c)
			})
			c.thread.Join()
			if affinityErr != nil {
				c.log.Warn("setting affinity failed", zap.Error(affinityErr))
			}
			return nil
		})
	}
	// Start 返回前所有 worker 都已在自己的 OS 线程上
	ready.Wait()
	if rt.flags.TickInterval > 0 {
		rt.timer.Start()
	}
	rt.stopCtx = context.AfterFunc(ctx, func() {
		_ = rt.Shutdown(context.Background())
	})
	rt.log.Info("runtime started",
		zap.Int("capabilities", n),
		zap.Duration("tick", rt.flags.TickInterval))
	return nil
}

// Spawn 在新线程中运行 fn。从调度器外部创建的线程
// 轮流分配到各个 capability 上
func (rt *Runtime) Spawn(fn func(t *TSO) error) *TSO {
	n := int(rt.nextCap.Add(1)-1) % len(rt.caps)
	return rt.spawnExternal(rt.caps[n], fn, false)
}

// SpawnOn 在新线程中运行 fn，该线程固定在第 n 个 capability 上
// （对 capability 数量取模）
func (rt *Runtime) SpawnOn(n int, fn func(t *TSO) error) *TSO {
	return rt.spawnExternal(rt.caps[n%len(rt.caps)], fn, true)
}

func (rt *Runtime) spawnExternal(c *Capability, fn func(t *TSO) error, bound bool) *TSO {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t := rt.newThread(c, fn, bound)
	if rt.stopping.Load() {
		t.err = ErrRuntimeShutdown
		rt.finishThread(c, t, true)
		return t
	}
	rt.enqueueThread(nil, c, t)
	return t
}

// newThread 创建一个属于 c 的线程，由调用者负责让它可运行
func (rt *Runtime) newThread(c *Capability, fn func(t *TSO) error, bound bool) *TSO {
	t := &TSO{
		id:     rt.threads.newID(),
		rt:     rt,
		fn:     fn,
		bound:  bound,
		resume: make(chan struct{}),
		yield:  make(chan stepResult),
		done:   make(chan struct{}),
	}
	t.cap.Store(c)
	t.markDirty()
	rt.threads.add(t)
	rt.live.add()
	rt.spawned.Add(1)
	return t
}

// Join 等待 t 结束并返回它的错误
func (rt *Runtime) Join(ctx context.Context, t *TSO) error {
	return t.Wait(ctx)
}

// WaitAll 等待所有线程结束
func (rt *Runtime) WaitAll(ctx context.Context) error {
	select {
	case <-rt.live.zero():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// liveThreads 统计未结束的线程。和 WaitGroup 不同，有人等待时计数
// 可以从 0 再涨回去：spark 随时可能变成线程
type liveThreads struct {
	mu sync.Mutex
	n  int
	// n 为 0 时处于关闭状态
	idle chan struct{}
}

func (l *liveThreads) add() {
	l.mu.Lock()
	if l.n == 0 {
		l.idle = make(chan struct{})
	}
	l.n++
	l.mu.Unlock()
}

func (l *liveThreads) done() {
	l.mu.Lock()
	l.n--
	if l.n == 0 {
		close(l.idle)
	}
	l.mu.Unlock()
}

// zero 返回一个在没有线程时关闭的 channel
func (l *liveThreads) zero() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n == 0 {
		return closedChan
	}
	return l.idle
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Shutdown 停止所有 worker 和 timer，然后展开每个还没结束的线程，
// 这些线程都会看到 ErrRuntimeShutdown。正在外部调用中的线程
// 在调用返回时展开。ctx 结束时 Shutdown 不再等待 worker
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var err error
	rt.stopOnce.Do(func() {
		err = rt.shutdown(ctx)
	})
	return err
}

func (rt *Runtime) shutdown(ctx context.Context) error {
	if rt.stopCtx != nil {
		rt.stopCtx()
	}
	rt.mu.Lock()
	rt.stopping.Store(true)
	rt.mu.Unlock()

	rt.timer.Exit(true)
	rt.wakeAll()
	rt.releaseGC()

	if rt.group != nil {
		done := make(chan error, 1)
		go func() { done <- rt.group.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("sched: worker: %w", err)
			}
		case <-ctx.Done():
			return fmt.Errorf("sched: waiting for workers: %w", ctx.Err())
		}
	}

	rt.mu.Lock()
	rt.unwinding.Store(true)
	var victims []*TSO
	for _, t := range rt.threads.snapshot() {
		if !t.inForeign {
			victims = append(victims, t)
		}
	}
	rt.mu.Unlock()

	for _, t := range victims {
		rt.unwindThread(t)
	}
	rt.log.Info("runtime stopped",
		zap.Int("unwound", len(victims)),
		zap.Uint64("spawned", rt.spawned.Load()))
	return nil
}

// unwindThread 在 worker 退出后杀掉线程，
// 并在当前 goroutine 上把它的 defer 代码执行完
func (rt *Runtime) unwindThread(t *TSO) {
	c := t.cap.Load()
	rt.detach(c, t)
	if !t.started {
		t.err = ErrRuntimeShutdown
		rt.finishThread(c, t, true)
		return
	}
	for {
		t.resume <- struct{}{}
		r := <-t.yield
		// defer 代码可能再次阻塞，阻塞对象一直锁着，
		// 直到 finish 执行
		if r.kind == stepBlocked && r.finish != nil {
			r.finish(c)
		}
		rt.detach(c, t)
		switch r.kind {
		case stepFinished:
			rt.finishThread(c, t, r.killed)
			return
		case stepForeignCall:
			r.call()
		}
	}
}

// detach 把 t 从所在的队列上摘下来
func (rt *Runtime) detach(c *Capability, t *TSO) {
	l := rt.locker
	switch t.link.kind {
	case QueueNone:
	case QueueRun:
		c.lock.Lock()
		c.runq.remove(rt.threads, t)
		c.lock.Unlock()
	case QueueSleep:
		c.sleepq.remove(rt.threads, t)
		c.nSleeping.Add(-1)
	case QueueBlocked:
		switch info := t.blockInfo.(type) {
		case *MVar:
			i := l.Lock(&info.hdr)
			info.queue.remove(rt.threads, t)
			l.Unlock(&info.hdr, i)
		case *MsgBlackHole:
			i := l.Lock(&info.bh.hdr)
			info.bh.bq.remove(rt.threads, t)
			l.Unlock(&info.bh.hdr, i)
		case *STMWait:
			i := l.Lock(&info.hdr)
			info.queue.remove(rt.threads, t)
			l.Unlock(&info.hdr, i)
		}
	}
	t.unblock()
}

// CapabilityStats 是单个 capability 计数器的快照
type CapabilityStats struct {
	No               int
	RunQueue         int
	Inbox            int
	Sleeping         int
	Sparks           int
	ThreadsRun       uint64
	Yields           uint64
	Messages         uint64
	Allocated        uint64
	Pushed           uint64
	SparksCreated    uint64
	SparksDud        uint64
	SparksOverflowed uint64
	SparksConverted  uint64
	SparksFizzled    uint64
	SparksStolen     uint64
}

// Stats 是 runtime 计数器的快照
type Stats struct {
	Capabilities []CapabilityStats
	Threads      int
	Spawned      uint64
	Collections  uint64
	IdleGCs      uint64
	Deadlocks    uint64
	IdleGCTicks  uint64
	ClosureLock  closure.SpinStats
}

// Stats 返回当前的计数
func (rt *Runtime) Stats() Stats {
	s := Stats{
		Threads:     rt.threads.len(),
		Spawned:     rt.spawned.Load(),
		Deadlocks:   rt.deadlocks.Load(),
		IdleGCTicks: rt.timer.IdleGCRequests(),
		ClosureLock: closure.Stats(),
	}
	rt.gc.mu.Lock()
	s.Collections, s.IdleGCs = rt.gc.collections, rt.gc.idleGCs
	rt.gc.mu.Unlock()
	for _, c := range rt.caps {
		c.lock.Lock()
		runq, inbox := c.runq.len(), c.inboxLen
		c.lock.Unlock()
		s.Capabilities = append(s.Capabilities, CapabilityStats{
			No:               c.No,
			RunQueue:         runq,
			Inbox:            inbox,
			Sleeping:         int(c.nSleeping.Load()),
			Sparks:           c.sparks.size(),
			ThreadsRun:       c.stats.threadsRun.Load(),
			Yields:           c.stats.yields.Load(),
			Messages:         c.stats.messages.Load(),
			Allocated:        c.stats.allocated.Load(),
			Pushed:           c.stats.pushed.Load(),
			SparksCreated:    c.stats.sparksCreated.Load(),
			SparksDud:        c.stats.sparksDud.Load(),
			SparksOverflowed: c.stats.sparksOverflowed.Load(),
			SparksConverted:  c.stats.sparksConverted.Load(),
			SparksFizzled:    c.stats.sparksFizzled.Load(),
			SparksStolen:     c.stats.sparksStolen.Load(),
		})
	}
	return s
}
