// Package osthread 是调度器所需 OS 线程功能的薄封装：互斥锁、
// 支持超时等待的条件变量、绑定到单个 OS 线程的线程，
// 以及处理器数量和亲和性查询
package osthread

import (
	"runtime"
	"sync"
	"time"
)

// Mutex 是普通的互斥锁
type Mutex struct {
	mu sync.Mutex
}

func (m *Mutex) Lock()   { m.mu.Lock() }
func (m *Mutex) Unlock() { m.mu.Unlock() }

// TryLock 报告是否拿到了锁
func (m *Mutex) TryLock() bool { return m.mu.TryLock() }

// Condition 是条件变量。和 sync.Cond 不同，它支持带截止时间的等待
//
// 等待者按开始等待的顺序被唤醒
type Condition struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// Wait 原子地释放 m 并挂起调用者，直到 Signal 或 Broadcast 唤醒它。
// Wait 返回时重新持有 m
func (c *Condition) Wait(m *Mutex) {
	ch := c.enqueue()
	m.Unlock()
	<-ch
	m.Lock()
}

// TimedWait 和 Wait 一样，但到 deadline 就放弃。被唤醒返回 true，
// 先到截止时间返回 false
//
// deadline 是绝对时间，虚假唤醒后重试的调用者传入同一个值，
// 而不是根据时长重新计算
func (c *Condition) TimedWait(m *Mutex, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return false
	}
	ch := c.enqueue()
	m.Unlock()
	defer m.Lock()

	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ch:
		return true
	case <-tm.C:
	}
	if c.remove(ch) {
		return false
	}
	// signal 和超时竞争，已经把我们从列表里摘掉了
	<-ch
	return true
}

// Signal 唤醒一个等待者（如果有）
func (c *Condition) Signal() {
	c.mu.Lock()
	if len(c.waiters) > 0 {
		ch := c.waiters[0]
		c.waiters = c.waiters[1:]
		close(ch)
	}
	c.mu.Unlock()
}

// Broadcast 唤醒所有等待者
func (c *Condition) Broadcast() {
	c.mu.Lock()
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = nil
	c.mu.Unlock()
}

func (c *Condition) enqueue() chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	return ch
}

func (c *Condition) remove(ch chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Deadline 把相对超时转换成 TimedWait 需要的绝对截止时间。
// time.Now 带有单调时钟读数，所以结果不受墙上时钟调整影响
func Deadline(timeout time.Duration) time.Time {
	return time.Now().Add(timeout)
}

// Yield 让出处理器，让其他线程运行
func Yield() {
	runtime.Gosched()
}

// Thread 是运行在自己 OS 线程上的函数
type Thread struct {
	name string
	id   int
	done chan struct{}
}

// Create 在新 goroutine 上启动 fn，这个 goroutine 整个生命周期都绑定
// 在自己的 OS 线程上。线程是分离的，不需要 Join
func Create(name string, fn func()) *Thread {
	th := &Thread{name: name, done: make(chan struct{})}
	started := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(th.done)
		th.id = KernelThreadID()
		close(started)
		fn()
	}()
	<-started
	return th
}

// Name 返回传给 Create 的名字
func (th *Thread) Name() string { return th.name }

// ID 返回 OS 线程的内核 id，不支持时为 0
func (th *Thread) ID() int { return th.id }

// Join 等待线程函数返回
func (th *Thread) Join() {
	<-th.done
}

// Done 在线程函数返回时关闭
func (th *Thread) Done() <-chan struct{} {
	return th.done
}
