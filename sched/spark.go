package sched

import "sync/atomic"

// sparkPool 是一个有界环形队列，存放值得并行求值的 thunk。
// 只有所属 capability 会 push；任何 capability 都可以 pop，所以空闲的
// capability 可以窃取。pop 竞争失败时重试或者什么都拿不到
type sparkPool struct {
	head atomic.Uint32
	tail atomic.Uint32
	mask uint32
	buf  []atomic.Pointer[Thunk]
}

// newSparkPool 返回容量为 size 的池，size 必须是 2 的幂
func newSparkPool(size int) *sparkPool {
	if size <= 0 || size&(size-1) != 0 {
		barf("spark pool size %d is not a power of two", size)
	}
	return &sparkPool{
		mask: uint32(size - 1),
		buf:  make([]atomic.Pointer[Thunk], size),
	}
}

// push 加入 th。池满时返回 false，spark 被丢弃
func (p *sparkPool) push(th *Thunk) bool {
	h := p.head.Load()
	t := p.tail.Load()
	if t-h >= uint32(len(p.buf)) {
		return false
	}
	p.buf[t&p.mask].Store(th)
	p.tail.Store(t + 1)
	return true
}

// pop 取出最旧的 spark，池为空时返回 nil
func (p *sparkPool) pop() *Thunk {
	for {
		h := p.head.Load()
		t := p.tail.Load()
		if t == h {
			return nil
		}
		th := p.buf[h&p.mask].Load()
		if p.head.CompareAndSwap(h, h+1) {
			return th
		}
	}
}

func (p *sparkPool) size() int {
	return int(p.tail.Load() - p.head.Load())
}

func (p *sparkPool) empty() bool {
	return p.size() == 0
}

// findSpark 先在 c 自己的池里找值得运行的 spark，再去其他池里找，
// 找到后返回一个求值它的新线程
func (rt *Runtime) findSpark(c *Capability) *TSO {
	n := len(rt.caps)
	for i := 0; i < n; i++ {
		v := rt.caps[(c.No+i)%n]
		for {
			th := v.sparks.pop()
			if th == nil {
				break
			}
			if v != c {
				c.stats.sparksStolen.Add(1)
			}
			if th.fizzled() {
				c.stats.sparksFizzled.Add(1)
				continue
			}
			c.stats.sparksConverted.Add(1)
			t := rt.newThread(c, func(t *TSO) error {
				th.Force(t)
				return nil
			}, false)
			t.label = "spark"
			return t
		}
	}
	return nil
}

func (rt *Runtime) sparksAvailable() bool {
	for _, c := range rt.caps {
		if !c.sparks.empty() {
			return true
		}
	}
	return false
}
