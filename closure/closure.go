// Package closure 实现每个堆对象 header 里内嵌的锁。
//
// header 保存一个 Info 字，描述对象当前是什么。加锁时把它换成
// WhiteHole，并把旧值交给加锁者；解锁时写回一个（可能不同的）Info。
// 没持有锁却读到 WhiteHole，说明对象正在被修改
package closure

import (
	"fmt"
	"sync/atomic"

	"go-rem/caps/osthread"
)

// Info 标记堆对象的状态
type Info uint32

const (
	// InfoNone 是零值 Header 的状态
	InfoNone Info = 0

	// WhiteHole 表示 header 已被锁住
	WhiteHole Info = ^Info(0)
)

// SpinCount 是让出 OS 线程之前尝试交换的次数
const SpinCount = 1000

// Header 是可加锁对象的第一个字。零值 Header 未加锁，状态为 InfoNone
type Header struct {
	info atomic.Uint32
}

// Init 不加同步地设置 header，只能在对象共享出去之前使用
func (h *Header) Init(info Info) {
	h.info.Store(uint32(info))
}

// Get 读取 header，可能返回 WhiteHole
func (h *Header) Get() Info {
	return Info(h.info.Load())
}

// MustInfo 读取调用者认为没人锁住的对象的 header，
// 如果被锁住了就中止
func (h *Header) MustInfo() Info {
	info := h.Get()
	if info == WhiteHole {
		panic(fmt.Sprintf("closure: read of locked header %p", h))
	}
	return info
}

// Lock 获取 header 并返回被替换掉的 info
func (h *Header) Lock() Info {
	for {
		for i := 0; i < SpinCount; i++ {
			info := Info(h.info.Swap(uint32(WhiteHole)))
			if info != WhiteHole {
				return info
			}
			spins.Add(1)
			busyWaitNop()
		}
		yields.Add(1)
		osthread.Yield()
	}
}

// TryLock 只尝试一次。别人持有时 ok 为 false
func (h *Header) TryLock() (info Info, ok bool) {
	info = Info(h.info.Swap(uint32(WhiteHole)))
	if info == WhiteHole {
		return InfoNone, false
	}
	return info, true
}

// Unlock 把 info 发布为新的 header。持锁期间的所有写入
// 对下一个加锁者可见
func (h *Header) Unlock(info Info) {
	if info == WhiteHole {
		panic("closure: unlock with WhiteHole")
	}
	h.info.Store(uint32(info))
}

//go:noinline
func busyWaitNop() {}

// Locker 在原子锁和单 worker 旁路之间选择。设置 Single 时没有别的 worker
// 能碰这个对象，所以 Lock 只读取 header，不修改它
type Locker struct {
	Single bool
}

// Lock 锁住 h；l.Single 时只读取它
func (l Locker) Lock(h *Header) Info {
	if l.Single {
		return h.Get()
	}
	return h.Lock()
}

// TryLock 是不等待的 Lock
func (l Locker) TryLock(h *Header) (Info, bool) {
	if l.Single {
		return h.Get(), true
	}
	return h.TryLock()
}

// Unlock 把 info 存入 h
func (l Locker) Unlock(h *Header, info Info) {
	h.Unlock(info)
}

// Held 报告 h 在这个 locker 看来是否已锁住。单 worker 模式下
// header 从不被标记，所以都算已持有
func (l Locker) Held(h *Header) bool {
	return l.Single || h.Get() == WhiteHole
}

var spins, yields atomic.Uint64

// SpinStats 记录本进程中 Lock 交换失败和让出 OS 线程的次数
type SpinStats struct {
	Spins  uint64
	Yields uint64
}

// Stats 返回竞争计数
func Stats() SpinStats {
	return SpinStats{Spins: spins.Load(), Yields: yields.Load()}
}
