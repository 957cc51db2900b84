// Package heap 是调度器眼中的垃圾收集器：线程在哪里分配、
// 如何请求和执行一次收集，以及并发标记期间必须看到
// 每个被覆盖指针的写屏障
package heap

import (
	"sync"
	"sync/atomic"
)

// Addr 是堆地址
type Addr uintptr

// Collector 是分配器和垃圾收集器
type Collector interface {
	// Allocate 在第 capNo 个 capability 的分配区里预留 n 字节。
	// needGC 表示分配区已用完，线程再次分配之前
	// 应该先做一次收集
	Allocate(capNo int, n int) (addr Addr, needGC bool)

	// RequestSafepoint 通知收集器：调度器正在让所有 capability
	// 进入安全点
	RequestSafepoint()

	// PushToRememberedSet 记录一个即将被覆盖的指针
	PushToRememberedSet(capNo int, old any)

	// ConcurrentMarking 报告写屏障是否开启
	ConcurrentMarking() bool

	// IsHeapAddress 报告 a 是否由 Allocate 分配
	IsHeapAddress(a Addr) bool

	// Collect 执行一次收集，此时所有 capability 都已停下
	Collect(idle bool)
}

const (
	heapBase   Addr = 0x1000_0000
	areaStride Addr = 1 << 32
)

type area struct {
	base  Addr
	free  atomic.Uintptr
	limit Addr

	mu         sync.Mutex
	remembered []any
}

// Nursery 是每个 capability 一块 bump 分配区的 Collector。
// 它从不移动对象：收集就是重置所有分配区
type Nursery struct {
	size    int
	areas   []*area
	marking atomic.Bool

	safepoints  atomic.Uint64
	collections atomic.Uint64
	idleGCs     atomic.Uint64
}

// NewNursery 返回有 n 块、每块 size 字节的 nursery
func NewNursery(n, size int) *Nursery {
	ns := &Nursery{size: size, areas: make([]*area, n)}
	for i := range ns.areas {
		base := heapBase + Addr(i)*areaStride
		a := &area{base: base, limit: base + Addr(size)}
		a.free.Store(uintptr(base))
		ns.areas[i] = a
	}
	return ns
}

func (ns *Nursery) Allocate(capNo int, n int) (Addr, bool) {
	a := ns.areas[capNo]
	end := Addr(a.free.Add(uintptr(n)))
	return end - Addr(n), end > a.limit
}

func (ns *Nursery) RequestSafepoint() {
	ns.safepoints.Add(1)
}

func (ns *Nursery) PushToRememberedSet(capNo int, old any) {
	if old == nil {
		return
	}
	a := ns.areas[capNo]
	a.mu.Lock()
	a.remembered = append(a.remembered, old)
	a.mu.Unlock()
}

func (ns *Nursery) ConcurrentMarking() bool {
	return ns.marking.Load()
}

// SetConcurrentMarking 打开或关闭写屏障
func (ns *Nursery) SetConcurrentMarking(on bool) {
	ns.marking.Store(on)
}

func (ns *Nursery) IsHeapAddress(p Addr) bool {
	if p < heapBase {
		return false
	}
	i := int((p - heapBase) / areaStride)
	if i >= len(ns.areas) {
		return false
	}
	a := ns.areas[i]
	return p < Addr(a.free.Load())
}

func (ns *Nursery) Collect(idle bool) {
	for _, a := range ns.areas {
		a.free.Store(uintptr(a.base))
		a.mu.Lock()
		a.remembered = nil
		a.mu.Unlock()
	}
	ns.collections.Add(1)
	if idle {
		ns.idleGCs.Add(1)
	}
}

// RememberedSet 返回 capNo 自上次收集以来记录的指针的副本
func (ns *Nursery) RememberedSet(capNo int) []any {
	a := ns.areas[capNo]
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]any(nil), a.remembered...)
}

// Allocated 返回 capNo 的分配区自上次收集以来分配出去的字节数
func (ns *Nursery) Allocated(capNo int) int {
	a := ns.areas[capNo]
	return int(Addr(a.free.Load()) - a.base)
}

// Stats 是收集器计数的快照
type Stats struct {
	Safepoints  uint64
	Collections uint64
	IdleGCs     uint64
}

func (ns *Nursery) Stats() Stats {
	return Stats{
		Safepoints:  ns.safepoints.Load(),
		Collections: ns.collections.Load(),
		IdleGCs:     ns.idleGCs.Load(),
	}
}
