package sched

import (
	"go-rem/caps/closure"
)

// MVar 是一个要么为空、要么装着一个值的盒子。从空 MVar 取值
// 或者向满 MVar 放值都会阻塞线程
//
// MVar 满时队列里只有阻塞的 putter；为空时只有阻塞的 taker 和 reader
type MVar struct {
	hdr closure.Header

	// 由 hdr 保护
	full   bool
	value  any
	queue  tsoQueue
	holder ThreadID
}

// NewMVar 返回装着 v 的 MVar
func NewMVar(v any) *MVar {
	mv := NewEmptyMVar()
	mv.full, mv.value = true, v
	return mv
}

// NewEmptyMVar 返回一个空 MVar
func NewEmptyMVar() *MVar {
	mv := &MVar{queue: tsoQueue{kind: QueueBlocked}}
	mv.hdr.Init(infoMVar)
	return mv
}

func (mv *MVar) lock(t *TSO) closure.Info {
	return t.rt.locker.Lock(&mv.hdr)
}

func (mv *MVar) unlock(t *TSO) {
	t.rt.locker.Unlock(&mv.hdr, infoMVar)
}

// block 把 t 挂到 mv 的队列上。mv 已锁住，t 停止运行后才解锁
func (mv *MVar) block(t *TSO, why BlockReason, front bool) {
	t.setBlocked(why, mv)
	if front {
		mv.queue.pushFront(t.rt.threads, t)
	} else {
		mv.queue.pushBack(t.rt.threads, t)
	}
	t.suspend(stepResult{kind: stepBlocked, finish: func(*Capability) {
		t.rt.locker.Unlock(&mv.hdr, infoMVar)
	}})
}

func (mv *MVar) receive(t *TSO) any {
	v := t.mvarValue
	t.mvarValue = nil
	return v
}

// Take 取出 mv 的值并清空它，为空时阻塞
func (mv *MVar) Take(t *TSO) any {
	mv.lock(t)
	if !mv.full {
		t.mvarPut = false
		mv.block(t, BlockedOnMVar, false)
		return mv.receive(t)
	}
	v := mv.takeLocked(t)
	t.checkpoint()
	return v
}

// TryTake 是不阻塞的 Take
func (mv *MVar) TryTake(t *TSO) (any, bool) {
	mv.lock(t)
	if !mv.full {
		mv.unlock(t)
		return nil, false
	}
	return mv.takeLocked(t), true
}

// takeLocked 取走已满且已锁住的 mv 的值并解锁。
// 第一个阻塞的 putter 会重新填满它
func (mv *MVar) takeLocked(t *TSO) any {
	v := mv.value
	mv.holder = t.id
	var woken *TSO
	if p := mv.queue.popFront(t.rt.threads); p != nil {
		mv.value = p.mvarValue
		p.mvarValue = nil
		woken = p
	} else {
		mv.full, mv.value = false, nil
	}
	mv.unlock(t)
	if woken != nil {
		t.rt.tryWakeupThread(t.cap.Load(), woken)
	}
	return v
}

// Put 把 v 放进 mv，满时阻塞
func (mv *MVar) Put(t *TSO, v any) {
	mv.lock(t)
	if mv.full {
		t.mvarPut, t.mvarValue = true, v
		mv.block(t, BlockedOnMVar, false)
		return
	}
	mv.putLocked(t, v)
	t.checkpoint()
}

// TryPut 是不阻塞的 Put
func (mv *MVar) TryPut(t *TSO, v any) bool {
	mv.lock(t)
	if mv.full {
		mv.unlock(t)
		return false
	}
	mv.putLocked(t, v)
	return true
}

// putLocked 把 v 交给阻塞的 reader 和第一个阻塞的 taker，
// 或者直接存起来，然后解锁 mv
func (mv *MVar) putLocked(t *TSO, v any) {
	var woken []*TSO
	for {
		w := mv.queue.popFront(t.rt.threads)
		if w == nil {
			mv.full, mv.value = true, v
			break
		}
		w.mvarValue = v
		woken = append(woken, w)
		if w.blockReason() == BlockedOnMVar {
			mv.holder = w.id
			break
		}
	}
	mv.unlock(t)
	c := t.cap.Load()
	for _, w := range woken {
		t.rt.tryWakeupThread(c, w)
	}
}

// Read 返回 mv 的值但不取走，为空时阻塞
func (mv *MVar) Read(t *TSO) any {
	mv.lock(t)
	if !mv.full {
		// reader 排在前面，一次 put 就能满足所有 reader
		mv.block(t, BlockedOnMVarRead, true)
		return mv.receive(t)
	}
	v := mv.value
	mv.unlock(t)
	t.checkpoint()
	return v
}

// TryRead 是不阻塞的 Read
func (mv *MVar) TryRead(t *TSO) (any, bool) {
	mv.lock(t)
	defer mv.unlock(t)
	return mv.value, mv.full
}

// holderOf 返回最后一个取走 mv 的线程
func (mv *MVar) holderOf(l closure.Locker) ThreadID {
	info := l.Lock(&mv.hdr)
	h := mv.holder
	l.Unlock(&mv.hdr, info)
	return h
}
