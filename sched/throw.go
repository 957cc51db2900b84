package sched

import (
	"go-rem/caps/closure"
)

type throwResult int

const (
	throwDone throwResult = iota
	// 消息现在归别人了：另一个 capability 的收件箱、
	// 某个线程的待处理 throw 列表，或者又回到本 capability 的收件箱
	throwBlocked
)

// throwTo 代表 source 在 capability c 上开始把 err 投递给 target。
// 已送达时返回 nil，否则返回 source 需要阻塞等待的消息
func (rt *Runtime) throwTo(c *Capability, source, target *TSO, err error) *MsgThrowTo {
	msg := rt.newThrowTo(source, target, err)
	if rt.throwToMsg(c, msg) == throwDone {
		msg.hdr.Unlock(infoMsgNull)
		return nil
	}
	return msg
}

// ThrowTo 从调度器外部在 target 中抛出 err，不等待送达
func (rt *Runtime) ThrowTo(target *TSO, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	msg := rt.newThrowTo(nil, target, err)
	msg.hdr.Unlock(infoMsgThrowTo)
	rt.postMessage(target.cap.Load(), msg)
}

// Kill 从调度器外部在 target 中抛出 ErrThreadKilled
func (rt *Runtime) Kill(target *TSO) {
	rt.ThrowTo(target, ErrThreadKilled)
}

// throwToMsg 尝试把已锁住的消息 msg 中的异常抛给目标线程。
// c 是执行这项工作的 capability；目标只能在它自己的 capability 上处理，
// 否则转发消息
func (rt *Runtime) throwToMsg(c *Capability, msg *MsgThrowTo) throwResult {
	l := rt.locker
	target := msg.target
	a := rt.threads
retry:
	if target.finished() {
		return throwDone
	}
	if tc := target.cap.Load(); tc != c {
		rt.sendMessage(c, tc, msg)
		return throwBlocked
	}

	switch target.blockReason() {
	case NotBlocked:
		// 这里看不到正在运行的线程：capability 正在处理这条消息

	case BlockedOnMVar, BlockedOnMVarRead:
		mv := target.blockInfo.(*MVar)
		info := l.Lock(&mv.hdr)
		if target.link.kind == QueueBlocked {
			mv.queue.remove(a, target)
		}
		l.Unlock(&mv.hdr, info)

	case BlockedOnBlackHole:
		m := target.blockInfo.(*MsgBlackHole)
		info := l.Lock(&m.hdr)
		if info == infoMsgBlackHoleQueued {
			bh := m.bh
			bi := l.Lock(&bh.hdr)
			if target.link.kind == QueueBlocked {
				bh.bq.remove(a, target)
			}
			l.Unlock(&bh.hdr, bi)
		}
		// 还在路上的消息被撤回：持有者的 capability 会跳过它
		l.Unlock(&m.hdr, infoMsgNull)

	case BlockedOnMsgThrowTo:
		m := target.blockInfo.(*MsgThrowTo)
		// 两个线程互相 throw 时不能都在对方的消息上自旋。
		// 旧消息等待，新消息退让，稍后重试
		var info closure.Info
		if m.seq < msg.seq {
			info = l.Lock(&m.hdr)
		} else {
			var ok bool
			if info, ok = l.TryLock(&m.hdr); !ok {
				rt.postMessage(c, msg)
				return throwBlocked
			}
		}
		if info == infoMsgNull {
			// 已经有人送达或撤回了它，唤醒消息正在路上。
			// 这里直接处理
			l.Unlock(&m.hdr, info)
			rt.tryWakeupThread(c, target)
			goto retry
		}
		if info != infoMsgThrowTo {
			l.Unlock(&m.hdr, info)
			goto retry
		}
		rt.doneWithMsgThrowTo(c, m)

	case BlockedOnDelay:
		if target.link.kind == QueueSleep {
			c.sleepq.remove(a, target)
			c.nSleeping.Add(-1)
		}

	case BlockedOnSTM:
		w := target.blockInfo.(*STMWait)
		info := l.Lock(&w.hdr)
		if target.link.kind == QueueBlocked {
			w.queue.remove(a, target)
		}
		l.Unlock(&w.hdr, info)

	case BlockedOnCCall:
		// 调用返回之前这个线程不归我们展开
		target.blockedExceptions = append(target.blockedExceptions, msg)
		return throwBlocked

	default:
		barf("throwTo: thread %d has unknown block reason %d", target.id, target.blockReason())
	}

	rt.raiseAsync(c, target, msg.exception)
	return throwDone
}

// raiseAsync 把 err 装为 target 的待处理异常。target 在 c 上，
// 且已从所有等待队列中移除。阻塞的 target 会被放到运行队列头部
func (rt *Runtime) raiseAsync(c *Capability, target *TSO, err error) {
	target.pending = append(target.pending, err)
	target.markDirty()
	if target.blockReason() != NotBlocked {
		target.unblock()
		c.pushOnRunQueue(target)
	}
}

// tryWakeupThread 在 t 的阻塞条件已解除时让它可运行。
// 多余的或重复的唤醒直接忽略
func (rt *Runtime) tryWakeupThread(c *Capability, t *TSO) {
	if tc := t.cap.Load(); tc != c {
		rt.sendMessage(c, tc, newTryWakeup(t))
		return
	}
	if t.finished() {
		return
	}
	l := rt.locker
	switch t.blockReason() {
	case NotBlocked:
		return

	case BlockedOnMVar, BlockedOnMVarRead:
		mv := t.blockInfo.(*MVar)
		info := l.Lock(&mv.hdr)
		queued := t.link.kind != QueueNone
		l.Unlock(&mv.hdr, info)
		if queued {
			return
		}

	case BlockedOnMsgThrowTo:
		m := t.blockInfo.(*MsgThrowTo)
		info := l.Lock(&m.hdr)
		l.Unlock(&m.hdr, info)
		if info != infoMsgNull {
			return
		}

	case BlockedOnBlackHole:
		m := t.blockInfo.(*MsgBlackHole)
		info := l.Lock(&m.hdr)
		l.Unlock(&m.hdr, info)
		if info != infoMsgNull {
			return
		}

	case BlockedOnSTM:
		w := t.blockInfo.(*STMWait)
		info := l.Lock(&w.hdr)
		queued := t.link.kind != QueueNone
		l.Unlock(&w.hdr, info)
		if queued {
			return
		}

	case BlockedOnDelay:
		if t.link.kind == QueueSleep {
			return
		}

	case BlockedOnCCall:
		if !t.ccallDone.Load() {
			return
		}
		t.unblock()
		c.pushOnRunQueue(t)
		rt.maybePerformBlockedException(c, t)
		return
	}

	t.unblock()
	c.pushOnRunQueue(t)
}

// maybePerformBlockedException 投递 t 在外部调用期间积攒的 throw
func (rt *Runtime) maybePerformBlockedException(c *Capability, t *TSO) {
	l := rt.locker
	msgs := t.blockedExceptions
	t.blockedExceptions = nil
	for _, m := range msgs {
		info := l.Lock(&m.hdr)
		if info == infoMsgNull {
			l.Unlock(&m.hdr, info)
			continue
		}
		if info != infoMsgThrowTo {
			barf("blocked throwTo %d has header %d", m.seq, info)
		}
		rt.raiseAsync(c, t, m.exception)
		source := m.source
		rt.doneWithMsgThrowTo(c, m)
		if source != nil {
			rt.tryWakeupThread(c, source)
		}
	}
}
