package sched

import (
	"go-rem/caps/closure"
)

// Thunk 是惰性求值并缓存结果的值。第一个 force 它的线程把它变成
// black hole 占为己有；其他 force 到 black hole 的线程在阻塞队列上
// 等待，直到持有者更新它
type Thunk struct {
	hdr closure.Header

	// 由 hdr 保护
	fn    func(t *TSO) any
	owner *TSO
	value any
	bq    tsoQueue
}

// NewThunk 返回一个还没求值、计算 fn 的 thunk
func NewThunk(fn func(t *TSO) any) *Thunk {
	th := &Thunk{fn: fn, bq: tsoQueue{kind: QueueBlocked}}
	th.hdr.Init(infoThunk)
	return th
}

// Evaluated 报告值是否已经可用
func (th *Thunk) Evaluated() bool {
	return th.hdr.Get() == infoIndirection
}

// fizzled 报告 th 的 spark 是否已经不值得运行
func (th *Thunk) fizzled() bool {
	return th.hdr.Get() != infoThunk
}

// Force 返回 th 的值，没人求值过就在 t 中求值。
// force 线程自己正在求值的 thunk 会抛出 ErrNonTermination
func (th *Thunk) Force(t *TSO) any {
	rt := t.rt
	l := rt.locker
	for {
		info := l.Lock(&th.hdr)
		switch info {
		case infoIndirection:
			v := th.value
			l.Unlock(&th.hdr, info)
			return v

		case infoThunk:
			th.owner = t
			l.Unlock(&th.hdr, infoBlackHole)
			return th.eval(t)

		case infoBlackHole:
			owner := th.owner
			l.Unlock(&th.hdr, info)
			if owner == t {
				t.Throw(ErrNonTermination)
			}
			msg := &MsgBlackHole{tso: t, bh: th}
			msg.hdr.Init(infoMsgBlackHole)
			t.setBlocked(BlockedOnBlackHole, msg)
			if !rt.messageBlackHole(t.cap.Load(), msg) {
				t.unblock()
				continue
			}
			t.suspend(stepResult{kind: stepBlocked})

		default:
			l.Unlock(&th.hdr, info)
			barf("thunk with unexpected header %d", info)
		}
	}
}

// eval 在持有者 t 中运行 thunk 的代码。代码抛异常时 thunk
// 恢复为未求值状态，等待者重新尝试
func (th *Thunk) eval(t *TSO) any {
	ok := false
	defer func() {
		if !ok {
			th.reset(t)
		}
	}()
	v := th.fn(t)
	ok = true
	th.update(t, v)
	return v
}

func (th *Thunk) update(t *TSO, v any) {
	l := t.rt.locker
	l.Lock(&th.hdr)
	th.value = v
	th.fn = nil
	th.owner = nil
	waiters := th.drainWaiters(t.rt.threads)
	l.Unlock(&th.hdr, infoIndirection)
	t.rt.wakeBlockingQueue(t.cap.Load(), waiters)
}

func (th *Thunk) reset(t *TSO) {
	l := t.rt.locker
	l.Lock(&th.hdr)
	th.owner = nil
	waiters := th.drainWaiters(t.rt.threads)
	l.Unlock(&th.hdr, infoThunk)
	t.rt.wakeBlockingQueue(t.cap.Load(), waiters)
}

// drainWaiters 清空阻塞队列。th 必须已锁住：等待者在队列上时
// 它的阻塞信息才是稳定的
func (th *Thunk) drainWaiters(a *threadArena) []*MsgBlackHole {
	ws := th.bq.drain(a)
	msgs := make([]*MsgBlackHole, len(ws))
	for i, w := range ws {
		msgs[i] = w.blockInfo.(*MsgBlackHole)
	}
	return msgs
}

// wakeBlockingQueue 结束从 black hole 队列上取下的线程的消息，
// 并唤醒它们
func (rt *Runtime) wakeBlockingQueue(c *Capability, msgs []*MsgBlackHole) {
	l := rt.locker
	for _, m := range msgs {
		l.Lock(&m.hdr)
		l.Unlock(&m.hdr, infoMsgNull)
		rt.tryWakeupThread(c, m.tso)
	}
}

// blackHoleOwner 返回正在求值 th 的线程；th 不是 black hole 时返回 nil
func (rt *Runtime) blackHoleOwner(th *Thunk) *TSO {
	l := rt.locker
	info := l.Lock(&th.hdr)
	var owner *TSO
	if info == infoBlackHole {
		owner = th.owner
	}
	l.Unlock(&th.hdr, info)
	return owner
}

// messageBlackHole 把 msg.tso 挂到 black hole msg.bh 上。在 c 上运行，
// 持有者在别的 capability 上时转发消息。thunk 已经不是 black hole
// 时返回 false，此时消息已结束，由调用者唤醒线程
func (rt *Runtime) messageBlackHole(c *Capability, msg *MsgBlackHole) bool {
	l := rt.locker
	info := l.Lock(&msg.hdr)
	if info != infoMsgBlackHole {
		// 被异常撤回
		l.Unlock(&msg.hdr, info)
		return true
	}
	bh := msg.bh
	bi := l.Lock(&bh.hdr)
	if bi != infoBlackHole {
		l.Unlock(&bh.hdr, bi)
		l.Unlock(&msg.hdr, infoMsgNull)
		return false
	}
	owner := bh.owner
	if oc := owner.cap.Load(); oc != c {
		l.Unlock(&bh.hdr, bi)
		l.Unlock(&msg.hdr, infoMsgBlackHole)
		rt.sendMessage(c, oc, msg)
		return true
	}
	rt.wb(c, msg.tso)
	bh.bq.pushBack(rt.threads, msg.tso)
	l.Unlock(&bh.hdr, bi)
	l.Unlock(&msg.hdr, infoMsgBlackHoleQueued)
	return true
}
