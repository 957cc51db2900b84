package sched

import (
	"go-rem/caps/closure"
	"go-rem/caps/osthread"
)

// Message 是一个 capability 请另一个 capability 代为执行的操作。
// 只有接收方 capability 执行它
type Message interface {
	header() *msgHeader
}

type msgHeader struct {
	hdr  closure.Header
	link Message
}

func (h *msgHeader) header() *msgHeader { return h }

// MsgThrowTo 请目标线程所在的 capability 在目标中抛出异常。
// 创建时就是锁住的，直到发送方阻塞后才解锁
type MsgThrowTo struct {
	msgHeader
	seq       uint64
	source    *TSO
	target    *TSO
	exception error
}

// MsgBlackHole 告诉 black hole 持有者所在的 capability：tso 在等这个 thunk
type MsgBlackHole struct {
	msgHeader
	tso *TSO
	bh  *Thunk
}

// MsgTryWakeup 请 tso 所在的 capability 检查阻塞条件是否已解除，
// 解除了就唤醒它
type MsgTryWakeup struct {
	msgHeader
	tso *TSO
}

func (rt *Runtime) newThrowTo(source, target *TSO, err error) *MsgThrowTo {
	m := &MsgThrowTo{
		seq:       rt.msgSeq.Add(1),
		source:    source,
		target:    target,
		exception: err,
	}
	m.hdr.Init(closure.WhiteHole)
	return m
}

func newTryWakeup(t *TSO) *MsgTryWakeup {
	m := &MsgTryWakeup{tso: t}
	m.hdr.Init(infoMsgTryWakeup)
	return m
}

// wb 是写屏障：收集器并发标记期间，即将被覆盖的指针先记录下来
func (rt *Runtime) wb(c *Capability, old any) {
	if old == nil || !rt.heap.ConcurrentMarking() {
		return
	}
	rt.heap.PushToRememberedSet(c.No, old)
}

// sendMessage 把 m 发给 capability to。发给自己的消息直接执行
func (rt *Runtime) sendMessage(from, to *Capability, m Message) {
	if from == to {
		rt.executeMessage(to, m)
		return
	}
	rt.postMessage(to, m)
}

// postMessage 把 m 追加到 to 的收件箱并打断 to。
// 同一个发送方的消息按发送顺序执行
func (rt *Runtime) postMessage(to *Capability, m Message) {
	// link 属于消息所在的收件箱，只在那个 capability 的锁下访问。
	// takeInbox 取出后 link 为 nil
	to.lock.Lock()
	if to.inboxTail == nil {
		to.inboxHead = m
	} else {
		// 旧的队尾 link 为 nil，不需要记录
		to.inboxTail.header().link = m
	}
	to.inboxTail = m
	to.inboxLen++
	interruptCapability(to)
	to.cond.Signal()
	to.lock.Unlock()
}

// takeInbox 从 c 的收件箱头部取下最多 max 条消息
func (c *Capability) takeInbox(max int) []Message {
	c.lock.Lock()
	defer c.lock.Unlock()
	var ms []Message
	for c.inboxHead != nil && len(ms) < max {
		m := c.inboxHead
		h := m.header()
		c.inboxHead = h.link
		if h.link != nil {
			c.rt.wb(c, h.link)
		}
		h.link = nil
		ms = append(ms, m)
		c.inboxLen--
	}
	if c.inboxHead == nil {
		c.inboxTail = nil
		c.interrupt.Store(false)
	}
	return ms
}

// processInbox 执行 c 的一批消息（数量有上限）
func (rt *Runtime) processInbox(c *Capability) {
	for _, m := range c.takeInbox(rt.flags.MaxMessagesPerLoop) {
		rt.executeMessage(c, m)
		c.stats.messages.Add(1)
	}
}

// executeMessage 在接收方 capability c 上执行 m
func (rt *Runtime) executeMessage(c *Capability, m Message) {
	l := rt.locker
	h := m.header()
	for {
		switch info := h.hdr.Get(); info {
		case infoMsgTryWakeup:
			rt.tryWakeupThread(c, m.(*MsgTryWakeup).tso)
			return

		case infoMsgThrowTo:
			msg := m.(*MsgThrowTo)
			if i := l.Lock(&h.hdr); i != infoMsgThrowTo {
				// 查看之后被撤回或被别人处理了
				l.Unlock(&h.hdr, i)
				continue
			}
			switch rt.throwToMsg(c, msg) {
			case throwDone:
				source := msg.source
				rt.doneWithMsgThrowTo(c, msg)
				if source != nil {
					rt.tryWakeupThread(c, source)
				}
			case throwBlocked:
				l.Unlock(&h.hdr, infoMsgThrowTo)
			}
			return

		case infoMsgBlackHole:
			msg := m.(*MsgBlackHole)
			if !rt.messageBlackHole(c, msg) {
				rt.tryWakeupThread(c, msg.tso)
			}
			return

		case infoMsgNull:
			return

		case closure.WhiteHole:
			// 发送方还没处理完
			osthread.Yield()

		default:
			barf("cap %d: message with unexpected header %d", c.No, info)
		}
	}
}

// doneWithMsgThrowTo 结束一条已锁住的 ThrowTo 消息。消息可能还在
// 另一个 capability 的收件箱里，所以不碰 link
func (rt *Runtime) doneWithMsgThrowTo(c *Capability, m *MsgThrowTo) {
	if !rt.locker.Held(&m.hdr) {
		barf("throwTo message %d retired while unlocked", m.seq)
	}
	if m.source != nil {
		rt.wb(c, m.source)
	}
	rt.wb(c, m.target)
	if m.exception != nil {
		rt.wb(c, m.exception)
	}
	m.hdr.Unlock(infoMsgNull)
}
