package sched

import (
	"go-rem/caps/closure"
)

// STMWait 是事务 retry 的线程等待所读变量发生变化的地方。
// 事务机制本身不在这里；它把线程挂在这里，提交后调用 Notify
type STMWait struct {
	hdr   closure.Header
	queue tsoQueue
}

// NewSTMWait 返回一个空的等待队列
func NewSTMWait() *STMWait {
	w := &STMWait{queue: tsoQueue{kind: QueueBlocked}}
	w.hdr.Init(infoSTMWait)
	return w
}

// Retry 让 t 阻塞到下一次 Notify
func (w *STMWait) Retry(t *TSO) {
	l := t.rt.locker
	l.Lock(&w.hdr)
	t.setBlocked(BlockedOnSTM, w)
	w.queue.pushBack(t.rt.threads, t)
	t.suspend(stepResult{kind: stepBlocked, finish: func(*Capability) {
		l.Unlock(&w.hdr, infoSTMWait)
	}})
}

// Notify 唤醒所有在 w 上等待的线程。t 是提交事务的线程
func (w *STMWait) Notify(t *TSO) int {
	l := t.rt.locker
	l.Lock(&w.hdr)
	ws := w.queue.drain(t.rt.threads)
	l.Unlock(&w.hdr, infoSTMWait)
	c := t.cap.Load()
	for _, s := range ws {
		t.rt.tryWakeupThread(c, s)
	}
	return len(ws)
}
