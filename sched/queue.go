package sched

import (
	"slices"
	"sync"
	"sync/atomic"
)

// threadArena 持有所有存活的 TSO。队列通过 id 引用线程，
// 所以线程在哪个队列里是通过它的 link 标记检查的，
// 不用顺着指针找
type threadArena struct {
	mu     sync.RWMutex
	m      map[ThreadID]*TSO
	nextID atomic.Uint64
}

func newThreadArena() *threadArena {
	return &threadArena{m: make(map[ThreadID]*TSO)}
}

func (a *threadArena) newID() ThreadID {
	return ThreadID(a.nextID.Add(1))
}

func (a *threadArena) add(t *TSO) {
	a.mu.Lock()
	a.m[t.id] = t
	a.mu.Unlock()
}

func (a *threadArena) get(id ThreadID) *TSO {
	if id == noThread {
		return nil
	}
	a.mu.RLock()
	t := a.m[id]
	a.mu.RUnlock()
	if t == nil {
		barf("thread %d is queued but not in the arena", id)
	}
	return t
}

func (a *threadArena) remove(t *TSO) {
	if t.link.kind != QueueNone {
		barf("thread %d dropped while on the %v queue", t.id, t.link.kind)
	}
	a.mu.Lock()
	delete(a.m, t.id)
	a.mu.Unlock()
}

func (a *threadArena) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.m)
}

// snapshot 按 id 顺序返回存活的线程
func (a *threadArena) snapshot() []*TSO {
	a.mu.RLock()
	ts := make([]*TSO, 0, len(a.m))
	for _, t := range a.m {
		ts = append(ts, t)
	}
	a.mu.RUnlock()
	slices.SortFunc(ts, func(x, y *TSO) int {
		switch {
		case x.id < y.id:
			return -1
		case x.id > y.id:
			return 1
		}
		return 0
	})
	return ts
}

// link 把线程串进它所在的唯一一个队列，
// 由保护那个队列的锁保护
type link struct {
	kind       QueueKind
	prev, next ThreadID
}

// tsoQueue 是通过线程的 link 串起来的双向队列，
// 加锁由队列的持有者负责
type tsoQueue struct {
	kind       QueueKind
	head, tail ThreadID
	n          int
}

func (q *tsoQueue) empty() bool { return q.head == noThread }
func (q *tsoQueue) len() int    { return q.n }

func (q *tsoQueue) claim(t *TSO) {
	if t.link.kind != QueueNone {
		barf("thread %d added to a %v queue while on the %v queue", t.id, q.kind, t.link.kind)
	}
	t.link = link{kind: q.kind}
}

func (q *tsoQueue) pushBack(a *threadArena, t *TSO) {
	q.claim(t)
	t.link.prev = q.tail
	if q.tail == noThread {
		q.head = t.id
	} else {
		a.get(q.tail).link.next = t.id
	}
	q.tail = t.id
	q.n++
}

func (q *tsoQueue) pushFront(a *threadArena, t *TSO) {
	q.claim(t)
	t.link.next = q.head
	if q.head == noThread {
		q.tail = t.id
	} else {
		a.get(q.head).link.prev = t.id
	}
	q.head = t.id
	q.n++
}

// insertBefore 把 t 插到 at 前面，at 为 nil 时追加到队尾
func (q *tsoQueue) insertBefore(a *threadArena, t, at *TSO) {
	if at == nil {
		q.pushBack(a, t)
		return
	}
	if at.id == q.head {
		q.pushFront(a, t)
		return
	}
	if at.link.kind != q.kind {
		barf("insert before thread %d which is on the %v queue", at.id, at.link.kind)
	}
	q.claim(t)
	prev := a.get(at.link.prev)
	t.link.prev, t.link.next = prev.id, at.id
	prev.link.next = t.id
	at.link.prev = t.id
	q.n++
}

func (q *tsoQueue) popFront(a *threadArena) *TSO {
	if q.head == noThread {
		return nil
	}
	t := a.get(q.head)
	q.remove(a, t)
	return t
}

func (q *tsoQueue) remove(a *threadArena, t *TSO) {
	if t.link.kind != q.kind {
		barf("thread %d removed from a %v queue it is not on (on %v)", t.id, q.kind, t.link.kind)
	}
	l := t.link
	if l.prev == noThread {
		if q.head != t.id {
			barf("thread %d has no predecessor but is not the head of its queue", t.id)
		}
		q.head = l.next
	} else {
		a.get(l.prev).link.next = l.next
	}
	if l.next == noThread {
		if q.tail != t.id {
			barf("thread %d has no successor but is not the tail of its queue", t.id)
		}
		q.tail = l.prev
	} else {
		a.get(l.next).link.prev = l.prev
	}
	t.link = link{}
	q.n--
}

func (q *tsoQueue) drain(a *threadArena) []*TSO {
	ts := make([]*TSO, 0, q.n)
	for t := q.popFront(a); t != nil; t = q.popFront(a) {
		ts = append(ts, t)
	}
	return ts
}

// each 从头到尾对每个线程调用 fn，直到 fn 返回 false
func (q *tsoQueue) each(a *threadArena, fn func(t *TSO) bool) {
	for id := q.head; id != noThread; {
		t := a.get(id)
		id = t.link.next
		if !fn(t) {
			return
		}
	}
}

// sleepQueue 按唤醒时间排列延迟的线程，
// 只有所属 capability 会访问
type sleepQueue struct {
	tsoQueue
}

func (q *sleepQueue) insert(a *threadArena, t *TSO) {
	var at *TSO
	q.each(a, func(s *TSO) bool {
		if s.wakeAt.After(t.wakeAt) {
			at = s
			return false
		}
		return true
	})
	q.insertBefore(a, t, at)
}

func (q *sleepQueue) first(a *threadArena) *TSO {
	if q.head == noThread {
		return nil
	}
	return a.get(q.head)
}
