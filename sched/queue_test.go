package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestThreads(n int) (*threadArena, []*TSO) {
	a := newThreadArena()
	ts := make([]*TSO, n)
	for i := range ts {
		ts[i] = &TSO{id: a.newID()}
		a.add(ts[i])
	}
	return a, ts
}

func ids(a *threadArena, q *tsoQueue) []ThreadID {
	var out []ThreadID
	q.each(a, func(t *TSO) bool {
		out = append(out, t.id)
		return true
	})
	return out
}

func TestQueuePushPop(t *testing.T) {
	a, ts := newTestThreads(3)
	q := &tsoQueue{kind: QueueRun}

	if !q.empty() {
		t.Error("new queue should be empty")
	}

	q.pushBack(a, ts[0])
	q.pushBack(a, ts[1])
	q.pushFront(a, ts[2])

	if q.len() != 3 {
		t.Errorf("want 3 threads, got: %d", q.len())
	}
	require.Equal(t, []ThreadID{ts[2].id, ts[0].id, ts[1].id}, ids(a, q))
	if ts[0].link.kind != QueueRun {
		t.Errorf("queued thread should be tagged %v, got: %v", QueueRun, ts[0].link.kind)
	}

	for _, want := range []*TSO{ts[2], ts[0], ts[1]} {
		if got := q.popFront(a); got != want {
			t.Errorf("want thread %d, got: %d", want.id, got.id)
		}
	}
	if q.popFront(a) != nil {
		t.Error("empty queue should pop nil")
	}
	if ts[1].link.kind != QueueNone {
		t.Error("popped thread should be untagged")
	}
}

func TestQueueRemoveMiddle(t *testing.T) {
	a, ts := newTestThreads(4)
	q := &tsoQueue{kind: QueueBlocked}
	for _, th := range ts {
		q.pushBack(a, th)
	}

	q.remove(a, ts[1])
	q.remove(a, ts[3])
	require.Equal(t, []ThreadID{ts[0].id, ts[2].id}, ids(a, q))
	require.Equal(t, ts[2].id, q.tail)

	q.insertBefore(a, ts[1], ts[2])
	require.Equal(t, []ThreadID{ts[0].id, ts[1].id, ts[2].id}, ids(a, q))

	drained := q.drain(a)
	require.Len(t, drained, 3)
	require.True(t, q.empty())
	require.Zero(t, q.len())
}

func TestQueueMembershipIsExclusive(t *testing.T) {
	a, ts := newTestThreads(1)
	runq := &tsoQueue{kind: QueueRun}
	mvq := &tsoQueue{kind: QueueBlocked}

	runq.pushBack(a, ts[0])

	var ierr *InternalError
	require.PanicsWithError(t, (&InternalError{Msg: "thread 1 added to a blocked queue while on the run queue"}).Error(), func() {
		mvq.pushBack(a, ts[0])
	})
	require.Panics(t, func() { mvq.remove(a, ts[0]) })
	require.Panics(t, func() { a.remove(ts[0]) }, "dropping a queued thread")

	func() {
		defer func() {
			e, ok := recover().(*InternalError)
			require.True(t, ok)
			ierr = e
		}()
		runq.pushFront(a, ts[0])
	}()
	require.Contains(t, ierr.Msg, "while on the run queue")
}

func TestArenaGetUnknown(t *testing.T) {
	a := newThreadArena()
	require.Nil(t, a.get(noThread))
	require.Panics(t, func() { a.get(42) })
}

func TestArenaSnapshotSorted(t *testing.T) {
	a, ts := newTestThreads(5)
	snap := a.snapshot()
	require.Len(t, snap, 5)
	for i, th := range snap {
		require.Equal(t, ts[i], th)
	}
	a.remove(ts[2])
	require.Equal(t, 4, a.len())
}

func TestSleepQueueOrdersByWakeTime(t *testing.T) {
	a, ts := newTestThreads(4)
	now := time.Now()
	ts[0].wakeAt = now.Add(30 * time.Millisecond)
	ts[1].wakeAt = now.Add(10 * time.Millisecond)
	ts[2].wakeAt = now.Add(20 * time.Millisecond)
	ts[3].wakeAt = now.Add(10 * time.Millisecond)

	q := &sleepQueue{tsoQueue{kind: QueueSleep}}
	for _, th := range ts {
		q.insert(a, th)
	}

	// 唤醒时间相同时保持插入顺序
	require.Equal(t, []ThreadID{ts[1].id, ts[3].id, ts[2].id, ts[0].id}, ids(a, &q.tsoQueue))
	require.Equal(t, ts[1], q.first(a))
}
