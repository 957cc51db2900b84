package sched

import (
	"time"

	"github.com/aclements/go-moremath/graph"
	"github.com/aclements/go-moremath/graph/graphalg"
	"go.uber.org/zap"
)

// DeadlockReport 描述那些阻塞着、却已经没有任何东西能唤醒的线程
type DeadlockReport struct {
	At      time.Time
	Blocked []BlockedThread
	// Cycles 列出互相等待的线程组
	Cycles [][]ThreadID
}

// BlockedThread 是 DeadlockReport 中的一项
type BlockedThread struct {
	ID     ThreadID
	Label  string
	Reason BlockReason
	// WaitsFor 是应该解除阻塞的线程：MVar 最后的 taker、
	// black hole 的持有者或 throw 的目标。
	// 未知时为 0
	WaitsFor ThreadID
	Putting  bool
}

// waitGraph 是一组阻塞线程的等待图
type waitGraph struct {
	ids []ThreadID
	out [][]int
}

var _ graph.Graph = (*waitGraph)(nil)

func (g *waitGraph) NumNodes() int   { return len(g.ids) }
func (g *waitGraph) Out(i int) []int { return g.out[i] }

// cycles 返回含有环的强连通分量
func (g *waitGraph) cycles() [][]ThreadID {
	scc := graphalg.SCC(g, graphalg.SCCSubnodeComponent)
	var cs [][]ThreadID
	for cid := 0; cid < scc.NumNodes(); cid++ {
		nids := scc.Subnodes(cid)
		if len(nids) == 1 && !g.selfLoop(nids[0]) {
			continue
		}
		c := make([]ThreadID, len(nids))
		for i, nid := range nids {
			c[i] = g.ids[nid]
		}
		cs = append(cs, c)
	}
	return cs
}

func (g *waitGraph) selfLoop(n int) bool {
	for _, m := range g.out[n] {
		if m == n {
			return true
		}
	}
	return false
}

// waitsFor 返回 t 在等待的线程。只在所有 capability 都空闲时调用
func (rt *Runtime) waitsFor(t *TSO) ThreadID {
	switch info := t.blockInfo.(type) {
	case *MVar:
		return info.holderOf(rt.locker)
	case *MsgBlackHole:
		if owner := rt.blackHoleOwner(info.bh); owner != nil {
			return owner.id
		}
	case *MsgThrowTo:
		return info.target.id
	}
	return noThread
}

// detectDeadlock 在所有 capability 都空闲后持有 rt.mu 运行。
// 没有线程能运行而仍有线程阻塞时，它们永远不会被唤醒：
// 按阻塞的种类给每个线程发送对应的异常。
// c 是调用者所在的 capability
func (rt *Runtime) detectDeadlock(c *Capability) {
	if rt.stopping.Load() || rt.gc.requested.Load() || rt.nForeign > 0 {
		return
	}
	for _, v := range rt.caps {
		v.lock.Lock()
		busy := !v.runq.empty() || v.inboxHead != nil
		v.lock.Unlock()
		if busy || v.nSleeping.Load() > 0 || !v.sparks.empty() {
			return
		}
	}

	var blocked []*TSO
	for _, t := range rt.threads.snapshot() {
		if !t.finished() && t.blockReason() != NotBlocked {
			blocked = append(blocked, t)
		}
	}
	if len(blocked) == 0 {
		return
	}

	report := &DeadlockReport{At: time.Now()}
	g := &waitGraph{out: make([][]int, len(blocked))}
	index := make(map[ThreadID]int, len(blocked))
	for i, t := range blocked {
		g.ids = append(g.ids, t.id)
		index[t.id] = i
	}
	for i, t := range blocked {
		w := rt.waitsFor(t)
		if j, ok := index[w]; ok {
			g.out[i] = append(g.out[i], j)
		}
		report.Blocked = append(report.Blocked, BlockedThread{
			ID:       t.id,
			Label:    t.label,
			Reason:   t.blockReason(),
			WaitsFor: w,
			Putting:  t.mvarPut && t.blockReason() == BlockedOnMVar,
		})
	}
	report.Cycles = g.cycles()
	rt.lastDeadlock.Store(report)
	rt.deadlocks.Add(1)
	c.log.Warn("deadlock detected",
		zap.Int("blocked", len(report.Blocked)),
		zap.Int("cycles", len(report.Cycles)))

	for _, t := range blocked {
		var err error
		switch t.blockReason() {
		case BlockedOnMVar, BlockedOnMVarRead:
			err = ErrBlockedIndefinitelyOnMVar
		case BlockedOnBlackHole:
			err = ErrNonTermination
		case BlockedOnSTM:
			err = ErrBlockedIndefinitelyOnSTM
		case BlockedOnMsgThrowTo:
			err = ErrBlockedIndefinitelyOnThrowTo
		default:
			continue
		}
		rt.throwToSystem(c, t, err)
	}
}

// throwToSystem 以 runtime 自己的名义在 t 中抛出 err
func (rt *Runtime) throwToSystem(c *Capability, t *TSO, err error) {
	msg := rt.newThrowTo(nil, t, err)
	switch rt.throwToMsg(c, msg) {
	case throwDone:
		rt.doneWithMsgThrowTo(c, msg)
	case throwBlocked:
		msg.hdr.Unlock(infoMsgThrowTo)
	}
}
