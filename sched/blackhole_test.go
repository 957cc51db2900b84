package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThunkEvaluatedOnce(t *testing.T) {
	rt := newTestRuntime(t, testFlags(1))

	var evals atomic.Int32
	th := NewThunk(func(t *TSO) any {
		evals.Add(1)
		// 让另一个线程遇到 black hole
		t.Yield()
		return 42
	})

	var got [2]any
	for i := range got {
		rt.Spawn(func(t *TSO) error {
			got[i] = th.Force(t)
			return nil
		})
	}
	require.NoError(t, rt.Start(context.Background()))
	waitAll(t, rt)

	require.Equal(t, [2]any{42, 42}, got)
	require.Equal(t, int32(1), evals.Load())
	require.True(t, th.Evaluated())
}

func TestThunkSharedAcrossCapabilities(t *testing.T) {
	rt := startTestRuntime(t, testFlags(4))

	var evals atomic.Int32
	claimed, release := make(chan struct{}), make(chan struct{})
	th := NewThunk(func(t *TSO) any {
		evals.Add(1)
		close(claimed)
		t.SafeCall(func() { <-release })
		return "done"
	})

	owner := rt.SpawnOn(0, func(t *TSO) error {
		th.Force(t)
		return nil
	})
	// 持有者拿到 black hole 之后才启动等待者
	<-claimed
	var waiters []*TSO
	for i := 1; i < 4; i++ {
		waiters = append(waiters, rt.SpawnOn(i, func(t *TSO) error {
			if v := th.Force(t); v != "done" {
				return errors.New("wrong value")
			}
			return nil
		}))
	}
	require.Eventually(t, func() bool {
		for _, w := range waiters {
			if w.BlockReason() != BlockedOnBlackHole {
				return false
			}
		}
		return true
	}, testTimeout, testTick)
	close(release)

	require.NoError(t, join(t, owner))
	for _, w := range waiters {
		require.NoError(t, join(t, w))
	}
	require.Equal(t, int32(1), evals.Load())
}

func TestThunkLoop(t *testing.T) {
	rt := startTestRuntime(t, testFlags(1))

	var th *Thunk
	th = NewThunk(func(t *TSO) any {
		return th.Force(t)
	})
	self := rt.Spawn(func(t *TSO) error {
		th.Force(t)
		return nil
	})
	require.ErrorIs(t, join(t, self), ErrNonTermination)
	require.False(t, th.Evaluated())
	require.Equal(t, infoThunk, th.hdr.Get(), "a failed evaluation can be retried")
}

func TestThunkRetriedAfterOwnerDies(t *testing.T) {
	rt := newTestRuntime(t, testFlags(1))
	boom := errors.New("boom")

	var evals atomic.Int32
	th := NewThunk(func(t *TSO) any {
		if evals.Add(1) == 1 {
			t.Yield()
			t.Throw(boom)
		}
		return "second"
	})
	first := rt.Spawn(func(t *TSO) error {
		th.Force(t)
		return nil
	})
	var got any
	second := rt.Spawn(func(t *TSO) error {
		got = th.Force(t)
		return nil
	})
	require.NoError(t, rt.Start(context.Background()))

	require.ErrorIs(t, join(t, first), boom)
	require.NoError(t, join(t, second))
	require.Equal(t, "second", got)
	require.Equal(t, int32(2), evals.Load())
}

func TestThrowToThreadOnBlackHole(t *testing.T) {
	rt := startTestRuntime(t, testFlags(2))

	claimed, release := make(chan struct{}), make(chan struct{})
	th := NewThunk(func(t *TSO) any {
		close(claimed)
		t.SafeCall(func() { <-release })
		return 1
	})
	owner := rt.SpawnOn(0, func(t *TSO) error {
		th.Force(t)
		return nil
	})
	<-claimed
	waiter := rt.SpawnOn(1, func(t *TSO) error {
		th.Force(t)
		return nil
	})
	require.Eventually(t, func() bool { return waiter.BlockReason() == BlockedOnBlackHole }, testTimeout, testTick)

	rt.Kill(waiter)
	require.ErrorIs(t, join(t, waiter), ErrThreadKilled)

	close(release)
	require.NoError(t, join(t, owner))
	require.True(t, th.Evaluated())
}
