package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// resetDefault 清空包级 runtime，让 Init 可以再次执行
func resetDefault() {
	defaultRT = nil
	initOnce = sync.Once{}
	initErr = nil
}

func TestInitGoRun(t *testing.T) {
	resetDefault()
	t.Cleanup(resetDefault)

	if NumThreads() != 0 {
		t.Error("no runtime yet, want 0 threads")
	}
	require.Panics(t, func() { Go(func(t *TSO) error { return nil }) })

	require.NoError(t, Init(testFlags(2)))
	require.NoError(t, Init(testFlags(0)), "later calls return the first result")
	require.NotNil(t, Default())

	var sum atomic.Int64
	for i := 1; i <= 10; i++ {
		Go(func(t *TSO) error {
			sum.Add(int64(i))
			return nil
		})
	}
	boom := errors.New("boom")
	Go(func(t *TSO) error { return boom })
	if n := NumThreads(); n != 11 {
		t.Errorf("want 11 threads before Run, got: %d", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := Run(ctx)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int64(55), sum.Load())
	if n := NumThreads(); n != 0 {
		t.Errorf("want 0 threads after Run, got: %d", n)
	}
}

func TestInitKeepsFirstError(t *testing.T) {
	resetDefault()
	t.Cleanup(resetDefault)

	require.Error(t, Init(testFlags(0)))
	require.Error(t, Init(testFlags(1)), "later calls return the first result")
	require.Nil(t, Default())
	require.Zero(t, NumThreads())
}
