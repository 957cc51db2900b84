package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSparkPoolRing(t *testing.T) {
	p := newSparkPool(4)
	var ths []*Thunk
	for i := 0; i < 4; i++ {
		th := NewThunk(nil)
		ths = append(ths, th)
		if !p.push(th) {
			t.Fatalf("push %d into a pool of 4 failed", i)
		}
	}
	if p.push(NewThunk(nil)) {
		t.Error("push into a full pool should fail")
	}
	if p.size() != 4 {
		t.Errorf("want size 4, got: %d", p.size())
	}

	for i, want := range ths {
		if got := p.pop(); got != want {
			t.Errorf("pop %d: got the wrong spark", i)
		}
	}
	if p.pop() != nil {
		t.Error("empty pool should pop nil")
	}
	if !p.empty() {
		t.Error("pool should be empty")
	}

	// 环绕
	for i := 0; i < 3; i++ {
		require.True(t, p.push(ths[i]))
	}
	require.Equal(t, ths[0], p.pop())
	require.Equal(t, 2, p.size())
}

func TestSparkPoolSizeMustBePowerOfTwo(t *testing.T) {
	require.Panics(t, func() { newSparkPool(3) })
	require.Panics(t, func() { newSparkPool(0) })
}

func TestParCountsSparks(t *testing.T) {
	rt := startTestRuntime(t, testFlags(2))

	fib := func(n int) func(*TSO) any {
		return func(*TSO) any {
			a, b := 0, 1
			for i := 0; i < n; i++ {
				a, b = b, a+b
			}
			return a
		}
	}
	var got []any
	th := rt.SpawnOn(0, func(t *TSO) error {
		x := NewThunk(fib(30))
		y := NewThunk(fib(20))
		t.Par(x)
		t.Par(y)
		got = append(got, x.Force(t), y.Force(t))

		// 已经求值过了：dud
		t.Par(x)
		return nil
	})
	require.NoError(t, join(t, th))
	require.Equal(t, []any{832040, 6765}, got)

	var created, dud uint64
	for _, c := range rt.Stats().Capabilities {
		created += c.SparksCreated
		dud += c.SparksDud
	}
	require.Equal(t, uint64(2), created)
	require.Equal(t, uint64(1), dud)
}

func TestSparkOverflow(t *testing.T) {
	f := testFlags(1)
	f.SparkPoolSize = 2
	rt := startTestRuntime(t, f)

	th := rt.Spawn(func(t *TSO) error {
		for i := 0; i < 5; i++ {
			t.Par(NewThunk(func(*TSO) any { return i }))
		}
		return nil
	})
	require.NoError(t, join(t, th))

	s := rt.Stats().Capabilities[0]
	require.Equal(t, uint64(2), s.SparksCreated)
	require.Equal(t, uint64(3), s.SparksOverflowed)
	waitAll(t, rt)
}

// 空闲的 capability 求值忙碌的 capability 留下的 spark
func TestSparksAreStolen(t *testing.T) {
	rt := startTestRuntime(t, testFlags(2))

	x := NewThunk(func(*TSO) any { return "stolen" })
	th := rt.SpawnOn(0, func(t *TSO) error {
		t.Par(x)
		for !x.Evaluated() {
			t.Yield()
		}
		return nil
	})
	require.NoError(t, join(t, th))
	waitAll(t, rt)

	s := rt.Stats()
	require.Equal(t, uint64(1), s.Capabilities[1].SparksConverted)
	require.Equal(t, uint64(1), s.Capabilities[1].SparksStolen)
}
