package osthread

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimedWaitTimeout(t *testing.T) {
	var mu Mutex
	var c Condition

	deadline := Deadline(20 * time.Millisecond)
	mu.Lock()
	start := time.Now()
	signalled := c.TimedWait(&mu, deadline)
	mu.Unlock()

	require.False(t, signalled)
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestTimedWaitPastDeadline(t *testing.T) {
	var mu Mutex
	var c Condition

	mu.Lock()
	defer mu.Unlock()
	require.False(t, c.TimedWait(&mu, time.Now().Add(-time.Second)))
}

func TestSignalWakesOneWaiter(t *testing.T) {
	var mu Mutex
	var c Condition
	ready := false

	done := make(chan bool)
	go func() {
		mu.Lock()
		for !ready {
			if !c.TimedWait(&mu, Deadline(5*time.Second)) {
				mu.Unlock()
				done <- false
				return
			}
		}
		mu.Unlock()
		done <- true
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	ready = true
	mu.Unlock()
	c.Signal()

	require.True(t, <-done)
}

func TestBroadcast(t *testing.T) {
	var mu Mutex
	var c Condition
	release := false

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			mu.Lock()
			for !release {
				c.Wait(&mu)
			}
			mu.Unlock()
		}()
	}

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	release = true
	mu.Unlock()
	c.Broadcast()
	wg.Wait()
}

func TestCreateJoin(t *testing.T) {
	ran := false
	th := Create("worker", func() {
		ran = true
	})
	th.Join()

	if !ran {
		t.Error("thread function did not run")
	}
	if th.Name() != "worker" {
		t.Errorf("want name worker, got: %s", th.Name())
	}
}

func TestNumberOfProcessors(t *testing.T) {
	n := NumberOfProcessors()
	if n <= 0 {
		t.Fatalf("want > 0 processors, got: %d", n)
	}
	if NumberOfProcessors() != n {
		t.Error("cached processor count changed")
	}
}

func TestSetThreadAffinity(t *testing.T) {
	var err error
	Create("pinned", func() {
		err = SetThreadAffinity(0, 1)
	}).Join()
	// 受限的 cpuset 可能不包含 0 号 CPU
	if err != nil {
		t.Logf("affinity not applied: %v", err)
	}
	require.Error(t, SetThreadAffinity(0, 0))
}
