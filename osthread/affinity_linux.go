//go:build linux

package osthread

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func affinityProcessors() (int, bool) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0, false
	}
	return set.Count(), true
}

// SetThreadAffinity 把当前 OS 线程绑定到 m 个槽位中的第 n 个 CPU：
// 处理器比 m 多时线程也可以跑在 n+m、n+2m 等 CPU 上。
// 调用者必须运行在 Create 创建的 Thread 上
func SetThreadAffinity(n, m int) error {
	if m <= 0 {
		return fmt.Errorf("set affinity: invalid stride %d", m)
	}
	nproc := NumberOfProcessors()
	var set unix.CPUSet
	set.Zero()
	for i := n; i < nproc; i += m {
		set.Set(i)
	}
	if set.Count() == 0 {
		return fmt.Errorf("set affinity: cpu %d out of range [0, %d)", n, nproc)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("set affinity cpu %d/%d: %w", n, m, err)
	}
	return nil
}

// KernelThreadID 返回当前 OS 线程的内核 id
func KernelThreadID() int {
	return unix.Gettid()
}
