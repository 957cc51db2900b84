//go:build !linux

package osthread

import "fmt"

func affinityProcessors() (int, bool) {
	return 0, false
}

// SetThreadAffinity 在没有亲和性 API 的平台上只检查参数
func SetThreadAffinity(n, m int) error {
	if m <= 0 {
		return fmt.Errorf("set affinity: invalid stride %d", m)
	}
	return nil
}

// KernelThreadID 在这里不支持，总是返回 0
func KernelThreadID() int {
	return 0
}
