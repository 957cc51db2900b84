package osthread

import (
	"runtime"
	"sync/atomic"
)

var nprocCache atomic.Int32

// NumberOfProcessors 返回本进程可以使用的逻辑 CPU 数，
// 第一次的结果会被缓存
func NumberOfProcessors() int {
	if n := nprocCache.Load(); n != 0 {
		return int(n)
	}
	n, ok := affinityProcessors()
	if !ok || n <= 0 {
		n = runtime.NumCPU()
	}
	nprocCache.Store(int32(n))
	return n
}
