package sched

import (
	"context"
	"errors"
	"sync"

	"go-rem/caps/config"
)

// 导出的包级 API，给只需要一个 runtime 的程序使用

var (
	defaultRT *Runtime
	initOnce  sync.Once
	initErr   error
)

// Init 创建默认 runtime
// 必须在使用 Go() 之前调用一次，之后的调用返回第一次的结果
func Init(flags config.Flags, opts ...Option) error {
	initOnce.Do(func() {
		defaultRT, initErr = New(flags, opts...)
	})
	return initErr
}

// Go 在默认 runtime 上创建一个新线程来执行 fn，类似于 go func() { ... }
func Go(fn func(t *TSO) error) *TSO {
	if defaultRT == nil {
		panic("sched.Init() must be called before sched.Go()")
	}
	return defaultRT.Spawn(fn)
}

// Run 启动默认 runtime 并阻塞直到所有线程执行完毕，然后关闭它。
// 返回的错误合并了 Run 之前创建的线程的错误
func Run(ctx context.Context) error {
	if defaultRT == nil {
		panic("sched.Init() must be called before sched.Run()")
	}
	rt := defaultRT
	ts := rt.threads.snapshot()
	if err := rt.Start(ctx); err != nil {
		return err
	}
	waitErr := rt.WaitAll(ctx)
	var errs []error
	for _, t := range ts {
		if err := t.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := rt.Shutdown(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if waitErr != nil {
		return waitErr
	}
	return errors.Join(errs...)
}

// NumThreads 获取默认 runtime 中存活线程的数量（用于调试）
func NumThreads() int {
	if defaultRT == nil {
		return 0
	}
	return defaultRT.threads.len()
}

// Default 返回 Init 创建的 runtime，没有则为 nil
func Default() *Runtime { return defaultRT }
