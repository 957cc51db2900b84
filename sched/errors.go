package sched

import (
	"errors"
	"fmt"
)

// runtime 自己在线程中抛出的异常
var (
	ErrThreadKilled                 = errors.New("thread killed")
	ErrBlockedIndefinitelyOnMVar    = errors.New("thread blocked indefinitely in an MVar operation")
	ErrBlockedIndefinitelyOnSTM     = errors.New("thread blocked indefinitely in an STM transaction")
	ErrBlockedIndefinitelyOnThrowTo = errors.New("thread blocked indefinitely in throwTo")
	ErrNonTermination               = errors.New("<<loop>>")
	ErrRuntimeShutdown              = errors.New("runtime shut down")
)

// asyncException 把异常沿着被抛出线程的栈向上传递，
// Try 和 Catch 可以拦住它
type asyncException struct {
	err error
}

// shutdownUnwind 展开 runtime 已经不在的线程，不能被拦截
type shutdownUnwind struct{}

// InternalError 表示 runtime 的不变量被破坏，永远不会被捕获
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string {
	return "sched: internal error: " + e.Msg
}

// PanicError 是线程代码 panic 时线程死于的异常
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// barf 在内部状态不一致时中止
func barf(format string, args ...any) {
	panic(&InternalError{Msg: fmt.Sprintf(format, args...)})
}
