package sched

import (
	"fmt"

	"go-rem/caps/closure"
)

// ThreadID 标识一个 TSO，0 不是合法的 id
type ThreadID uint64

const noThread ThreadID = 0

// WhatNext 表示调度器下次选中线程时要做什么
type WhatNext int32

const (
	ThreadRunGHC WhatNext = iota
	ThreadKilled
	ThreadComplete
)

// BlockReason 说明线程为什么不可运行
type BlockReason int32

const (
	NotBlocked BlockReason = iota
	BlockedOnMVar
	BlockedOnMVarRead
	BlockedOnBlackHole
	BlockedOnMsgThrowTo
	BlockedOnSTM
	BlockedOnDelay
	BlockedOnCCall
)

var blockReasonNames = [...]string{
	NotBlocked:          "not blocked",
	BlockedOnMVar:       "blocked on MVar",
	BlockedOnMVarRead:   "blocked on MVar read",
	BlockedOnBlackHole:  "blocked on black hole",
	BlockedOnMsgThrowTo: "blocked on throwTo",
	BlockedOnSTM:        "blocked on STM",
	BlockedOnDelay:      "blocked on delay",
	BlockedOnCCall:      "blocked on foreign call",
}

func (r BlockReason) String() string {
	if int(r) < len(blockReasonNames) {
		return blockReasonNames[r]
	}
	return fmt.Sprintf("BlockReason(%d)", int(r))
}

// Status 是线程对外可见的状态
type Status int

const (
	StatusRunnable Status = iota
	StatusRunning
	StatusBlocked
	StatusCompleted
	StatusKilled
)

func (s Status) String() string {
	switch s {
	case StatusRunnable:
		return "runnable"
	case StatusRunning:
		return "running"
	case StatusBlocked:
		return "blocked"
	case StatusCompleted:
		return "completed"
	case StatusKilled:
		return "killed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// QueueKind 标记线程所在的队列，
// 一个线程同一时刻最多在一个队列里
type QueueKind uint8

const (
	QueueNone QueueKind = iota
	QueueRun
	QueueBlocked
	QueueSleep
)

func (k QueueKind) String() string {
	switch k {
	case QueueNone:
		return "none"
	case QueueRun:
		return "run"
	case QueueBlocked:
		return "blocked"
	case QueueSleep:
		return "sleep"
	}
	return fmt.Sprintf("QueueKind(%d)", int(k))
}

// 本包管理的对象的 header 状态
const (
	infoMsgNull closure.Info = iota + 1
	infoMsgThrowTo
	infoMsgBlackHole
	infoMsgBlackHoleQueued
	infoMsgTryWakeup
	infoThunk
	infoBlackHole
	infoIndirection
	infoMVar
	infoSTMWait
)

// stepKind 表示线程为什么把控制权交还给 capability
type stepKind int

const (
	stepYield stepKind = iota
	stepBlocked
	stepFinished
	stepHeapOverflow
	stepForeignCall
)

type stepResult struct {
	kind stepKind

	// stepYield：线程主动让出，而不是在 checkpoint 被停下
	explicit bool

	// stepBlocked：线程停下之后在 capability 上执行
	finish func(c *Capability)

	// stepForeignCall：不占用 capability 执行的调用
	call func()

	// stepFinished：线程死于未捕获的异常
	killed bool
}
