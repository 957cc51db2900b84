package timer

import (
	"sync"
	"time"
)

// Ticker 是周期性调用函数的平台服务
type Ticker interface {
	Start()
	// Stop 不能等待正在进行的 tick：它可能就是在 tick 里
	// 被调用的
	Stop()
	Exit(wait bool)
}

type goTicker struct {
	interval time.Duration
	onTick   func()

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
	dead bool
}

// NewTicker 返回一个在自己的 goroutine 中调用 onTick 的 Ticker
func NewTicker(interval time.Duration, onTick func()) Ticker {
	return &goTicker{interval: interval, onTick: onTick}
}

func (g *goTicker) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dead || g.stop != nil || g.interval <= 0 {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	g.stop, g.done = stop, done

	go func() {
		defer close(done)
		tk := time.NewTicker(g.interval)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				select {
				case <-stop:
					return
				default:
				}
				g.onTick()
			}
		}
	}()
}

func (g *goTicker) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stop != nil {
		close(g.stop)
		g.stop = nil
	}
}

func (g *goTicker) Exit(wait bool) {
	g.mu.Lock()
	g.dead = true
	if g.stop != nil {
		close(g.stop)
		g.stop = nil
	}
	done := g.done
	g.mu.Unlock()

	if wait && done != nil {
		<-done
	}
}
