package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luoming-git/yuankong/utils"
)

// Monitor 会话活性监视。对端活性信号调用Touch刷新时钟，
// 窗口内无信号则触发一次超时回调，之后不再触发也不做重试
type Monitor struct {
	utils.Closer
	window    time.Duration
	interval  time.Duration
	lastSeen  atomic.Int64
	onTimeout func()
	fireOnce  sync.Once
}

func NewMonitor(ctx context.Context, window time.Duration, onTimeout func()) *Monitor {
	if window <= 0 {
		window = time.Second * 5
	}
	m := &Monitor{
		window:    window,
		interval:  time.Second,
		onTimeout: onTimeout,
	}
	m.lastSeen.Store(time.Now().UnixNano())
	m.SetCtx(ctx)
	go m.run()
	return m
}

func (m *Monitor) Touch() {
	m.lastSeen.Store(time.Now().UnixNano())
}

func (m *Monitor) run() {
	for {
		select {
		case <-time.After(m.interval):
			last := time.Unix(0, m.lastSeen.Load())
			if time.Since(last) > m.window {
				m.fireOnce.Do(func() {
					if m.onTimeout != nil {
						m.onTimeout()
					}
				})
				return
			}
		case <-m.Ctx().Done():
			return
		}
	}
}
