package session

import (
	"context"
	"testing"
	"time"
)

func TestMonitorFiresExactlyOnceAfterSilence(t *testing.T) {
	fired := make(chan struct{}, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	NewMonitor(ctx, time.Millisecond*300, func() {
		fired <- struct{}{}
	})

	select {
	case <-fired:
	case <-time.After(time.Second * 3):
		t.Fatal("窗口内无信号应触发超时")
	}

	select {
	case <-fired:
		t.Fatal("超时回调只应触发一次")
	case <-time.After(time.Millisecond * 2500):
	}
}

func TestMonitorTouchKeepsAlive(t *testing.T) {
	fired := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMonitor(ctx, time.Millisecond*1500, func() {
		fired <- struct{}{}
	})

	stop := time.After(time.Millisecond * 2300)
touching:
	for {
		select {
		case <-time.After(time.Millisecond * 300):
			m.Touch()
		case <-fired:
			t.Fatal("持续刷新时不应超时")
		case <-stop:
			break touching
		}
	}

	select {
	case <-fired:
	case <-time.After(time.Second * 4):
		t.Fatal("停止刷新后应触发超时")
	}
}

func TestMonitorCancelledBeforeTimeout(t *testing.T) {
	fired := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())

	NewMonitor(ctx, time.Millisecond*300, func() {
		fired <- struct{}{}
	})
	cancel()

	select {
	case <-fired:
		t.Fatal("会话销毁后不应再触发超时")
	case <-time.After(time.Millisecond * 1800):
	}
}
