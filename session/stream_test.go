package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/luoming-git/yuankong/input"
	"github.com/luoming-git/yuankong/media"
)

func newStreamPair(t *testing.T) (*Stream, *Stream) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a, b := net.Pipe()
	sa := NewStream(ctx, a)
	sb := NewStream(ctx, b)
	t.Cleanup(func() {
		sa.Close()
		sb.Close()
	})
	return sa, sb
}

func TestStreamFramesArriveInOrder(t *testing.T) {
	host, client := newStreamPair(t)

	frames := make(chan *media.Frame, 64)
	client.OnFrame(func(frame *media.Frame) {
		frames <- frame
	})
	go host.Run()
	go client.Run()

	for i := 1; i <= 5; i++ {
		if err := host.SendFrame(&media.Frame{Kind: media.Kind_Video, Sequence: uint64(i)}); err != nil {
			t.Fatal(err)
		}
	}

	for i := 1; i <= 5; i++ {
		select {
		case frame := <-frames:
			if frame.Sequence != uint64(i) {
				t.Fatalf("帧到达乱序: got %v want %v", frame.Sequence, i)
			}
		case <-time.After(time.Second * 3):
			t.Fatal("等待帧超时")
		}
	}
}

func TestStreamInputEventsPreserveOrder(t *testing.T) {
	host, client := newStreamPair(t)

	events := make(chan *input.Event, 64)
	host.OnInput(func(event *input.Event) {
		events <- event
	})
	go host.Run()
	go client.Run()

	client.SendEvent(&input.Event{Kind: input.Kind_Keyboard, Keyboard: &input.KeyboardEvent{Key: 10, Pressed: true}})
	client.SendEvent(&input.Event{Kind: input.Kind_Mouse, Mouse: &input.MouseEvent{Action: input.MouseAction_Move, DeltaX: 1}})
	client.SendEvent(&input.Event{Kind: input.Kind_Keyboard, Keyboard: &input.KeyboardEvent{Key: 10, Pressed: false}})

	want := []input.EventKind{input.Kind_Keyboard, input.Kind_Mouse, input.Kind_Keyboard}
	for i, kind := range want {
		select {
		case event := <-events:
			if event.Kind != kind {
				t.Fatalf("事件%v乱序: got %v want %v", i, event.Kind, kind)
			}
		case <-time.After(time.Second * 3):
			t.Fatal("等待输入事件超时")
		}
	}
}

func TestStreamCloseUnblocksPeerRead(t *testing.T) {
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	stream := NewStream(context.Background(), local)
	go stream.Run()

	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := remote.Read(buf)
		readDone <- err
	}()

	stream.Close()

	select {
	case err := <-readDone:
		if err == nil {
			t.Fatal("流层关闭后对端读取应返回错误")
		}
	case <-time.After(time.Second * 3):
		t.Fatal("流层关闭后对端读取仍然阻塞,底层连接没有被关闭")
	}
}

func TestStreamKeepAliveOnlyAckRefreshesClock(t *testing.T) {
	host, client := newStreamPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientMonitor := NewMonitor(ctx, time.Second*30, nil)
	hostMonitor := NewMonitor(ctx, time.Second*30, nil)

	host.RespondKeepAlive(hostMonitor)
	go host.Run()
	go client.Run()

	before := clientMonitor.lastSeen.Load()
	client.StartKeepAlive(ctx, clientMonitor, time.Millisecond*100)

	deadline := time.Now().Add(time.Second * 5)
	for clientMonitor.lastSeen.Load() == before {
		if time.Now().After(deadline) {
			t.Fatal("应答未刷新主控端监视时钟")
		}
		time.Sleep(time.Millisecond * 50)
	}

	hostBefore := hostMonitor.lastSeen.Load()
	time.Sleep(time.Millisecond * 300)
	if hostMonitor.lastSeen.Load() == hostBefore {
		t.Fatal("信标未刷新被控端监视时钟")
	}
}
