package session

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/luoming-git/yuankong/input"
	"github.com/luoming-git/yuankong/media"
	"github.com/luoming-git/yuankong/rpc"
)

const (
	StreamPath_VideoFrame   = "/stream/video"
	StreamPath_AudioFrame   = "/stream/audio"
	StreamPath_InputEvent   = "/input/event"
	StreamPath_KeepAlive    = "/session/keepalive"
	StreamPath_KeepAliveAck = "/session/keepaliveack"
)

const defaultKeepAliveInterval = time.Millisecond * 500

// Stream 活动传输上的会话流层。媒体帧、输入事件与活性信标
// 复用同一条连接上的单向消息路径，同路径消息按到达顺序分发
type Stream struct {
	route   *rpc.InvokeRoute
	invoker *rpc.Invoker
}

func NewStream(ctx context.Context, conn net.Conn) *Stream {
	s := &Stream{route: rpc.NewInvokeRoute(ctx)}
	s.invoker = s.route.AddNewInvoker(uuid.New().String(), false, conn)
	// 会话销毁时同步关闭底层连接，让对端的读取立刻返回
	s.invoker.SetOnClose(func() {
		_ = conn.Close()
	})
	return s
}

// Run 阻塞读取分发，连接断开后返回
func (s *Stream) Run() {
	s.route.DispatchInvoke(s.invoker)
}

func (s *Stream) Close() {
	_ = s.invoker.Close()
}

func (s *Stream) sendUni(path string, v any) error {
	request := rpc.NewInvokeRequest(path)
	if v != nil {
		request.PutValue(v)
	}
	return s.invoker.WriteRequest(request)
}

// SendFrame 被控端把编码帧写入流层
func (s *Stream) SendFrame(frame *media.Frame) error {
	path := StreamPath_VideoFrame
	if frame.Kind == media.Kind_Audio {
		path = StreamPath_AudioFrame
	}
	return s.sendUni(path, frame)
}

// OnFrame 主控端按到达顺序接收媒体帧
func (s *Stream) OnFrame(handler func(frame *media.Frame)) {
	frameHandler := func(_ *rpc.Invoker, request *rpc.InvokeRequest) {
		frame := &media.Frame{}
		request.GetValue(frame)
		handler(frame)
	}
	s.route.AddUniHandler(StreamPath_VideoFrame, frameHandler)
	s.route.AddUniHandler(StreamPath_AudioFrame, frameHandler)
}

// SendEvent 主控端把输入事件写入流层
func (s *Stream) SendEvent(event *input.Event) error {
	return s.sendUni(StreamPath_InputEvent, event)
}

// OnInput 被控端按发送顺序接收输入事件
func (s *Stream) OnInput(handler func(event *input.Event)) {
	s.route.AddUniHandler(StreamPath_InputEvent, func(_ *rpc.Invoker, request *rpc.InvokeRequest) {
		event := &input.Event{}
		request.GetValue(event)
		handler(event)
	})
}

// StartKeepAlive 主控端周期发送活性信标。只有对端的应答才刷新
// 监视时钟，信标本身发出去不算数
func (s *Stream) StartKeepAlive(ctx context.Context, monitor *Monitor, interval time.Duration) {
	if interval <= 0 {
		interval = defaultKeepAliveInterval
	}
	s.route.AddUniHandler(StreamPath_KeepAliveAck, func(_ *rpc.Invoker, _ *rpc.InvokeRequest) {
		monitor.Touch()
	})
	go func() {
		for {
			select {
			case <-time.After(interval):
				_ = s.sendUni(StreamPath_KeepAlive, nil)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RespondKeepAlive 被控端应答活性信标，收到信标即视为对端存活
func (s *Stream) RespondKeepAlive(monitor *Monitor) {
	s.route.AddUniHandler(StreamPath_KeepAlive, func(_ *rpc.Invoker, _ *rpc.InvokeRequest) {
		monitor.Touch()
		_ = s.sendUni(StreamPath_KeepAliveAck, nil)
	})
}
