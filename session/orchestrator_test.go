package session

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/luoming-git/yuankong/errcode"
	"github.com/luoming-git/yuankong/rpc"
	"github.com/luoming-git/yuankong/signaling"
	"github.com/luoming-git/yuankong/transport"
)

// fakeChannel 进程内模拟信令服务，记录发出的决定
type fakeChannel struct {
	mu        sync.Mutex
	handlers  map[string]rpc.UniInvokeHandler
	handle    func(r *rpc.InvokeRequest) *rpc.InvokeResponse
	decisions chan *rpc.ConnectDecision
	requests  chan *rpc.InvokeRequest
}

func newFakeChannel(handle func(r *rpc.InvokeRequest) *rpc.InvokeResponse) *fakeChannel {
	return &fakeChannel{
		handlers:  map[string]rpc.UniInvokeHandler{},
		handle:    handle,
		decisions: make(chan *rpc.ConnectDecision, 8),
		requests:  make(chan *rpc.InvokeRequest, 8),
	}
}

func (f *fakeChannel) InvokeTimeout(r *rpc.InvokeRequest, _ time.Duration) *rpc.InvokeResponse {
	if r.Path == rpc.InvokePath_Connect_Decision {
		decision := &rpc.ConnectDecision{}
		r.GetValue(decision)
		f.decisions <- decision
		return rpc.NewSuccessResponse(r.RequestId, nil)
	}
	select {
	case f.requests <- r:
	default:
	}
	if f.handle != nil {
		return f.handle(r)
	}
	return rpc.NewSuccessResponse(r.RequestId, nil)
}

func (f *fakeChannel) AddUniHandler(path string, handler rpc.UniInvokeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = handler
}

func (f *fakeChannel) Connected() bool { return true }

func (f *fakeChannel) push(path string, v any) {
	f.mu.Lock()
	handler := f.handlers[path]
	f.mu.Unlock()
	req := rpc.NewInvokeRequest(path)
	req.PutValue(v)
	handler(nil, req)
}

// pipeResult 返回管道连接作为协商结果，对端持续排空写入
func pipeResult(t *testing.T, kind transport.Kind) *transport.Result {
	t.Helper()
	local, remote := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, remote) }()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return &transport.Result{Conn: local, Candidate: transport.Candidate{Kind: kind}}
}

type fakeAcceptor struct {
	result *transport.Result
	err    error
}

func (a *fakeAcceptor) Accept(ctx context.Context, order *rpc.ConnectOrder) (*transport.Result, error) {
	return a.result, a.err
}

type fakeConnector struct {
	result *transport.Result
	err    error
}

func (c *fakeConnector) Connect(ctx context.Context, order *rpc.ConnectOrder) (*transport.Result, error) {
	return c.result, c.err
}

func newTestOrchestrator(t *testing.T, ch *fakeChannel) *Orchestrator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	signal := signaling.NewClient(ctx, ch)
	config := DefaultConfig()
	config.KeepAliveWindow = time.Millisecond * 300
	o, err := NewOrchestrator(ctx, config, signal)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func recvSessionEvent(t *testing.T, o *Orchestrator) Event {
	t.Helper()
	select {
	case ev := <-o.Events():
		return ev
	case <-time.After(time.Second * 5):
		t.Fatal("等待会话事件超时")
		return Event{}
	}
}

func expectEvent(t *testing.T, o *Orchestrator, kind EventKind) Event {
	t.Helper()
	ev := recvSessionEvent(t, o)
	if ev.Kind != kind {
		t.Fatalf("期望事件%v, 收到%v", kind, ev.Kind)
	}
	return ev
}

func TestControlledAcceptFlow(t *testing.T) {
	ch := newFakeChannel(nil)
	o := newTestOrchestrator(t, ch)
	o.SetAcceptor(&fakeAcceptor{result: pipeResult(t, transport.Kind_Relay)})

	ch.push(rpc.InvokePath_Connect_Incoming, &rpc.ConnectOrder{
		OrderId:      "order-1",
		FromDeviceId: 200001,
		CreateTime:   time.Now(),
	})

	ev := expectEvent(t, o, Event_PeerRequestReceived)
	if ev.Request.RequesterId != 200001 || ev.Request.OrderId != "order-1" {
		t.Fatalf("请求内容错误: %+v", ev.Request)
	}

	o.Accept(true)

	decision := <-ch.decisions
	if !decision.Accept || !decision.TrustPeer || decision.OrderId != "order-1" {
		t.Fatalf("接受决定错误: %+v", decision)
	}

	expectEvent(t, o, Event_Connecting)
	connected := expectEvent(t, o, Event_Connected)
	if connected.Candidate.Kind != transport.Kind_Relay {
		t.Fatalf("活动候选错误: %v", connected.Candidate)
	}
	expectEvent(t, o, Event_ControlledModuleUp)

	if o.State() != State_Streaming {
		t.Fatalf("应处于Streaming状态: %v", o.State())
	}
}

func TestSecondRequestWhileStreamingAutoRejected(t *testing.T) {
	ch := newFakeChannel(nil)
	o := newTestOrchestrator(t, ch)
	o.SetAcceptor(&fakeAcceptor{result: pipeResult(t, transport.Kind_Lan)})

	ch.push(rpc.InvokePath_Connect_Incoming, &rpc.ConnectOrder{OrderId: "order-1", FromDeviceId: 200001})
	expectEvent(t, o, Event_PeerRequestReceived)
	o.Accept(false)
	<-ch.decisions
	expectEvent(t, o, Event_Connecting)
	expectEvent(t, o, Event_Connected)
	expectEvent(t, o, Event_ControlledModuleUp)

	ch.push(rpc.InvokePath_Connect_Incoming, &rpc.ConnectOrder{OrderId: "order-2", FromDeviceId: 200002})

	select {
	case decision := <-ch.decisions:
		if decision.Accept || decision.Code != errcode.ServingAnotherClient {
			t.Fatalf("第二个请求应被自动拒绝: %+v", decision)
		}
		if decision.OrderId != "order-2" {
			t.Fatalf("拒绝的订单错误: %+v", decision)
		}
	case <-time.After(time.Second * 5):
		t.Fatal("等待自动拒绝超时")
	}

	select {
	case ev := <-o.Events():
		t.Fatalf("服务中的第二个请求不应上报事件: %v", ev.Kind)
	case <-time.After(time.Millisecond * 200):
	}
}

func TestRejectReturnsToIdle(t *testing.T) {
	ch := newFakeChannel(nil)
	o := newTestOrchestrator(t, ch)

	ch.push(rpc.InvokePath_Connect_Incoming, &rpc.ConnectOrder{OrderId: "order-1", FromDeviceId: 200001})
	expectEvent(t, o, Event_PeerRequestReceived)

	o.Reject()

	decision := <-ch.decisions
	if decision.Accept || decision.Code != errcode.UserReject {
		t.Fatalf("拒绝决定错误: %+v", decision)
	}

	deadline := time.Now().Add(time.Second * 3)
	for o.State() != State_Idle {
		if time.Now().After(deadline) {
			t.Fatalf("拒绝后应回到Idle: %v", o.State())
		}
		time.Sleep(time.Millisecond * 20)
	}
}

func TestControllerNegotiationFailureFaults(t *testing.T) {
	ch := newFakeChannel(func(r *rpc.InvokeRequest) *rpc.InvokeResponse {
		return rpc.NewSuccessResponse(r.RequestId, &rpc.ConnectOrder{OrderId: "order-9"})
	})
	o := newTestOrchestrator(t, ch)
	o.SetConnector(&fakeConnector{err: errcode.New(errcode.TransportInitFailed)})

	o.ConnectTo(300001, "token", "1.0.0")

	<-ch.requests
	// 等待请求句柄登记完成
	time.Sleep(time.Millisecond * 50)
	ch.push(rpc.InvokePath_Connect_Result, &rpc.ConnectDecision{OrderId: "order-9", Accept: true})

	expectEvent(t, o, Event_Connecting)
	fault := expectEvent(t, o, Event_SessionFault)
	if fault.Code != errcode.TransportInitFailed {
		t.Fatalf("故障码错误: %v", fault.Code)
	}
	if o.State() != State_Idle {
		t.Fatalf("故障终结后应回到Idle: %v", o.State())
	}
}

func TestControllerPeerRejectedFaults(t *testing.T) {
	ch := newFakeChannel(func(r *rpc.InvokeRequest) *rpc.InvokeResponse {
		return rpc.NewSuccessResponse(r.RequestId, &rpc.ConnectOrder{OrderId: "order-9"})
	})
	o := newTestOrchestrator(t, ch)

	o.ConnectTo(300001, "token", "1.0.0")
	<-ch.requests
	time.Sleep(time.Millisecond * 50)
	ch.push(rpc.InvokePath_Connect_Result, &rpc.ConnectDecision{
		OrderId: "order-9",
		Accept:  false,
		Code:    errcode.UserReject,
	})

	fault := expectEvent(t, o, Event_SessionFault)
	if fault.Code != errcode.UserReject {
		t.Fatalf("故障码错误: %v", fault.Code)
	}
}

func TestKeepAliveTimeoutFaultsExactlyOnce(t *testing.T) {
	ch := newFakeChannel(nil)
	o := newTestOrchestrator(t, ch)
	o.SetAcceptor(&fakeAcceptor{result: pipeResult(t, transport.Kind_Lan)})
	o.SetStreamHandler(func(ctx context.Context, stream *Stream) error {
		stream.RespondKeepAlive(o.Monitor())
		return nil
	})

	ch.push(rpc.InvokePath_Connect_Incoming, &rpc.ConnectOrder{OrderId: "order-1", FromDeviceId: 200001})
	expectEvent(t, o, Event_PeerRequestReceived)
	o.Accept(false)
	<-ch.decisions
	expectEvent(t, o, Event_Connecting)
	expectEvent(t, o, Event_Connected)
	expectEvent(t, o, Event_ControlledModuleUp)

	// 对端静默，监视窗口过后恰好一个致命故障
	expectEvent(t, o, Event_ControlledModuleDown)
	fault := expectEvent(t, o, Event_SessionFault)
	if fault.Code != errcode.WorkerKeepAliveTimeout {
		t.Fatalf("故障码错误: %v", fault.Code)
	}

	select {
	case ev := <-o.Events():
		t.Fatalf("故障只应上报一次: %v", ev.Kind)
	case <-time.After(time.Millisecond * 2500):
	}
}

func TestDisconnectClosesSession(t *testing.T) {
	ch := newFakeChannel(nil)
	o := newTestOrchestrator(t, ch)
	o.SetAcceptor(&fakeAcceptor{result: pipeResult(t, transport.Kind_Lan)})
	o.SetStreamHandler(func(ctx context.Context, stream *Stream) error {
		stream.RespondKeepAlive(o.Monitor())
		return nil
	})

	ch.push(rpc.InvokePath_Connect_Incoming, &rpc.ConnectOrder{OrderId: "order-1", FromDeviceId: 200001})
	expectEvent(t, o, Event_PeerRequestReceived)
	o.Accept(false)
	<-ch.decisions
	expectEvent(t, o, Event_Connecting)
	expectEvent(t, o, Event_Connected)
	expectEvent(t, o, Event_ControlledModuleUp)

	o.Disconnect()

	expectEvent(t, o, Event_ControlledModuleDown)
	expectEvent(t, o, Event_Disconnected)

	deadline := time.Now().Add(time.Second * 3)
	for o.State() != State_Idle {
		if time.Now().After(deadline) {
			t.Fatalf("断开后应回到Idle: %v", o.State())
		}
		time.Sleep(time.Millisecond * 20)
	}
}

// acceptNetPipe 让编排器接受管道连接的一端，远端交给用例自行读写
func acceptNetPipe(t *testing.T, ch *fakeChannel, o *Orchestrator) net.Conn {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	o.SetAcceptor(&fakeAcceptor{result: &transport.Result{Conn: local, Candidate: transport.Candidate{Kind: transport.Kind_Lan}}})

	ch.push(rpc.InvokePath_Connect_Incoming, &rpc.ConnectOrder{OrderId: "order-1", FromDeviceId: 200001})
	expectEvent(t, o, Event_PeerRequestReceived)
	o.Accept(false)
	<-ch.decisions
	expectEvent(t, o, Event_Connecting)
	expectEvent(t, o, Event_Connected)
	expectEvent(t, o, Event_ControlledModuleUp)
	return remote
}

func TestDisconnectReleasesTransport(t *testing.T) {
	ch := newFakeChannel(nil)
	o := newTestOrchestrator(t, ch)
	remote := acceptNetPipe(t, ch, o)

	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := remote.Read(buf)
		readDone <- err
	}()

	o.Disconnect()
	expectEvent(t, o, Event_ControlledModuleDown)
	expectEvent(t, o, Event_Disconnected)

	select {
	case <-readDone:
	case <-time.After(time.Second * 3):
		t.Fatal("会话断开后对端读取仍然阻塞,活动传输没有被释放")
	}
}

func TestPeerConnectionDropFaultsWithDisconnectCode(t *testing.T) {
	ch := newFakeChannel(nil)
	o := newTestOrchestrator(t, ch)
	remote := acceptNetPipe(t, ch, o)

	_ = remote.Close()

	expectEvent(t, o, Event_ControlledModuleDown)
	fault := expectEvent(t, o, Event_SessionFault)
	if fault.Code != errcode.PeerConnectionClosed {
		t.Fatalf("对端连接断开的故障码错误: %v", fault.Code)
	}
}

// ctxRecordingAcceptor 把协商期context暴露给用例
type ctxRecordingAcceptor struct {
	result *transport.Result
	negCtx chan context.Context
}

func (a *ctxRecordingAcceptor) Accept(ctx context.Context, order *rpc.ConnectOrder) (*transport.Result, error) {
	a.negCtx <- ctx
	return a.result, nil
}

func TestNegotiationContextCancelledAfterConnected(t *testing.T) {
	ch := newFakeChannel(nil)
	o := newTestOrchestrator(t, ch)
	acceptor := &ctxRecordingAcceptor{
		result: pipeResult(t, transport.Kind_Lan),
		negCtx: make(chan context.Context, 1),
	}
	o.SetAcceptor(acceptor)

	ch.push(rpc.InvokePath_Connect_Incoming, &rpc.ConnectOrder{OrderId: "order-1", FromDeviceId: 200001})
	expectEvent(t, o, Event_PeerRequestReceived)
	o.Accept(false)
	<-ch.decisions
	expectEvent(t, o, Event_Connecting)
	negCtx := <-acceptor.negCtx
	expectEvent(t, o, Event_Connected)
	expectEvent(t, o, Event_ControlledModuleUp)

	// 落选候选上的等待协程随协商期context一起回收
	select {
	case <-negCtx.Done():
	case <-time.After(time.Second * 3):
		t.Fatal("传输建立后协商期context未被取消")
	}
	if o.State() != State_Streaming {
		t.Fatalf("协商期context取消不应影响会话: %v", o.State())
	}
}

func TestStreamHandlerFailureFaultsSession(t *testing.T) {
	ch := newFakeChannel(nil)
	o := newTestOrchestrator(t, ch)
	o.SetAcceptor(&fakeAcceptor{result: pipeResult(t, transport.Kind_Lan)})
	o.SetStreamHandler(func(ctx context.Context, stream *Stream) error {
		return errcode.New(errcode.WorkerInitVideoFailed)
	})

	ch.push(rpc.InvokePath_Connect_Incoming, &rpc.ConnectOrder{OrderId: "order-1", FromDeviceId: 200001})
	expectEvent(t, o, Event_PeerRequestReceived)
	o.Accept(false)
	<-ch.decisions
	expectEvent(t, o, Event_Connecting)

	fault := expectEvent(t, o, Event_SessionFault)
	if fault.Code != errcode.WorkerInitVideoFailed {
		t.Fatalf("装配失败应按其错误码上报: %v", fault.Code)
	}
}
