package session

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/luoming-git/yuankong/errcode"
	"github.com/luoming-git/yuankong/rpc"
	"github.com/luoming-git/yuankong/signaling"
	"github.com/luoming-git/yuankong/transport"
	"github.com/luoming-git/yuankong/utils"
)

type State int

const (
	State_Idle                 = State(0)
	State_AwaitingPeerDecision = State(1)
	State_Negotiating          = State(2)
	State_Streaming            = State(3)
	State_Closing              = State(4)
	State_Closed               = State(5)
	State_Faulted              = State(6)
)

func (s State) String() string {
	switch s {
	case State_Idle:
		return "Idle"
	case State_AwaitingPeerDecision:
		return "AwaitingPeerDecision"
	case State_Negotiating:
		return "Negotiating"
	case State_Streaming:
		return "Streaming"
	case State_Closing:
		return "Closing"
	case State_Closed:
		return "Closed"
	case State_Faulted:
		return "Faulted"
	}
	return "Unknown"
}

// Connector 主控端在订单确认后协商出活动传输
type Connector interface {
	Connect(ctx context.Context, order *rpc.ConnectOrder) (*transport.Result, error)
}

// Acceptor 被控端等待对端在某个候选上完成握手
type Acceptor interface {
	Accept(ctx context.Context, order *rpc.ConnectOrder) (*transport.Result, error)
}

// StreamHandler 传输建立后由外层装配媒体管线与输入通道，
// 返回错误按其错误码作为会话级故障处理
type StreamHandler func(ctx context.Context, stream *Stream) error

// active 一个会话的全部子资源，随会话销毁整体释放
type active struct {
	order     *rpc.ConnectOrder
	request   *PeerRequest
	stream    *Stream
	monitor   *Monitor
	candidate transport.Candidate
	cancel    context.CancelFunc
}

// Orchestrator 会话编排。所有状态只在单个事件循环协程内读写，
// 信令事件与外部指令统一排队，一次处理一个；同一时刻至多一个会话
type Orchestrator struct {
	utils.Closer
	config        Config
	signal        *signaling.Client
	connector     Connector
	acceptor      Acceptor
	streamHandler StreamHandler
	signalSink    func(envelope *rpc.SignalEnvelope)
	events        chan Event
	commands      chan func()
	state         atomic.Int32
	current       *active
}

func NewOrchestrator(ctx context.Context, config Config, signal *signaling.Client) (*Orchestrator, error) {
	validated, err := config.Validate()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		config:   validated,
		signal:   signal,
		events:   make(chan Event, 64),
		commands: make(chan func(), 64),
	}
	o.SetCtx(ctx)
	go o.run()
	return o, nil
}

func (o *Orchestrator) Config() Config {
	return o.config
}

// Events 上报给外层界面的事件流
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

func (o *Orchestrator) SetConnector(connector Connector) {
	o.connector = connector
}

func (o *Orchestrator) SetAcceptor(acceptor Acceptor) {
	o.acceptor = acceptor
}

func (o *Orchestrator) SetStreamHandler(handler StreamHandler) {
	o.streamHandler = handler
}

// SetSignalSink 协商期间的端点与SDP信令转交给传输层消费
func (o *Orchestrator) SetSignalSink(sink func(envelope *rpc.SignalEnvelope)) {
	o.signalSink = sink
}

func (o *Orchestrator) post(cmd func()) {
	select {
	case o.commands <- cmd:
	case <-o.Ctx().Done():
	}
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		log.Println(fmt.Sprintf("事件队列已满,丢弃事件%v", ev.Kind))
	}
}

func (o *Orchestrator) run() {
	for {
		select {
		case cmd := <-o.commands:
			cmd()
		case ev, ok := <-o.signal.Events():
			if !ok {
				o.teardown()
				return
			}
			o.handleSignal(ev)
		case <-o.Ctx().Done():
			o.teardown()
			return
		}
	}
}

func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(state State) {
	old := o.State()
	if old != state {
		log.Println(fmt.Sprintf("会话状态: %v -> %v", old, state))
		o.state.Store(int32(state))
	}
}

// ConnectTo 主控端向对端请求控制权限，对端确认后开始传输协商
func (o *Orchestrator) ConnectTo(targetDeviceId int64, accessToken string, version string) {
	o.post(func() {
		if o.State() != State_Idle {
			log.Println(fmt.Sprintf("当前状态%v不允许发起连接", o.State()))
			return
		}
		o.setState(State_AwaitingPeerDecision)
		go func() {
			handle, err := o.signal.SendRequest(targetDeviceId, accessToken, version)
			if err != nil {
				o.post(func() { o.fail(errcode.CodeOf(err)) })
				return
			}
			decision := <-handle.Result
			o.post(func() { o.onDecision(handle.OrderId, targetDeviceId, decision) })
		}()
	})
}

func (o *Orchestrator) onDecision(orderId string, targetDeviceId int64, decision *rpc.ConnectDecision) {
	if o.State() != State_AwaitingPeerDecision {
		return
	}
	if decision == nil || !decision.Accept {
		code := errcode.UserReject
		if decision != nil && decision.Code != errcode.Success {
			code = decision.Code
		}
		o.fail(code)
		return
	}

	order := &rpc.ConnectOrder{
		OrderId:      orderId,
		FromDeviceId: o.signal.DeviceId(),
		ToDeviceId:   targetDeviceId,
		CreateTime:   time.Now(),
	}
	o.startNegotiation(order, func(ctx context.Context) (*transport.Result, error) {
		if o.connector == nil {
			return nil, errcode.New(errcode.TransportInitFailed)
		}
		return o.connector.Connect(ctx, order)
	})
}

// Accept 被控端用户同意当前的连接请求，trust为一次性信任标记
func (o *Orchestrator) Accept(trust bool) {
	o.post(func() {
		if o.State() != State_AwaitingPeerDecision || o.current == nil || o.current.request == nil {
			return
		}
		request := o.current.request
		request.OneTimeTrust = trust
		order := o.current.order
		go func() {
			_ = o.signal.SendDecision(&rpc.ConnectDecision{
				OrderId:   request.OrderId,
				Accept:    true,
				TrustPeer: trust,
			})
		}()
		o.startNegotiation(order, func(ctx context.Context) (*transport.Result, error) {
			if o.acceptor == nil {
				return nil, errcode.New(errcode.TransportInitFailed)
			}
			return o.acceptor.Accept(ctx, order)
		})
	})
}

// Reject 被控端用户拒绝当前的连接请求
func (o *Orchestrator) Reject() {
	o.post(func() {
		if o.State() != State_AwaitingPeerDecision || o.current == nil || o.current.request == nil {
			return
		}
		orderId := o.current.request.OrderId
		go func() {
			_ = o.signal.SendDecision(&rpc.ConnectDecision{
				OrderId: orderId,
				Accept:  false,
				Code:    errcode.UserReject,
			})
		}()
		o.reset()
	})
}

func (o *Orchestrator) startNegotiation(order *rpc.ConnectOrder, connect func(ctx context.Context) (*transport.Result, error)) {
	sessCtx, cancel := context.WithCancel(o.Ctx())
	if o.current == nil {
		o.current = &active{}
	}
	o.current.order = order
	o.current.cancel = cancel

	o.setState(State_Negotiating)
	o.emit(Event{Kind: Event_Connecting})

	go func() {
		result, err := connect(sessCtx)
		o.post(func() { o.onTransport(result, err) })
	}()
}

func (o *Orchestrator) onTransport(result *transport.Result, err error) {
	if o.State() != State_Negotiating || o.current == nil {
		if err == nil && result != nil {
			result.Conn.Close()
		}
		return
	}
	if err != nil {
		o.fail(errcode.CodeOf(err))
		return
	}

	// 胜出连接已经拿到，先取消协商期context回收落选的等待协程
	if o.current.cancel != nil {
		o.current.cancel()
	}
	sessCtx, cancel := context.WithCancel(o.Ctx())
	o.current.cancel = cancel
	o.current.candidate = result.Candidate
	o.current.stream = NewStream(sessCtx, result.Conn)
	o.current.monitor = NewMonitor(sessCtx, o.config.KeepAliveWindow, func() {
		o.post(func() { o.fail(errcode.WorkerKeepAliveTimeout) })
	})

	if o.streamHandler != nil {
		if handlerErr := o.streamHandler(sessCtx, o.current.stream); handlerErr != nil {
			o.fail(errcode.CodeOf(handlerErr))
			return
		}
	}

	stream := o.current.stream
	go func() {
		stream.Run()
		o.post(func() {
			if o.current != nil && o.current.stream == stream && o.State() == State_Streaming {
				o.fail(errcode.PeerConnectionClosed)
			}
		})
	}()

	o.setState(State_Streaming)
	o.emit(Event{Kind: Event_Connected, Candidate: &result.Candidate})
	o.emit(Event{Kind: Event_ControlledModuleUp})
}

// Stream 当前会话的流层，仅在Streaming状态返回非空
func (o *Orchestrator) Stream() *Stream {
	if o.State() == State_Streaming && o.current != nil {
		return o.current.stream
	}
	return nil
}

func (o *Orchestrator) Monitor() *Monitor {
	if o.current != nil {
		return o.current.monitor
	}
	return nil
}

// Disconnect 本端主动断开，正常关闭路径
func (o *Orchestrator) Disconnect() {
	o.post(func() {
		if o.State() == State_Idle || o.State() == State_Closed {
			return
		}
		o.setState(State_Closing)
		streaming := o.current != nil && o.current.stream != nil
		o.teardown()
		o.setState(State_Closed)
		if streaming {
			o.emit(Event{Kind: Event_ControlledModuleDown})
		}
		o.emit(Event{Kind: Event_Disconnected})
		o.setState(State_Idle)
	})
}

// Fail 外部组件上报会话级故障
func (o *Orchestrator) Fail(code errcode.Code) {
	o.post(func() { o.fail(code) })
}

// fail 故障终结路径：先释放全部子资源再上报，恰好一个故障码
func (o *Orchestrator) fail(code errcode.Code) {
	if o.State() == State_Idle || o.State() == State_Closed || o.State() == State_Faulted {
		return
	}
	o.setState(State_Faulted)
	streaming := o.current != nil && o.current.stream != nil
	o.teardown()
	if streaming {
		o.emit(Event{Kind: Event_ControlledModuleDown})
	}
	o.emit(Event{Kind: Event_SessionFault, Code: code})
	o.setState(State_Idle)
}

func (o *Orchestrator) reset() {
	o.teardown()
	o.setState(State_Idle)
}

func (o *Orchestrator) teardown() {
	if o.current == nil {
		return
	}
	if o.current.cancel != nil {
		o.current.cancel()
	}
	if o.current.stream != nil {
		o.current.stream.Close()
	}
	o.current = nil
}

func (o *Orchestrator) handleSignal(ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventPeerRequestReceived:
		o.onPeerRequest(ev.Order)
	case signaling.EventSignalReceived:
		// 按到达顺序转交传输层，不做去重
		if o.signalSink != nil && ev.Envelope != nil {
			o.signalSink(ev.Envelope)
		}
	case signaling.EventKicked:
		o.fail(errcode.ServiceDisconnectedFromServer)
	case signaling.EventDisconnected:
		if o.State() == State_Streaming || o.State() == State_Negotiating || o.State() == State_AwaitingPeerDecision {
			o.fail(errcode.ServiceDisconnectedFromServer)
		}
	case signaling.EventNewVersion:
		o.emit(Event{Kind: Event_NewVersionAvailable, Version: ev.Version})
	}
}

// onPeerRequest 被控端收到连接请求。已有会话在服务时自动拒绝，
// 单会话约束在这里保证
func (o *Orchestrator) onPeerRequest(order *rpc.ConnectOrder) {
	if order == nil {
		return
	}
	if o.State() != State_Idle {
		go func() {
			_ = o.signal.SendDecision(&rpc.ConnectDecision{
				OrderId: order.OrderId,
				Accept:  false,
				Code:    errcode.ServingAnotherClient,
			})
		}()
		return
	}

	request := &PeerRequest{
		OrderId:     order.OrderId,
		RequesterId: order.FromDeviceId,
		Time:        order.CreateTime,
	}
	o.current = &active{order: order, request: request}
	o.setState(State_AwaitingPeerDecision)
	o.emit(Event{Kind: Event_PeerRequestReceived, Request: request})
}
