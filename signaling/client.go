package signaling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/luoming-git/yuankong/errcode"
	"github.com/luoming-git/yuankong/rpc"
	"github.com/luoming-git/yuankong/utils"
)

type EventKind int

const (
	EventPeerRequestReceived = EventKind(1)
	EventPeerAccepted        = EventKind(2)
	EventPeerRejected        = EventKind(3)
	EventSignalReceived      = EventKind(4)
	EventKicked              = EventKind(5)
	EventDisconnected        = EventKind(6)
	EventNewVersion          = EventKind(7)
)

// Event 信令事件，按到达顺序投递，消费方只有会话编排器
type Event struct {
	Kind     EventKind
	Order    *rpc.ConnectOrder
	Decision *rpc.ConnectDecision
	Envelope *rpc.SignalEnvelope
	Version  *rpc.VersionInfo
	Code     errcode.Code
}

// Channel 信令传输通道，生产实现为rpc/quic.Client
type Channel interface {
	InvokeTimeout(r *rpc.InvokeRequest, timeout time.Duration) *rpc.InvokeResponse
	AddUniHandler(path string, handler rpc.UniInvokeHandler)
	Connected() bool
}

// RequestHandle 一次连接请求的等待句柄
type RequestHandle struct {
	OrderId string
	Result  chan *rpc.ConnectDecision
}

// Client 信令客户端：维持到信令服务的长连接，进出某个设备的"房间"，
// 与指定对端交换信令消息
type Client struct {
	channel        Channel
	deviceId       int64
	sessionToken   string
	events         chan Event
	pending        *utils.Cache[*RequestHandle]
	requestTimeout time.Duration
	invokeTimeout  time.Duration
	utils.Closer
}

func NewClient(ctx context.Context, channel Channel) *Client {
	c := &Client{
		channel:        channel,
		events:         make(chan Event, 64),
		requestTimeout: time.Second * 30,
		invokeTimeout:  time.Second * 10,
	}
	c.SetCtx(ctx)
	c.pending = utils.NewCache[*RequestHandle](c.Ctx())
	c.initHandlers()
	return c
}

func (c *Client) SetRequestTimeout(timeout time.Duration) {
	c.requestTimeout = timeout
}

func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) DeviceId() int64 {
	return c.deviceId
}

func (c *Client) initHandlers() {
	c.channel.AddUniHandler(rpc.InvokePath_Connect_Incoming, c.onConnectIncoming)
	c.channel.AddUniHandler(rpc.InvokePath_Connect_Result, c.onConnectResult)
	c.channel.AddUniHandler(rpc.InvokePath_Signal_Message, c.onSignalMessage)
	c.channel.AddUniHandler(rpc.InvokePath_Device_Kick, c.onKick)
	c.channel.AddUniHandler(rpc.InvokePath_Version_New, c.onNewVersion)
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.Ctx().Done():
	}
}

// JoinRoom 登录后进入设备对应的房间，之后才能收发信令
func (c *Client) JoinRoom(deviceId int64, sessionToken string) error {
	req := rpc.NewInvokeRequest(rpc.InvokePath_Signal_Join)
	req.PutValue(&rpc.LoginRequest{DeviceId: deviceId})
	req.Header[rpc.HeadKey_Connection_Id] = sessionToken

	resp := c.channel.InvokeTimeout(req, c.invokeTimeout)
	if resp.ResultCode != rpc.InvokeResult_Success {
		return errcode.Wrap(errcode.JoinRoomFailed, errors.New(resp.ResultMessage))
	}
	c.deviceId = deviceId
	c.sessionToken = sessionToken
	return nil
}

// SendRequest 请求连接到目标设备。对端的接受/拒绝通过句柄的Result通道返回；
// 超时前无响应按RequestConnectionTimeout处理
func (c *Client) SendRequest(targetDeviceId int64, accessToken string, version string) (*RequestHandle, error) {
	req := rpc.NewInvokeRequest(rpc.InvokePath_Connect_Request)
	req.PutValue(&rpc.ConnectOrder{
		FromDeviceId: c.deviceId,
		ToDeviceId:   targetDeviceId,
		AccessToken:  accessToken,
		Version:      version,
	})
	req.Header[rpc.HeadKey_Connection_Id] = c.sessionToken

	resp := c.channel.InvokeTimeout(req, c.invokeTimeout)
	if resp.ResultCode != rpc.InvokeResult_Success {
		if code := resp.Fault(); code != errcode.Unknown {
			return nil, errcode.New(code)
		}
		return nil, errcode.Wrap(errcode.RequestConnectionInvalidStatus, errors.New(resp.ResultMessage))
	}

	order := &rpc.ConnectOrder{}
	resp.GetValue(order)

	handle := &RequestHandle{OrderId: order.OrderId, Result: make(chan *rpc.ConnectDecision, 1)}
	c.pending.Set(order.OrderId, handle)

	go func() {
		select {
		case <-c.Ctx().Done():
		case <-time.After(c.requestTimeout):
			c.pending.Delete(handle.OrderId)
			select {
			case handle.Result <- &rpc.ConnectDecision{
				OrderId: handle.OrderId,
				Accept:  false,
				Code:    errcode.RequestConnectionTimeout,
			}:
			default:
			}
		}
	}()

	return handle, nil
}

// Send 向对端转发一条信令消息
func (c *Client) Send(targetDeviceId int64, orderId string, kind string, body string) error {
	req := rpc.NewInvokeRequest(rpc.InvokePath_Signal_Send)
	req.PutValue(&rpc.SignalEnvelope{
		OrderId: orderId,
		From:    c.deviceId,
		To:      targetDeviceId,
		Kind:    kind,
		Body:    body,
	})
	req.Header[rpc.HeadKey_Connection_Id] = c.sessionToken

	resp := c.channel.InvokeTimeout(req, c.invokeTimeout)
	if resp.ResultCode != rpc.InvokeResult_Success {
		if resp.Fault() == errcode.SignalingPeerNotOnline {
			return errcode.New(errcode.SignalingPeerNotOnline)
		}
		return errcode.Wrap(errcode.InternalError, errors.New(resp.ResultMessage))
	}
	return nil
}

// SendDecision 被控端把接受/拒绝的决定发回服务端
func (c *Client) SendDecision(decision *rpc.ConnectDecision) error {
	req := rpc.NewInvokeRequest(rpc.InvokePath_Connect_Decision)
	req.PutValue(decision)
	req.Header[rpc.HeadKey_Connection_Id] = c.sessionToken

	resp := c.channel.InvokeTimeout(req, c.invokeTimeout)
	if resp.ResultCode != rpc.InvokeResult_Success {
		return errors.New(resp.ResultMessage)
	}
	return nil
}

func (c *Client) onConnectIncoming(_ *rpc.Invoker, request *rpc.InvokeRequest) {
	order := &rpc.ConnectOrder{}
	request.GetValue(order)
	c.emit(Event{Kind: EventPeerRequestReceived, Order: order})
}

func (c *Client) onConnectResult(_ *rpc.Invoker, request *rpc.InvokeRequest) {
	decision := &rpc.ConnectDecision{}
	request.GetValue(decision)

	// 信令服务可能重发Accept/Reject，句柄只消费一次，事件照常上报
	if handle := c.pending.Get(decision.OrderId); handle != nil {
		c.pending.Delete(decision.OrderId)
		select {
		case handle.Result <- decision:
		default:
		}
	}

	kind := EventPeerRejected
	if decision.Accept {
		kind = EventPeerAccepted
	}
	c.emit(Event{Kind: kind, Decision: decision, Code: decision.Code})
}

func (c *Client) onSignalMessage(_ *rpc.Invoker, request *rpc.InvokeRequest) {
	envelope := &rpc.SignalEnvelope{}
	request.GetValue(envelope)
	c.emit(Event{Kind: EventSignalReceived, Envelope: envelope})
}

func (c *Client) onKick(_ *rpc.Invoker, request *rpc.InvokeRequest) {
	log.Println("收到下线通知，当前设备已在别处登录或被踢出")
	c.emit(Event{Kind: EventKicked, Code: errcode.ServiceDisconnectedFromServer})
}

func (c *Client) onNewVersion(_ *rpc.Invoker, request *rpc.InvokeRequest) {
	info := &rpc.VersionInfo{}
	request.GetValue(info)
	log.Println(fmt.Sprintf("服务端发布了新版本[%v]", info.Version))
	c.emit(Event{Kind: EventNewVersion, Version: info})
}

// NotifyDisconnected 底层通道断开时由使用方调用
func (c *Client) NotifyDisconnected() {
	c.emit(Event{Kind: EventDisconnected, Code: errcode.ServiceDisconnectedFromServer})
}
