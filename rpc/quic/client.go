package quic

import (
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"time"

	"context"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"github.com/luoming-git/yuankong/rpc"
	"github.com/luoming-git/yuankong/utils"
)

type ClientAdapter interface {
	OnConnected(invoker *rpc.Invoker)
	GetDeviceId() int64
	GetConnectionId() string
	SetConnectionId(connectionId string)
}

// Client 信令通道的WebTransport客户端，断开后自动重连
type Client struct {
	invokeRoute      *rpc.InvokeRoute
	connected        bool
	keepaliveRun     bool
	serverAddr       string
	heartBeatSeconds int
	adapter          ClientAdapter
	utils.Closer
}

func (c *Client) SetHeartBeatSeconds(heartBeatSeconds int) {
	c.heartBeatSeconds = heartBeatSeconds
}

func (c *Client) getHeartBeatTime() time.Duration {
	if c.heartBeatSeconds <= 0 {
		c.heartBeatSeconds = 5
	}
	return time.Duration(c.heartBeatSeconds) * time.Second
}

func (c *Client) Connected() bool {
	return c.connected
}

func (c *Client) InvokeRoute() *rpc.InvokeRoute {
	return c.invokeRoute
}

func (c *Client) DefaultInvoker() *rpc.Invoker {
	if c.invokeRoute == nil {
		return nil
	}
	return c.invokeRoute.DefaultInvoker()
}

func (c *Client) Invoke(r *rpc.InvokeRequest) *rpc.InvokeResponse {
	return c.InvokeTimeout(r, 0)
}

func (c *Client) InvokeTimeout(r *rpc.InvokeRequest, timeout time.Duration) *rpc.InvokeResponse {
	invoker := c.DefaultInvoker()
	if invoker == nil {
		return rpc.NewErrorResponse(r.RequestId, rpc.InvalidInvokerConnect.Error())
	}
	re, err := invoker.InvokeTimeout(r, timeout)
	if err != nil {
		c.connected = false
		return rpc.NewErrorResponse(r.RequestId, err.Error())
	}
	return re
}

func (c *Client) AddRpcHandler(path string, handler rpc.BidiInvokeHandler) {
	c.invokeRoute.AddRpcHandler(path, handler)
}

func (c *Client) AddUniHandler(path string, handler rpc.UniInvokeHandler) {
	c.invokeRoute.AddUniHandler(path, handler)
}

func (c *Client) RemoveUniHandler(path string) {
	c.invokeRoute.RemoveUniHandler(path)
}

func (c *Client) RemoveRpcHandler(path string) {
	c.invokeRoute.RemoveRpcHandler(path)
}

func (c *Client) Dial(addr string, connType string,
	connectedHandler func(invoker *rpc.Invoker, session *webtransport.Session)) error {
	header := http.Header{}
	header.Set(rpc.HeadKey_Connection_DeviceId, fmt.Sprintf("%d", c.adapter.GetDeviceId()))
	header.Set(rpc.HeadKey_Connection_Id, c.adapter.GetConnectionId())
	header.Set(rpc.HeadKey_Connection_Type, connType)

	var d webtransport.Dialer
	d.RoundTripper = &http3.RoundTripper{}
	d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	_, session, err := d.Dial(c.Ctx(), addr, header)
	if err != nil {
		return err
	}

	stream, err := session.OpenStream()
	if err != nil {
		return err
	}

	c.connected = true
	invoker := c.invokeRoute.AddNewInvoker(c.adapter.GetConnectionId(), connType == rpc.ConnectionType_Command, stream)
	invoker.SetAttach("Session", session)
	invoker.SetAttach("Conn", NewConnWrapper(invoker.Ctx(), stream, session))
	invoker.SetOnClose(func() {
		_ = invoker.ReadWriter().Close()
		_ = session.CloseWithError(0, "")
		c.invokeRoute.RemoveInvoker(invoker.ConnectionId())
	})
	if connectedHandler != nil {
		connectedHandler(invoker, session)
	}
	return nil
}

func (c *Client) heartbeat() {
	for {
		select {
		case <-c.Ctx().Done():
			return
		case <-time.After(c.getHeartBeatTime()):
			if !c.connected {
				continue
			}
			req := rpc.NewInvokeRequest(rpc.InvokePath_Device_Heartbeat)
			req.Header[rpc.HeadKey_Connection_Id] = c.adapter.GetConnectionId()
			c.connected = c.DefaultInvoker().WriteRequest(req) == nil
		}
	}
}

// ConnectTo 建立命令通道，连接断开后按秒重试
func (c *Client) ConnectTo() error {
	err := c.Dial(c.serverAddr, rpc.ConnectionType_Command,
		func(invoker *rpc.Invoker, _ *webtransport.Session) {
			c.invokeRoute.SetDefaultInvoker(invoker)
			c.adapter.SetConnectionId(invoker.ConnectionId())
			invoker.SetWriteErrorHandler(func(_ error) {
				c.connected = false
			})
			invoker.SetReadErrorHandler(func(_ error) {
				c.connected = false
			})
			go c.invokeRoute.DispatchInvoke(invoker)
			c.adapter.OnConnected(invoker)
		})

	if err != nil {
		log.Println(err)
	}

	go func() {
		if c.keepaliveRun {
			return
		}
		go c.heartbeat()
		c.keepaliveRun = true
		for {
			select {
			case <-c.Ctx().Done():
				return
			default:
				if !c.connected {
					log.Println("连接信令服务出错,系统将尝试重新连接...")
					_ = c.ConnectTo()
				}
				time.Sleep(time.Second)
			}
		}
	}()

	return err
}

func NewClient(ctx context.Context, serverAddr string, adapter ClientAdapter) *Client {
	c := &Client{serverAddr: serverAddr, adapter: adapter}
	c.SetCtx(ctx)
	c.invokeRoute = rpc.NewInvokeRoute(c.Ctx())
	return c
}
