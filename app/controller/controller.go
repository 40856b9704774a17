package controller

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/luoming-git/yuankong/app"
	"github.com/luoming-git/yuankong/auth"
	"github.com/luoming-git/yuankong/errcode"
	"github.com/luoming-git/yuankong/input"
	"github.com/luoming-git/yuankong/media"
	"github.com/luoming-git/yuankong/rpc"
	"github.com/luoming-git/yuankong/rpc/quic"
	"github.com/luoming-git/yuankong/session"
	"github.com/luoming-git/yuankong/signaling"
	"github.com/luoming-git/yuankong/transport"
	"github.com/luoming-git/yuankong/utils"
)

// Controller 主控端：向被控端请求控制权限，对端同意后协商传输，
// 会话期间接收媒体流并把本地输入发往对端
type Controller struct {
	DeviceId     int64          `json:"deviceId,omitempty"`
	AccessToken  string         `json:"accessToken,omitempty"`
	ServerAddr   string         `json:"serverAddr,omitempty"`
	Version      string         `json:"version,omitempty"`
	Session      session.Config `json:"session"`
	connectionId string
	targetToken  atomic.Pointer[string]
	signalCli    *quic.Client
	store        *auth.Store
	signal       *signaling.Client
	orchestrator *session.Orchestrator
	registry     *media.Registry
	bridge       *app.SignalBridge
	inputChan    atomic.Pointer[input.Channel]
	utils.Closer `json:"-"`
}

func NewController(ctx context.Context) *Controller {
	c := &Controller{}
	c.SetCtx(ctx)
	c.connectionId = uuid.New().String()

	utils.ReadJsonSetting("controller.json", c, func() {
		c.ServerAddr = "https://127.0.0.1:18888" + rpc.ServicePath
		c.Version = "1.0.0"
		c.Session = session.DefaultConfig()
	})

	if !c.Session.PortRange.Valid() {
		c.Session.PortRange = session.DefaultConfig().PortRange
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}

	c.registry = media.NewRegistry()
	app.RegisterSoftwareProviders(c.registry)

	c.signalCli = quic.NewClient(c.Ctx(), c.ServerAddr, c)
	c.store = auth.NewStore(c.Ctx(), c.signalCli)
	c.store.SetOnIdentitySaved(func(identity auth.Identity) {
		c.DeviceId = identity.DeviceId
		c.AccessToken = identity.AccessToken
		utils.SaveJsonSetting("controller.json", c)
	})

	c.signal = signaling.NewClient(c.Ctx(), c.signalCli)
	c.bridge = app.NewSignalBridge(c.signal)

	orchestrator, err := session.NewOrchestrator(c.Ctx(), c.Session, c.signal)
	if err != nil {
		log.Panicln(fmt.Sprintf("会话配置无效: %v", err))
	}
	c.orchestrator = orchestrator
	c.orchestrator.SetConnector(c)
	c.orchestrator.SetStreamHandler(c.onStream)
	c.orchestrator.SetSignalSink(c.bridge.OnEnvelope)

	go c.eventLoop()
	_ = c.signalCli.ConnectTo()
	log.Println("主控端已启动")
	return c
}

func (c *Controller) Close() {
	c.CtxCancel()
}

func (c *Controller) Orchestrator() *session.Orchestrator {
	return c.orchestrator
}

// Input 当前会话的输入通道，未在会话中时返回nil
func (c *Controller) Input() *input.Channel {
	if c.orchestrator.State() != session.State_Streaming {
		return nil
	}
	return c.inputChan.Load()
}

func (c *Controller) GetDeviceId() int64 {
	return c.DeviceId
}

func (c *Controller) GetConnectionId() string {
	return c.connectionId
}

func (c *Controller) SetConnectionId(connectionId string) {
	c.connectionId = connectionId
}

func (c *Controller) OnConnected(_ *rpc.Invoker) {
	go c.login()
}

func (c *Controller) login() {
	if c.DeviceId == 0 {
		identity, err := c.store.Allocate()
		if err != nil {
			log.Println(fmt.Sprintf("设备ID分配失败: %v", err))
			return
		}
		log.Println(fmt.Sprintf("已为本机分配设备ID[%v]", identity.DeviceId))
	}

	if err := c.store.Login(c.DeviceId, c.AccessToken, c.connectionId, c.Version); err != nil {
		log.Println(fmt.Sprintf("登录失败: %v", err))
		return
	}

	if err := c.signal.JoinRoom(c.DeviceId, c.store.SessionToken()); err != nil {
		log.Println(fmt.Sprintf("进入信令房间失败: %v", err))
		return
	}

	c.store.StartRefresh()
	log.Println(fmt.Sprintf("设备[%v]已上线", c.DeviceId))
}

// ConnectTo 向目标设备请求控制权限，accessToken为目标设备的访问令牌
func (c *Controller) ConnectTo(targetDeviceId int64, accessToken string) {
	c.targetToken.Store(&accessToken)
	c.bridge.Bind("", targetDeviceId)
	c.orchestrator.ConnectTo(targetDeviceId, accessToken, c.Version)
}

func (c *Controller) Disconnect() {
	c.orchestrator.Disconnect()
}

func (c *Controller) eventLoop() {
	for {
		select {
		case <-c.Ctx().Done():
			return
		case ev := <-c.orchestrator.Events():
			switch ev.Kind {
			case session.Event_Connected:
				log.Println(fmt.Sprintf("会话已建立,传输候选%v", ev.Candidate))
			case session.Event_SessionFault:
				log.Println(fmt.Sprintf("会话故障[%v]: %v", ev.Code, errcode.Message(ev.Code)))
			default:
				log.Println(fmt.Sprintf("会话事件: %v", ev.Kind))
			}
		}
	}
}

// Connect 主控端的传输建立：等待被控端通告可达端点后，
// 按LAN直连、P2P打洞、中继的优先级逐个协商
func (c *Controller) Connect(ctx context.Context, order *rpc.ConnectOrder) (*transport.Result, error) {
	c.bridge.Bind(order.OrderId, order.ToDeviceId)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second*30)
	defer cancel()
	body, err := c.bridge.RecvSignal(waitCtx, rpc.SignalKind_LanInfo)
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportInitFailed, err)
	}

	endpointInfo := &rpc.PeerEndpoints{}
	utils.GetJsonValue(endpointInfo, body)

	relay := c.Session.Relay()
	if endpointInfo.RelayDescriptor != "" {
		if peerRelay, parseErr := transport.ParseRelayDescriptor(endpointInfo.RelayDescriptor); parseErr == nil {
			relay = peerRelay
		}
	}

	candidates := transport.BuildCandidates(c.Session.ForceRelay, endpointInfo.LanEndpoints,
		endpointInfo.P2PAvailable, endpointInfo.RelayEndpoint, relay)

	secret := ""
	if token := c.targetToken.Load(); token != nil {
		secret = *token
	}
	hello := &transport.Hello{
		OrderId:  order.OrderId,
		DeviceId: c.DeviceId,
		Secret:   secret,
		Version:  c.Version,
	}

	negotiator := transport.NewNegotiator(&transport.LanDialer{}, &transport.RelayDialer{},
		transport.NewP2PDialer(c.bridge, nil))
	return negotiator.Negotiate(ctx, candidates, hello)
}

func (c *Controller) buildRender(kind media.StreamKind) (*media.RenderPipeline, error) {
	decoder, err := c.registry.ResolveDecoder(kind, app.SoftwareTag)
	if err != nil {
		return nil, errcode.Wrap(errcode.NoDecodeAbility, err)
	}
	renderer, err := c.registry.ResolveRenderer(kind, app.SoftwareTag)
	if err != nil {
		return nil, errcode.Wrap(errcode.NoDecodeAbility, err)
	}
	return media.NewRenderPipeline(kind, decoder, renderer, func(fault *errcode.Fault) {
		c.orchestrator.Fail(fault.Code)
	}), nil
}

// onStream 会话建立后的主控侧装配：起解码渲染管线，
// 打开输入通道并周期发送活性信标
func (c *Controller) onStream(ctx context.Context, stream *session.Stream) error {
	video, err := c.buildRender(media.Kind_Video)
	if err != nil {
		return err
	}
	if err = video.Start(ctx, c.registry); err != nil {
		return err
	}

	var audio *media.RenderPipeline
	if c.registry.HasDecodeAbility(media.Kind_Audio) {
		if audio, err = c.buildRender(media.Kind_Audio); err != nil {
			return err
		}
		if err = audio.Start(ctx, c.registry); err != nil {
			return err
		}
	} else {
		log.Println("本机没有音频解码能力,会话不播放声音")
	}

	stream.OnFrame(func(frame *media.Frame) {
		if frame.Kind == media.Kind_Audio {
			if audio != nil {
				audio.HandleFrame(frame)
			}
			return
		}
		video.HandleFrame(frame)
	})

	c.inputChan.Store(input.NewChannel(ctx, stream, c.Session.MouseAccel))
	stream.StartKeepAlive(ctx, c.orchestrator.Monitor(), 0)
	return nil
}
