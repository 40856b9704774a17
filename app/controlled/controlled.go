package controlled

import (
	"context"
	"fmt"
	"log"
	"net"
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

// Controlled 被控端：登录信令服务后等待连接请求，
// 会话期间把本机画面与声音推给主控并执行远端输入
type Controlled struct {
	DeviceId     int64          `json:"deviceId,omitempty"`
	AccessToken  string         `json:"accessToken,omitempty"`
	ServerAddr   string         `json:"serverAddr,omitempty"`
	Version      string         `json:"version,omitempty"`
	AutoAccept   bool           `json:"autoAccept,omitempty"`
	Session      session.Config `json:"session"`
	connectionId string
	signalCli    *quic.Client
	store        *auth.Store
	signal       *signaling.Client
	orchestrator *session.Orchestrator
	registry     *media.Registry
	bridge       *app.SignalBridge
	utils.Closer `json:"-"`
}

func NewControlled(ctx context.Context) *Controlled {
	c := &Controlled{}
	c.SetCtx(ctx)
	c.connectionId = uuid.New().String()

	utils.ReadJsonSetting("controlled.json", c, func() {
		c.ServerAddr = "https://127.0.0.1:18888" + rpc.ServicePath
		c.Version = "1.0.0"
		c.AutoAccept = true
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
		utils.SaveJsonSetting("controlled.json", c)
	})

	c.signal = signaling.NewClient(c.Ctx(), c.signalCli)
	c.bridge = app.NewSignalBridge(c.signal)

	orchestrator, err := session.NewOrchestrator(c.Ctx(), c.Session, c.signal)
	if err != nil {
		log.Panicln(fmt.Sprintf("会话配置无效: %v", err))
	}
	c.orchestrator = orchestrator
	c.orchestrator.SetAcceptor(c)
	c.orchestrator.SetStreamHandler(c.onStream)
	c.orchestrator.SetSignalSink(c.bridge.OnEnvelope)

	go c.eventLoop()
	_ = c.signalCli.ConnectTo()
	log.Println("被控端已启动")
	return c
}

func (c *Controlled) Close() {
	c.CtxCancel()
}

func (c *Controlled) Orchestrator() *session.Orchestrator {
	return c.orchestrator
}

func (c *Controlled) GetDeviceId() int64 {
	return c.DeviceId
}

func (c *Controlled) GetConnectionId() string {
	return c.connectionId
}

func (c *Controlled) SetConnectionId(connectionId string) {
	c.connectionId = connectionId
}

func (c *Controlled) OnConnected(_ *rpc.Invoker) {
	go c.login()
}

func (c *Controlled) login() {
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

func (c *Controlled) eventLoop() {
	for {
		select {
		case <-c.Ctx().Done():
			return
		case ev := <-c.orchestrator.Events():
			switch ev.Kind {
			case session.Event_PeerRequestReceived:
				log.Println(fmt.Sprintf("设备[%v]请求连接本机", ev.Request.RequesterId))
				if c.AutoAccept {
					c.orchestrator.Accept(false)
				}
			case session.Event_SessionFault:
				log.Println(fmt.Sprintf("会话故障[%v]: %v", ev.Code, errcode.Message(ev.Code)))
			default:
				log.Println(fmt.Sprintf("会话事件: %v", ev.Kind))
			}
		}
	}
}

type acceptedConn struct {
	conn net.Conn
	kind transport.Kind
}

// Accept 被控端的传输建立：打开局域网监听并把可达端点通告给主控，
// LAN直连与经中继的连接都落在同一个监听器上，P2P打洞单独接受，
// 第一个通过握手校验的连接成为会话传输
func (c *Controlled) Accept(ctx context.Context, order *rpc.ConnectOrder) (*transport.Result, error) {
	listener, endpoints, err := transport.ListenLan(c.Session.PortRange, c.Session.IgnoredNICs)
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportInitFailed, err)
	}

	c.bridge.Bind(order.OrderId, order.FromDeviceId)

	relayEndpoint := ""
	if len(endpoints) > 0 {
		relayEndpoint = endpoints[0]
	}
	p2pAvailable := !c.Session.ForceRelay
	endpointInfo := &rpc.PeerEndpoints{
		LanEndpoints:    endpoints,
		RelayEndpoint:   relayEndpoint,
		RelayDescriptor: c.Session.RelayServer,
		P2PAvailable:    p2pAvailable,
	}
	if err = c.bridge.SendSignal(rpc.SignalKind_LanInfo, utils.GetJsonString(endpointInfo)); err != nil {
		_ = listener.Close()
		return nil, errcode.Wrap(errcode.TransportInitFailed, err)
	}

	verify := func(hello *transport.Hello) errcode.Code {
		if hello.OrderId != order.OrderId || hello.Secret != order.AccessToken {
			return errcode.AuthFailed
		}
		return errcode.Success
	}

	connChan := make(chan acceptedConn, 1)
	go func() {
		for {
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				return
			}
			go func(conn net.Conn) {
				if hsErr := transport.ServerHandshake(conn, time.Second*10, verify); hsErr != nil {
					log.Println(fmt.Sprintf("连接握手失败: %v", hsErr))
					_ = conn.Close()
					return
				}
				select {
				case connChan <- acceptedConn{conn: conn, kind: transport.Kind_Lan}:
				default:
					_ = conn.Close()
				}
			}(conn)
		}
	}()

	if p2pAvailable {
		go func() {
			acceptor := transport.NewP2PAcceptor(c.bridge, nil)
			conn, p2pErr := acceptor.Accept(ctx)
			if p2pErr != nil {
				return
			}
			if hsErr := transport.ServerHandshake(conn, time.Second*10, verify); hsErr != nil {
				_ = conn.Close()
				return
			}
			select {
			case connChan <- acceptedConn{conn: conn, kind: transport.Kind_P2P}:
			default:
				_ = conn.Close()
			}
		}()
	}

	select {
	case <-ctx.Done():
		_ = listener.Close()
		return nil, errcode.Wrap(errcode.ClientConnectTimeout, ctx.Err())
	case a := <-connChan:
		_ = listener.Close()
		candidate := transport.Candidate{Kind: a.kind, Endpoint: a.conn.RemoteAddr().String()}
		return &transport.Result{Conn: a.conn, Candidate: candidate}, nil
	}
}

func (c *Controlled) buildCapture(kind media.StreamKind, sender media.Sender) (*media.CapturePipeline, error) {
	code := errcode.WorkerInitVideoFailed
	if kind == media.Kind_Audio {
		code = errcode.WorkerInitAudioFailed
	}

	capturer, err := c.registry.ResolveCapturer(kind, app.SoftwareTag)
	if err != nil {
		return nil, errcode.Wrap(code, err)
	}
	encoder, err := c.registry.ResolveEncoder(kind, app.SoftwareTag)
	if err != nil {
		return nil, errcode.Wrap(code, err)
	}
	return media.NewCapturePipeline(kind, capturer, encoder, sender), nil
}

// onStream 会话建立后的被控侧装配：起两条采集管线，
// 接收远端输入并应答活性信标
func (c *Controlled) onStream(ctx context.Context, stream *session.Stream) error {
	video, err := c.buildCapture(media.Kind_Video, stream)
	if err != nil {
		return err
	}
	if err = video.Start(ctx); err != nil {
		return err
	}

	audio, err := c.buildCapture(media.Kind_Audio, stream)
	if err != nil {
		log.Println(fmt.Sprintf("本机没有可用的音频能力,会话不推送声音: %v", err))
	} else if err = audio.Start(ctx); err != nil {
		return err
	}

	dispatcher := input.NewDispatcher(&localExecutor{}, func() {
		log.Println("收到主控端的下线指令")
		c.orchestrator.Disconnect()
	})
	if err = dispatcher.Start(); err != nil {
		return err
	}

	stream.OnInput(dispatcher.HandleEvent)
	stream.RespondKeepAlive(c.orchestrator.Monitor())

	go func() {
		<-ctx.Done()
		_ = dispatcher.Close()
	}()
	return nil
}
