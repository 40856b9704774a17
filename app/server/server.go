package server

import (
	"context"
	"fmt"
	"log"
	rand2 "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/luoming-git/yuankong/errcode"
	"github.com/luoming-git/yuankong/rpc"
	"github.com/luoming-git/yuankong/rpc/quic"
	"github.com/luoming-git/yuankong/utils"
)

// DeviceSession 一条在线的设备命令连接
type DeviceSession struct {
	DeviceInvoker *rpc.Invoker `json:"-"`
	rpc.OnlineDevice
}

type Server struct {
	TerminalId       string //服务端ID
	EtcdUri          string //Etcd连接字符串
	ServerPort       int
	ClientTimeOut    int
	SignKey          string
	RelayListenAddr  string
	RelayUser        string
	RelayPassword    string
	Version          string
	MinClientVersion string
	connectionId     string
	transServer      *quic.Server
	etcdOp           *EtcdOp
	devices          *utils.Cache[*DeviceSession]
	orders           *utils.Cache[*rpc.ConnectOrder]
	deviceIdMaps     sync.Map //维护一份简单的列表，记录设备ID与ConnectionId的对应关系，
	//如果ConnectionId发生改变，则说明设备有新的进程登录或是在别处登录，需要踢掉之前的连接
	busyDevices sync.Map //正在会话中的设备ID -> OrderId，保证同一被控端同时只服务一个主控
	utils.Closer
}

func NewServer(ctx context.Context) *Server {
	rand2.Intn(time.Now().Nanosecond())
	s := &Server{}
	s.SetCtx(ctx)
	s.connectionId = uuid.New().String()
	s.devices = utils.NewCache[*DeviceSession](s.Ctx())
	s.devices.SetExpireHandler(s.onDeviceExpire)
	s.orders = utils.NewCache[*rpc.ConnectOrder](s.Ctx())
	s.orders.SetExpireHandler(s.onOrderExpire)
	s.deviceIdMaps = sync.Map{}
	s.busyDevices = sync.Map{}

	utils.ReadJsonSetting("server.json", s, func() {
		s.TerminalId = uuid.New().String()
		s.ServerPort = 18888
		s.ClientTimeOut = 20
		s.SignKey = utils.RandStringWithFullChar(32)
		s.RelayListenAddr = "0.0.0.0:41080"
		s.RelayUser = "yuankong"
		s.RelayPassword = utils.RandStringWithLetterChar(16)
		s.Version = "1.0.0"
		s.MinClientVersion = "1.0.0"
	})

	if s.ClientTimeOut == 0 {
		s.ClientTimeOut = 20
	}

	s.initEtcd()
	s.transServer = quic.NewServer(s.Ctx(), s.ServerPort, rpc.ServicePath, s)
	s.transServer.SetLeaseSeconds(s.ClientTimeOut)
	s.initInvokeHandlers()
	s.initHttpHandlers(s.transServer.EchoMux())

	if s.RelayListenAddr != "" {
		if err := StartRelay(s.RelayListenAddr, s.RelayUser, s.RelayPassword); err != nil {
			log.Panicln(fmt.Sprintf("中转服务启动失败: %v", err))
		}
	}

	log.Println(fmt.Sprintf("服务端[%v]已启动成功", s.TerminalId))
	return s
}

func (s *Server) Close() {
	if s.etcdOp != nil {
		_, _ = s.etcdOp.Delete(fmt.Sprintf("%v/%v", EtcdKey_Server, s.TerminalId))
	}
	s.CtxCancel()
	time.Sleep(time.Millisecond * 200)
}

func (s *Server) initEtcd() {
	if s.EtcdUri == "" {
		log.Panicln("没有配置Etcd连接")
	}

	s.etcdOp = NewEtcdOp(s.Ctx(), s.EtcdUri)
	serverInfo := &rpc.OnlineDevice{
		ConnectionId: s.connectionId,
		Version:      s.Version,
		LoginTime:    time.Now(),
	}
	_, leaseId := s.etcdOp.CreateLease(5, true)
	_, _ = s.etcdOp.PutValueWithLease(fmt.Sprintf("%v/%v", EtcdKey_Server, s.TerminalId), serverInfo, leaseId)
	s.etcdOp.AddWatcher(EtcdKey_Server, s.serverWatcher)
}

func (s *Server) serverWatcher(eventType string, key string, value []byte) {
	log.Println(fmt.Sprintf("[%v]%v:%v", eventType, key, string(value)))
}

func (s *Server) initInvokeHandlers() {
	s.transServer.AddRpcHandler(rpc.InvokePath_Device_Allocate, s.onDeviceAllocate)
	s.transServer.AddRpcHandler(rpc.InvokePath_Device_Login, s.onDeviceLogin)
	s.transServer.AddRpcHandler(rpc.InvokePath_Device_RefreshToken, s.onTokenRefresh)
	s.transServer.AddRpcHandler(rpc.InvokePath_Signal_Join, s.onSignalJoin)
	s.transServer.AddRpcHandler(rpc.InvokePath_Signal_Send, s.onSignalSend)
	s.transServer.AddRpcHandler(rpc.InvokePath_Connect_Request, s.onConnectRequest)
	s.transServer.AddRpcHandler(rpc.InvokePath_Connect_Decision, s.onConnectDecision)
	s.transServer.AddUniHandler(rpc.InvokePath_Device_Heartbeat, s.onDeviceHeartbeat)
}

func (s *Server) ConnectionIn(connId string, deviceId int64, invoker *rpc.Invoker) {
	log.Println(fmt.Sprintf("设备[%v]接入新连接[%v]", deviceId, connId))
}

func (s *Server) ConnectionOut(connId string) {
	if session := s.devices.Get(connId); session != nil {
		s.devices.Delete(connId)
	}
}

func (s *Server) onDeviceExpire(_ string, value any) {
	session := value.(*DeviceSession)
	canRemove := false

	if v, ok := s.deviceIdMaps.Load(session.DeviceId); ok {
		oldConnId := v.(string)
		if oldConnId == session.ConnectionId {
			canRemove = true
			log.Println(fmt.Sprintf("准备移除设备[%v]的在线状态", session.DeviceId))
			s.deviceIdMaps.Delete(session.DeviceId)
		}
	}

	if canRemove {
		s.busyDevices.Delete(session.DeviceId)
		online := &rpc.OnlineDevice{}
		if s.etcdOp.GetJsonValue(DeviceOnlineKey(session.DeviceId), online) {
			if online.ConnectionId == session.ConnectionId {
				_, _ = s.etcdOp.Delete(DeviceOnlineKey(session.DeviceId))
			}
		}
	}
}

func (s *Server) onOrderExpire(_ string, value any) {
	order := value.(*rpc.ConnectOrder)
	if v, ok := s.busyDevices.Load(order.ToDeviceId); ok {
		if v.(string) == order.OrderId {
			s.busyDevices.Delete(order.ToDeviceId)
		}
	}
}

// onDeviceAllocate 给新设备分配8位数字ID与访问令牌，
// 分配过程在Etcd互斥锁的保护下完成，避免多个服务端实例撞号
func (s *Server) onDeviceAllocate(_ *rpc.Invoker, r *rpc.InvokeRequest) *rpc.InvokeResponse {
	for i := 0; i < 100; i++ {
		tmpInt := rand2.Int63n(99999999)
		if tmpInt < 10000000 {
			tmpInt = tmpInt + 10000000
		}

		lockKey := fmt.Sprintf("%v/%d", EtcdKey_Device_IdLock, tmpInt)
		etcdMux, err := NewEtcdMutex(s.Ctx(), s.etcdOp.Client(), lockKey, 30)
		if err != nil {
			return rpc.NewErrorResponse(r.RequestId, "%v", err)
		}

		if etcdMux.Lock() {
			record := &rpc.DeviceRecord{}
			if s.etcdOp.GetJsonValue(DeviceRecordKey(tmpInt), record) {
				etcdMux.UnLock()
				continue
			}

			record.DeviceId = tmpInt
			record.AccessToken = utils.RandStringWithFullChar(64)
			record.CreateTime = time.Now()
			_, _ = s.etcdOp.PutValue(DeviceRecordKey(tmpInt), record)
			etcdMux.UnLock()

			log.Println(fmt.Sprintf("新设备注册成功，分配设备ID[%v]", tmpInt))
			return rpc.NewSuccessResponse(r.RequestId, &rpc.AllocateResponse{
				DeviceId:    record.DeviceId,
				AccessToken: record.AccessToken,
			})
		}
	}

	return rpc.NewFaultResponse(r.RequestId, errcode.AllocateDeviceIDNoAvailableID)
}

func (s *Server) onDeviceLogin(invoker *rpc.Invoker, r *rpc.InvokeRequest) *rpc.InvokeResponse {
	req := &rpc.LoginRequest{}
	r.GetValue(req)

	if req.DeviceId < 10000000 || req.DeviceId > 99999999 {
		return rpc.NewFaultResponse(r.RequestId, errcode.LoginDeviceInvalidID)
	}

	record := &rpc.DeviceRecord{}
	if !s.etcdOp.GetJsonValue(DeviceRecordKey(req.DeviceId), record) {
		return rpc.NewFaultResponse(r.RequestId, errcode.LoginDeviceInvalidID)
	}

	if record.AccessToken != req.AccessToken {
		return rpc.NewFaultResponse(r.RequestId, errcode.AuthFailed)
	}

	if CompareVersion(req.Version, s.MinClientVersion) < 0 {
		return rpc.NewFaultResponse(r.RequestId, errcode.ClientVersionTooLow)
	}

	session := &DeviceSession{DeviceInvoker: invoker}
	session.DeviceId = req.DeviceId
	session.ConnectionId = invoker.ConnectionId()
	session.Version = req.Version
	session.RemoteAddr = invoker.RemoteAddr()
	session.LoginTime = time.Now()
	s.updateDevices(session)

	expire := time.Hour * 24
	token, err := CreateSessionToken(session.DeviceId, session.ConnectionId, s.SignKey, expire)
	if err != nil {
		return rpc.NewErrorResponse(r.RequestId, "%v", err)
	}

	return rpc.NewSuccessResponse(r.RequestId, &rpc.LoginResponse{
		SessionToken: token,
		AccessToken:  record.AccessToken,
		ExpireAt:     time.Now().Add(expire),
	})
}

// updateDevices 刷新设备的在线信息，同一设备的旧连接会被踢下线
func (s *Server) updateDevices(session *DeviceSession) {
	if v, ok := s.deviceIdMaps.Load(session.DeviceId); ok {
		oldConnId := v.(string)
		if oldConnId != session.ConnectionId {
			if oldCli := s.devices.Get(oldConnId); oldCli != nil {
				req := rpc.NewInvokeRequest(rpc.InvokePath_Device_Kick)
				req.PutValue(&rpc.KickRequest{DeviceId: session.DeviceId})
				_ = oldCli.DeviceInvoker.WriteRequest(req)
				time.Sleep(time.Millisecond * 100)
				s.transServer.InvokeRoute().RemoveInvoker(oldConnId)
				log.Println(fmt.Sprintf("设备[%v]在新连接登录，通知旧连接[%v]下线", session.DeviceId, oldConnId))
			}
		}
	}

	_, leaseId := s.etcdOp.CreateLease(s.ClientTimeOut, true)
	_, _ = s.etcdOp.PutValueWithLease(DeviceOnlineKey(session.DeviceId), &session.OnlineDevice, leaseId)

	s.devices.Set(session.ConnectionId, session)
	s.deviceIdMaps.Store(session.DeviceId, session.ConnectionId)
	s.devices.SetExpire(session.ConnectionId, time.Second*time.Duration(s.ClientTimeOut))
	log.Println(fmt.Sprintf("设备[%v]登录成功，连接[%v]", session.DeviceId, session.ConnectionId))
}

func (s *Server) onTokenRefresh(invoker *rpc.Invoker, r *rpc.InvokeRequest) *rpc.InvokeResponse {
	req := &rpc.LoginRequest{}
	r.GetValue(req)

	record := &rpc.DeviceRecord{}
	if !s.etcdOp.GetJsonValue(DeviceRecordKey(req.DeviceId), record) {
		return rpc.NewFaultResponse(r.RequestId, errcode.LoginDeviceInvalidID)
	}

	if record.AccessToken != req.AccessToken {
		return rpc.NewFaultResponse(r.RequestId, errcode.AccessTokenInvalid)
	}

	record.AccessToken = utils.RandStringWithFullChar(64)
	_, _ = s.etcdOp.PutValue(DeviceRecordKey(record.DeviceId), record)
	log.Println(fmt.Sprintf("设备[%v]已更换访问令牌", record.DeviceId))
	return rpc.NewSuccessResponse(r.RequestId, &rpc.AllocateResponse{
		DeviceId:    record.DeviceId,
		AccessToken: record.AccessToken,
	})
}

func (s *Server) onDeviceHeartbeat(invoker *rpc.Invoker, r *rpc.InvokeRequest) {
	s.transServer.OnInvokerHeartbeat(invoker, r)
	if session := s.devices.Get(invoker.ConnectionId()); session != nil {
		s.devices.SetExpire(invoker.ConnectionId(), time.Second*time.Duration(s.ClientTimeOut))
	}
}

// validSession 校验请求头中携带的会话令牌，令牌必须签给当前连接
func (s *Server) validSession(invoker *rpc.Invoker, r *rpc.InvokeRequest) *DeviceClaim {
	claim, err := ValidSessionToken(r.Header[rpc.HeadKey_Connection_Id], s.SignKey)
	if err != nil {
		return nil
	}
	if claim.ConnectionId != invoker.ConnectionId() {
		return nil
	}
	return claim
}

func (s *Server) onSignalJoin(invoker *rpc.Invoker, r *rpc.InvokeRequest) *rpc.InvokeResponse {
	req := &rpc.LoginRequest{}
	r.GetValue(req)

	claim := s.validSession(invoker, r)
	if claim == nil || claim.DeviceId != req.DeviceId {
		return rpc.NewFaultResponse(r.RequestId, errcode.JoinRoomFailed)
	}

	log.Println(fmt.Sprintf("设备[%v]进入信令房间", req.DeviceId))
	return rpc.NewSuccessResponse(r.RequestId, nil)
}

func (s *Server) onSignalSend(invoker *rpc.Invoker, r *rpc.InvokeRequest) *rpc.InvokeResponse {
	envelope := &rpc.SignalEnvelope{}
	r.GetValue(envelope)

	claim := s.validSession(invoker, r)
	if claim == nil || claim.DeviceId != envelope.From {
		return rpc.NewFaultResponse(r.RequestId, errcode.AuthFailed)
	}

	target := s.getOnlineSession(envelope.To)
	if target == nil {
		return rpc.NewFaultResponse(r.RequestId, errcode.SignalingPeerNotOnline)
	}

	forward := rpc.NewInvokeRequest(rpc.InvokePath_Signal_Message)
	forward.PutValue(envelope)
	if err := target.DeviceInvoker.WriteRequest(forward); err != nil {
		return rpc.NewFaultResponse(r.RequestId, errcode.SignalingPeerNotOnline)
	}
	return rpc.NewSuccessResponse(r.RequestId, nil)
}

func (s *Server) getOnlineSession(deviceId int64) *DeviceSession {
	v, ok := s.deviceIdMaps.Load(deviceId)
	if !ok {
		return nil
	}
	return s.devices.Get(v.(string))
}

// onConnectRequest 主控端请求连接到被控端，服务端生成连接订单并转给被控端确认，
// 同一被控端同时只接受一个订单
func (s *Server) onConnectRequest(invoker *rpc.Invoker, r *rpc.InvokeRequest) *rpc.InvokeResponse {
	req := &rpc.ConnectOrder{}
	r.GetValue(req)

	claim := s.validSession(invoker, r)
	if claim == nil || claim.DeviceId != req.FromDeviceId {
		return rpc.NewFaultResponse(r.RequestId, errcode.AuthFailed)
	}

	target := s.getOnlineSession(req.ToDeviceId)
	if target == nil {
		return rpc.NewFaultResponse(r.RequestId, errcode.RequestConnectionPeerNotOnline)
	}
	if CompareVersion(target.Version, s.MinClientVersion) < 0 {
		return rpc.NewFaultResponse(r.RequestId, errcode.HostVersionTooLow)
	}

	targetRecord := &rpc.DeviceRecord{}
	if !s.etcdOp.GetJsonValue(DeviceRecordKey(req.ToDeviceId), targetRecord) {
		return rpc.NewFaultResponse(r.RequestId, errcode.RequestConnectionPeerNotOnline)
	}
	if targetRecord.AccessToken != req.AccessToken {
		return rpc.NewFaultResponse(r.RequestId, errcode.AuthFailed)
	}

	order := &rpc.ConnectOrder{
		OrderId:      uuid.New().String(),
		FromDeviceId: req.FromDeviceId,
		ToDeviceId:   req.ToDeviceId,
		AccessToken:  req.AccessToken,
		Version:      req.Version,
		CreateTime:   time.Now(),
	}

	if _, loaded := s.busyDevices.LoadOrStore(order.ToDeviceId, order.OrderId); loaded {
		return rpc.NewFaultResponse(r.RequestId, errcode.RequestConnectionCreateOrderFailed)
	}
	s.orders.SetValue(order.OrderId, order, time.Minute*5)

	forward := rpc.NewInvokeRequest(rpc.InvokePath_Connect_Incoming)
	forward.PutValue(order)
	if err := target.DeviceInvoker.WriteRequest(forward); err != nil {
		s.orders.Delete(order.OrderId)
		s.busyDevices.Delete(order.ToDeviceId)
		return rpc.NewFaultResponse(r.RequestId, errcode.RequestConnectionPeerNotOnline)
	}

	log.Println(fmt.Sprintf("设备[%v]请求连接设备[%v]，订单[%v]", order.FromDeviceId, order.ToDeviceId, order.OrderId))
	return rpc.NewSuccessResponse(r.RequestId, order)
}

// onConnectDecision 被控端回传接受/拒绝的决定，转发给发起方
func (s *Server) onConnectDecision(invoker *rpc.Invoker, r *rpc.InvokeRequest) *rpc.InvokeResponse {
	decision := &rpc.ConnectDecision{}
	r.GetValue(decision)

	order := s.orders.Get(decision.OrderId)
	if order == nil {
		return rpc.NewFaultResponse(r.RequestId, errcode.RequestConnectionInvalidStatus)
	}

	claim := s.validSession(invoker, r)
	if claim == nil || claim.DeviceId != order.ToDeviceId {
		return rpc.NewFaultResponse(r.RequestId, errcode.AuthFailed)
	}

	if !decision.Accept {
		s.orders.Delete(order.OrderId)
		s.busyDevices.Delete(order.ToDeviceId)
	}

	requester := s.getOnlineSession(order.FromDeviceId)
	if requester == nil {
		return rpc.NewFaultResponse(r.RequestId, errcode.RequestConnectionPeerNotOnline)
	}

	forward := rpc.NewInvokeRequest(rpc.InvokePath_Connect_Result)
	forward.PutValue(decision)
	if err := requester.DeviceInvoker.WriteRequest(forward); err != nil {
		return rpc.NewFaultResponse(r.RequestId, errcode.RequestConnectionPeerNotOnline)
	}

	log.Println(fmt.Sprintf("订单[%v]的决定[accept=%v]已转发给设备[%v]", decision.OrderId, decision.Accept, order.FromDeviceId))
	return rpc.NewSuccessResponse(r.RequestId, nil)
}

func (s *Server) initHttpHandlers(e *echo.Echo) {
	e.GET("/api/devices", s.onHttpDeviceList)
	e.POST("/api/version", s.onHttpVersionPublish)
}

func (s *Server) onHttpDeviceList(c echo.Context) error {
	var list []*rpc.OnlineDevice
	s.etcdOp.GetArray(EtcdKey_Device_Online+"/", func(str string) {
		online := &rpc.OnlineDevice{}
		utils.GetJsonValue(online, str)
		list = append(list, online)
	})
	return c.JSON(200, utils.NewResponse("", list))
}

// onHttpVersionPublish 发布新版本通知，推送给所有在线设备
func (s *Server) onHttpVersionPublish(c echo.Context) error {
	info := &rpc.VersionInfo{}
	if err := c.Bind(info); err != nil {
		return c.JSON(200, utils.ErrResponse(err.Error()))
	}

	if info.Version == "" {
		return c.JSON(200, utils.ErrResponse("版本号不能为空"))
	}

	count := 0
	s.deviceIdMaps.Range(func(_, v any) bool {
		if session := s.devices.Get(v.(string)); session != nil {
			req := rpc.NewInvokeRequest(rpc.InvokePath_Version_New)
			req.PutValue(info)
			_ = session.DeviceInvoker.WriteRequest(req)
			count++
		}
		return true
	})

	log.Println(fmt.Sprintf("新版本[%v]已通知%v台在线设备", info.Version, count))
	return c.JSON(200, utils.SuccessResponse())
}
