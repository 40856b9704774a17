package errcode

import "fmt"

// Code 错误码，分段划分：0~通用，10000~被控/串流，30000~服务器，
// 50000~信令，60000~被控模块状态，70000~主控状态
type Code int32

const (
	Success             = Code(0)
	Unknown             = Code(1)
	InternalError       = Code(2)
	InvalidParam        = Code(3)
	InvalidStatus       = Code(4)
	AppNotOnline        = Code(5)
	AuthFailed          = Code(6)
	CreateServiceFailed = Code(7)
	StartServiceFailed  = Code(8)
	ClientVersionTooLow = Code(9)
	HostVersionTooLow   = Code(10)
	AccessTokenInvalid  = Code(11)

	DecodeFailed                   = Code(10001)
	RenderFailed                   = Code(10002)
	NoDecodeAbility                = Code(10003)
	InitDecodeRenderPipelineFailed = Code(10004)
	WorkerInitVideoFailed          = Code(10005)
	WorkerInitAudioFailed          = Code(10006)
	WorkerInitInputFailed          = Code(10007)
	ControlledInitFailed           = Code(10008)
	WorkerKeepAliveTimeout         = Code(10009)
	ServingAnotherClient           = Code(10010)
	TransportInitFailed            = Code(10011)
	UserReject                     = Code(10012)
	PeerConnectionClosed           = Code(10013)

	AllocateDeviceIDNoAvailableID      = Code(30001)
	LoginDeviceInvalidID               = Code(30002)
	LoginDeviceInvalidStatus           = Code(30003)
	RequestConnectionInvalidStatus     = Code(30004)
	RequestConnectionCreateOrderFailed = Code(30005)
	RequestConnectionPeerNotOnline     = Code(30006)
	RequestConnectionTimeout           = Code(30007)

	JoinRoomFailed         = Code(50001)
	SignalingPeerNotOnline = Code(50002)

	ServiceDisconnectedFromServer = Code(60001)

	ClientConnectTimeout   = Code(70001)
	ClientKeepAliveTimeout = Code(70002)
)

var codeMessages = map[Code]string{
	Success:             "success",
	Unknown:             "unknown",
	InternalError:       "internal error",
	InvalidParam:        "invalid parameters",
	InvalidStatus:       "invalid status, the local program or server has invalid status",
	AppNotOnline:        "remote app not online, can't confirm connection",
	AuthFailed:          "auth failed",
	CreateServiceFailed: "create service failed",
	StartServiceFailed:  "start service failed",
	ClientVersionTooLow: "client version too low",
	HostVersionTooLow:   "host version too low",
	AccessTokenInvalid:  "access token invalid",

	DecodeFailed:                   "decode failed",
	RenderFailed:                   "render failed",
	NoDecodeAbility:                "no decode ability",
	InitDecodeRenderPipelineFailed: "initialize decode-render pipeline failed",
	WorkerInitVideoFailed:          "controlled side initialize video capture or video encoder failed",
	WorkerInitAudioFailed:          "controlled side initialize audio capture or audio encoder failed",
	WorkerInitInputFailed:          "controlled side initialize input executor failed",
	ControlledInitFailed:           "controlled side initialize failed",
	WorkerKeepAliveTimeout:         "keepalive timeout",
	ServingAnotherClient:           "target is serving another client",
	TransportInitFailed:            "initialize transport failed",
	UserReject:                     "peer user rejected your request",
	PeerConnectionClosed:           "peer connection closed",

	AllocateDeviceIDNoAvailableID:      "request for allocating device id failed, server has no available id",
	LoginDeviceInvalidID:               "login device failed, invalid device id",
	LoginDeviceInvalidStatus:           "login device failed, server has invalid status",
	RequestConnectionInvalidStatus:     "request connection failed, server has invalid status",
	RequestConnectionCreateOrderFailed: "request connection failed, probably controlled side is serving another client",
	RequestConnectionPeerNotOnline:     "request connection failed, peer not online",
	RequestConnectionTimeout:           "request connection timeout",

	JoinRoomFailed:         "signaling server error, join room failed",
	SignalingPeerNotOnline: "send signaling message failed, peer not online",

	ServiceDisconnectedFromServer: "controlled module disconnected from server",

	ClientConnectTimeout:   "connect timeout",
	ClientKeepAliveTimeout: "keepalive timeout",
}

func Message(code Code) string {
	if msg, ok := codeMessages[code]; ok {
		return msg
	}
	return codeMessages[Unknown]
}

// Fault 带错误码的error，会话的终止事件只携带一个Fault
type Fault struct {
	Code  Code
	Cause error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("[%d] %s: %s", f.Code, Message(f.Code), f.Cause.Error())
	}
	return fmt.Sprintf("[%d] %s", f.Code, Message(f.Code))
}

func (f *Fault) Unwrap() error {
	return f.Cause
}

func New(code Code) *Fault {
	return &Fault{Code: code}
}

func Wrap(code Code, cause error) *Fault {
	return &Fault{Code: code, Cause: cause}
}

// CodeOf 从error中提取错误码，非Fault的错误归为Unknown
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	if f, ok := err.(*Fault); ok {
		return f.Code
	}
	return Unknown
}
