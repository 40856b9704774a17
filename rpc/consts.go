package rpc

import "errors"

type TerminalType int
type ConnectionType string
type InvokeResult int

const (
	ServicePath = "/_yuankong/signaling"
)

const (
	TerminalType_Server     = TerminalType(1)
	TerminalType_Controlled = TerminalType(2)
	TerminalType_Controller = TerminalType(3)
)

const (
	InvokePath_Device_Allocate     = "/device/allocate"
	InvokePath_Device_Login        = "/device/login"
	InvokePath_Device_Heartbeat    = "/device/heartbeat"
	InvokePath_Device_RefreshToken = "/device/token/refresh"
	InvokePath_Device_Kick         = "/device/kick"

	InvokePath_Signal_Join    = "/signal/join"
	InvokePath_Signal_Send    = "/signal/send"
	InvokePath_Signal_Message = "/signal/message"

	InvokePath_Connect_Request  = "/connect/request"
	InvokePath_Connect_Incoming = "/connect/incoming"
	InvokePath_Connect_Decision = "/connect/decision"
	InvokePath_Connect_Result   = "/connect/result"

	InvokePath_Version_New = "/version/new"
)

const (
	HeadKey_Connection_DeviceId = "Yuankong-Connection-DeviceId" //当前连接对应的设备ID
	HeadKey_Connection_Id       = "Yuankong-Connection-Id"
	HeadKey_Connection_Type     = "Yuankong-Connection-Type" //连接类型
	HeadKey_ErrorCode           = "Yuankong-Error-Code"
)

const (
	ConnectionType_Command = "Command" //命令连接
)

const (
	SignalKind_Offer     = "offer"
	SignalKind_Answer    = "answer"
	SignalKind_RelayInfo = "relay-info"
	SignalKind_LanInfo   = "lan-info"
)

var (
	InvalidInvokerConnect = errors.New("无效的信令连接")
)

const (
	InvokeResult_Success = InvokeResult(200)
	InvokeResult_Error   = InvokeResult(400)
)
