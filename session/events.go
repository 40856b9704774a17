package session

import (
	"time"

	"github.com/luoming-git/yuankong/errcode"
	"github.com/luoming-git/yuankong/rpc"
	"github.com/luoming-git/yuankong/transport"
)

type EventKind int

const (
	Event_PeerRequestReceived  = EventKind(1)
	Event_Connecting           = EventKind(2)
	Event_Connected            = EventKind(3)
	Event_Disconnected         = EventKind(4)
	Event_ControlledModuleUp   = EventKind(5)
	Event_ControlledModuleDown = EventKind(6)
	Event_SessionFault         = EventKind(7)
	Event_NewVersionAvailable  = EventKind(8)
)

func (k EventKind) String() string {
	switch k {
	case Event_PeerRequestReceived:
		return "PeerRequestReceived"
	case Event_Connecting:
		return "Connecting"
	case Event_Connected:
		return "Connected"
	case Event_Disconnected:
		return "Disconnected"
	case Event_ControlledModuleUp:
		return "ControlledModuleUp"
	case Event_ControlledModuleDown:
		return "ControlledModuleDown"
	case Event_SessionFault:
		return "SessionFault"
	case Event_NewVersionAvailable:
		return "NewVersionAvailable"
	}
	return "Unknown"
}

// PeerRequest 对端连接请求。接受、拒绝或超时后销毁，
// 只随本地用户的决定变化
type PeerRequest struct {
	OrderId      string
	RequesterId  int64
	Time         time.Time
	OneTimeTrust bool
}

// Event 上报给外层界面的会话事件
type Event struct {
	Kind      EventKind
	Request   *PeerRequest
	Candidate *transport.Candidate
	Code      errcode.Code
	Version   *rpc.VersionInfo
}
