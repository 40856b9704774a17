package rpc

import (
	"time"

	"github.com/luoming-git/yuankong/errcode"
)

// DeviceRecord 服务端保存的设备注册记录
type DeviceRecord struct {
	DeviceId    int64     `json:"deviceId"`
	AccessToken string    `json:"accessToken"`
	CreateTime  time.Time `json:"createTime"`
}

// OnlineDevice 服务端在线设备记录，带租约，心跳续期
type OnlineDevice struct {
	DeviceId     int64     `json:"deviceId"`
	ConnectionId string    `json:"connectionId"`
	Version      string    `json:"version"`
	RemoteAddr   string    `json:"remoteAddr,omitempty"`
	LoginTime    time.Time `json:"loginTime"`
}

type AllocateResponse struct {
	DeviceId    int64  `json:"deviceId"`
	AccessToken string `json:"accessToken"`
}

type LoginRequest struct {
	DeviceId     int64  `json:"deviceId"`
	AccessToken  string `json:"accessToken"`
	ConnectionId string `json:"connectionId"`
	Version      string `json:"version"`
}

type LoginResponse struct {
	SessionToken string    `json:"sessionToken"`
	AccessToken  string    `json:"accessToken"`
	ExpireAt     time.Time `json:"expireAt"`
}

// ConnectOrder 主控发起的连接请求，服务端以此保证单会话约束
type ConnectOrder struct {
	OrderId      string    `json:"orderId"`
	FromDeviceId int64     `json:"fromDeviceId"`
	ToDeviceId   int64     `json:"toDeviceId"`
	AccessToken  string    `json:"accessToken"`
	Version      string    `json:"version"`
	CreateTime   time.Time `json:"createTime"`
}

// ConnectDecision 被控端对连接请求的决定
type ConnectDecision struct {
	OrderId   string       `json:"orderId"`
	Accept    bool         `json:"accept"`
	TrustPeer bool         `json:"trustPeer,omitempty"`
	Code      errcode.Code `json:"code,omitempty"`
}

// SignalEnvelope 经服务端转发的两端信令消息
type SignalEnvelope struct {
	OrderId string `json:"orderId"`
	From    int64  `json:"from"`
	To      int64  `json:"to"`
	Kind    string `json:"kind"`
	Body    string `json:"body"`
}

type KickRequest struct {
	DeviceId     int64  `json:"deviceId"`
	SessionToken string `json:"sessionToken"`
}

type VersionInfo struct {
	Version      string `json:"version"`
	ReleaseNotes string `json:"releaseNotes,omitempty"`
	ForceUpdate  bool   `json:"forceUpdate"`
	MinVersion   string `json:"minVersion,omitempty"`
}

// PeerEndpoints 被控端在订单确认后通告的可达端点，
// 作为lan-info信令的消息体
type PeerEndpoints struct {
	LanEndpoints    []string `json:"lanEndpoints"`
	RelayEndpoint   string   `json:"relayEndpoint,omitempty"`
	RelayDescriptor string   `json:"relayDescriptor,omitempty"`
	P2PAvailable    bool     `json:"p2pAvailable"`
}
