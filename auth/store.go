package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/luoming-git/yuankong/errcode"
	"github.com/luoming-git/yuankong/rpc"
	"github.com/luoming-git/yuankong/utils"
)

// Invoker 信令通道上的调用入口，由rpc/quic.Client实现
type Invoker interface {
	InvokeTimeout(r *rpc.InvokeRequest, timeout time.Duration) *rpc.InvokeResponse
}

// Identity 设备身份快照，整体原子替换，读取方不会看到中间状态
type Identity struct {
	DeviceId    int64  `json:"deviceId"`
	AccessToken string `json:"accessToken"`
}

type sessionState struct {
	sessionToken string
	expireAt     time.Time
}

// IsValidDeviceId 设备ID为8位数字，与服务端分配规则一致
func IsValidDeviceId(deviceId int64) bool {
	return deviceId >= 10000000 && deviceId <= 99999999
}

// Store 进程级凭据存储：多个会话并发读取，仅刷新任务写入
type Store struct {
	invoker        Invoker
	identity       atomic.Pointer[Identity]
	session        atomic.Pointer[sessionState]
	refreshSeconds int
	invokeTimeout  time.Duration
	onIdentitySaved func(identity Identity)
	utils.Closer
}

func NewStore(ctx context.Context, invoker Invoker) *Store {
	s := &Store{invoker: invoker, refreshSeconds: 1800, invokeTimeout: time.Second * 10}
	s.SetCtx(ctx)
	return s
}

func (s *Store) SetRefreshSeconds(seconds int) {
	if seconds > 0 {
		s.refreshSeconds = seconds
	}
}

// SetOnIdentitySaved 凭据变化后的落盘回调
func (s *Store) SetOnIdentitySaved(handler func(identity Identity)) {
	s.onIdentitySaved = handler
}

func (s *Store) Current() Identity {
	if v := s.identity.Load(); v != nil {
		return *v
	}
	return Identity{}
}

func (s *Store) SessionToken() string {
	if v := s.session.Load(); v != nil {
		return v.sessionToken
	}
	return ""
}

func (s *Store) LoggedIn() bool {
	v := s.session.Load()
	return v != nil && time.Now().Before(v.expireAt)
}

// Allocate 向服务端申请一个新的设备ID与初始访问令牌
func (s *Store) Allocate() (Identity, error) {
	req := rpc.NewInvokeRequest(rpc.InvokePath_Device_Allocate)
	resp := s.invoker.InvokeTimeout(req, s.invokeTimeout)
	if resp.ResultCode != rpc.InvokeResult_Success {
		if code := resp.Fault(); code != errcode.Unknown {
			return Identity{}, errcode.New(code)
		}
		return Identity{}, errcode.Wrap(errcode.AllocateDeviceIDNoAvailableID, errors.New(resp.ResultMessage))
	}

	alloc := &rpc.AllocateResponse{}
	resp.GetValue(alloc)
	identity := Identity{DeviceId: alloc.DeviceId, AccessToken: alloc.AccessToken}
	s.identity.Store(&identity)
	if s.onIdentitySaved != nil {
		s.onIdentitySaved(identity)
	}
	return identity, nil
}

// Login 用设备ID+访问令牌登录。重复登录是幂等的：已持有有效会话时直接返回
func (s *Store) Login(deviceId int64, accessToken string, connectionId string, version string) error {
	if !IsValidDeviceId(deviceId) {
		return errcode.New(errcode.LoginDeviceInvalidID)
	}

	if cur := s.Current(); cur.DeviceId == deviceId && cur.AccessToken == accessToken && s.LoggedIn() {
		return nil
	}

	req := rpc.NewInvokeRequest(rpc.InvokePath_Device_Login)
	req.PutValue(&rpc.LoginRequest{
		DeviceId:     deviceId,
		AccessToken:  accessToken,
		ConnectionId: connectionId,
		Version:      version,
	})

	resp := s.invoker.InvokeTimeout(req, s.invokeTimeout)
	if resp.ResultCode != rpc.InvokeResult_Success {
		if code := resp.Fault(); code != errcode.Unknown {
			return errcode.New(code)
		}
		return errcode.Wrap(errcode.AuthFailed, errors.New(resp.ResultMessage))
	}

	loginResp := &rpc.LoginResponse{}
	resp.GetValue(loginResp)

	token := accessToken
	if loginResp.AccessToken != "" {
		token = loginResp.AccessToken
	}
	identity := Identity{DeviceId: deviceId, AccessToken: token}
	s.identity.Store(&identity)
	s.session.Store(&sessionState{sessionToken: loginResp.SessionToken, expireAt: loginResp.ExpireAt})
	if s.onIdentitySaved != nil {
		s.onIdentitySaved(identity)
	}
	return nil
}

// StartRefresh 启动访问令牌的定期刷新。刷新失败只记录日志，
// 不影响已建立的会话
func (s *Store) StartRefresh() {
	go func() {
		for {
			select {
			case <-s.Ctx().Done():
				return
			case <-time.After(time.Duration(s.refreshSeconds) * time.Second):
				if err := s.RefreshToken(); err != nil {
					log.Println(fmt.Sprintf("访问令牌刷新失败: %v", err))
				}
			}
		}
	}()
}

func (s *Store) RefreshToken() error {
	cur := s.Current()
	if cur.DeviceId == 0 || !s.LoggedIn() {
		return errcode.New(errcode.InvalidStatus)
	}

	req := rpc.NewInvokeRequest(rpc.InvokePath_Device_RefreshToken)
	req.PutValue(&rpc.LoginRequest{DeviceId: cur.DeviceId, AccessToken: cur.AccessToken})
	req.Header[rpc.HeadKey_Connection_Id] = s.SessionToken()

	resp := s.invoker.InvokeTimeout(req, s.invokeTimeout)
	if resp.ResultCode != rpc.InvokeResult_Success {
		return errcode.Wrap(errcode.AccessTokenInvalid, errors.New(resp.ResultMessage))
	}

	loginResp := &rpc.LoginResponse{}
	resp.GetValue(loginResp)
	if loginResp.AccessToken != "" {
		identity := Identity{DeviceId: cur.DeviceId, AccessToken: loginResp.AccessToken}
		s.identity.Store(&identity)
		if s.onIdentitySaved != nil {
			s.onIdentitySaved(identity)
		}
	}
	if loginResp.SessionToken != "" {
		s.session.Store(&sessionState{sessionToken: loginResp.SessionToken, expireAt: loginResp.ExpireAt})
	}
	return nil
}

// Logout 清空会话状态，身份保留
func (s *Store) Logout() {
	s.session.Store(nil)
}
