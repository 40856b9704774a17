package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luoming-git/yuankong/errcode"
	"github.com/luoming-git/yuankong/rpc"
)

type fakeInvoker struct {
	mu     sync.Mutex
	calls  []string
	handle func(r *rpc.InvokeRequest) *rpc.InvokeResponse
}

func (f *fakeInvoker) InvokeTimeout(r *rpc.InvokeRequest, _ time.Duration) *rpc.InvokeResponse {
	f.mu.Lock()
	f.calls = append(f.calls, r.Path)
	f.mu.Unlock()
	return f.handle(r)
}

func (f *fakeInvoker) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.calls {
		if p == path {
			n++
		}
	}
	return n
}

func loginOkInvoker() *fakeInvoker {
	return &fakeInvoker{handle: func(r *rpc.InvokeRequest) *rpc.InvokeResponse {
		return rpc.NewSuccessResponse(r.RequestId, &rpc.LoginResponse{
			SessionToken: "session-token",
			ExpireAt:     time.Now().Add(time.Hour),
		})
	}}
}

func TestLoginIdempotent(t *testing.T) {
	inv := loginOkInvoker()
	store := NewStore(context.Background(), inv)

	if err := store.Login(12345678, "abcd1234", "conn-1", "1.0.0"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := store.Login(12345678, "abcd1234", "conn-1", "1.0.0"); err != nil {
		t.Fatalf("second login failed: %v", err)
	}
	if got := inv.callCount(rpc.InvokePath_Device_Login); got != 1 {
		t.Fatalf("expected exactly one login invoke, got %d", got)
	}
}

func TestLoginInvalidDeviceId(t *testing.T) {
	store := NewStore(context.Background(), loginOkInvoker())
	for _, deviceId := range []int64{42, 123456, 9999999, 100000000} {
		err := store.Login(deviceId, "abcd1234", "conn-1", "1.0.0")
		if errcode.CodeOf(err) != errcode.LoginDeviceInvalidID {
			t.Fatalf("deviceId %d: expected LoginDeviceInvalidID, got %v", deviceId, err)
		}
	}
}

func TestLoginAuthFailed(t *testing.T) {
	inv := &fakeInvoker{handle: func(r *rpc.InvokeRequest) *rpc.InvokeResponse {
		return rpc.NewFaultResponse(r.RequestId, errcode.AuthFailed)
	}}
	store := NewStore(context.Background(), inv)
	err := store.Login(12345678, "wrong", "conn-1", "1.0.0")
	if errcode.CodeOf(err) != errcode.AuthFailed {
		t.Fatalf("expected AuthFailed, got %v", err)
	}
	if store.LoggedIn() {
		t.Fatalf("store should not be logged in after auth failure")
	}
}

func TestAllocateNoAvailableID(t *testing.T) {
	inv := &fakeInvoker{handle: func(r *rpc.InvokeRequest) *rpc.InvokeResponse {
		return rpc.NewFaultResponse(r.RequestId, errcode.AllocateDeviceIDNoAvailableID)
	}}
	store := NewStore(context.Background(), inv)
	_, err := store.Allocate()
	if errcode.CodeOf(err) != errcode.AllocateDeviceIDNoAvailableID {
		t.Fatalf("expected AllocateDeviceIDNoAvailableID, got %v", err)
	}
}

func TestRefreshSwapsTokenAtomically(t *testing.T) {
	refreshed := "refreshed-token"
	inv := &fakeInvoker{handle: func(r *rpc.InvokeRequest) *rpc.InvokeResponse {
		if r.Path == rpc.InvokePath_Device_RefreshToken {
			return rpc.NewSuccessResponse(r.RequestId, &rpc.LoginResponse{
				AccessToken:  refreshed,
				SessionToken: "session-2",
				ExpireAt:     time.Now().Add(time.Hour),
			})
		}
		return rpc.NewSuccessResponse(r.RequestId, &rpc.LoginResponse{
			SessionToken: "session-1",
			ExpireAt:     time.Now().Add(time.Hour),
		})
	}}
	store := NewStore(context.Background(), inv)
	if err := store.Login(12345678, "abcd1234", "conn-1", "1.0.0"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	// 并发读取期间执行刷新，任何快照都必须是完整的新旧值之一
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			cur := store.Current()
			if cur.AccessToken != "abcd1234" && cur.AccessToken != refreshed {
				t.Errorf("torn identity snapshot: %+v", cur)
				return
			}
		}
	}()

	if err := store.RefreshToken(); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	<-done

	if store.Current().AccessToken != refreshed {
		t.Fatalf("token not swapped: %+v", store.Current())
	}
}

func TestRefreshFailureKeepsIdentity(t *testing.T) {
	fail := false
	inv := &fakeInvoker{handle: func(r *rpc.InvokeRequest) *rpc.InvokeResponse {
		if fail {
			return rpc.NewErrorResponse(r.RequestId, "server unavailable")
		}
		return rpc.NewSuccessResponse(r.RequestId, &rpc.LoginResponse{
			SessionToken: "session-1",
			ExpireAt:     time.Now().Add(time.Hour),
		})
	}}
	store := NewStore(context.Background(), inv)
	if err := store.Login(12345678, "abcd1234", "conn-1", "1.0.0"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	fail = true
	if err := store.RefreshToken(); err == nil {
		t.Fatalf("expected refresh failure")
	}
	if !store.LoggedIn() || store.Current().AccessToken != "abcd1234" {
		t.Fatalf("refresh failure must not tear down the live session")
	}
}
