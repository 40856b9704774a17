package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luoming-git/yuankong/errcode"
	"github.com/luoming-git/yuankong/rpc"
)

// fakeChannel 在进程内模拟信令服务的应答与单向推送
type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string]rpc.UniInvokeHandler
	handle   func(r *rpc.InvokeRequest) *rpc.InvokeResponse
}

func newFakeChannel(handle func(r *rpc.InvokeRequest) *rpc.InvokeResponse) *fakeChannel {
	return &fakeChannel{handlers: map[string]rpc.UniInvokeHandler{}, handle: handle}
}

func (f *fakeChannel) InvokeTimeout(r *rpc.InvokeRequest, _ time.Duration) *rpc.InvokeResponse {
	return f.handle(r)
}

func (f *fakeChannel) AddUniHandler(path string, handler rpc.UniInvokeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = handler
}

func (f *fakeChannel) Connected() bool { return true }

func (f *fakeChannel) push(path string, v any) {
	f.mu.Lock()
	handler := f.handlers[path]
	f.mu.Unlock()
	req := rpc.NewInvokeRequest(path)
	req.PutValue(v)
	handler(nil, req)
}

func TestJoinRoomFailed(t *testing.T) {
	ch := newFakeChannel(func(r *rpc.InvokeRequest) *rpc.InvokeResponse {
		return rpc.NewErrorResponse(r.RequestId, "room unavailable")
	})
	cli := NewClient(context.Background(), ch)
	err := cli.JoinRoom(123456, "st")
	if errcode.CodeOf(err) != errcode.JoinRoomFailed {
		t.Fatalf("expected JoinRoomFailed, got %v", err)
	}
}

func TestSendRequestPeerNotOnline(t *testing.T) {
	ch := newFakeChannel(func(r *rpc.InvokeRequest) *rpc.InvokeResponse {
		return rpc.NewFaultResponse(r.RequestId, errcode.RequestConnectionPeerNotOnline)
	})
	cli := NewClient(context.Background(), ch)
	_, err := cli.SendRequest(654321, "abcd1234", "1.0.0")
	if errcode.CodeOf(err) != errcode.RequestConnectionPeerNotOnline {
		t.Fatalf("expected RequestConnectionPeerNotOnline, got %v", err)
	}
}

func TestSendRequestTimesOut(t *testing.T) {
	ch := newFakeChannel(func(r *rpc.InvokeRequest) *rpc.InvokeResponse {
		return rpc.NewSuccessResponse(r.RequestId, &rpc.ConnectOrder{OrderId: "order-1"})
	})
	cli := NewClient(context.Background(), ch)
	cli.SetRequestTimeout(30 * time.Millisecond)

	handle, err := cli.SendRequest(654321, "abcd1234", "1.0.0")
	if err != nil {
		t.Fatalf("send request failed: %v", err)
	}

	select {
	case decision := <-handle.Result:
		if decision.Accept || decision.Code != errcode.RequestConnectionTimeout {
			t.Fatalf("expected timeout decision, got %+v", decision)
		}
	case <-time.After(time.Second):
		t.Fatalf("request handle never resolved")
	}
}

func TestDuplicateDecisionHandledIdempotently(t *testing.T) {
	ch := newFakeChannel(func(r *rpc.InvokeRequest) *rpc.InvokeResponse {
		return rpc.NewSuccessResponse(r.RequestId, &rpc.ConnectOrder{OrderId: "order-1"})
	})
	cli := NewClient(context.Background(), ch)

	handle, err := cli.SendRequest(654321, "abcd1234", "1.0.0")
	if err != nil {
		t.Fatalf("send request failed: %v", err)
	}

	decision := &rpc.ConnectDecision{OrderId: "order-1", Accept: true}
	ch.push(rpc.InvokePath_Connect_Result, decision)
	ch.push(rpc.InvokePath_Connect_Result, decision)

	select {
	case d := <-handle.Result:
		if !d.Accept {
			t.Fatalf("expected accept, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("decision not delivered")
	}

	// 重复的Accept只消费一次句柄，但事件照常出现两次，由编排器幂等处理
	events := cli.Events()
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.Kind != EventPeerAccepted {
				t.Fatalf("expected EventPeerAccepted, got %v", ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing duplicate accept event %d", i)
		}
	}
}

func TestSignalMessagesDeliveredInOrder(t *testing.T) {
	ch := newFakeChannel(func(r *rpc.InvokeRequest) *rpc.InvokeResponse {
		return rpc.NewSuccessResponse(r.RequestId, nil)
	})
	cli := NewClient(context.Background(), ch)

	kinds := []string{rpc.SignalKind_Offer, rpc.SignalKind_Answer, rpc.SignalKind_RelayInfo}
	for _, k := range kinds {
		ch.push(rpc.InvokePath_Signal_Message, &rpc.SignalEnvelope{Kind: k})
	}

	for _, want := range kinds {
		select {
		case ev := <-cli.Events():
			if ev.Kind != EventSignalReceived || ev.Envelope.Kind != want {
				t.Fatalf("out of order event: %+v, want %v", ev, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing signal event %v", want)
		}
	}
}
