package app

import (
	"context"
	"testing"
	"time"

	"github.com/luoming-git/yuankong/rpc"
)

func TestBridgeDeliversByKind(t *testing.T) {
	b := NewSignalBridge(nil)
	b.Bind("order-1", 100001)

	b.OnEnvelope(&rpc.SignalEnvelope{OrderId: "order-1", Kind: rpc.SignalKind_Offer, Body: "sdp-offer"})
	b.OnEnvelope(&rpc.SignalEnvelope{OrderId: "order-1", Kind: rpc.SignalKind_LanInfo, Body: "endpoints"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	body, err := b.RecvSignal(ctx, rpc.SignalKind_LanInfo)
	if err != nil {
		t.Fatal(err)
	}
	if body != "endpoints" {
		t.Errorf("收到的消息体不正确: %v", body)
	}

	body, err = b.RecvSignal(ctx, rpc.SignalKind_Offer)
	if err != nil {
		t.Fatal(err)
	}
	if body != "sdp-offer" {
		t.Errorf("收到的消息体不正确: %v", body)
	}
}

func TestBridgeDropsStaleOrder(t *testing.T) {
	b := NewSignalBridge(nil)
	b.Bind("order-2", 100001)
	b.OnEnvelope(&rpc.SignalEnvelope{OrderId: "order-1", Kind: rpc.SignalKind_Offer, Body: "stale"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	if _, err := b.RecvSignal(ctx, rpc.SignalKind_Offer); err == nil {
		t.Error("过期订单的消息不应被投递")
	}
}

func TestBridgeWildcardBindKeepsQueued(t *testing.T) {
	b := NewSignalBridge(nil)
	b.Bind("", 100001)
	b.OnEnvelope(&rpc.SignalEnvelope{OrderId: "order-3", Kind: rpc.SignalKind_LanInfo, Body: "early"})

	b.Bind("order-3", 100001)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	body, err := b.RecvSignal(ctx, rpc.SignalKind_LanInfo)
	if err != nil {
		t.Fatal(err)
	}
	if body != "early" {
		t.Errorf("通配绑定期间排队的消息应在收敛后保留: %v", body)
	}
}

func TestBridgeRebindClearsQueue(t *testing.T) {
	b := NewSignalBridge(nil)
	b.Bind("order-4", 100001)
	b.OnEnvelope(&rpc.SignalEnvelope{OrderId: "order-4", Kind: rpc.SignalKind_Answer, Body: "old"})

	b.Bind("order-5", 100002)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	if _, err := b.RecvSignal(ctx, rpc.SignalKind_Answer); err == nil {
		t.Error("换订单后旧消息应被清空")
	}
}
