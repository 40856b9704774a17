package app

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/luoming-git/yuankong/rpc"
	"github.com/luoming-git/yuankong/signaling"
)

// SignalBridge 把信令客户端适配成传输协商期间的信令收发口，
// 协商消息按类别排队，晚到的旧订单消息直接丢弃
type SignalBridge struct {
	signal  *signaling.Client
	lock    sync.Mutex
	orderId string
	peerId  int64
	chans   map[string]chan string
}

func NewSignalBridge(signal *signaling.Client) *SignalBridge {
	return &SignalBridge{signal: signal, chans: map[string]chan string{}}
}

// Bind 切换到新订单，上一订单排队中的消息全部作废。
// 订单号未知时可先以空订单号通配绑定，之后收敛到具体订单，
// 通配期间排队的消息保留
func (b *SignalBridge) Bind(orderId string, peerId int64) {
	defer b.lock.Unlock()
	b.lock.Lock()
	if b.orderId != orderId && !(b.orderId == "" && orderId != "") {
		b.chans = map[string]chan string{}
	}
	b.orderId = orderId
	b.peerId = peerId
}

func (b *SignalBridge) chanFor(kind string) chan string {
	defer b.lock.Unlock()
	b.lock.Lock()
	ch, ok := b.chans[kind]
	if !ok {
		ch = make(chan string, 4)
		b.chans[kind] = ch
	}
	return ch
}

// OnEnvelope 会话编排器把协商期信令转交到这里
func (b *SignalBridge) OnEnvelope(envelope *rpc.SignalEnvelope) {
	b.lock.Lock()
	current := b.orderId
	b.lock.Unlock()

	if current != "" && envelope.OrderId != current {
		return
	}

	select {
	case b.chanFor(envelope.Kind) <- envelope.Body:
	default:
		log.Println(fmt.Sprintf("信令[%v]队列已满,消息被丢弃", envelope.Kind))
	}
}

func (b *SignalBridge) SendSignal(kind string, body string) error {
	b.lock.Lock()
	orderId, peerId := b.orderId, b.peerId
	b.lock.Unlock()
	return b.signal.Send(peerId, orderId, kind, body)
}

func (b *SignalBridge) RecvSignal(ctx context.Context, kind string) (string, error) {
	select {
	case body := <-b.chanFor(kind):
		return body, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
