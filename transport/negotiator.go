package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/luoming-git/yuankong/errcode"
)

type AttemptState int

const (
	State_Idle        = AttemptState(0)
	State_Connecting  = AttemptState(1)
	State_Handshaking = AttemptState(2)
	State_Established = AttemptState(3)
	State_Failed      = AttemptState(4)
)

func (s AttemptState) String() string {
	switch s {
	case State_Idle:
		return "Idle"
	case State_Connecting:
		return "Connecting"
	case State_Handshaking:
		return "Handshaking"
	case State_Established:
		return "Established"
	case State_Failed:
		return "Failed"
	}
	return "Unknown"
}

// Dialer 某一类候选的拨号实现
type Dialer interface {
	Kind() Kind
	Dial(ctx context.Context, candidate Candidate) (net.Conn, error)
}

// Result 协商成功后的产物：活动连接与选中的候选
type Result struct {
	Conn      net.Conn
	Candidate Candidate
}

// Negotiator 按优先级顺序逐个尝试候选（不做并行竞速，避免两端同时出现
// 半开连接），第一个完成握手的候选成为会话的活动传输
type Negotiator struct {
	dialers        map[Kind]Dialer
	connectTimeout time.Duration
	onStateChange  func(candidate Candidate, state AttemptState)
}

func NewNegotiator(dialers ...Dialer) *Negotiator {
	n := &Negotiator{
		dialers:        map[Kind]Dialer{},
		connectTimeout: time.Second * 10,
	}
	for _, d := range dialers {
		n.dialers[d.Kind()] = d
	}
	return n
}

func (n *Negotiator) SetConnectTimeout(timeout time.Duration) {
	if timeout > 0 {
		n.connectTimeout = timeout
	}
}

func (n *Negotiator) SetOnStateChange(handler func(candidate Candidate, state AttemptState)) {
	n.onStateChange = handler
}

func (n *Negotiator) setState(candidate Candidate, state AttemptState) {
	if n.onStateChange != nil {
		n.onStateChange(candidate, state)
	}
}

// Negotiate 依次尝试候选列表。对端明确报告"正在服务其它客户端"时
// 立即终止整个协商；其余失败转入下一个候选；全部耗尽返回TransportInitFailed
func (n *Negotiator) Negotiate(ctx context.Context, candidates []Candidate, hello *Hello) (*Result, error) {
	if len(candidates) == 0 {
		return nil, errcode.New(errcode.TransportInitFailed)
	}

	for _, candidate := range candidates {
		select {
		case <-ctx.Done():
			return nil, errcode.Wrap(errcode.TransportInitFailed, ctx.Err())
		default:
		}

		dialer, ok := n.dialers[candidate.Kind]
		if !ok {
			continue
		}

		n.setState(candidate, State_Connecting)
		attemptCtx, cancel := context.WithTimeout(ctx, n.connectTimeout)
		conn, err := dialer.Dial(attemptCtx, candidate)
		cancel()
		if err != nil {
			n.setState(candidate, State_Failed)
			log.Println(fmt.Sprintf("候选%v连接失败: %v", candidate, err))
			continue
		}

		n.setState(candidate, State_Handshaking)
		if err = ClientHandshake(conn, hello, n.connectTimeout); err != nil {
			_ = conn.Close()
			n.setState(candidate, State_Failed)
			if errcode.CodeOf(err) == errcode.ServingAnotherClient {
				// 单会话约束由被控端保证，换候选重试没有意义
				return nil, err
			}
			log.Println(fmt.Sprintf("候选%v握手失败: %v", candidate, err))
			continue
		}

		n.setState(candidate, State_Established)
		log.Println(fmt.Sprintf("传输已建立,使用候选%v", candidate))
		return &Result{Conn: conn, Candidate: candidate}, nil
	}

	return nil, errcode.New(errcode.TransportInitFailed)
}
