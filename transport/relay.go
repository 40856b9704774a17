package transport

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// RelayDialer 经SOCKS5中继服务建立候选连接，凭据来自中继描述串。
// candidate.Endpoint是被控端在中继侧可达的地址
type RelayDialer struct{}

func (d *RelayDialer) Kind() Kind {
	return Kind_Relay
}

func (d *RelayDialer) Dial(ctx context.Context, candidate Candidate) (net.Conn, error) {
	if candidate.Relay == nil {
		return nil, fmt.Errorf("中继候选缺少服务器信息")
	}

	auth := &proxy.Auth{
		User:     candidate.Relay.User,
		Password: candidate.Relay.Password,
	}
	dialer, err := proxy.SOCKS5("tcp", candidate.Relay.Addr(), auth, proxy.Direct)
	if err != nil {
		return nil, err
	}

	if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
		return ctxDialer.DialContext(ctx, "tcp", candidate.Endpoint)
	}
	return dialer.Dial("tcp", candidate.Endpoint)
}
