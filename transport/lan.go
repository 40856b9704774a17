package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// LanDialer 局域网TCP直连候选
type LanDialer struct{}

func (d *LanDialer) Kind() Kind {
	return Kind_Lan
}

func (d *LanDialer) Dial(ctx context.Context, candidate Candidate) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", candidate.Endpoint)
}

func nicIgnored(name string, ignoredNics []string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, pattern := range ignoredNics {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}

// ListenLan 在配置的端口范围内打开被控端监听，返回监听器与可通告的
// 局域网端点列表（跳过被排除的网卡）
func ListenLan(portRange PortRange, ignoredNics []string) (net.Listener, []string, error) {
	if !portRange.Valid() {
		return nil, nil, fmt.Errorf("无效的端口范围[%v-%v]", portRange.Min, portRange.Max)
	}

	var listener net.Listener
	var err error
	port := 0
	for p := portRange.Min; p <= portRange.Max; p++ {
		listener, err = net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err == nil {
			port = p
			break
		}
	}
	if listener == nil {
		return nil, nil, fmt.Errorf("端口范围[%v-%v]内没有可用端口: %w", portRange.Min, portRange.Max, err)
	}

	endpoints := gatherLanEndpoints(port, ignoredNics)
	return listener, endpoints, nil
}

func gatherLanEndpoints(port int, ignoredNics []string) []string {
	var endpoints []string
	ifaces, err := net.Interfaces()
	if err != nil {
		return endpoints
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if nicIgnored(iface.Name, ignoredNics) {
			continue
		}

		addrs, addrErr := iface.Addrs()
		if addrErr != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			endpoints = append(endpoints, fmt.Sprintf("%v:%v", ipNet.IP.String(), port))
		}
	}
	return endpoints
}
