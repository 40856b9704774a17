package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	Kind_Lan   = Kind("LAN")
	Kind_P2P   = Kind("P2P")
	Kind_Relay = Kind("RELAY")
)

// RelayInfo 中继服务器描述，来自配置项 relay:<host>:<port>:<user>:<password>
type RelayInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
}

func (r *RelayInfo) Addr() string {
	return fmt.Sprintf("%v:%v", r.Host, r.Port)
}

var InvalidRelayDescriptor = errors.New("无效的中继服务器描述串")

// ParseRelayDescriptor 解析 relay:<host>:<port>:<user>:<password>
func ParseRelayDescriptor(descriptor string) (*RelayInfo, error) {
	parts := strings.Split(strings.TrimSpace(descriptor), ":")
	if len(parts) != 5 || parts[0] != "relay" {
		return nil, InvalidRelayDescriptor
	}

	port, err := strconv.Atoi(parts[2])
	if err != nil || port <= 0 || port > 65535 {
		return nil, InvalidRelayDescriptor
	}

	if parts[1] == "" || parts[3] == "" || parts[4] == "" {
		return nil, InvalidRelayDescriptor
	}

	return &RelayInfo{Host: parts[1], Port: port, User: parts[3], Password: parts[4]}, nil
}

// Candidate 传输候选，协商器按优先级逐个尝试
type Candidate struct {
	Kind     Kind       `json:"kind"`
	Endpoint string     `json:"endpoint,omitempty"`
	Relay    *RelayInfo `json:"relay,omitempty"`
}

func (c Candidate) String() string {
	if c.Kind == Kind_Relay && c.Relay != nil {
		return fmt.Sprintf("RELAY(%v)", c.Relay.Addr())
	}
	return fmt.Sprintf("%v(%v)", c.Kind, c.Endpoint)
}

// PortRange 传输使用的本地端口范围
type PortRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func (p PortRange) Valid() bool {
	return p.Min > 0 && p.Max <= 65535 && p.Min <= p.Max
}

func (p PortRange) Contains(port int) bool {
	return port >= p.Min && port <= p.Max
}

// BuildCandidates 按优先级生成候选列表：LAN直连、P2P打洞、中继。
// forceRelay为真时只生成中继候选
func BuildCandidates(forceRelay bool, lanEndpoints []string, p2pAvailable bool,
	relayEndpoint string, relay *RelayInfo) []Candidate {
	var candidates []Candidate

	if !forceRelay {
		for _, ep := range lanEndpoints {
			candidates = append(candidates, Candidate{Kind: Kind_Lan, Endpoint: ep})
		}
		if p2pAvailable {
			candidates = append(candidates, Candidate{Kind: Kind_P2P})
		}
	}

	if relay != nil && relayEndpoint != "" {
		candidates = append(candidates, Candidate{Kind: Kind_Relay, Endpoint: relayEndpoint, Relay: relay})
	}

	return candidates
}
