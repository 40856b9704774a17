package session

import (
	"fmt"
	"time"

	"github.com/luoming-git/yuankong/input"
	"github.com/luoming-git/yuankong/transport"
)

// Config 会话配置，启动时校验一次，会话存续期内不可变
type Config struct {
	ForceRelay      bool                `json:"forceRelay"`
	PortRange       transport.PortRange `json:"portRange"`
	IgnoredNICs     []string            `json:"ignoredNics"`
	RelayServer     string              `json:"relayServer"`
	MouseAccel      float64             `json:"mouseAccel"`
	KeepAliveWindow time.Duration       `json:"keepAliveWindow"`
}

func DefaultConfig() Config {
	return Config{
		PortRange:       transport.PortRange{Min: 41000, Max: 41099},
		MouseAccel:      input.DefaultMouseAccel,
		KeepAliveWindow: time.Second * 5,
	}
}

// Validate 返回校验后的配置副本，非法的加速系数被钳到边界，
// 中继描述串在此解析一次
func (c Config) Validate() (Config, error) {
	if !c.PortRange.Valid() {
		return c, fmt.Errorf("非法的端口区间: %v-%v", c.PortRange.Min, c.PortRange.Max)
	}
	if c.ForceRelay && c.RelayServer == "" {
		return c, fmt.Errorf("强制中继时必须配置中继服务器")
	}
	if c.RelayServer != "" {
		if _, err := transport.ParseRelayDescriptor(c.RelayServer); err != nil {
			return c, err
		}
	}
	c.MouseAccel = input.ClampMouseAccel(c.MouseAccel)
	if c.KeepAliveWindow <= 0 {
		c.KeepAliveWindow = time.Second * 5
	}
	return c, nil
}

func (c Config) Relay() *transport.RelayInfo {
	if c.RelayServer == "" {
		return nil
	}
	relay, err := transport.ParseRelayDescriptor(c.RelayServer)
	if err != nil {
		return nil
	}
	return relay
}
