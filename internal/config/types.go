// Package config loads the YAML configuration recognized by the tunnel: the
// TUN device, the upstream SOCKS5 proxy, the mapped-DNS virtual subnet, and
// the session-count cap.
package config

import (
	"fmt"
	"net"
	"time"
)

type TunnelConfig struct {
	Name    string `yaml:"name"`
	IPv4    string `yaml:"ipv4"`
	IPv6    string `yaml:"ipv6"`
	MTU     int    `yaml:"mtu"`
	PostUp  string `yaml:"post_up"`
	PreDown string `yaml:"pre_down"`

	// MultiQueue is a removed switch: the engine now sizes its own
	// readers/writers from runtime.NumCPU(). Recognized so old configs
	// don't fail to parse; logged once and otherwise ignored.
	MultiQueue *bool `yaml:"multi-queue"`
}

type Socks5Config struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UDP      bool   `yaml:"udp"`
}

func (s Socks5Config) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

type MapDNSConfig struct {
	Network   string `yaml:"network"`
	Netmask   string `yaml:"netmask"`
	CacheSize int    `yaml:"cache_size"`
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
}

func (m MapDNSConfig) Enabled() bool {
	return m.Network != "" && m.Address != ""
}

func (m MapDNSConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", m.Address, m.Port)
}

func (m MapDNSConfig) Subnet() (*net.IPNet, error) {
	ip := net.ParseIP(m.Network)
	if ip == nil {
		return nil, fmt.Errorf("mapdns: bad network %q", m.Network)
	}
	maskIP := net.ParseIP(m.Netmask)
	if maskIP == nil || maskIP.To4() == nil {
		return nil, fmt.Errorf("mapdns: bad netmask %q", m.Netmask)
	}
	mask := net.IPMask(maskIP.To4())
	return &net.IPNet{IP: ip.To4().Mask(mask), Mask: mask}, nil
}

type MiscConfig struct {
	MaxSessionCount int    `yaml:"max_session_count"`
	MetricsAddr     string `yaml:"metrics_address"`
}

type Config struct {
	Tunnel TunnelConfig `yaml:"tunnel"`
	Socks5 Socks5Config `yaml:"socks5"`
	MapDNS MapDNSConfig `yaml:"mapdns"`
	Misc   MiscConfig   `yaml:"misc"`

	// TimerTick is not an external config key in spec — it is the timer
	// driver's fixed cadence, exposed here only so tests can shrink it.
	TimerTick time.Duration `yaml:"-"`
}

func (c *Config) Validate() error {
	if c.Socks5.Address == "" {
		return fmt.Errorf("socks5.address is required")
	}
	if c.Socks5.Port <= 0 || c.Socks5.Port > 65535 {
		return fmt.Errorf("socks5.port invalid: %d", c.Socks5.Port)
	}
	if c.MapDNS.Enabled() {
		if _, err := c.MapDNS.Subnet(); err != nil {
			return err
		}
		if c.MapDNS.Port <= 0 {
			return fmt.Errorf("mapdns.port invalid: %d", c.MapDNS.Port)
		}
	}
	return nil
}
