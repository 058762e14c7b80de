package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
tunnel:
  name: tun0
socks5:
  address: 127.0.0.1
  port: 1080
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tunnel.MTU != 1500 {
		t.Fatalf("expected default MTU 1500, got %d", cfg.Tunnel.MTU)
	}
	if cfg.Misc.MaxSessionCount != 4096 {
		t.Fatalf("expected default max session count 4096, got %d", cfg.Misc.MaxSessionCount)
	}
	if cfg.MapDNS.Port != 53 {
		t.Fatalf("expected default mapdns port 53, got %d", cfg.MapDNS.Port)
	}
	if cfg.TimerTick == 0 {
		t.Fatal("expected a default timer tick")
	}
}

func TestLoadRejectsMissingSocks5Address(t *testing.T) {
	path := writeConfig(t, `
tunnel:
  name: tun0
socks5:
  port: 1080
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing socks5.address")
	}
}

func TestLoadValidatesMapDNSSubnet(t *testing.T) {
	path := writeConfig(t, `
tunnel:
  name: tun0
socks5:
  address: 127.0.0.1
  port: 1080
mapdns:
  network: not-an-ip
  netmask: 255.255.255.0
  address: 10.0.0.1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for bad mapdns network")
	}
}

func TestMapDNSSubnetMasking(t *testing.T) {
	m := MapDNSConfig{Network: "198.18.0.5", Netmask: "255.255.255.240", Address: "198.18.0.1"}
	n, err := m.Subnet()
	if err != nil {
		t.Fatalf("Subnet: %v", err)
	}
	if n.IP.String() != "198.18.0.0" {
		t.Fatalf("expected masked network 198.18.0.0, got %s", n.IP)
	}
}

func TestSocks5Addr(t *testing.T) {
	s := Socks5Config{Address: "10.0.0.1", Port: 1080}
	if got := s.Addr(); got != "10.0.0.1:1080" {
		t.Fatalf("unexpected Addr(): %q", got)
	}
}
