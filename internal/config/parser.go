package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a YAML config file, filling in the same defaults
// the teacher's LoadConfig used for its own knobs.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	if c.Tunnel.MTU == 0 {
		c.Tunnel.MTU = 1500
	}
	if c.Tunnel.MultiQueue != nil {
		log.Printf("config: tunnel.multi-queue is deprecated and ignored; the engine sizes its own readers/writers")
	}
	if c.MapDNS.CacheSize == 0 {
		c.MapDNS.CacheSize = 4096
	}
	if c.MapDNS.Port == 0 {
		c.MapDNS.Port = 53
	}
	if c.Misc.MaxSessionCount == 0 {
		c.Misc.MaxSessionCount = 4096
	}
	if c.TimerTick == 0 {
		c.TimerTick = 250 * time.Millisecond
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
