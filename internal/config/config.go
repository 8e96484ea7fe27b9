// Package config loads node configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the on-disk node configuration. Zero fields take defaults at the
// consuming layer (pool, relay, node).
type Config struct {
	NodeID string `yaml:"node_id"`
	Addr   string `yaml:"addr"`

	MaxPoolSize     int           `yaml:"max_pool_size"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`

	MaxTTL            int           `yaml:"max_ttl"`
	SeenCacheSize     uint64        `yaml:"seen_cache_size"`
	SeenCacheTTL      time.Duration `yaml:"seen_cache_ttl"`
	AdvertiseInterval time.Duration `yaml:"advertise_interval"`
	DisableDiscovery  bool          `yaml:"disable_discovery"`

	LogLevel    string `yaml:"log_level"`    // debug | info | warn | error
	LogFile     string `yaml:"log_file"`     // optional JSON log sink
	MetricsAddr string `yaml:"metrics_addr"` // optional, e.g. ":9120"
}

// Default returns a config with sensible local-network defaults.
func Default() Config {
	return Config{
		NodeID:   defaultNodeID(),
		Addr:     ":0",
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file, filling defaults for empty
// identity fields.
func Load(path string) (Config, error) {
	cfg := Default()
	file, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":0"
	}
	return cfg, nil
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "hivemesh-node"
	}
	return host
}
