// Package config loads the node configuration from YAML and applies
// defaults, so a node can start with an empty file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Thunderblok/thunderline-sub015/pkg/bridge"
	"github.com/Thunderblok/thunderline-sub015/pkg/cachestore"
	"github.com/Thunderblok/thunderline-sub015/pkg/cluster"
	"github.com/Thunderblok/thunderline-sub015/pkg/supervisor"
)

// Config is the node's full configuration.
type Config struct {
	Node       NodeConfig        `yaml:"node"`
	Supervisor supervisor.Config `yaml:"supervisor"`
	Bridge     bridge.Config     `yaml:"bridge"`
	Cache      CacheConfig       `yaml:"cache"`
	Archive    ArchiveConfig     `yaml:"archive"`
	Clusters   []cluster.Config  `yaml:"clusters"`
}

// NodeConfig holds node-wide settings.
type NodeConfig struct {
	Name string `yaml:"name"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// GRPCPort is the control plane listen port. Zero picks a free port.
	GRPCPort int `yaml:"grpc_port"`
	// MetricsPort serves Prometheus metrics over HTTP.
	MetricsPort int `yaml:"metrics_port"`
	// SampleInterval drives the telemetry system sampler.
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// CacheConfig selects the optimization cache backend.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend string                 `yaml:"backend"`
	Redis   cachestore.RedisConfig `yaml:"redis"`
}

// ArchiveConfig controls the benchmark archive.
type ArchiveConfig struct {
	// Path is the SQLite file. Empty disables archiving.
	Path string `yaml:"path"`
}

// Load reads a YAML config file and applies defaults. A missing path
// yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node.Name == "" {
		c.Node.Name = "thunderline-node"
	}
	if c.Node.LogLevel == "" {
		c.Node.LogLevel = "info"
	}
	if c.Node.MetricsPort == 0 {
		c.Node.MetricsPort = 9464
	}
	if c.Node.SampleInterval <= 0 {
		c.Node.SampleInterval = 10 * time.Second
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Bridge.NodeID == "" {
		c.Bridge.NodeID = c.Node.Name
	}
}

func (c *Config) validate() error {
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	for i, cc := range c.Clusters {
		if err := cc.Validate(); err != nil {
			return fmt.Errorf("clusters[%d]: %w", i, err)
		}
	}
	return nil
}
