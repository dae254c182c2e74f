package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the plane's services. One file can
// configure all of them; each subcommand reads the fields it needs.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	// Listen addresses.
	StoreAddr       string `json:"store_addr" yaml:"store_addr" toml:"store_addr"`
	CoordinatorAddr string `json:"coordinator_addr" yaml:"coordinator_addr" toml:"coordinator_addr"`
	GatewayAddr     string `json:"gateway_addr" yaml:"gateway_addr" toml:"gateway_addr"`

	// Peer URLs for split deployments.
	StoreURL       string `json:"store_url" yaml:"store_url" toml:"store_url"`
	CoordinatorURL string `json:"coordinator_url" yaml:"coordinator_url" toml:"coordinator_url"`

	// Checkpoint store location on disk.
	StoreDir string `json:"store_dir" yaml:"store_dir" toml:"store_dir"`

	// Membership and lifecycle tunables, in milliseconds where applicable.
	HeartbeatTimeoutMs  int `json:"heartbeat_timeout_ms" yaml:"heartbeat_timeout_ms" toml:"heartbeat_timeout_ms"`
	HeartbeatIntervalMs int `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms" toml:"heartbeat_interval_ms"`
	LoadTimeoutMs       int `json:"load_timeout_ms" yaml:"load_timeout_ms" toml:"load_timeout_ms"`
	DefaultDeadlineMs   int `json:"default_deadline_ms" yaml:"default_deadline_ms" toml:"default_deadline_ms"`
	MaxEvictionsPerLoad int `json:"max_evictions_per_load" yaml:"max_evictions_per_load" toml:"max_evictions_per_load"`

	// Worker settings (used by the `worker` subcommand).
	WorkerID         string `json:"worker_id" yaml:"worker_id" toml:"worker_id"`
	WorkerAddr       string `json:"worker_addr" yaml:"worker_addr" toml:"worker_addr"`
	WorkerCapacityMB int64  `json:"worker_capacity_mb" yaml:"worker_capacity_mb" toml:"worker_capacity_mb"`

	// Gateway HTTP options.
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	CORSEnabled  bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
