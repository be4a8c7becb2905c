// Package config loads and defaults the node's runtime configuration,
// per spec.md §6's "Config knobs (recognized options)". Every field is
// the kind of ConfigInvalid error spec.md §7 treats as silently
// recoverable: an out-of-range or missing value is logged and replaced
// with its default, never a fatal condition.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"noded/internal/common/fsutil"
)

// Config holds every runtime knob named in spec.md §6. Zero values mean
// "unspecified"; ApplyDefaults fills them in.
type Config struct {
	RouterURL            string `json:"router_url" yaml:"router_url" toml:"router_url"`
	ModelsDir            string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	NodePort             int    `json:"node_port" yaml:"node_port" toml:"node_port"`
	BindAddress          string `json:"bind_address" yaml:"bind_address" toml:"bind_address"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec" toml:"heartbeat_interval_sec"`
	RequireGPU           *bool  `json:"require_gpu" yaml:"require_gpu" toml:"require_gpu"`
	IPAddress            string `json:"ip_address" yaml:"ip_address" toml:"ip_address"`
	AutoRepair           bool   `json:"auto_repair" yaml:"auto_repair" toml:"auto_repair"`
	RepairTimeoutSecs    int    `json:"repair_timeout_secs" yaml:"repair_timeout_secs" toml:"repair_timeout_secs"`

	MaxRetries     int   `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	BackoffMS      int   `json:"backoff_ms" yaml:"backoff_ms" toml:"backoff_ms"`
	MaxConcurrency int   `json:"max_concurrency" yaml:"max_concurrency" toml:"max_concurrency"`
	MaxBytesPerSec int64 `json:"max_bytes_per_sec" yaml:"max_bytes_per_sec" toml:"max_bytes_per_sec"`
	ChunkSize      int   `json:"chunk_size" yaml:"chunk_size" toml:"chunk_size"`

	IdleTimeoutMS  int   `json:"idle_timeout_ms" yaml:"idle_timeout_ms" toml:"idle_timeout_ms"`
	MaxLoaded      int   `json:"max_loaded" yaml:"max_loaded" toml:"max_loaded"`
	MaxMemoryBytes int64 `json:"max_memory_bytes" yaml:"max_memory_bytes" toml:"max_memory_bytes"`
	GPULayers      int   `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
}

// Load reads a configuration file based on its extension. Supports:
// .yaml/.yml, .json, .toml.
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

// defaultModelsDir returns "<home>/.llm-router/models", falling back to a
// relative path if the home directory cannot be resolved.
func defaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".llm-router/models"
	}
	return filepath.Join(home, ".llm-router", "models")
}

// ApplyDefaults fills every zero-valued field with its spec.md §6
// default, returning the field names that were defaulted so the caller
// can log them at warning level.
func ApplyDefaults(cfg Config) (Config, []string) {
	var defaulted []string
	set := func(name string) { defaulted = append(defaulted, name) }

	if cfg.RouterURL == "" {
		cfg.RouterURL = "http://127.0.0.1:11434"
		set("router_url")
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = defaultModelsDir()
		set("models_dir")
	} else if expanded, err := fsutil.ExpandHome(cfg.ModelsDir); err == nil {
		cfg.ModelsDir = expanded
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0"
		set("bind_address")
	}
	if cfg.HeartbeatIntervalSec <= 0 {
		cfg.HeartbeatIntervalSec = 10
		set("heartbeat_interval_sec")
	}
	if cfg.RequireGPU == nil {
		v := true
		cfg.RequireGPU = &v
		set("require_gpu")
	}
	if cfg.RepairTimeoutSecs <= 0 {
		cfg.RepairTimeoutSecs = 300
		set("repair_timeout_secs")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
		set("max_retries")
	}
	if cfg.BackoffMS <= 0 {
		cfg.BackoffMS = 200
		set("backoff_ms")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
		set("max_concurrency")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4096
		set("chunk_size")
	}
	return cfg, defaulted
}

// HeartbeatInterval returns HeartbeatIntervalSec as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// RepairTimeout returns RepairTimeoutSecs as a time.Duration.
func (c Config) RepairTimeout() time.Duration {
	return time.Duration(c.RepairTimeoutSecs) * time.Second
}

// BackoffDuration returns BackoffMS as a time.Duration.
func (c Config) BackoffDuration() time.Duration {
	return time.Duration(c.BackoffMS) * time.Millisecond
}

// IdleTimeout returns IdleTimeoutMS as a time.Duration (zero disables the
// cache's idle sweep).
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// RequiresGPU reports the effective require_gpu setting, defaulting to
// true when unset.
func (c Config) RequiresGPU() bool {
	return c.RequireGPU == nil || *c.RequireGPU
}
