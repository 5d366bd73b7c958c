// Package config loads the sidecar's YAML configuration with defaults and
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wardenlabs/warden/internal/policy"
)

// Offline modes: what Decide does while Disconnected.
const (
	OfflineBlock = "block"
	OfflineAllow = "allow"
)

// ControlPlane configures the remote endpoint and identity.
type ControlPlane struct {
	BaseURL      string        `yaml:"base_url"`
	OrgID        string        `yaml:"org_id"`
	UserID       string        `yaml:"user_id"`
	Token        string        `yaml:"token"`
	RefreshToken string        `yaml:"refresh_token"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Cache configures the local policy snapshot file.
type Cache struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// Heartbeat configures the status poller.
type Heartbeat struct {
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// Push configures the real-time channel.
type Push struct {
	Enabled bool `yaml:"enabled"`
}

// Audit configures the event buffer and flusher.
type Audit struct {
	Capacity        int           `yaml:"capacity"`
	FlushSize       int           `yaml:"flush_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MirrorPath      string        `yaml:"mirror_path"`
	AgentID         string        `yaml:"agent_id"`
}

// Enforcement configures local decision behavior.
type Enforcement struct {
	OfflineMode string            `yaml:"offline_mode"`
	Aliases     policy.AliasTable `yaml:"aliases"`
	AliasPath   string            `yaml:"alias_path"`
}

// Diag configures the local diagnostics/host listener.
type Diag struct {
	Addr string `yaml:"addr"`
}

// Logger configures zap.
type Logger struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration.
type Config struct {
	ControlPlane ControlPlane `yaml:"control_plane"`
	Cache        Cache        `yaml:"cache"`
	Heartbeat    Heartbeat    `yaml:"heartbeat"`
	Push         Push         `yaml:"push"`
	Audit        Audit        `yaml:"audit"`
	Enforcement  Enforcement  `yaml:"enforcement"`
	Diag         Diag         `yaml:"diag"`
	Logger       Logger       `yaml:"logger"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return &Config{
		ControlPlane: ControlPlane{
			Timeout: 10 * time.Second,
		},
		Cache: Cache{
			Path: filepath.Join(home, ".warden", "policy.json"),
			TTL:  24 * time.Hour,
		},
		Heartbeat: Heartbeat{
			Interval:         30 * time.Second,
			FailureThreshold: 3,
		},
		Push: Push{Enabled: true},
		Audit: Audit{
			Capacity:        1000,
			FlushSize:       50,
			FlushInterval:   10 * time.Second,
			ShutdownTimeout: 3 * time.Second,
		},
		Enforcement: Enforcement{
			OfflineMode: OfflineBlock,
		},
		Diag: Diag{
			Addr: "127.0.0.1:7177",
		},
		Logger: Logger{Level: "info", Format: "json"},
	}
}

// Load reads the config file at path, layers it over the defaults, and
// applies environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Secrets come from the environment when the file omits them.
	if v := os.Getenv("WARDEN_API_TOKEN"); v != "" {
		cfg.ControlPlane.Token = v
	}
	if v := os.Getenv("WARDEN_REFRESH_TOKEN"); v != "" {
		cfg.ControlPlane.RefreshToken = v
	}
	if v := os.Getenv("WARDEN_CONTROL_PLANE_URL"); v != "" {
		cfg.ControlPlane.BaseURL = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would misbehave silently.
func (c *Config) Validate() error {
	switch c.Enforcement.OfflineMode {
	case OfflineBlock, OfflineAllow:
	default:
		return fmt.Errorf("enforcement.offline_mode must be %q or %q, got %q",
			OfflineBlock, OfflineAllow, c.Enforcement.OfflineMode)
	}
	if c.Heartbeat.FailureThreshold < 1 {
		return fmt.Errorf("heartbeat.failure_threshold must be >= 1")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	return nil
}

// LoadAliases merges the inline alias table with the alias file, the file
// winning on conflicts.
func (c *Config) LoadAliases() (policy.AliasTable, error) {
	merged := policy.AliasTable{}
	for name, targets := range c.Enforcement.Aliases {
		merged[name] = targets
	}
	fromFile, err := policy.LoadAliases(c.Enforcement.AliasPath)
	if err != nil {
		return nil, err
	}
	for name, targets := range fromFile {
		merged[name] = targets
	}
	return merged, nil
}
