// Package config handles configuration for tb-power.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultDir is the base config directory.
	DefaultDir = "/etc/tb-power"
	// DefaultPath is the config file read when no path is given.
	DefaultPath = "/etc/tb-power/config.yaml"
)

// Config holds all tb-power configuration. The region and rack sections are
// independent; a host usually fills only one.
type Config struct {
	LogLevel  string       `yaml:"log_level,omitempty" default:"info"`
	LogFormat string       `yaml:"log_format,omitempty" default:"text"` // "text" or "json"
	Region    RegionConfig `yaml:"region,omitempty"`
	Rack      RackConfig   `yaml:"rack,omitempty"`
}

// RegionConfig configures the region controller.
type RegionConfig struct {
	Listen           string        `yaml:"listen,omitempty" default:":5240"`
	Token            string        `yaml:"token,omitempty"`       // bearer token racks present
	SigningKey       string        `yaml:"signing_key,omitempty"` // Ed25519 private key, hex or base64
	Origin           string        `yaml:"origin,omitempty" default:"region"`
	DispatchTimeout  time.Duration `yaml:"dispatch_timeout,omitempty" default:"15s"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout,omitempty" default:"10s"`
	RefreshInterval  time.Duration `yaml:"refresh_interval,omitempty" default:"5m"`
}

// RackConfig configures a rack controller agent.
type RackConfig struct {
	RegionURL         string        `yaml:"region_url,omitempty"`
	ClusterID         string        `yaml:"cluster_id,omitempty"`
	Token             string        `yaml:"token,omitempty"`
	VerifyKey         string        `yaml:"verify_key,omitempty"` // region's Ed25519 public key
	DriverTimeout     time.Duration `yaml:"driver_timeout,omitempty" default:"2m"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty" default:"30s"`
	AuditLog          string        `yaml:"audit_log,omitempty"`
	// MaxActionsPerHour caps power on/off across the rack; 0 is unlimited.
	MaxActionsPerHour int           `yaml:"max_actions_per_hour,omitempty"`
	ActionCooldown    time.Duration `yaml:"action_cooldown,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	defaults.MustSet(cfg)
	return cfg
}

// Load reads the YAML file at path over the defaults and applies TB_*
// environment overrides. An empty path means DefaultPath. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TB_TOKEN"); v != "" {
		cfg.Region.Token = v
		cfg.Rack.Token = v
	}
	if v := os.Getenv("TB_REGION_URL"); v != "" {
		cfg.Rack.RegionURL = v
	}
	if v := os.Getenv("TB_CLUSTER_ID"); v != "" {
		cfg.Rack.ClusterID = v
	}
	if v := os.Getenv("TB_LISTEN"); v != "" {
		cfg.Region.Listen = v
	}
	if v := os.Getenv("TB_SIGNING_KEY"); v != "" {
		cfg.Region.SigningKey = v
	}
	if v := os.Getenv("TB_VERIFY_KEY"); v != "" {
		cfg.Rack.VerifyKey = v
	}
}

// Save writes cfg as YAML to path, creating its directory. The file holds
// tokens and keys, so it is written 0600.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
