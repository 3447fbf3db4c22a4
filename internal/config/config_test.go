package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Region.Listen != ":5240" {
		t.Errorf("listen = %q, want :5240", cfg.Region.Listen)
	}
	if cfg.Region.DispatchTimeout != 15*time.Second {
		t.Errorf("dispatch timeout = %s, want 15s", cfg.Region.DispatchTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `log_level: debug
region:
  listen: 127.0.0.1:9000
  dispatch_timeout: 5s
rack:
  region_url: wss://region.example/rpc
  cluster_id: rack-a
  driver_timeout: 45s
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"log level", cfg.LogLevel, "debug"},
		{"listen", cfg.Region.Listen, "127.0.0.1:9000"},
		{"dispatch timeout", cfg.Region.DispatchTimeout, 5 * time.Second},
		{"discovery timeout default kept", cfg.Region.DiscoveryTimeout, 10 * time.Second},
		{"region url", cfg.Rack.RegionURL, "wss://region.example/rpc"},
		{"cluster id", cfg.Rack.ClusterID, "rack-a"},
		{"driver timeout", cfg.Rack.DriverTimeout, 45 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("region: [not, a, map"), 0600)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TB_TOKEN", "secret-token")
	t.Setenv("TB_CLUSTER_ID", "rack-env")
	t.Setenv("TB_REGION_URL", "ws://localhost:5240/rpc")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Rack.Token != "secret-token" || cfg.Region.Token != "secret-token" {
		t.Errorf("token not applied: %+v", cfg)
	}
	if cfg.Rack.ClusterID != "rack-env" {
		t.Errorf("cluster id = %q", cfg.Rack.ClusterID)
	}
	if cfg.Rack.RegionURL != "ws://localhost:5240/rpc" {
		t.Errorf("region url = %q", cfg.Rack.RegionURL)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")
	cfg := Default()
	cfg.Rack.ClusterID = "rack-b"
	cfg.Rack.Token = "tok"

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file perm = %o, want 0600", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Rack.ClusterID != "rack-b" || got.Rack.Token != "tok" {
		t.Errorf("round trip lost values: %+v", got.Rack)
	}
	if got.Rack.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat = %s", got.Rack.HeartbeatInterval)
	}
}
