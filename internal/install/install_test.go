package install

import (
	"strings"
	"testing"
)

func testSpec(binPath string) ServiceSpec {
	cfg := RackConfig(InstallConfig{
		RegionURL: "wss://region.example/rpc",
		ClusterID: "rack-a",
		AuditLog:  "/srv/audit/tb-power.log",
	})
	cfg.LogLevel = "debug"
	return SpecFor(binPath, DefaultConfigFile, cfg)
}

func TestSpecFor(t *testing.T) {
	spec := testSpec("/usr/local/bin/tb-power")

	if spec.ClusterID != "rack-a" || spec.LogLevel != "debug" {
		t.Errorf("config values not carried: %+v", spec)
	}
	want := []string{"/etc/tb-power", "/srv/audit"}
	if strings.Join(spec.WritablePaths, ",") != strings.Join(want, ",") {
		t.Errorf("WritablePaths = %v, want %v", spec.WritablePaths, want)
	}

	same := SpecFor("/bin/tb-power", "/etc/tb-power/config.yaml",
		RackConfig(InstallConfig{AuditLog: "/etc/tb-power/audit.log"}))
	if len(same.WritablePaths) != 1 {
		t.Errorf("shared directory listed twice: %v", same.WritablePaths)
	}
}

func TestSystemdUnitContent(t *testing.T) {
	unit := SystemdUnit(testSpec("/usr/local/bin/tb-power"))

	checks := []struct {
		name     string
		contains string
	}{
		{"description", "TinkerBelle rack power controller (rack-a)"},
		{"exec start", "ExecStart=/usr/local/bin/tb-power rack --config /etc/tb-power/config.yaml"},
		{"restart", "Restart=always"},
		{"restart sec", "RestartSec=10"},
		{"after network", "After=network-online.target"},
		{"wanted by", "WantedBy=multi-user.target"},
		{"no new privs", "NoNewPrivileges=true"},
		{"protect system", "ProtectSystem=strict"},
		{"writable paths", "ReadWritePaths=-/etc/tb-power -/srv/audit\n"},
		{"log level from config", "Environment=TB_LOG_LEVEL=debug"},
	}

	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			if !strings.Contains(unit, c.contains) {
				t.Errorf("unit file missing %q", c.contains)
			}
		})
	}
}

func TestLaunchdPlistContent(t *testing.T) {
	plist := LaunchdPlist(testSpec("/usr/local/bin/tb-power"))

	checks := []struct {
		name     string
		contains string
	}{
		{"label", "io.tinkerbelle.tb-power-rack"},
		{"binary path", "<string>/usr/local/bin/tb-power</string>"},
		{"rack arg", "<string>rack</string>"},
		{"config arg", "<string>" + DefaultConfigFile + "</string>"},
		{"run at load", "<key>RunAtLoad</key>"},
		{"keep alive", "<key>KeepAlive</key>"},
		{"log next to audit", "<string>/srv/audit/rack.log</string>"},
		{"log level from config", "<string>debug</string>"},
		{"plist dtd", "PropertyList-1.0.dtd"},
	}

	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			if !strings.Contains(plist, c.contains) {
				t.Errorf("plist missing %q", c.contains)
			}
		})
	}
}

func TestSystemdUnitWithoutCluster(t *testing.T) {
	spec := testSpec("/opt/tb-power/bin/tb-power")
	spec.ClusterID = ""
	unit := SystemdUnit(spec)
	if !strings.Contains(unit, "Description=TinkerBelle rack power controller\n") {
		t.Error("description should omit an empty cluster id")
	}
	if !strings.Contains(unit, "ExecStart=/opt/tb-power/bin/tb-power") {
		t.Error("unit file should use custom binary path")
	}
}

func TestRackConfig(t *testing.T) {
	cfg := RackConfig(InstallConfig{
		RegionURL: "wss://region.example/rpc",
		ClusterID: "rack-a",
		Token:     "tok",
	})
	if cfg.Rack.RegionURL != "wss://region.example/rpc" || cfg.Rack.ClusterID != "rack-a" || cfg.Rack.Token != "tok" {
		t.Errorf("install values not applied: %+v", cfg.Rack)
	}
	if cfg.Rack.DriverTimeout == 0 || cfg.Rack.HeartbeatInterval == 0 {
		t.Errorf("defaults lost: %+v", cfg.Rack)
	}
}

func TestServiceName(t *testing.T) {
	if ServiceName != "tb-power-rack" {
		t.Errorf("expected service name 'tb-power-rack', got %q", ServiceName)
	}
}

func TestDefaultConfigDir(t *testing.T) {
	if DefaultConfigDir != "/etc/tb-power" {
		t.Errorf("expected config dir '/etc/tb-power', got %q", DefaultConfigDir)
	}
}
