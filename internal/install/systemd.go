package install

import (
	"fmt"
	"os"
	"os/exec"
	"text/template"
)

const (
	systemdUnitPath = "/etc/systemd/system/" + ServiceName + ".service"
)

var systemdTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=TinkerBelle rack power controller{{if .ClusterID}} ({{.ClusterID}}){{end}}
Documentation=https://github.com/tinkerbelle-io/tb-power
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.Binary}} rack --config {{.ConfigPath}}
Restart=always
RestartSec=10
Environment=TB_LOG_LEVEL={{.LogLevel}}

# Drivers need the network; nothing else is writable.
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths={{range $i, $p := .WritablePaths}}{{if $i}} {{end}}-{{$p}}{{end}}
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`))

// SystemdUnit renders the systemd unit for spec.
func SystemdUnit(spec ServiceSpec) string {
	return render(systemdTemplate, spec)
}

func installSystemd(spec ServiceSpec) error {
	if err := os.WriteFile(systemdUnitPath, []byte(SystemdUnit(spec)), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}

	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", ServiceName},
		{"restart", ServiceName},
	} {
		if err := runCommand("systemctl", args...); err != nil {
			return fmt.Errorf("systemctl %s: %w", args[0], err)
		}
	}
	return nil
}

func uninstallSystemd() error {
	_ = runCommand("systemctl", "stop", ServiceName)
	_ = runCommand("systemctl", "disable", ServiceName)
	_ = os.Remove(systemdUnitPath)
	_ = runCommand("systemctl", "daemon-reload")
	return nil
}

func isSystemdRunning() bool {
	return exec.Command("systemctl", "is-active", "--quiet", ServiceName).Run() == nil
}
