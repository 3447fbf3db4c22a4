package install

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

const launchdLabel = "io.tinkerbelle.tb-power-rack"

// launchdPlistPath is system-wide for root and per-user otherwise.
func launchdPlistPath() string {
	if os.Getuid() == 0 {
		return "/Library/LaunchDaemons/" + launchdLabel + ".plist"
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
}

var launchdTemplate = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>` + launchdLabel + `</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Binary}}</string>
        <string>rack</string>
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/rack.log</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>TB_LOG_LEVEL</key>
        <string>{{.LogLevel}}</string>
    </dict>
</dict>
</plist>
`))

// LaunchdPlist renders the launchd plist for spec. slog writes to stderr, so
// only StandardErrorPath is set; it sits next to the audit log.
func LaunchdPlist(spec ServiceSpec) string {
	return render(launchdTemplate, struct {
		ServiceSpec
		LogDir string
	}{spec, filepath.Dir(spec.AuditLog)})
}

func installLaunchd(spec ServiceSpec) error {
	plistPath := launchdPlistPath()
	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return fmt.Errorf("create plist dir: %w", err)
	}
	if err := os.WriteFile(plistPath, []byte(LaunchdPlist(spec)), 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}

	// Reinstall replaces a loaded job.
	_ = runCommand("launchctl", "unload", plistPath)
	if err := runCommand("launchctl", "load", plistPath); err != nil {
		return fmt.Errorf("launchctl load: %w", err)
	}
	return nil
}

func uninstallLaunchd() error {
	plistPath := launchdPlistPath()
	_ = runCommand("launchctl", "unload", plistPath)
	_ = os.Remove(plistPath)
	return nil
}

func isLaunchdRunning() bool {
	return exec.Command("launchctl", "list", launchdLabel).Run() == nil
}
