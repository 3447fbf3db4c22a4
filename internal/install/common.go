// Package install sets up the rack controller agent as a system service.
package install

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/tinkerbelle-io/tb-power/internal/config"
)

const (
	// DefaultConfigDir is the base config directory.
	DefaultConfigDir = config.DefaultDir
	// DefaultConfigFile is the config file path.
	DefaultConfigFile = config.DefaultPath
	// ServiceName is the service name for systemd/launchd.
	ServiceName = "tb-power-rack"
)

// InstallConfig holds the parameters for installation.
type InstallConfig struct {
	RegionURL string
	ClusterID string
	Token     string
	VerifyKey string
	AuditLog  string
}

// ServiceStatus holds the current state of the installed service.
type ServiceStatus struct {
	Installed  bool
	Running    bool
	BinaryPath string
	ConfigPath string
	Platform   string
}

// BinaryPath returns the absolute path of the currently running binary.
func BinaryPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	return filepath.EvalSymlinks(exe)
}

// RackConfig merges the install parameters into the defaults.
func RackConfig(cfg InstallConfig) *config.Config {
	c := config.Default()
	c.Rack.RegionURL = cfg.RegionURL
	c.Rack.ClusterID = cfg.ClusterID
	c.Rack.Token = cfg.Token
	c.Rack.VerifyKey = cfg.VerifyKey
	c.Rack.AuditLog = cfg.AuditLog
	return c
}

// WriteConfig writes the rack config file to the default location and
// returns what was written.
func WriteConfig(cfg InstallConfig) (*config.Config, error) {
	c := RackConfig(cfg)
	if err := config.Save(DefaultConfigFile, c); err != nil {
		return nil, err
	}
	return c, nil
}

// RemoveConfig removes the config directory.
func RemoveConfig() error {
	return os.RemoveAll(DefaultConfigDir)
}

// ConfigExists checks if the config file exists.
func ConfigExists() bool {
	_, err := os.Stat(DefaultConfigFile)
	return err == nil
}

// Install installs the service for the current platform.
func Install(cfg InstallConfig) error {
	binPath, err := BinaryPath()
	if err != nil {
		return err
	}

	rackCfg, err := WriteConfig(cfg)
	if err != nil {
		return err
	}
	spec := SpecFor(binPath, DefaultConfigFile, rackCfg)

	switch runtime.GOOS {
	case "linux":
		return installSystemd(spec)
	case "darwin":
		return installLaunchd(spec)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Uninstall removes the service. If purge is true, also removes config.
func Uninstall(purge bool) error {
	var err error
	switch runtime.GOOS {
	case "linux":
		err = uninstallSystemd()
	case "darwin":
		err = uninstallLaunchd()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	if err != nil {
		return err
	}

	if purge {
		return RemoveConfig()
	}
	return nil
}

// Status returns the current service status.
func Status() ServiceStatus {
	s := ServiceStatus{
		Platform:   runtime.GOOS,
		ConfigPath: DefaultConfigFile,
	}

	if binPath, err := BinaryPath(); err == nil {
		s.BinaryPath = binPath
	}

	s.Installed = ConfigExists()

	switch runtime.GOOS {
	case "linux":
		s.Running = isSystemdRunning()
	case "darwin":
		s.Running = isLaunchdRunning()
	}

	return s
}

// runCommand runs a command and returns any error.
func runCommand(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
