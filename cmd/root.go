package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tinkerbelle-io/tb-power/internal/config"
	"github.com/tinkerbelle-io/tb-power/internal/logging"
)

var (
	// Flags
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "tb-power",
	Short: "TinkerBelle power control for bare-metal machines",
	Long: `tb-power routes power commands for bare-metal machines from a central
region controller to the rack controllers that can reach each machine's
power hardware (IPMI, Wake-on-LAN, libvirt, smart plugs, KubeVirt).

Run 'tb-power region' on the region host and 'tb-power rack' on every rack.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: /etc/tb-power/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (env: TB_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: text, json")
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("tb-power %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and sets up logging. Flags override the
// file and the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.LogFormat = flagLogFormat
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}
