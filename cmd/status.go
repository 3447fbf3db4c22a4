package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tinkerbelle-io/tb-power/internal/config"
	"github.com/tinkerbelle-io/tb-power/internal/install"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show rack agent service status",
	Long:  `Display the current state of the tb-power rack agent service, its config and binary.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}

	s := install.Status()

	fmt.Printf("Platform:   %s\n", s.Platform)
	fmt.Printf("Binary:     %s\n", valueOrNA(s.BinaryPath))
	fmt.Printf("Config:     %s\n", s.ConfigPath)
	fmt.Printf("Installed:  %s\n", boolStatus(s.Installed))
	fmt.Printf("Running:    %s\n", boolStatus(s.Running))

	if s.Installed {
		cfg, err := config.Load(install.DefaultConfigFile)
		if err == nil {
			fmt.Println()
			fmt.Println("Configuration:")
			fmt.Printf("  Region:   %s\n", maskEnd(cfg.Rack.RegionURL, 40))
			fmt.Printf("  Cluster:  %s\n", valueOrNA(cfg.Rack.ClusterID))
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Rack.Token))
			fmt.Printf("  Signed:   %s\n", boolStatus(cfg.Rack.VerifyKey != ""))
		}
	}

	fmt.Printf("\nVersion:    %s\n", rootCmd.Version)

	// Exit code 1 if not running (useful for scripts)
	if !s.Running {
		os.Exit(1)
	}
	return nil
}

func boolStatus(b bool) string {
	if b {
		return color.GreenString("yes")
	}
	return color.RedString("no")
}

func valueOrNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func maskEnd(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
