package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tinkerbelle-io/tb-power/internal/install"
)

var flagPurge bool

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the rack agent system service",
	Long: `Stop and remove the tb-power rack agent service.

By default, the config file at /etc/tb-power/ is preserved.
Use --purge to also remove the config directory.`,
	RunE: runUninstall,
}

func init() {
	uninstallCmd.Flags().BoolVar(&flagPurge, "purge", false, "Also remove config files")
	rootCmd.AddCommand(uninstallCmd)
}

func runUninstall(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}

	if err := install.Uninstall(flagPurge); err != nil {
		return fmt.Errorf("uninstall failed: %w", err)
	}

	fmt.Println("tb-power rack agent removed.")
	if flagPurge {
		fmt.Println("Config files purged.")
	} else {
		fmt.Printf("Config preserved at %s (use --purge to remove)\n", install.DefaultConfigDir)
	}
	return nil
}
