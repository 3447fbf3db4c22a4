package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tinkerbelle-io/tb-power/internal/install"
)

var flagInstallVerifyKey string

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the rack agent as a system service",
	Long: `Install 'tb-power rack' as a systemd service (Linux) or launchd daemon (macOS).

This command:
  1. Validates the region URL and cluster id
  2. Writes a config file to /etc/tb-power/config.yaml
  3. Creates and enables a system service
  4. Starts the service immediately`,
	RunE: runInstall,
}

func init() {
	installCmd.Flags().StringVar(&flagRegionURL, "region", "", "Region websocket URL (env: TB_REGION_URL)")
	installCmd.Flags().StringVar(&flagClusterID, "cluster-id", "", "Cluster identifier (env: TB_CLUSTER_ID)")
	installCmd.Flags().StringVar(&flagRackToken, "token", "", "Region token (env: TB_TOKEN)")
	installCmd.Flags().BoolVar(&flagAllowInsecure, "allow-insecure", false, "Allow ws:// region URLs")
	installCmd.Flags().StringVar(&flagInstallVerifyKey, "verify-key", "", "Region public key; calls must be signed with it")
	installCmd.Flags().StringVar(&flagAuditLog, "audit-log", "", "Audit log path")
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rc := cfg.Rack
	if flagRegionURL != "" {
		rc.RegionURL = flagRegionURL
	}
	if flagClusterID != "" {
		rc.ClusterID = flagClusterID
	}
	if flagRackToken != "" {
		rc.Token = flagRackToken
	}

	if rc.RegionURL == "" || rc.ClusterID == "" {
		return fmt.Errorf("--region and --cluster-id are required")
	}
	if err := validateRegionURL(rc.RegionURL, flagAllowInsecure); err != nil {
		return err
	}

	fmt.Println("Installing tb-power rack agent...")

	if err := install.Install(install.InstallConfig{
		RegionURL: rc.RegionURL,
		ClusterID: rc.ClusterID,
		Token:     rc.Token,
		VerifyKey: flagInstallVerifyKey,
		AuditLog:  flagAuditLog,
	}); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}

	fmt.Println("tb-power rack agent installed and running.")
	fmt.Printf("  Config:  %s\n", install.DefaultConfigFile)
	fmt.Printf("  Cluster: %s\n", rc.ClusterID)
	fmt.Println("\nCheck status with: tb-power status")
	return nil
}
