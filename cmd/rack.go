package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tinkerbelle-io/tb-power/internal/audit"
	"github.com/tinkerbelle-io/tb-power/internal/drivers"
	"github.com/tinkerbelle-io/tb-power/internal/rack"
	"github.com/tinkerbelle-io/tb-power/internal/signing"
)

var (
	flagRegionURL     string
	flagClusterID     string
	flagRackToken     string
	flagAllowInsecure bool
	flagDriverTimeout time.Duration
	flagAuditLog      string
)

var rackCmd = &cobra.Command{
	Use:   "rack",
	Short: "Run a rack controller agent",
	Long: `Run a rack controller agent. It connects to the region controller over a
websocket, announces its cluster id and executes power commands with the
local drivers: ipmi, wol, virsh, kasa, kubevirt and manual.

Every command is recorded in a hash-chained audit log. Set rack.verify_key
to the region's public key to refuse unsigned calls.`,
	RunE: runRack,
}

func init() {
	rackCmd.Flags().StringVar(&flagRegionURL, "region", "", "Region websocket URL, e.g. wss://region:5240/rpc (env: TB_REGION_URL)")
	rackCmd.Flags().StringVar(&flagClusterID, "cluster-id", "", "Cluster identifier (env: TB_CLUSTER_ID)")
	rackCmd.Flags().StringVar(&flagRackToken, "token", "", "Region token (env: TB_TOKEN)")
	rackCmd.Flags().BoolVar(&flagAllowInsecure, "allow-insecure", false, "Allow ws:// region URLs")
	rackCmd.Flags().DurationVar(&flagDriverTimeout, "driver-timeout", 0, "Deadline for one driver action (default 2m)")
	rackCmd.Flags().StringVar(&flagAuditLog, "audit-log", "", "Audit log path (default: /var/log/tb-power/audit.log)")
	rootCmd.AddCommand(rackCmd)
}

func runRack(cmd *cobra.Command, args []string) error {
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
	if flagDriverTimeout > 0 {
		rc.DriverTimeout = flagDriverTimeout
	}
	if flagAuditLog != "" {
		rc.AuditLog = flagAuditLog
	}

	if rc.RegionURL == "" || rc.ClusterID == "" {
		return fmt.Errorf("--region and --cluster-id are required")
	}
	if err := validateRegionURL(rc.RegionURL, flagAllowInsecure); err != nil {
		return err
	}

	var verifier *signing.Verifier
	if rc.VerifyKey != "" {
		pub, err := signing.ParsePublicKey(rc.VerifyKey)
		if err != nil {
			return fmt.Errorf("rack.verify_key: %w", err)
		}
		verifier = signing.NewVerifier(pub)
	}

	auditLog, err := audit.NewAuditLogger(rc.AuditLog)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	var opts []rack.HandlerOption
	if rc.MaxActionsPerHour > 0 || rc.ActionCooldown > 0 {
		opts = append(opts, rack.WithGuard(rack.NewGuard(rc.MaxActionsPerHour, rc.ActionCooldown)))
	}
	h, err := rack.NewHandler(drivers.NewRegistry(drivers.Defaults()...), rc.ClusterID, rc.DriverTimeout, auditLog, opts...)
	if err != nil {
		return err
	}

	agent := rack.New(rack.Config{
		RegionURL:         rc.RegionURL,
		ClusterID:         rc.ClusterID,
		Token:             rc.Token,
		Version:           rootCmd.Version,
		Verifier:          verifier,
		HeartbeatInterval: rc.HeartbeatInterval,
	}, h)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return agent.Run(ctx)
}

// validateRegionURL requires wss:// unless allowInsecure permits ws://.
func validateRegionURL(raw string, allowInsecure bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid region URL: %w", err)
	}
	switch u.Scheme {
	case "wss":
		return nil
	case "ws":
		if allowInsecure {
			return nil
		}
		return fmt.Errorf("region URL %q uses ws://; use wss:// or pass --allow-insecure", raw)
	default:
		return fmt.Errorf("region URL %q must use wss:// (or ws:// with --allow-insecure)", raw)
	}
}
