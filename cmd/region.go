package cmd

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tinkerbelle-io/tb-power/internal/region"
	"github.com/tinkerbelle-io/tb-power/internal/signing"
)

var (
	flagListen          string
	flagRegionToken     string
	flagDispatchTimeout time.Duration
)

var regionCmd = &cobra.Command{
	Use:   "region",
	Short: "Run the region controller",
	Long: `Run the region controller. It accepts rack connections on /rpc, merges
the power type catalogs the racks report, and serves the power API:

  GET  /api/v1/power-types
  GET  /api/v1/power-types/:name/fields
  GET  /api/v1/clusters
  POST /api/v1/machines/:system_id/power/{on,off,query}

Set region.signing_key to sign every call sent to racks.`,
	RunE: runRegion,
}

func init() {
	regionCmd.Flags().StringVar(&flagListen, "listen", "", "HTTP listen address (env: TB_LISTEN, default :5240)")
	regionCmd.Flags().StringVar(&flagRegionToken, "token", "", "Token racks must present (env: TB_TOKEN)")
	regionCmd.Flags().DurationVar(&flagDispatchTimeout, "dispatch-timeout", 0, "Deadline for one power command (default 15s)")
	rootCmd.AddCommand(regionCmd)
}

func runRegion(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rc := cfg.Region
	if flagListen != "" {
		rc.Listen = flagListen
	}
	if flagRegionToken != "" {
		rc.Token = flagRegionToken
	}
	if flagDispatchTimeout > 0 {
		rc.DispatchTimeout = flagDispatchTimeout
	}

	var key ed25519.PrivateKey
	if rc.SigningKey != "" {
		key, err = signing.ParsePrivateKey(rc.SigningKey)
		if err != nil {
			return fmt.Errorf("region.signing_key: %w", err)
		}
	}

	s := region.New(region.Options{
		Token:            rc.Token,
		SigningKey:       key,
		Origin:           rc.Origin,
		DispatchTimeout:  rc.DispatchTimeout,
		DiscoveryTimeout: rc.DiscoveryTimeout,
		RefreshInterval:  rc.RefreshInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.ListenAndServe(ctx, rc.Listen)
}
