package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tinkerbelle-io/tb-power/internal/power"
	"github.com/tinkerbelle-io/tb-power/internal/region"
)

var (
	flagAPIURL       string
	flagPowerCluster string
	flagPowerType    string
	flagPowerHost    string
	flagPowerParams  []string
	flagPowerTimeout time.Duration
)

var powerCmd = &cobra.Command{
	Use:   "power",
	Short: "Send a power command through the region API",
}

func newPowerActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " SYSTEM_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPower(cmd, action, args[0])
		},
	}
}

func init() {
	powerCmd.PersistentFlags().StringVar(&flagAPIURL, "url", "", "Region API URL (env: TB_URL, default http://localhost:5240)")
	powerCmd.PersistentFlags().StringVar(&flagPowerCluster, "cluster", "", "Cluster id of the rack that owns the machine")
	powerCmd.PersistentFlags().StringVar(&flagPowerType, "type", "", "Power type, e.g. ipmi")
	powerCmd.PersistentFlags().StringVar(&flagPowerHost, "hostname", "", "Machine hostname")
	powerCmd.PersistentFlags().StringArrayVarP(&flagPowerParams, "param", "p", nil, "Power parameter key=value (repeatable)")
	powerCmd.PersistentFlags().DurationVar(&flagPowerTimeout, "timeout", 0, "Dispatch deadline (default: region setting)")
	powerCmd.MarkPersistentFlagRequired("cluster")

	powerCmd.AddCommand(
		newPowerActionCmd("on", "Power a machine on"),
		newPowerActionCmd("off", "Power a machine off"),
		newPowerActionCmd("query", "Query a machine's power state"),
	)
	rootCmd.AddCommand(powerCmd)
}

func runPower(cmd *cobra.Command, action, systemID string) error {
	params, err := parseParams(flagPowerParams)
	if err != nil {
		return err
	}

	body := region.PowerRequest{
		Hostname:        flagPowerHost,
		ClusterID:       flagPowerCluster,
		PowerType:       flagPowerType,
		PowerParameters: params,
	}
	if flagPowerTimeout > 0 {
		body.Timeout = flagPowerTimeout.String()
	}

	endpoint, err := url.JoinPath(resolveAPIURL(), "api/v1/machines", systemID, "power", action)
	if err != nil {
		return fmt.Errorf("invalid region URL: %w", err)
	}
	out, err := postPower(endpoint, body)
	if err != nil {
		return err
	}

	printOutcome(cmd.OutOrStdout(), systemID, out)
	return out.Err()
}

// postPower sends one power request. The client timeout leaves room for the
// region's own deadline.
func postPower(endpoint string, body region.PowerRequest) (power.Outcome, error) {
	var out power.Outcome
	data, err := json.Marshal(body)
	if err != nil {
		return out, err
	}

	client := &http.Client{Timeout: power.DefaultDeadline + flagPowerTimeout + 10*time.Second}
	resp, err := client.Post(endpoint, "application/json", bytes.NewReader(data))
	if err != nil {
		return out, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return out, fmt.Errorf("read response: %w", err)
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
		return out, fmt.Errorf("region rejected request (%d): %s", resp.StatusCode, apiErr.Error)
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Status == "" {
		return out, fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return out, nil
}

func printOutcome(w io.Writer, systemID string, out power.Outcome) {
	status := color.New(color.FgGreen, color.Bold).Sprint(out.Status)
	if out.Status != power.StatusSuccess {
		status = color.New(color.FgRed, color.Bold).Sprint(out.Status)
	}
	fmt.Fprintf(w, "%s: %s\n", systemID, status)
	if out.State != "" {
		fmt.Fprintf(w, "  state:  %s\n", out.State)
	}
	if out.Detail != "" {
		fmt.Fprintf(w, "  detail: %s\n", out.Detail)
	}
}

// parseParams turns key=value pairs into a map.
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", p)
		}
		params[k] = v
	}
	return params, nil
}

// resolveAPIURL returns the region API URL from flag or environment.
func resolveAPIURL() string {
	if flagAPIURL != "" {
		return flagAPIURL
	}
	if v := os.Getenv("TB_URL"); v != "" {
		return v
	}
	return "http://localhost:5240"
}
