package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tinkerbelle-io/tb-power/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the rack audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [PATH]",
	Short: "Check the audit log hash chain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := audit.DefaultPath()
		if len(args) == 1 {
			path = args[0]
		}
		n, err := audit.Verify(path)
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s after %d entries\n", color.RedString("BROKEN"), path, n)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d entries\n", color.GreenString("OK"), path, n)
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}
