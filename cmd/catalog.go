package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tinkerbelle-io/tb-power/internal/catalog"
	"github.com/tinkerbelle-io/tb-power/internal/drivers"
	"gopkg.in/yaml.v3"
)

var flagCatalogFormat string

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect power type catalogs",
}

var catalogShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the catalog of the drivers built into this binary",
	Long: `Print the power type catalog a rack running this binary reports to the
region, as YAML (default) or JSON.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := drivers.NewRegistry(drivers.Defaults()...).Catalog()
		if err != nil {
			return err
		}
		return writeDocuments(cmd.OutOrStdout(), c.Documents(), flagCatalogFormat)
	},
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Validate a catalog document (YAML or JSON)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateCatalogFile(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	catalogShowCmd.Flags().StringVar(&flagCatalogFormat, "format", "yaml", "Output format: yaml, json")
	catalogCmd.AddCommand(catalogShowCmd, catalogValidateCmd)
	rootCmd.AddCommand(catalogCmd)
}

func writeDocuments(w io.Writer, docs []catalog.TypeDoc, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(docs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(docs)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// validateCatalogFile loads path through the catalog schema and summarizes it.
func validateCatalogFile(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c, err := catalog.Load(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: valid, %d power types\n", path, c.Len()-1)
	for _, name := range c.Names() {
		if name == catalog.NoPowerType {
			continue
		}
		entry, _ := c.Entry(name)
		fmt.Fprintf(w, "  %-10s %d fields\n", name, len(entry.Fields))
	}
	return nil
}
