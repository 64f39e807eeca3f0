package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ocx/enforcer/internal/catalog"
	"github.com/ocx/enforcer/internal/config"
)

func init() {
	rootCmd.AddCommand(toolsCmd)
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the tool catalog as it would be synced to the registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cat := catalog.Default()
		if cfg.Control.CatalogPath != "" {
			if cat, err = catalog.LoadFile(cfg.Control.CatalogPath); err != nil {
				return err
			}
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tHASH\tCLASS\tREVERSIBILITY\tMIN_REP\tHITL\tENTITLEMENTS\tMASK")
		for _, spec := range cat.List() {
			meta, err := cat.Compile(spec)
			if err != nil {
				return fmt.Errorf("tool %s: %w", spec.ID, err)
			}
			fmt.Fprintf(tw, "%s\t%#016x\t%s\t%d\t%d\t%t\t%s\t%#x\n",
				spec.ID, meta.ToolHash, spec.Class, meta.ReversibilityIndex, spec.MinReputation,
				spec.HITL, strings.Join(spec.Entitlements, ","), meta.RequiredEntitlements)
		}
		return tw.Flush()
	},
}
