package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocx/enforcer/internal/catalog"
	"github.com/ocx/enforcer/internal/config"
	"github.com/ocx/enforcer/internal/simulate"
)

var simulateFormat string

func init() {
	simulateCmd.Flags().StringVar(&simulateFormat, "format", "text", "Output format: text or json")
	rootCmd.AddCommand(simulateCmd)
}

var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario.yaml>...",
	Short: "Replay scenarios against the in-memory enforcement path",
	Long: "Runs each scenario through the same engine, tracker and Tri-Factor Gate\n" +
		"the daemon uses, backed by in-memory maps. No kernel access is needed.\n" +
		"Exits non-zero when any step's expectation is not met.",
	Args: cobra.MinimumNArgs(1),
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if simulateFormat != "text" && simulateFormat != "json" {
		return fmt.Errorf("unsupported format %q", simulateFormat)
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	pol, err := cfg.PolicyFor()
	if err != nil {
		return err
	}
	opts := simulate.Options{Policy: pol, TriFactor: cfg.TriFactor, Capacity: cfg.Store}
	if cfg.Control.CatalogPath != "" {
		if opts.Catalog, err = catalog.LoadFile(cfg.Control.CatalogPath); err != nil {
			return err
		}
	}

	var results []*simulate.RunResult
	failed := 0
	for _, path := range args {
		r, err := simulate.LoadAndRun(cmd.Context(), path, opts)
		if err != nil {
			return err
		}
		failed += r.Failed
		results = append(results, r)
	}

	out := simulate.FormatText(results)
	if simulateFormat == "json" {
		if out, err = simulate.FormatJSON(results); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)

	if failed > 0 {
		return fmt.Errorf("%d step(s) failed", failed)
	}
	return nil
}
