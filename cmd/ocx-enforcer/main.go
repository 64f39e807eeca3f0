// ocx-enforcer loads the socket enforcement hooks into the kernel and runs
// the control plane that owns their verdicts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "ocx-enforcer",
	Short:         "Kernel-resident enforcement of agent socket actions",
	Long:          "Mediates send and connect for tracked agent processes, holds irreversible actions in escrow and resolves them through the Tri-Factor Gate.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("OCX_CONFIG"), "Path to the YAML config (optional)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
