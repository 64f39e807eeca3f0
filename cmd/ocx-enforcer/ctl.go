package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ocx/enforcer/pkg/sdk"
)

var controlURL string

func init() {
	ctlCmd.PersistentFlags().StringVar(&controlURL, "url", "http://localhost:8080", "Control API URL")
	ctlCmd.AddCommand(inspectCmd, verdictCmd, trustCmd, escrowCmd, killCmd, reviveCmd)
	escrowCmd.AddCommand(escrowListCmd, escrowApproveCmd, escrowRejectCmd)
	killCmd.Flags().StringVar(&killReason, "reason", "", "Why the kill switch is pulled")
	killCmd.Flags().StringVar(&killBy, "by", os.Getenv("USER"), "Operator pulling the switch")
	killCmd.Flags().DurationVar(&killTTL, "ttl", 0, "Expire the kill after this long (0 = until revived)")
	rootCmd.AddCommand(ctlCmd)
}

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Talk to a running enforcer's control API",
}

func client() *sdk.Client {
	return sdk.NewClient(sdk.Config{ControlURL: controlURL, Timeout: 10 * time.Second})
}

func parsePID(s string) (uint32, error) {
	pid, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return uint32(pid), nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <pid>",
	Short: "Show verdict, trust, entitlements and identity of a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := parsePID(args[0])
		if err != nil {
			return err
		}
		p, err := client().Process(cmd.Context(), pid)
		if err != nil {
			return err
		}
		return printJSON(cmd, p)
	},
}

var verdictCmd = &cobra.Command{
	Use:   "verdict <pid> <allow|block|hold|clear>",
	Short: "Set or clear a process verdict",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := parsePID(args[0])
		if err != nil {
			return err
		}
		v := strings.ToUpper(args[1])
		if v == "CLEAR" {
			return client().ClearVerdict(cmd.Context(), pid)
		}
		return client().SetVerdict(cmd.Context(), pid, v)
	},
}

var trustCmd = &cobra.Command{
	Use:   "trust <pid> <level>",
	Short: "Set a process trust level",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := parsePID(args[0])
		if err != nil {
			return err
		}
		level, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid trust level %q", args[1])
		}
		return client().SetTrust(cmd.Context(), pid, uint32(level))
	},
}

var escrowCmd = &cobra.Command{
	Use:   "escrow",
	Short: "Review escrow requests awaiting a human decision",
}

var escrowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending requests, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pending, err := client().PendingEscrow(cmd.Context())
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending escrow requests.")
			return nil
		}
		for _, p := range pending {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  pid=%d tool=%#x trust=%d size=%d  %s\n",
				p.ID, p.Event.PID, p.Event.ToolHash, p.Event.TrustLevel, p.Event.DataSize, p.Assessment.Reason)
		}
		return nil
	},
}

var escrowApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Release the process behind a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := client().Approve(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Approved %s (pid %d)\n", d.ID, d.PID)
		return nil
	},
}

var escrowRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Block the process behind a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := client().Reject(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s (pid %d)\n", d.ID, d.PID)
		return nil
	},
}

var (
	killReason string
	killBy     string
	killTTL    time.Duration
)

var killCmd = &cobra.Command{
	Use:   "kill <agent|tenant> <id>",
	Short: "Block every process of an agent or tenant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := sdk.KillRequest{Reason: killReason, TriggeredBy: killBy}
		if killTTL > 0 {
			req.TTL = killTTL.String()
		}
		var (
			r   *sdk.KillRecord
			err error
		)
		switch args[0] {
		case "agent":
			r, err = client().KillAgent(cmd.Context(), args[1], req)
		case "tenant":
			var tenant uint64
			if tenant, err = strconv.ParseUint(args[1], 10, 32); err != nil {
				return fmt.Errorf("invalid tenant %q", args[1])
			}
			r, err = client().KillTenant(cmd.Context(), uint32(tenant), req)
		default:
			return fmt.Errorf("scope must be agent or tenant, got %q", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Kill switch on %s %s, %d process(es) blocked\n", r.Scope, r.Target, r.Blocked)
		return nil
	},
}

var reviveCmd = &cobra.Command{
	Use:   "revive <agent|tenant> <id>",
	Short: "Lift a kill switch; verdicts already written stay until released",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "agent":
			return client().ReviveAgent(cmd.Context(), args[1])
		case "tenant":
			tenant, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid tenant %q", args[1])
			}
			return client().ReviveTenant(cmd.Context(), uint32(tenant))
		default:
			return fmt.Errorf("scope must be agent or tenant, got %q", args[0])
		}
	},
}
