package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const Version = "1.0.0"

type globalOptions struct {
	apiURL   string
	operator string
	format   string
	timeout  time.Duration
}

// NewRootCmd builds the command tree. Each call returns an independent tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "guardctl",
		Short: "Operate a running guard-service instance",
		Long: `guardctl talks to the guard-service admin API to inspect security events
and alerts, reset rate limits, export the event log and trigger integrity
checks. Policy files can be validated offline.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.apiURL, "api-url", envOr("GUARDCTL_API_URL", "http://localhost:8080"), "guard-service base URL")
	root.PersistentFlags().StringVar(&opts.operator, "operator", envOr("USER", "guardctl"), "operator name recorded in the audit trail")
	root.PersistentFlags().StringVarP(&opts.format, "format", "o", "table", "output format (table, json, yaml)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newCheckCmd(opts),
		newDetectCmd(opts),
		newEventsCmd(opts),
		newAlertsCmd(opts),
		newRateLimitCmd(opts),
		newExportCmd(opts),
		newStatsCmd(opts),
		newIntegrityCmd(opts),
		newPolicyCmd(opts),
	)
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
