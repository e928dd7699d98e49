package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"guard-service/internal/ratelimit"
)

func newRateLimitCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ratelimit",
		Aliases: []string{"rl"},
		Short:   "Inspect or reset an actor's rate-limit records",
	}

	inspect := &cobra.Command{
		Use:   "inspect <actor> <action>",
		Short: "Show the stored record of every tier of an action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var states []ratelimit.TierState
			path := "/api/v1/ratelimit/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1])
			if err := newAPIClient(opts).call(ctx, http.MethodGet, path, nil, nil, &states); err != nil {
				return err
			}
			return render(cmd, opts, states, func(w io.Writer) {
				fmt.Fprintln(w, "TIER\tLIMIT\tCOUNT\tVIOLATIONS\tBLOCKED UNTIL")
				for _, s := range states {
					limit := fmt.Sprintf("%d/%s", s.Tier.MaxAttempts, s.Tier.Window)
					if s.Record == nil {
						fmt.Fprintf(w, "%s\t%s\t0\t0\t-\n", s.Tier.Name, limit)
						continue
					}
					blocked := "-"
					if s.Record.BlockedUntil != nil {
						blocked = humanize.Time(*s.Record.BlockedUntil)
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", s.Tier.Name, limit, s.Record.Count, s.Record.ViolationCount, blocked)
				}
			})
		},
	}

	reset := &cobra.Command{
		Use:   "reset <actor>",
		Short: "Clear every rate-limit record of an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := newAPIClient(opts).call(ctx, http.MethodDelete, "/api/v1/ratelimit/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rate limits reset for %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(inspect, reset)
	return cmd
}
