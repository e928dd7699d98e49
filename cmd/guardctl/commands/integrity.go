package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"guard-service/internal/integrity"
	"guard-service/internal/models"
)

func newIntegrityCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Integrity monitor status and manual checks",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show integrity monitor status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var st integrity.Status
			if err := newAPIClient(opts).call(ctx, http.MethodGet, "/api/v1/integrity/status", nil, nil, &st); err != nil {
				return err
			}
			return render(cmd, opts, st, func(w io.Writer) {
				fmt.Fprintf(w, "Active:\t%t\n", st.IsActive)
				fmt.Fprintf(w, "Resources:\t%d\n", st.Resources)
				fmt.Fprintf(w, "Interval:\t%s\n", st.Interval)
				last := "never"
				if st.LastCheckAt != nil {
					last = humanize.Time(*st.LastCheckAt)
				}
				fmt.Fprintf(w, "Last check:\t%s\n", last)
				fmt.Fprintf(w, "Snapshots:\t%s\n", humanize.Comma(st.TotalSnapshots))
				fmt.Fprintf(w, "Changes:\t%s\n", humanize.Comma(st.TotalChanges))
				if len(st.RecentChanges) > 0 {
					fmt.Fprintln(w)
					writeChanges(w, st.RecentChanges)
				}
			})
		},
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Scan every monitored resource now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var changes []models.IntegrityChange
			if err := newAPIClient(opts).call(ctx, http.MethodPost, "/api/v1/integrity/check", nil, nil, &changes); err != nil {
				return err
			}
			return render(cmd, opts, changes, func(w io.Writer) {
				if len(changes) == 0 {
					fmt.Fprintln(w, "No changes detected")
					return
				}
				writeChanges(w, changes)
			})
		},
	}

	cmd.AddCommand(status, check)
	return cmd
}

func writeChanges(w io.Writer, changes []models.IntegrityChange) {
	fmt.Fprintln(w, "RESOURCE\tTYPE\tCHANGE\tSEVERITY\tAUTHORIZED\tSIZE")
	for _, c := range changes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s -> %s\n",
			c.ResourceID, c.ResourceType, c.ChangeType, c.Severity, c.Authorized,
			humanize.Bytes(uint64(c.OldSize)), humanize.Bytes(uint64(c.NewSize)))
	}
}
