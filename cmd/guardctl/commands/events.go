package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"guard-service/internal/eventlog"
	"guard-service/internal/models"
)

func newEventsCmd(opts *globalOptions) *cobra.Command {
	var (
		category, severity, minSeverity, actor string
		since                                  time.Duration
		limit                                  int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List security events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "category", category)
			setIf(q, "severity", severity)
			setIf(q, "min_severity", minSeverity)
			setIf(q, "actor_id", actor)
			if since > 0 {
				q.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var events []models.SecurityEvent
			if err := newAPIClient(opts).call(ctx, http.MethodGet, "/api/v1/events", q, nil, &events); err != nil {
				return err
			}
			return render(cmd, opts, events, func(w io.Writer) {
				fmt.Fprintln(w, "WHEN\tCATEGORY\tSEVERITY\tACTOR\tMESSAGE")
				for _, ev := range events {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						humanize.Time(ev.Timestamp), ev.Category, ev.Severity, orDash(ev.ActorID), ev.Message)
				}
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "event category")
	cmd.Flags().StringVar(&severity, "severity", "", "exact severity")
	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "minimum severity")
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	return cmd
}

func newAlertsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List and acknowledge alerts",
	}

	var open bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if open {
				q.Set("unacknowledged", "true")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var alerts []models.Alert
			if err := newAPIClient(opts).call(ctx, http.MethodGet, "/api/v1/alerts", q, nil, &alerts); err != nil {
				return err
			}
			return render(cmd, opts, alerts, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tWHEN\tCATEGORY\tSEVERITY\tACTOR\tEVENTS\tACKED")
				for _, a := range alerts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%t\n",
						a.ID, humanize.Time(a.Timestamp), a.Category, a.Severity, orDash(a.ActorID), len(a.TriggeringEvents), a.Acknowledged)
				}
			})
		},
	}
	list.Flags().BoolVar(&open, "open", false, "only unacknowledged alerts")

	ack := &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := newAPIClient(opts).call(ctx, http.MethodPost, "/api/v1/alerts/"+url.PathEscape(args[0])+"/ack", nil, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Alert %s acknowledged\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, ack)
	return cmd
}

func newStatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show event log counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var stats eventlog.Stats
			if err := newAPIClient(opts).call(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &stats); err != nil {
				return err
			}
			return render(cmd, opts, stats, func(w io.Writer) {
				fmt.Fprintf(w, "Events:\t%s (%d stored, %s suppressed)\n",
					humanize.Comma(stats.TotalEvents), stats.StoredEvents, humanize.Comma(stats.SuppressedEvents))
				fmt.Fprintf(w, "Alerts:\t%s (%d unacknowledged)\n", humanize.Comma(stats.TotalAlerts), stats.Unacknowledged)
				fmt.Fprintf(w, "Sink drops:\t%s\n", humanize.Comma(stats.SinkDropped))
			})
		},
	}
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
