package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"guard-service/internal/detector"
	"guard-service/internal/ratelimit"
)

func newCheckCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <actor> <action>",
		Short: "Run one rate-limit admission check",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var dec ratelimit.Decision
			body := map[string]string{"actor_id": args[0], "action": args[1]}
			if err := newAPIClient(opts).call(ctx, http.MethodPost, "/api/v1/check", nil, body, &dec); err != nil {
				return err
			}
			return render(cmd, opts, dec, func(w io.Writer) {
				if dec.Allowed {
					fmt.Fprintf(w, "ALLOWED\ttier=%s\n", orDash(dec.Tier))
					return
				}
				fmt.Fprintf(w, "DENIED\treason=%s\ttier=%s\tretry_after=%s\n", dec.Reason, dec.Tier, dec.RetryAfter)
			})
		},
	}
}

func newDetectCmd(opts *globalOptions) *cobra.Command {
	var source, category, actor string

	cmd := &cobra.Command{
		Use:   "detect <input|->",
		Short: "Scan input for attack signatures",
		Long:  "Scan input for attack signatures. Pass - to read the input from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if input == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				input = strings.TrimRight(string(data), "\n")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var v detector.Verdict
			body := map[string]string{"input": input, "source": source, "category": category, "actor_id": actor}
			if err := newAPIClient(opts).call(ctx, http.MethodPost, "/api/v1/detect", nil, body, &v); err != nil {
				return err
			}
			return render(cmd, opts, v, func(w io.Writer) {
				fmt.Fprintf(w, "Attack:\t%t\n", v.IsAttack)
				fmt.Fprintf(w, "Block:\t%t\n", v.ShouldBlock)
				fmt.Fprintf(w, "Confidence:\t%.2f\n", v.Confidence)
				if len(v.Categories) > 0 {
					cats := make([]string, len(v.Categories))
					for i, c := range v.Categories {
						cats[i] = string(c)
					}
					fmt.Fprintf(w, "Categories:\t%s\n", strings.Join(cats, ", "))
				}
				if v.Suppressed {
					fmt.Fprintf(w, "Suppressed:\t%s\n", v.SuppressReason)
				}
				fmt.Fprintf(w, "Recommendation:\t%s\n", v.Recommendation)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source label of the input (e.g. login_form)")
	cmd.Flags().StringVar(&category, "category", "", "scan a single attack category")
	cmd.Flags().StringVar(&actor, "actor", "", "actor the input came from")
	return cmd
}

func newExportCmd(opts *globalOptions) *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download the event log snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			w := cmd.OutOrStdout()
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outFile, err)
				}
				defer f.Close()
				w = f
			}
			return newAPIClient(opts).stream(ctx, "/api/v1/export", w)
		},
	}
	cmd.Flags().StringVarP(&outFile, "file", "f", "", "write the snapshot to a file instead of stdout")
	return cmd
}
