package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"guard-service/internal/policy"
)

func newPolicyCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate or print engine policy files (offline)",
	}

	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and validate a policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policy.Load(args[0])
			if err != nil {
				return err
			}
			actions := make([]string, 0, len(p.RateLimits))
			for a := range p.RateLimits {
				actions = append(actions, a)
			}
			sort.Strings(actions)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Policy %s is valid\n", args[0])
			fmt.Fprintf(out, "  actions:           %v\n", actions)
			fmt.Fprintf(out, "  thresholds:        %d\n", len(p.Thresholds))
			fmt.Fprintf(out, "  extra signatures:  %d categories\n", len(p.Signatures))
			fmt.Fprintf(out, "  integrity files:   %d\n", len(p.Integrity.Files))
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show [file]",
		Short: "Print the effective policy (defaults when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			p, err := policy.Load(path)
			if err != nil {
				return err
			}
			if opts.format == "json" {
				return render(cmd, opts, p, nil)
			}
			return writeYAML(cmd.OutOrStdout(), p)
		},
	}

	cmd.AddCommand(validate, show)
	return cmd
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}
