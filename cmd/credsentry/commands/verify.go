package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// NewVerifyCommand creates the verify command
func NewVerifyCommand(g *Globals) *cobra.Command {
	var (
		format       string
		validateOnly bool
	)

	cmd := &cobra.Command{
		Use:   "verify <credential-id>",
		Short: "Verify one credential now",
		Long: `Verify a single credential through the same path as the scan loop: the
hard timeout applies, the outcome is persisted and an audit entry is
written. With --validate-only the payload is checked without any network
access and nothing is persisted.`,
		Example: `  credsentry verify 3f2a9c1e
  credsentry verify 3f2a9c1e --validate-only`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			cred, err := a.Store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if validateOnly {
				v, typ, err := a.Registry.Resolve(cred)
				if err != nil {
					return err
				}
				res := v.ValidateCredential(cred)
				if format != "table" {
					return printStructured(out, format, res)
				}
				if res.Valid {
					fmt.Fprintf(out, "✓ %s payload is valid (%s)\n", cred.Label(), typ)
				} else {
					fmt.Fprintf(out, "✗ %s payload is invalid (%s)\n", cred.Label(), typ)
				}
				for _, e := range res.Errors {
					fmt.Fprintf(out, "  error:   %s\n", e)
				}
				for _, w := range res.Warnings {
					fmt.Fprintf(out, "  warning: %s\n", w)
				}
				if !res.Valid {
					return fmt.Errorf("credential %s failed validation", cred.ID)
				}
				return nil
			}

			outcome, err := a.Orchestrator.VerifyCredential(ctx, cred)
			if err != nil {
				return err
			}
			if outcome.Interrupted {
				return fmt.Errorf("verification of %s interrupted, nothing recorded", cred.ID)
			}
			if format != "table" {
				return printStructured(out, format, outcome)
			}

			r := outcome.Result
			mark := "✓"
			if !r.Success {
				mark = "✗"
			}
			fmt.Fprintf(out, "%s %s: %s\n", mark, cred.Label(), outcome.Status)
			fmt.Fprintf(out, "  type:     %s\n", outcome.Type)
			fmt.Fprintf(out, "  method:   %s\n", r.Method)
			if r.Category != "" {
				fmt.Fprintf(out, "  category: %s\n", r.Category)
			}
			fmt.Fprintf(out, "  message:  %s\n", r.Message)
			fmt.Fprintf(out, "  duration: %s\n", r.Duration)
			if len(r.Details) > 0 {
				keys := make([]string, 0, len(r.Details))
				for k := range r.Details {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintln(out, "  details:")
				for _, k := range keys {
					fmt.Fprintf(out, "    %s: %v\n", k, r.Details[k])
				}
			}
			if !r.Success {
				return fmt.Errorf("verification failed: %s", strings.TrimSpace(r.Message))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "Check the payload structure without contacting the target")
	return cmd
}
