package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/credsentry/internal/orchestrator"
)

// NewScanCommand creates the scan command
func NewScanCommand(g *Globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run exactly one scan cycle",
		Long: `Select due and retryable credentials, verify them under the configured
concurrency cap and exit. Useful when scheduling from an external cron.`,
		Example: `  # One cycle, table output
  credsentry scan

  # One cycle, machine-readable
  credsentry scan --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Orchestrator.Validate(); err != nil {
				return err
			}
			report, err := a.Orchestrator.PerformScan(cmd.Context())
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}

			if format != "table" {
				return printStructured(cmd.OutOrStdout(), format, report)
			}
			return printReportTable(cmd, report)
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	return cmd
}

func printReportTable(cmd *cobra.Command, report orchestrator.CycleReport) error {
	out := cmd.OutOrStdout()
	if report.Processed == 0 {
		fmt.Fprintln(out, "No credentials due for verification.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CREDENTIAL\tTYPE\tSTATUS\tCATEGORY\tMESSAGE")
	fmt.Fprintln(w, "----------\t----\t------\t--------\t-------")
	for _, o := range report.Outcomes {
		category, message := string(o.Result.Category), o.Result.Message
		switch {
		case o.Err != nil:
			category, message = "error", o.Err.Error()
		case o.Interrupted:
			category, message = "interrupted", "not recorded: "+message
		}
		if category == "" {
			category = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", o.CredentialID, o.Type, o.Status, category, message)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nSummary: %d processed, %d verified, %d failed in %s\n",
		report.Processed, report.Succeeded, report.Failed, report.Duration.Round(time.Millisecond))
	return nil
}
