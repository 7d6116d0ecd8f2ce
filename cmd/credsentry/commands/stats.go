package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/credsentry/internal/scanner"
	"github.com/systmms/credsentry/pkg/credential"
)

// NewStatsCommand creates the stats command
func NewStatsCommand(g *Globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show credential counts by status and type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Scanner.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if format != "table" {
				return printStructured(cmd.OutOrStdout(), format, stats)
			}
			return printStatsTable(cmd, stats)
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	return cmd
}

func printStatsTable(cmd *cobra.Command, stats scanner.Stats) error {
	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)

	fmt.Fprintln(w, "TYPE\tPENDING\tVERIFIED\tFAILED\tEXPIRED\tTOTAL")
	fmt.Fprintln(w, "----\t-------\t--------\t------\t-------\t-----")

	byType := make(map[credential.Type]map[credential.Status]int)
	for _, c := range stats.Counts {
		if byType[c.Type] == nil {
			byType[c.Type] = make(map[credential.Status]int)
		}
		byType[c.Type][c.Status] += c.N
	}
	types := append(append([]credential.Type{}, credential.VerifiableTypes...), credential.TypePassword)
	for _, t := range types {
		row, ok := byType[t]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", t,
			row[credential.StatusPending], row[credential.StatusVerified],
			row[credential.StatusFailed], row[credential.StatusExpired], stats.ByType[t])
	}
	fmt.Fprintf(w, "TOTAL\t%d\t%d\t%d\t%d\t%d\n",
		stats.ByStatus[credential.StatusPending], stats.ByStatus[credential.StatusVerified],
		stats.ByStatus[credential.StatusFailed], stats.ByStatus[credential.StatusExpired], stats.Total)
	return w.Flush()
}
