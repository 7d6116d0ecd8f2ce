package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRequeueCommand creates the requeue command
func NewRequeueCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <credential-id>...",
		Short: "Reset credentials to pending for immediate re-verification",
		Long: `Set each credential back to pending and clear its last error and failure
count. The next scan cycle picks it up regardless of retry limits.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range args {
				if err := a.Orchestrator.Requeue(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", id)
			}
			return nil
		},
	}
}
