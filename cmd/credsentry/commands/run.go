package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command
func NewRunCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the verification engine until interrupted",
		Long: `Start the scan loop and the health server. A scan cycle runs every
scan.interval; SIGINT or SIGTERM stops the engine after in-flight
verifications finish or scan.shutdown_grace elapses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Run(ctx)
		},
	}
}
