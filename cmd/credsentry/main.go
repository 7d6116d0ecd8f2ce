package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	_ "golang.org/x/crypto/x509roots/fallback" // CA roots for scratch images

	"github.com/systmms/credsentry/cmd/credsentry/commands"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	memguard.CatchInterrupt()
	err := run()
	memguard.Purge()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	g := &commands.Globals{}

	rootCmd := &cobra.Command{
		Use:   "credsentry",
		Short: "Credential verification engine",
		Long: `credsentry periodically verifies that stored privileged credentials still
authenticate against their targets (SSH, Windows, databases, websites,
certificates and API tokens) and records the outcome.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.ConfigPath, "config", "credsentry.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&g.NoColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&g.Debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewRunCommand(g),
		commands.NewScanCommand(g),
		commands.NewVerifyCommand(g),
		commands.NewRequeueCommand(g),
		commands.NewStatsCommand(g),
		commands.NewConfigCommand(g),
		commands.NewMigrateCommand(g),
		commands.NewKeygenCommand(g),
		commands.NewEncryptCommand(g),
		commands.NewCompletionCommand(g),
	)

	return rootCmd.Execute()
}
