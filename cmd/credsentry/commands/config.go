package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/credsentry/internal/config"
	"github.com/systmms/credsentry/pkg/credential"
)

// NewConfigCommand creates the config command group
func NewConfigCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(newConfigValidateCommand(g), newConfigShowCommand(g))
	return cmd
}

func newConfigValidateCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and environment overrides",
		Long: `Load the configuration exactly as the engine would (file, then
CREDSENTRY_* overrides, then defaults) and report the first problem.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.ConfigPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Configuration is valid (%s)\n", describeSource(cfg))
			fmt.Fprintf(out, "  store:        %s\n", cfg.Store.Driver)
			fmt.Fprintf(out, "  key source:   %s\n", orDefault(cfg.Encryption.Source, "env"))
			fmt.Fprintf(out, "  scan:         every %s, batch %d, concurrency %d\n",
				cfg.Scan.Interval, cfg.Scan.BatchSize, cfg.Scan.MaxConcurrentVerifications)
			var enabled []string
			for _, t := range typesInOrder(cfg) {
				enabled = append(enabled, string(t))
			}
			fmt.Fprintf(out, "  verifiers:    %v\n", enabled)
			return nil
		},
	}
}

func newConfigShowCommand(g *Globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.ConfigPath)
			if err != nil {
				return err
			}
			return printStructured(cmd.OutOrStdout(), format, cfg.Redacted())
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format: json, yaml")
	return cmd
}

func describeSource(cfg *config.Config) string {
	if cfg.Path == "" {
		return "defaults and environment"
	}
	return cfg.Path
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func typesInOrder(cfg *config.Config) []credential.Type {
	enabled := cfg.EnabledTypes()
	var out []credential.Type
	for _, t := range credential.VerifiableTypes {
		if enabled[t] {
			out = append(out, t)
		}
	}
	return out
}
