package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/systmms/credsentry/internal/app"
	"github.com/systmms/credsentry/internal/config"
	cserrors "github.com/systmms/credsentry/internal/errors"
	"github.com/systmms/credsentry/internal/logging"
	"gopkg.in/yaml.v3"
)

// Globals holds the persistent flags shared by every command.
type Globals struct {
	ConfigPath string
	Debug      bool
	NoColor    bool

	// appOptions, when set, supplies extra app.New options per invocation.
	appOptions func() []app.Option
}

// load reads and validates the configuration and builds the logger.
func (g *Globals) load() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Logging.Level
	if g.Debug {
		level = "debug"
	}
	logger, err := logging.NewWithOptions(logging.Options{
		Level:       level,
		Destination: cfg.Logging.Destination,
		Format:      cfg.Logging.Format,
		NoColor:     g.NoColor,
	})
	if err != nil {
		return nil, nil, cserrors.UserError{
			Message:    "Failed to initialise logging",
			Suggestion: "Check logging.destination is writable",
			Err:        err,
		}
	}
	return cfg, logger, nil
}

// open loads the configuration and wires the engine.
func (g *Globals) open(ctx context.Context) (*app.App, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, err
	}
	var opts []app.Option
	if g.appOptions != nil {
		opts = g.appOptions()
	}
	return app.New(ctx, cfg, logger, opts...)
}

// printStructured writes v as json or yaml.
func printStructured(w io.Writer, format string, v interface{}) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported output format %q (use table, json or yaml)", format)
	}
}
