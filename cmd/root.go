// Package cmd defines and implements the CLI commands for the showscraper
// executable.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nightowlshows/showscraper/internal/app"
	"github.com/nightowlshows/showscraper/internal/config"
)

var (
	cfgFile  string
	dataRoot string
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitWith(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "showscraper",
		Short: "Ingestion core for the showscraper event pipeline.",
		Long: `showscraper acquires raw payloads from registered event sources and
records them in a durable, replayable ingest log. Downstream parse and
normalize stages consume envelopes from that log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&dataRoot, "data-root", "", "override the data root directory")

	cmd.AddCommand(newGatewayOnceCmd())
	cmd.AddCommand(newParseCmd())
	cmd.AddCommand(newValidateEnvelopeCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// loadConfig resolves configuration with the --data-root flag applied.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if dataRoot != "" {
		cfg.DataRoot = dataRoot
	}
	return cfg, nil
}

// buildApp wires the full application for commands that touch the data root.
func buildApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), cfg)
}

// Execute is the main entry point; it maps command results onto the
// documented exit codes.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
