// Package commands implements the orchestrator CLI commands.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
	logJSON bool

	// Shared state
	log *logrus.Entry
)

// rootCmd is the root command for the orchestrator.
var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Image generation backend orchestrator",
	Long: `orchestrator multiplexes concurrent image generation requests across a
pool of GPU-bound worker backends. Workers are registered as backends, kept
alive through init retries, and assigned work by a central scheduler that
balances usage and swaps resident models under demand pressure.

Example:
  orchestrator serve --backends-file backends.json --listen :7801`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		logger := logrus.New()
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.InfoLevel)
		}
		if logJSON {
			logger.SetFormatter(&logrus.JSONFormatter{})
		}
		if level := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); level != "" {
			if lvl, err := logrus.ParseLevel(level); err == nil {
				logger.SetLevel(lvl)
			}
		}
		log = logger.WithField("component", "orchestrator")
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)
}
