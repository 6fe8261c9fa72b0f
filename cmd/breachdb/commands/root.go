// Package commands implements the breachdb CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/breachline/breachdb/internal/logger"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var (
	logLevel  string
	logFormat string
)

// UsageError marks errors caused by bad invocation rather than runtime
// failure; main maps it to exit code 2.
type UsageError struct{ Err error }

func (e UsageError) Error() string { return e.Err.Error() }
func (e UsageError) Unwrap() error { return e.Err }

var rootCmd = &cobra.Command{
	Use:   "breachdb",
	Short: "Breached-password database tooling",
	Long: `breachdb maintains a local sorted binary database of breached password
hashes downloaded from the Have I Been Pwned range API, and serves lookups
against it over HTTP.

Use "breachdb [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return logger.Init(logger.Config{Level: logLevel, Format: logFormat})
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tocCmd)
	rootCmd.AddCommand(filterCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return UsageError{Err: err}
	})
}
