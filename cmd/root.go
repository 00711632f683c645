// Package cmd provides the command-line interface for Argus.
package cmd

import (
	"encoding/json"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	outputJSON bool
	configFile string
	serverURL  string
	noColor    bool
	quiet      bool
)

const (
	defaultServerURL = "http://127.0.0.1:8090"
	// defaultTimeout bounds a single API round trip
	defaultTimeout = 30 * time.Second
)

// NewRootCmd creates the argus command with all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "argus",
		Short: "Forensic tool orchestration and alert correlation",
		Long: `Argus runs forensic tools against hosts and paths, turns their output into
findings and correlates the findings into deduplicated alerts.

Run "argus serve" to start the service. The other commands talk to a running
service over its HTTP API.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL, "Argus API base URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newQueuesCmd())
	rootCmd.AddCommand(newAlertsCmd())
	rootCmd.AddCommand(newRulesCmd())

	return rootCmd
}

// outputAsJSON writes data as indented JSON
func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
