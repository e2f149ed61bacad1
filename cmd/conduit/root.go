package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"mercator-hq/conduit/pkg/cli"
	"mercator-hq/conduit/pkg/config"
)

var (
	// Global flags
	cfgFile      string
	verbose      bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Conduit - embeddable reverse-proxy engine",
	Long: `Conduit forwards HTTP requests to pools of HTTP or FastCGI backends.

A single event loop drives every proxy session: it connects to backend
addresses picked by the configured balancer, encodes the request in the
backend's protocol and streams the decoded response back to the client,
spilling large bodies to temporary files.

Virtual hosts can be routed to backends from a SQLite table that is
editable while the proxy runs (see "conduit vhost").`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json, yaml, csv")
}

// loadConfig reads the config file with environment overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, cli.NewConfigError("", fmt.Sprintf("failed to load %s: %v", cfgFile, err))
	}
	return cfg, nil
}

// printOutput writes data to the command's output in the --output format.
func printOutput(cmd *cobra.Command, data any) error {
	format, err := cli.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), data)
}

// logf prints progress notes to stderr when --verbose is set.
func logf(cmd *cobra.Command, format string, args ...any) {
	if verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
	}
}
