package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"mercator-hq/conduit/pkg/cli"
	"mercator-hq/conduit/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Parse a configuration file, apply defaults and environment overrides,
and report every validation error at once.

Examples:
  # Validate the default config.yaml
  conduit validate

  # Validate another file and print the problems as JSON
  conduit validate --config staging.yaml --output json`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// validationResult is the structured output of validate.
type validationResult struct {
	File     string   `json:"file" yaml:"file"`
	Valid    bool     `json:"valid" yaml:"valid"`
	Backends int      `json:"backends" yaml:"backends"`
	Errors   []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func validateConfig(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to read %s: %v", cfgFile, err))
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to parse %s: %v", cfgFile, err))
	}

	result := validationResult{File: cfgFile, Backends: len(cfg.Backends)}
	if err := config.Validate(cfg); err != nil {
		var verr config.ValidationError
		if errors.As(err, &verr) {
			for _, fe := range verr.Errors {
				result.Errors = append(result.Errors, fe.Error())
			}
		} else {
			result.Errors = []string{err.Error()}
		}
	}
	result.Valid = len(result.Errors) == 0

	if outputFormat == "" || outputFormat == "text" {
		out := cmd.OutOrStdout()
		if result.Valid {
			fmt.Fprintf(out, "✓ %s is valid (%d backends)\n", cfgFile, result.Backends)
		} else {
			fmt.Fprintf(out, "✗ %s has %d errors:\n", cfgFile, len(result.Errors))
			for _, e := range result.Errors {
				fmt.Fprintf(out, "  - %s\n", e)
			}
		}
	} else if err := printOutput(cmd, result); err != nil {
		return err
	}

	if !result.Valid {
		return cli.NewCommandError("validate", fmt.Errorf("%d validation errors", len(result.Errors)))
	}
	return nil
}
