package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"mercator-hq/conduit/pkg/telemetry/health"
)

var (
	// Version is the semantic version (set by build flags)
	Version = "0.1.0"
	// GitCommit is the git commit hash (set by build flags)
	GitCommit = "unknown"
	// BuildDate is the build timestamp (set by build flags)
	BuildDate = "unknown"
)

func versionInfo() health.VersionInfo {
	return health.VersionInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildDate,
		GoVersion: runtime.Version(),
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print detailed version information including Git commit and build date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if outputFormat != "" && outputFormat != "text" {
			return printOutput(cmd, versionInfo())
		}
		out := cmd.OutOrStdout()
		info := versionInfo()
		fmt.Fprintf(out, "Conduit %s\n", info.Version)
		fmt.Fprintf(out, "Git Commit: %s\n", info.Commit)
		fmt.Fprintf(out, "Build Date: %s\n", info.BuildTime)
		fmt.Fprintf(out, "Go Version: %s\n", info.GoVersion)
		fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
