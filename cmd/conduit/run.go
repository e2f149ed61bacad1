package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"mercator-hq/conduit/pkg/cli"
	"mercator-hq/conduit/pkg/config"
	"mercator-hq/conduit/pkg/server"
	"mercator-hq/conduit/pkg/telemetry"
	"mercator-hq/conduit/pkg/telemetry/logging"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	eventHandler  string
	dryRun        bool
	watch         bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Conduit proxy server",
	Long: `Start the Conduit proxy server with the specified configuration.

The server listens on the configured address, serves the health, backends
and metrics endpoints, and proxies every other request to the backend
selected by virtual host or path prefix.

While running, changes to the configuration file (or SIGHUP) reload it;
the new log level applies immediately, other settings at the next start.

Examples:
  # Start with default config
  conduit run

  # Start with custom config
  conduit run --config /etc/conduit/config.yaml

  # Override listen address and event handler
  conduit run --listen 0.0.0.0:8080 --event-handler poll

  # Validate config without starting server
  conduit run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&runFlags.eventHandler, "event-handler", "", "override event handler (epoll, kqueue, poll, select)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
	runCmd.Flags().BoolVar(&runFlags.watch, "watch", true, "reload the config file when it changes")
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := config.Initialize(cfgFile); err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	cfg := config.GetConfig()
	applyRunOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return cli.NewConfigError("", err.Error())
	}

	out := cmd.OutOrStdout()
	if runFlags.dryRun {
		fmt.Fprintln(out, "✓ Configuration valid")
		return nil
	}

	tel, err := telemetry.New(&cfg.Telemetry, versionInfo())
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	logger := tel.Logger()
	slog.SetDefault(logger.Slog())

	ctx, stop := cli.SetupSignalHandler(cmd.Context())
	defer stop()

	srv, err := server.New(ctx, cfg, tel)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	addr, err := srv.Listen()
	if err != nil {
		_ = srv.Close()
		return cli.NewCommandError("run", err)
	}

	printBanner(cmd, cfg, addr.String())

	go watchReloads(ctx, logger)

	if err := srv.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	fmt.Fprintln(out, "✓ Server stopped")
	return nil
}

func applyRunOverrides(cfg *config.Config) {
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if runFlags.eventHandler != "" {
		cfg.Engine.EventHandler = runFlags.eventHandler
	}
}

// watchReloads applies reloaded configuration until ctx is done. The file
// watcher and SIGHUP both end in config.ReloadConfig.
func watchReloads(ctx context.Context, logger *logging.Logger) {
	defer config.OnReload(func(cfg *config.Config) {
		level := cfg.Telemetry.Logging.Level
		if runFlags.logLevel != "" {
			level = runFlags.logLevel
		}
		if err := logger.SetLevel(level); err != nil {
			logger.Warn("ignoring reloaded log level", "level", level, "error", err)
			return
		}
		logger.Info("configuration applied", "log_level", level, "generation", config.Generation())
	})()

	if runFlags.watch {
		w, err := config.NewWatcher(cfgFile, 0, logger.Slog())
		if err != nil {
			logger.Warn("config file watching disabled", "error", err)
		} else {
			go func() {
				if err := w.Watch(ctx, nil); err != nil {
					logger.Error("config watcher stopped", "error", err)
				}
			}()
		}
	}

	hup, stopHup := cli.ReloadSignal()
	defer stopHup()
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := config.ReloadConfig(cfgFile); err != nil {
				logger.Error("reload failed", "error", err)
			}
		}
	}
}

func printBanner(cmd *cobra.Command, cfg *config.Config, addr string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Conduit v%s\n", Version)
	fmt.Fprintf(out, "✓ Configuration loaded from %s\n", cfgFile)
	fmt.Fprintf(out, "✓ %d backends, event handler %s\n", len(cfg.Backends), cfg.Engine.EventHandler)
	if cfg.VHost.Enabled {
		fmt.Fprintf(out, "✓ Virtual hosts from %s\n", cfg.VHost.Path)
	}
	if cfg.DownloadGate.Enabled {
		fmt.Fprintf(out, "✓ Download gate on %s\n", cfg.DownloadGate.DownloadURL)
	}
	fmt.Fprintf(out, "✓ Server listening on %s\n", addr)
	if cfg.Telemetry.Health.Enabled {
		fmt.Fprintf(out, "✓ Health endpoint: http://%s%s\n", addr, cfg.Telemetry.Health.LivenessPath)
	}
	if cfg.Telemetry.Metrics.Enabled {
		fmt.Fprintf(out, "✓ Metrics endpoint: http://%s%s\n", addr, cfg.Telemetry.Metrics.Path)
	}
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")
}
