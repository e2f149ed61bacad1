package main

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"mercator-hq/conduit/pkg/cli"
	"mercator-hq/conduit/pkg/config"
	"mercator-hq/conduit/pkg/vhost"
)

var vhostFlags struct {
	db       string
	docroot  string
	noVerify bool
}

var vhostCmd = &cobra.Command{
	Use:   "vhost",
	Short: "Manage the virtual host table",
	Long: `Read and edit the SQLite table that maps host names to backends.

A running proxy picks changes up at its next refresh. The database is
taken from vhost.path in the config file unless --db is given. Backend
names are checked against the config file unless --no-verify is set.

Examples:
  conduit vhost list
  conduit vhost set www.example.com app --docroot /srv/www
  conduit vhost set '*.example.com' app
  conduit vhost delete www.example.com
  conduit vhost import hosts.yaml`,
}

var vhostListCmd = &cobra.Command{
	Use:   "list",
	Short: "List virtual hosts",
	Args:  cobra.NoArgs,
	RunE:  vhostList,
}

var vhostSetCmd = &cobra.Command{
	Use:   "set HOST BACKEND",
	Short: "Map a host to a backend",
	Args:  cobra.ExactArgs(2),
	RunE:  vhostSet,
}

var vhostDeleteCmd = &cobra.Command{
	Use:   "delete HOST",
	Short: "Remove a host",
	Args:  cobra.ExactArgs(1),
	RunE:  vhostDelete,
}

var vhostImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Upsert hosts from a YAML list of {host, backend, document_root}",
	Args:  cobra.ExactArgs(1),
	RunE:  vhostImport,
}

func init() {
	rootCmd.AddCommand(vhostCmd)
	vhostCmd.AddCommand(vhostListCmd, vhostSetCmd, vhostDeleteCmd, vhostImportCmd)

	vhostCmd.PersistentFlags().StringVar(&vhostFlags.db, "db", "", "vhost database path (overrides vhost.path)")
	vhostCmd.PersistentFlags().BoolVar(&vhostFlags.noVerify, "no-verify", false, "do not check backend names against the config")
	vhostSetCmd.Flags().StringVar(&vhostFlags.docroot, "docroot", "", "document root passed to FastCGI backends")
}

// openVHosts opens the store and returns the configured backend names, nil
// when they are not checked.
func openVHosts(cmd *cobra.Command) (*vhost.Store, []string, error) {
	var cfg *config.Config
	if vhostFlags.db == "" || !vhostFlags.noVerify {
		var err error
		if cfg, err = loadConfig(); err != nil {
			return nil, nil, err
		}
	}

	opts := vhost.Options{Path: vhostFlags.db}
	if cfg != nil {
		opts = vhost.FromConfig(cfg.VHost)
		if vhostFlags.db != "" {
			opts.Path = vhostFlags.db
		}
	}
	if opts.Path == "" {
		return nil, nil, cli.NewConfigError("vhost.path", "no database configured; set vhost.path or pass --db")
	}
	logf(cmd, "opening %s", opts.Path)

	store, err := vhost.Open(cmd.Context(), opts)
	if err != nil {
		return nil, nil, cli.NewCommandError("vhost", err)
	}

	var backends []string
	if cfg != nil && !vhostFlags.noVerify {
		for _, b := range cfg.Backends {
			backends = append(backends, b.Name)
		}
	}
	return store, backends, nil
}

func checkBackend(known []string, name string) error {
	if known == nil || slices.Contains(known, name) {
		return nil
	}
	return cli.NewConfigError("backends", fmt.Sprintf("unknown backend %q", name))
}

func vhostList(cmd *cobra.Command, args []string) error {
	store, _, err := openVHosts(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(cmd.Context())
	if err != nil {
		return cli.NewCommandError("vhost list", err)
	}
	table := &cli.Table{
		Header: []string{"host", "backend", "document_root", "updated_at"},
		Value:  entries,
	}
	for _, e := range entries {
		table.Append(e.Host, e.Backend, e.DocumentRoot, e.UpdatedAt.Format(time.RFC3339))
	}
	return printOutput(cmd, table)
}

func vhostSet(cmd *cobra.Command, args []string) error {
	store, known, err := openVHosts(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := checkBackend(known, args[1]); err != nil {
		return err
	}
	e, err := store.Set(cmd.Context(), args[0], args[1], vhostFlags.docroot)
	if err != nil {
		return cli.NewCommandError("vhost set", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s -> %s\n", e.Host, e.Backend)
	return nil
}

func vhostDelete(cmd *cobra.Command, args []string) error {
	store, _, err := openVHosts(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.Delete(cmd.Context(), args[0])
	if err != nil {
		return cli.NewCommandError("vhost delete", err)
	}
	if !removed {
		return cli.NewCommandError("vhost delete", fmt.Errorf("host %q not found", vhost.Normalize(args[0])))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s removed\n", vhost.Normalize(args[0]))
	return nil
}

func vhostImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return cli.NewCommandError("vhost import", err)
	}
	var entries []vhost.Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return cli.NewCommandError("vhost import", fmt.Errorf("failed to parse %s: %w", args[0], err))
	}

	store, known, err := openVHosts(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	// Check everything before writing anything.
	for i, e := range entries {
		if err := vhost.ValidateHost(vhost.Normalize(e.Host)); err != nil {
			return cli.NewConfigError(fmt.Sprintf("%s[%d].host", args[0], i), err.Error())
		}
		if err := checkBackend(known, e.Backend); err != nil {
			return err
		}
	}

	progress := cli.NewProgress(cmd.ErrOrStderr(), "vhosts")
	progress.Start(len(entries))
	for _, e := range entries {
		if _, err := store.Set(cmd.Context(), e.Host, e.Backend, e.DocumentRoot); err != nil {
			progress.Finish(err)
			return cli.NewCommandError("vhost import", err)
		}
		progress.Step()
	}
	progress.Finish(nil)

	fmt.Fprintf(cmd.OutOrStdout(), "✓ %d hosts imported\n", len(entries))
	return nil
}
