package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"mercator-hq/conduit/pkg/backend"
	"mercator-hq/conduit/pkg/cli"
)

var backendsFlags struct {
	url     string
	timeout time.Duration
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List backends and their addresses",
	Long: `List the backends of the configuration file, or with --url the live
state reported by a running proxy's backends endpoint: pool sizes, backlog
length and the state and load of every address.

Examples:
  # Configured backends
  conduit backends --config config.yaml

  # Live state
  conduit backends --url http://127.0.0.1:8080/backends --output json`,
	RunE: listBackends,
}

func init() {
	rootCmd.AddCommand(backendsCmd)

	backendsCmd.Flags().StringVar(&backendsFlags.url, "url", "", "backends endpoint of a running proxy")
	backendsCmd.Flags().DurationVar(&backendsFlags.timeout, "timeout", 5*time.Second, "request timeout for --url")
}

func listBackends(cmd *cobra.Command, args []string) error {
	if backendsFlags.url != "" {
		snaps, err := fetchSnapshots(cmd, backendsFlags.url, backendsFlags.timeout)
		if err != nil {
			return cli.NewCommandError("backends", err)
		}
		return printOutput(cmd, snapshotTable(snaps))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	table := &cli.Table{
		Header: []string{"name", "protocol", "balancer", "match", "addresses", "keep_alive"},
		Value:  cfg.Backends,
	}
	for _, b := range cfg.Backends {
		table.Append(b.Name, b.Protocol, b.Balancer, b.Match,
			strings.Join(b.Addresses, ","), strconv.FormatBool(b.KeepAlive))
	}
	return printOutput(cmd, table)
}

func fetchSnapshots(cmd *cobra.Command, url string, timeout time.Duration) ([]backend.Snapshot, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	logf(cmd, "GET %s", url)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %s", url, resp.Status)
	}
	var body struct {
		Backends []backend.Snapshot `json:"backends"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%s: invalid response: %w", url, err)
	}
	return body.Backends, nil
}

// snapshotTable prints one row per address.
func snapshotTable(snaps []backend.Snapshot) *cli.Table {
	table := &cli.Table{
		Header: []string{"backend", "balancer", "address", "state", "load", "pool", "backlog"},
		Value:  snaps,
	}
	for _, s := range snaps {
		pool := 0
		for _, n := range s.Pool {
			pool += n
		}
		poolCol := fmt.Sprintf("%d/%d", pool, s.MaxPool)
		if len(s.Addresses) == 0 {
			table.Append(s.Name, s.Balancer, "-", "-", "0", poolCol, strconv.Itoa(s.Backlog))
			continue
		}
		for _, a := range s.Addresses {
			table.Append(s.Name, s.Balancer, a.Name, a.State, strconv.Itoa(a.Load), poolCol, strconv.Itoa(s.Backlog))
		}
	}
	return table
}
