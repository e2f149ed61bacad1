package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"mercator-hq/conduit/pkg/backend"
)

// SnapshotFunc returns the current state of every backend. The proxy loop
// provides one; it fails when the loop does not answer before ctx ends.
type SnapshotFunc func(ctx context.Context) ([]backend.Snapshot, error)

// BackendsCheck fails when a backend has fewer than minActive active
// addresses, or when snapshots cannot be taken.
func BackendsCheck(snapshot SnapshotFunc, minActive int) CheckFunc {
	return func(ctx context.Context) error {
		snaps, err := snapshot(ctx)
		if err != nil {
			return fmt.Errorf("backend state unavailable: %w", err)
		}
		var short []string
		for _, s := range snaps {
			if n := ActiveAddresses(s); n < minActive {
				short = append(short, fmt.Sprintf("%s (%d/%d active)", s.Name, n, len(s.Addresses)))
			}
		}
		if len(short) > 0 {
			return fmt.Errorf("backends below %d active addresses: %s", minActive, strings.Join(short, ", "))
		}
		return nil
	}
}

// ActiveAddresses counts the addresses of s that are not disabled.
func ActiveAddresses(s backend.Snapshot) int {
	n := 0
	for _, a := range s.Addresses {
		if a.State == backend.AddressActive.String() {
			n++
		}
	}
	return n
}

// BackendsHandler returns an HTTP handler that dumps the backend snapshots
// as JSON.
func BackendsHandler(snapshot SnapshotFunc) http.HandlerFunc {
	return readOnly(func(w http.ResponseWriter, r *http.Request) {
		snaps, err := snapshot(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, r, http.StatusOK, struct {
			Backends []backend.Snapshot `json:"backends"`
		}{snaps})
	})
}
