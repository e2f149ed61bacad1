package health

import (
	"encoding/json"
	"net/http"
	"runtime"

	"mercator-hq/conduit/pkg/config"
)

// VersionInfo contains build and version information.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// LivenessHandler answers {"status": "ok", "timestamp": ...} while the
// process runs.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return readOnly(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, c.CheckLiveness())
	})
}

// ReadinessHandler returns an HTTP handler for the readiness endpoint.
//
// Returns:
//   - 200 OK: every check passed
//   - 503 Service Unavailable: at least one check failed
//
// Example response (degraded):
//
//	{
//	    "status": "degraded",
//	    "checks": {
//	        "backends": {"status": "unhealthy", "message": "backends below 1 active addresses: app (0/2 active)"},
//	        "vhost": {"status": "ok", "duration_ms": 0.4}
//	    },
//	    "timestamp": "2026-10-19T10:30:00Z"
//	}
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return readOnly(func(w http.ResponseWriter, r *http.Request) {
		status := c.CheckReadiness(r.Context())
		code := http.StatusOK
		if !status.Ready() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, r, code, status)
	})
}

// VersionHandler serves info with the running Go version filled in.
func VersionHandler(info VersionInfo) http.HandlerFunc {
	if info.GoVersion == "" {
		info.GoVersion = runtime.Version()
	}
	return readOnly(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, info)
	})
}

// Register mounts the liveness, readiness and backends endpoints on mux at
// the configured paths, plus /version. Nothing is mounted when health is
// disabled. snapshot may be nil, in which case the backends endpoint is
// skipped.
func Register(mux *http.ServeMux, cfg config.HealthConfig, checker *Checker, snapshot SnapshotFunc, info VersionInfo) {
	if !cfg.Enabled {
		return
	}
	mux.HandleFunc(cfg.LivenessPath, checker.LivenessHandler())
	mux.HandleFunc(cfg.ReadinessPath, checker.ReadinessHandler())
	if snapshot != nil && cfg.BackendsPath != "" {
		mux.HandleFunc(cfg.BackendsPath, BackendsHandler(snapshot))
	}
	mux.HandleFunc("/version", VersionHandler(info))
}

// readOnly rejects everything but GET and HEAD.
func readOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if r.Method != http.MethodHead {
		_ = json.NewEncoder(w).Encode(v)
	}
}
