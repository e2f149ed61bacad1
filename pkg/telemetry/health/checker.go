package health

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// Check statuses.
const (
	StatusOK        = "ok"
	StatusReady     = "ready"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc reports whether a component can serve. A nil error is healthy.
type CheckFunc func(ctx context.Context) error

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status     string  `json:"status"`
	Message    string  `json:"message,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// HealthStatus is the body of the liveness and readiness endpoints.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Ready reports whether every check passed.
func (s HealthStatus) Ready() bool {
	return s.Status == StatusOK || s.Status == StatusReady
}

// ErrCheckTimeout is the result of a check that outlived the check timeout.
var ErrCheckTimeout = errors.New("health check timeout")

// DefaultCheckTimeout bounds a check when New is given zero.
const DefaultCheckTimeout = 5 * time.Second

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Checker runs the readiness checks of the proxy: the event loop and its
// backends, and the optional SQLite stores. Checks are kept sorted by name.
type Checker struct {
	mu      sync.RWMutex
	checks  []namedCheck
	observe func(name string, healthy bool)

	checkTimeout time.Duration
	now          func() time.Time
}

// New creates a checker whose checks are abandoned after checkTimeout.
func New(checkTimeout time.Duration) *Checker {
	if checkTimeout <= 0 {
		checkTimeout = DefaultCheckTimeout
	}
	return &Checker{
		checkTimeout: checkTimeout,
		now:          time.Now,
	}
}

// OnResult installs fn to be called with the outcome of every check run.
// It is called from the check goroutines.
func (c *Checker) OnResult(fn func(name string, healthy bool)) {
	c.mu.Lock()
	c.observe = fn
	c.mu.Unlock()
}

// RegisterCheck adds a check, replacing any check of the same name.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, found := slices.BinarySearchFunc(c.checks, name, func(nc namedCheck, n string) int {
		return cmp.Compare(nc.name, n)
	})
	if found {
		c.checks[i].fn = check
		return
	}
	c.checks = slices.Insert(c.checks, i, namedCheck{name: name, fn: check})
}

// Names returns the registered check names in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.checks))
	for i, nc := range c.checks {
		names[i] = nc.name
	}
	return names
}

// CheckLiveness reports that the process is running. It runs no checks.
func (c *Checker) CheckLiveness() HealthStatus {
	return HealthStatus{Status: StatusOK, Timestamp: c.now()}
}

// CheckReadiness runs every check concurrently. The proxy is ready when
// all of them pass, which includes having none.
func (c *Checker) CheckReadiness(ctx context.Context) HealthStatus {
	c.mu.RLock()
	checks := slices.Clone(c.checks)
	observe := c.observe
	c.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, nc := range checks {
		wg.Go(func() {
			results[i] = c.run(ctx, nc.fn)
			if observe != nil {
				observe(nc.name, results[i].Status == StatusOK)
			}
		})
	}
	wg.Wait()

	st := HealthStatus{
		Status:    StatusReady,
		Checks:    make(map[string]CheckResult, len(checks)),
		Timestamp: c.now(),
	}
	for i, nc := range checks {
		st.Checks[nc.name] = results[i]
		if results[i].Status != StatusOK {
			st.Status = StatusDegraded
		}
	}
	return st
}

// run executes one check under the check timeout. A check that ignores its
// context keeps running in the background; its late result is dropped.
func (c *Checker) run(ctx context.Context, check CheckFunc) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- check(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ErrCheckTimeout
	}

	res := CheckResult{Status: StatusOK, DurationMS: float64(time.Since(start).Microseconds()) / 1000}
	if err != nil {
		res.Status, res.Message = StatusUnhealthy, err.Error()
	}
	return res
}
