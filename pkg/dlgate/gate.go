package dlgate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"

	"mercator-hq/conduit/pkg/config"
	"mercator-hq/conduit/pkg/telemetry/metrics"
)

// Decision is the outcome of a gate check.
type Decision int

const (
	// Pass means the path matched neither pattern.
	Pass Decision = iota

	// Granted means the path matched the trigger pattern and the client
	// address was recorded.
	Granted

	// Allowed means a download was requested within the ticket lifetime.
	Allowed

	// Denied means a download was requested without a live ticket.
	Denied
)

// String returns the metric label of d.
func (d Decision) String() string {
	switch d {
	case Granted:
		return "granted"
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	default:
		return "pass"
	}
}

// Gate refuses downloads to clients that did not fetch a trigger page
// shortly before. A trigger request records a ticket for the client
// address; a download request consumes nothing but refreshes the ticket.
type Gate struct {
	db       *sql.DB
	trigger  *regexp.Regexp
	download *regexp.Regexp
	denyURL  string
	timeout  time.Duration
	schedule string
	logger   *slog.Logger
	metrics  *metrics.Collector

	// now is replaced in tests.
	now func() time.Time

	mu      sync.Mutex
	closed  bool
	cron    *cron.Cron
	running bool
}

// New opens the ticket database and compiles the URL patterns.
func New(cfg config.DownloadGateConfig, logger *slog.Logger, m *metrics.Collector) (*Gate, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultGateTimeout
	}
	trigger, err := regexp.Compile(cfg.TriggerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid trigger pattern: %w", err)
	}
	download, err := regexp.Compile(cfg.DownloadURL)
	if err != nil {
		return nil, fmt.Errorf("invalid download pattern: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, storageErr("open", err)
	}
	db.SetMaxOpenConns(1)

	g := &Gate{
		db:       db,
		trigger:  trigger,
		download: download,
		denyURL:  cfg.DenyURL,
		timeout:  cfg.Timeout,
		schedule: cfg.PurgeSchedule,
		logger:   logger.With("component", "dlgate"),
		metrics:  m,
		now:      time.Now,
	}

	if err := g.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	g.logger.Info("download gate opened",
		"path", cfg.Path,
		"trigger", cfg.TriggerURL,
		"download", cfg.DownloadURL,
		"timeout", cfg.Timeout,
	)
	return g, nil
}

func (g *Gate) initialize() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := g.db.Exec(p); err != nil {
			return storageErr("pragma", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tickets (
		remote_ip TEXT PRIMARY KEY,
		issued_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tickets_issued_at ON tickets(issued_at);
	`
	if _, err := g.db.Exec(schema); err != nil {
		return storageErr("schema", err)
	}
	return nil
}

// DenyURL is the redirect target for denied downloads.
func (g *Gate) DenyURL() string {
	return g.denyURL
}

// Check classifies a request for path from remoteIP. A path matching both
// patterns records the ticket first and is then checked as a download.
func (g *Gate) Check(ctx context.Context, path, remoteIP string) (Decision, error) {
	if err := g.checkOpen(); err != nil {
		return Pass, err
	}

	decision := Pass
	now := g.now()

	if g.trigger.MatchString(path) {
		if err := g.grant(ctx, remoteIP, now); err != nil {
			return Pass, err
		}
		decision = Granted
	}

	if g.download.MatchString(path) {
		ok, err := g.redeem(ctx, remoteIP, now)
		if err != nil {
			return Pass, err
		}
		decision = Denied
		if ok {
			decision = Allowed
		}
	}

	if decision != Pass {
		g.metrics.RecordGateDecision(decision.String())
		g.logger.Debug("download gate decision",
			"remote_ip", remoteIP,
			"path", path,
			"decision", decision.String(),
		)
	}
	return decision, nil
}

func (g *Gate) grant(ctx context.Context, remoteIP string, now time.Time) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO tickets (remote_ip, issued_at) VALUES (?, ?)
		ON CONFLICT (remote_ip) DO UPDATE SET issued_at = excluded.issued_at
	`, remoteIP, now.UnixMilli())
	if err != nil {
		return storageErr("grant", err)
	}
	return nil
}

// redeem reports whether remoteIP holds a live ticket. A live ticket is
// refreshed; an expired one is removed.
func (g *Gate) redeem(ctx context.Context, remoteIP string, now time.Time) (bool, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr("check", err)
	}
	defer tx.Rollback()

	var issued int64
	err = tx.QueryRowContext(ctx, `SELECT issued_at FROM tickets WHERE remote_ip = ?`, remoteIP).Scan(&issued)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("check", err)
	}

	if now.Sub(time.UnixMilli(issued)) > g.timeout {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tickets WHERE remote_ip = ?`, remoteIP); err != nil {
			return false, storageErr("check", err)
		}
		if err := tx.Commit(); err != nil {
			return false, storageErr("check", err)
		}
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tickets SET issued_at = ? WHERE remote_ip = ?`, now.UnixMilli(), remoteIP); err != nil {
		return false, storageErr("check", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storageErr("check", err)
	}
	return true, nil
}

// Purge deletes expired tickets and returns how many were removed.
func (g *Gate) Purge(ctx context.Context) (int64, error) {
	if err := g.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := g.now().Add(-g.timeout).UnixMilli()
	res, err := g.db.ExecContext(ctx, `DELETE FROM tickets WHERE issued_at < ?`, cutoff)
	if err != nil {
		return 0, storageErr("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purge", err)
	}

	if _, err := g.Tickets(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// Tickets returns the number of live tickets and publishes it as a metric.
func (g *Gate) Tickets(ctx context.Context) (int, error) {
	if err := g.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := g.now().Add(-g.timeout).UnixMilli()
	var n int
	if err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets WHERE issued_at >= ?`, cutoff).Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	g.metrics.UpdateGateTickets(n)
	return n, nil
}

// Ping checks that the database answers.
func (g *Gate) Ping(ctx context.Context) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	return g.db.PingContext(ctx)
}

// Start schedules the purge of expired tickets. It stops when ctx is
// cancelled or Stop is called.
func (g *Gate) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.schedule == "" || g.running {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(g.schedule, func() {
		n, err := g.Purge(ctx)
		if err != nil {
			g.logger.Error("ticket purge failed", "error", err)
			return
		}
		if n > 0 {
			g.logger.Debug("expired tickets purged", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", g.schedule, err)
	}
	c.Start()
	g.cron = c
	g.running = true

	go func() {
		<-ctx.Done()
		g.Stop()
	}()

	g.logger.Info("ticket purge scheduled", "schedule", g.schedule)
	return nil
}

// Stop cancels the scheduled purge and waits for a running one.
func (g *Gate) Stop() {
	g.mu.Lock()
	c := g.cron
	running := g.running
	g.running = false
	g.mu.Unlock()

	if c != nil && running {
		<-c.Stop().Done()
	}
}

// Close stops the purge and closes the database.
func (g *Gate) Close() error {
	g.Stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	if err := g.db.Close(); err != nil {
		return storageErr("close", err)
	}
	return nil
}

func (g *Gate) checkOpen() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	return nil
}
