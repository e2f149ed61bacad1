package vhost

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"mercator-hq/conduit/pkg/config"
	"mercator-hq/conduit/pkg/telemetry/metrics"
)

// DefaultBusyTimeout is how long a statement waits for the database lock.
const DefaultBusyTimeout = 5 * time.Second

var (
	// ErrInvalidHost is returned for empty or malformed host names.
	ErrInvalidHost = errors.New("invalid host name")

	// ErrInvalidBackend is returned when an entry names no backend.
	ErrInvalidBackend = errors.New("backend name cannot be empty")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("vhost store is closed")
)

// Entry maps one host name to a backend.
type Entry struct {
	// Host is the lower-cased host name without port. A leading "*."
	// matches any subdomain.
	Host string `json:"host" yaml:"host"`

	// Backend is the name of the configured backend serving the host.
	Backend string `json:"backend" yaml:"backend"`

	// DocumentRoot is handed to FastCGI backends for this host. Optional.
	DocumentRoot string `json:"document_root,omitempty" yaml:"document_root,omitempty"`

	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Options configures a Store.
type Options struct {
	// Path is the SQLite database file.
	Path string

	// RefreshSchedule is the cron spec of the snapshot reload. Empty
	// disables the periodic reload.
	RefreshSchedule string

	// BusyTimeout defaults to DefaultBusyTimeout.
	BusyTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// FromConfig converts the vhost section of the configuration.
func FromConfig(cfg config.VHostConfig) Options {
	return Options{
		Path:            cfg.Path,
		RefreshSchedule: cfg.RefreshSchedule,
	}
}

// Store resolves request hosts to backend names. Lookups are served from an
// in-memory snapshot of the hosts table; writes go to SQLite and update the
// snapshot. Other processes writing the same database are picked up by the
// periodic refresh.
type Store struct {
	db       *sql.DB
	path     string
	schedule string
	logger   *slog.Logger
	metrics  *metrics.Collector

	upsertStmt *sql.Stmt
	deleteStmt *sql.Stmt
	listStmt   *sql.Stmt

	mu      sync.RWMutex
	hosts   map[string]Entry
	closed  bool
	cron    *cron.Cron
	running bool

	closeOnce sync.Once
}

// Open opens or creates the database at opts.Path and loads the snapshot.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		opts.Path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:       db,
		path:     opts.Path,
		schedule: opts.RefreshSchedule,
		logger:   logger.With("component", "vhost"),
		metrics:  opts.Metrics,
		hosts:    make(map[string]Entry),
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	if err := s.Refresh(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.logger.Info("vhost store opened", "path", opts.Path, "hosts", s.Len())
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS vhosts (
		host TEXT PRIMARY KEY,
		backend TEXT NOT NULL,
		document_root TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_vhosts_backend ON vhosts(backend);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error

	s.upsertStmt, err = s.db.PrepareContext(ctx, `
		INSERT INTO vhosts (host, backend, document_root, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (host) DO UPDATE SET
			backend = excluded.backend,
			document_root = excluded.document_root,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	s.deleteStmt, err = s.db.PrepareContext(ctx, `DELETE FROM vhosts WHERE host = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.listStmt, err = s.db.PrepareContext(ctx, `
		SELECT host, backend, document_root, updated_at
		FROM vhosts
		ORDER BY host
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list statement: %w", err)
	}
	return nil
}

// Resolve returns the backend serving host. An exact entry wins over a
// wildcard; among wildcards the most specific one wins. It implements
// proxy.Resolver.
func (s *Store) Resolve(host string) (string, bool) {
	e, ok := s.Lookup(host)
	return e.Backend, ok
}

// Lookup returns the entry serving host.
func (s *Store) Lookup(host string) (Entry, bool) {
	host = Normalize(host)
	if host == "" {
		return Entry{}, false
	}

	s.mu.RLock()
	e, ok := s.hosts[host]
	for name := host; !ok; {
		i := strings.IndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[i+1:]
		e, ok = s.hosts["*."+name]
	}
	s.mu.RUnlock()

	s.metrics.RecordCacheLookup(metrics.CacheVHost, ok)
	return e, ok
}

// Refresh reloads the snapshot from the database.
func (s *Store) Refresh(ctx context.Context) error {
	entries, err := s.List(ctx)
	if err != nil {
		return err
	}

	hosts := make(map[string]Entry, len(entries))
	for _, e := range entries {
		hosts[e.Host] = e
	}

	s.mu.Lock()
	s.hosts = hosts
	s.mu.Unlock()

	s.metrics.UpdateCacheSize(metrics.CacheVHost, len(hosts))
	return nil
}

// Set creates or replaces the entry for host.
func (s *Store) Set(ctx context.Context, host, backend, documentRoot string) (Entry, error) {
	if err := s.checkOpen(); err != nil {
		return Entry{}, err
	}
	host = Normalize(host)
	if err := ValidateHost(host); err != nil {
		return Entry{}, err
	}
	if strings.TrimSpace(backend) == "" {
		return Entry{}, ErrInvalidBackend
	}

	e := Entry{
		Host:         host,
		Backend:      backend,
		DocumentRoot: documentRoot,
		UpdatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if _, err := s.upsertStmt.ExecContext(ctx, e.Host, e.Backend, e.DocumentRoot, e.UpdatedAt.Unix()); err != nil {
		return Entry{}, fmt.Errorf("failed to save vhost %q: %w", host, err)
	}

	s.mu.Lock()
	s.hosts[host] = e
	n := len(s.hosts)
	s.mu.Unlock()

	s.metrics.UpdateCacheSize(metrics.CacheVHost, n)
	return e, nil
}

// Delete removes the entry for host and reports whether it existed.
func (s *Store) Delete(ctx context.Context, host string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	host = Normalize(host)

	res, err := s.deleteStmt.ExecContext(ctx, host)
	if err != nil {
		return false, fmt.Errorf("failed to delete vhost %q: %w", host, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.mu.Lock()
	delete(s.hosts, host)
	size := len(s.hosts)
	s.mu.Unlock()

	s.metrics.UpdateCacheSize(metrics.CacheVHost, size)
	return n > 0, nil
}

// List returns every entry in the database ordered by host.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.listStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list vhosts: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			updatedAt int64
		)
		if err := rows.Scan(&e.Host, &e.Backend, &e.DocumentRoot, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return entries, nil
}

// Backends returns the distinct backend names referenced by the snapshot.
func (s *Store) Backends() []string {
	s.mu.RLock()
	seen := make(map[string]struct{}, len(s.hosts))
	for _, e := range s.hosts {
		seen[e.Backend] = struct{}{}
	}
	s.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of entries in the snapshot.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hosts)
}

// Ping checks that the database answers. It backs the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Start schedules the periodic refresh. It stops when ctx is cancelled or
// Stop is called.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" || s.running {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(s.schedule, func() {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Error("vhost refresh failed", "error", err)
			return
		}
		s.logger.Debug("vhost snapshot refreshed", "hosts", s.Len())
	})
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.running = true

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("vhost refresh scheduled", "schedule", s.schedule)
	return nil
}

// Stop cancels the periodic refresh and waits for a running one.
func (s *Store) Stop() {
	s.mu.Lock()
	c := s.cron
	running := s.running
	s.running = false
	s.mu.Unlock()

	if c != nil && running {
		<-c.Stop().Done()
	}
}

// Close stops the refresh and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Stop()

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		for _, stmt := range []*sql.Stmt{s.upsertStmt, s.deleteStmt, s.listStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}
		err = s.db.Close()
	})
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Normalize lower-cases host and strips the port and a trailing dot.
func Normalize(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if strings.HasPrefix(host, "[") {
		if i := strings.IndexByte(host, ']'); i > 0 {
			return host[1:i]
		}
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 && strings.Count(host, ":") == 1 {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}

// ValidateHost checks a normalized host name.
func ValidateHost(host string) error {
	name := strings.TrimPrefix(host, "*.")
	if name == "" || strings.ContainsAny(name, "*/ \t") || strings.HasPrefix(name, ".") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	return nil
}
