// Package filecache keeps open descriptors and metadata of files served
// through X-Sendfile.
//
// Entries are shared: every Get takes a reference on the entry's
// chunkqueue.File and file chunks take their own, so an entry evicted while a
// response is still being written stays open until the last chunk is
// retired. Staleness is judged against a caller-supplied clock. With Watch
// enabled, fsnotify events on cached paths drop the entry immediately.
package filecache

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"mercator-hq/conduit/pkg/chunkqueue"
)

// ErrNotRegular is returned for directories, devices and other non-regular
// files.
var ErrNotRegular = errors.New("not a regular file")

// Defaults used when Config leaves a field zero.
const (
	DefaultMaxEntries = 1024
	DefaultMaxAge     = 10 * time.Second
)

// Config configures a Cache.
type Config struct {
	// MaxEntries bounds the number of cached files.
	MaxEntries int

	// MaxAge is how long an entry is trusted without a stat.
	MaxAge time.Duration

	// Watch enables fsnotify invalidation.
	Watch bool

	// OnLookup, when set, is called after every Get with whether the entry
	// came from the cache.
	OnLookup func(hit bool)

	// OnEvict, when set, is called for every entry dropped before Close,
	// with one of the Evict* reasons.
	OnEvict func(reason string)
}

// Eviction reasons passed to Config.OnEvict.
const (
	EvictCapacity = "capacity"
	EvictStale    = "stale"
	EvictExpired  = "expired"
	EvictChanged  = "changed"
)

// Entry is a cached open file.
type Entry struct {
	Path        string
	Size        int64
	ModTime     time.Time
	ContentType string
	ETag        string

	// File is the shared descriptor. Queues reference it through file
	// chunks.
	File *chunkqueue.File

	loaded time.Time
}

// LastModified returns ModTime in HTTP date format.
func (e *Entry) LastModified() string {
	return e.ModTime.UTC().Format(http.TimeFormat)
}

// Release gives back the reference taken by Get.
func (e *Entry) Release() {
	e.File.Release()
}

// Cache maps paths to open files.
type Cache struct {
	cfg     Config
	logger  *slog.Logger
	mu      sync.Mutex
	entries map[string]*Entry
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a cache. When cfg.Watch is set a watcher goroutine runs until
// Close.
func New(cfg Config, logger *slog.Logger) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		cfg:     cfg,
		logger:  logger.With("component", "filecache"),
		entries: make(map[string]*Entry),
		done:    make(chan struct{}),
	}

	if cfg.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		c.watcher = w
		c.wg.Add(1)
		go c.watch()
	}
	return c, nil
}

// Get returns the entry for path, opening the file on a miss or when the
// cached entry is older than MaxAge at now. The caller owns one reference and
// must call Release.
func (c *Cache) Get(path string, now time.Time) (*Entry, error) {
	path = filepath.Clean(path)

	c.mu.Lock()
	if e, ok := c.entries[path]; ok && now.Sub(e.loaded) < c.cfg.MaxAge {
		e.File.Acquire()
		c.mu.Unlock()
		c.lookup(true)
		return e, nil
	}
	c.mu.Unlock()
	c.lookup(false)

	e, err := open(path, now)
	if err != nil {
		return nil, err
	}
	e.File.Acquire()

	var dropped, reasons []string
	c.mu.Lock()
	if old, ok := c.entries[path]; ok {
		dropped = append(dropped, c.dropLocked(old))
		reasons = append(reasons, EvictStale)
	}
	if len(c.entries) >= c.cfg.MaxEntries {
		if p := c.evictOldestLocked(); p != "" {
			dropped = append(dropped, p)
			reasons = append(reasons, EvictCapacity)
		}
	}
	c.entries[path] = e
	c.mu.Unlock()

	c.unwatch(dropped...)
	c.evicted(reasons...)
	if c.watcher != nil {
		if err := c.watcher.Add(path); err != nil {
			c.logger.Debug("cannot watch cached file", "path", path, "error", err)
		}
	}
	return e, nil
}

func (c *Cache) lookup(hit bool) {
	if c.cfg.OnLookup != nil {
		c.cfg.OnLookup(hit)
	}
}

func (c *Cache) evicted(reasons ...string) {
	if c.cfg.OnEvict == nil {
		return
	}
	for _, r := range reasons {
		c.cfg.OnEvict(r)
	}
}

func open(path string, now time.Time) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrNotRegular)
	}

	mtime := time.Unix(st.Mtim.Unix())
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &Entry{
		Path:        path,
		Size:        st.Size,
		ModTime:     mtime,
		ContentType: contentType,
		ETag:        fmt.Sprintf("\"%x-%x-%x\"", uint64(st.Ino), st.Size, mtime.Unix()),
		File:        chunkqueue.NewFile(f, func() { f.Close() }),
		loaded:      now,
	}, nil
}

// Invalidate drops the entry for path and reports whether one existed.
func (c *Cache) Invalidate(path string) bool {
	path = filepath.Clean(path)

	c.mu.Lock()
	e, ok := c.entries[path]
	if ok {
		c.dropLocked(e)
	}
	c.mu.Unlock()

	if ok {
		c.unwatch(path)
		c.evicted(EvictChanged)
	}
	return ok
}

// Sweep drops entries older than MaxAge at now and returns how many went.
func (c *Cache) Sweep(now time.Time) int {
	var dropped []string
	c.mu.Lock()
	for _, e := range c.entries {
		if now.Sub(e.loaded) >= c.cfg.MaxAge {
			dropped = append(dropped, c.dropLocked(e))
		}
	}
	c.mu.Unlock()

	c.unwatch(dropped...)
	for range dropped {
		c.evicted(EvictExpired)
	}
	return len(dropped)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the watcher and drops every entry. Files still referenced by
// queued chunks close when those chunks are retired.
func (c *Cache) Close() error {
	var err error
	if c.watcher != nil {
		close(c.done)
		err = c.watcher.Close()
		c.wg.Wait()
	}

	c.mu.Lock()
	for _, e := range c.entries {
		c.dropLocked(e)
	}
	c.mu.Unlock()
	return err
}

// dropLocked removes e and gives back the cache's reference. It returns the
// path for unwatch, which must run without c.mu held.
func (c *Cache) dropLocked(e *Entry) string {
	delete(c.entries, e.Path)
	e.File.Release()
	return e.Path
}

func (c *Cache) evictOldestLocked() string {
	var oldest *Entry
	for _, e := range c.entries {
		if oldest == nil || e.loaded.Before(oldest.loaded) {
			oldest = e
		}
	}
	if oldest == nil {
		return ""
	}
	return c.dropLocked(oldest)
}

func (c *Cache) unwatch(paths ...string) {
	if c.watcher == nil {
		return
	}
	for _, p := range paths {
		_ = c.watcher.Remove(p)
	}
}

func (c *Cache) watch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) != 0 {
				if c.Invalidate(event.Name) {
					c.logger.Debug("cached file changed", "path", event.Name, "op", event.Op.String())
				}
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("file watcher error", "error", err)
		}
	}
}
