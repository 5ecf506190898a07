// Package shellcache keeps the static UI shell available offline. A named,
// versioned cache is filled from a fixed manifest at install time; every
// GET is answered from the cache when possible while a background fetch
// refreshes the stored copy.
package shellcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tiroq/skaner/internal/diaglog"
	"github.com/tiroq/skaner/internal/logging"
)

const defaultHotEntries = 32

// ErrNotInstalled is returned by Activate before a successful Install.
var ErrNotInstalled = errors.New("shell cache not installed")

// Options configures a Cache.
type Options struct {
	// Name is the version string; changing it invalidates older caches.
	Name       string
	Dir        string
	Manifest   []string
	HotEntries int
	Fetcher    Fetcher
	// Passthrough handles non-GET requests. Nil answers 405.
	Passthrough http.Handler
	Logger      *slog.Logger
	Diag        *diaglog.Logger
}

// Cache is an http.Handler implementing stale-while-revalidate over an
// on-disk store with an in-memory LRU in front.
type Cache struct {
	name        string
	dir         string
	manifest    []string
	fetcher     Fetcher
	passthrough http.Handler
	logger      *slog.Logger
	diag        *diaglog.Logger
	hot         *lru.Cache[string, *Entry]

	storeMu sync.Mutex

	mu        sync.Mutex
	installed bool
	inflight  map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates opts and prepares the cache directory.
func New(opts Options) (*Cache, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("shellcache: name is required")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("shellcache: dir is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("shellcache: fetcher is required")
	}
	if strings.ContainsAny(opts.Name, `/\`) {
		return nil, fmt.Errorf("shellcache: name %q must not contain path separators", opts.Name)
	}
	size := opts.HotEntries
	if size <= 0 {
		size = defaultHotEntries
	}
	hot, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, fmt.Errorf("shellcache: %w", err)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("shellcache: create dir: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		name:        opts.Name,
		dir:         opts.Dir,
		manifest:    append([]string(nil), opts.Manifest...),
		fetcher:     opts.Fetcher,
		passthrough: opts.Passthrough,
		logger:      logging.NewComponentLogger(opts.Logger, "shell-cache"),
		diag:        opts.Diag,
		hot:         hot,
		inflight:    make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	if info, err := os.Stat(c.cacheDir()); err == nil && info.IsDir() {
		c.installed = true
	}
	return c, nil
}

// Name returns the cache version string.
func (c *Cache) Name() string { return c.name }

// Installed reports whether the named cache exists on disk.
func (c *Cache) Installed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installed
}

func (c *Cache) cacheDir() string {
	return filepath.Join(c.dir, c.name)
}

// Install fetches every manifest entry and stores them under the cache
// name. Nothing is stored unless every entry was fetched with status 200.
func (c *Cache) Install(ctx context.Context) error {
	entries := make([]*Entry, 0, len(c.manifest))
	for _, p := range c.manifest {
		entry, err := c.fetcher.Fetch(ctx, p)
		if err != nil {
			return fmt.Errorf("install %s: fetch %s: %w", c.name, p, err)
		}
		if entry.Status != http.StatusOK {
			return fmt.Errorf("install %s: fetch %s: status %d", c.name, p, entry.Status)
		}
		entry.Path = p
		entry.StoredAt = time.Now()
		entries = append(entries, entry)
	}

	tmp, err := os.MkdirTemp(c.dir, "."+c.name+".install-")
	if err != nil {
		return fmt.Errorf("install %s: %w", c.name, err)
	}
	defer os.RemoveAll(tmp)
	for _, entry := range entries {
		if err := writeEntry(tmp, entry); err != nil {
			return fmt.Errorf("install %s: %w", c.name, err)
		}
	}

	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	if err := os.RemoveAll(c.cacheDir()); err != nil {
		return fmt.Errorf("install %s: %w", c.name, err)
	}
	if err := os.Rename(tmp, c.cacheDir()); err != nil {
		return fmt.Errorf("install %s: %w", c.name, err)
	}
	c.hot.Purge()
	for _, entry := range entries {
		c.hot.Add(entry.Path, entry)
	}

	c.mu.Lock()
	c.installed = true
	c.mu.Unlock()

	c.logger.Info("shell cache installed", logging.String("name", c.name), logging.Int("entries", len(entries)))
	c.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentShellCache,
		Event:     diaglog.EventCacheInstall,
		Payload:   map[string]interface{}{"name": c.name, "entries": len(entries)},
	})
	return nil
}

// Activate deletes every cache in Dir whose name differs from this one and
// returns the removed names.
func (c *Cache) Activate() ([]string, error) {
	if !c.Installed() {
		return nil, ErrNotInstalled
	}
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("activate %s: %w", c.name, err)
	}
	var removed []string
	for _, de := range dirEntries {
		if !de.IsDir() || de.Name() == c.name || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.dir, de.Name())); err != nil {
			return removed, fmt.Errorf("activate %s: remove %s: %w", c.name, de.Name(), err)
		}
		removed = append(removed, de.Name())
	}
	c.logger.Info("shell cache activated", logging.String("name", c.name), logging.Int("removed", len(removed)))
	c.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentShellCache,
		Event:     diaglog.EventCacheActivate,
		Payload:   map[string]interface{}{"name": c.name, "removed": removed},
	})
	return removed, nil
}

// ServeHTTP answers GETs cache-first and refreshes the entry in the
// background. Other methods go to the passthrough handler.
func (c *Cache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		if c.passthrough != nil {
			c.passthrough.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := requestKey(r)
	if entry, ok := c.lookup(key); ok {
		writeEntryResponse(w, entry, "HIT")
		c.refresh(key)
		return
	}

	entry, err := c.fetcher.Fetch(r.Context(), key)
	if err != nil {
		c.logger.Debug("shell fetch failed", logging.String("path", key), logging.Error(err))
		http.Error(w, "offline and not cached", http.StatusBadGateway)
		return
	}
	if entry.Status == http.StatusOK {
		c.store(key, entry)
	}
	writeEntryResponse(w, entry, "MISS")
}

// Wait blocks until background refreshes have finished.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Close cancels background refreshes and waits for them.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Cache) refresh(key string) {
	c.mu.Lock()
	if _, busy := c.inflight[key]; busy || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.inflight[key] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
			c.wg.Done()
		}()
		entry, err := c.fetcher.Fetch(c.ctx, key)
		if err != nil {
			c.logger.Debug("background refresh failed", logging.String("path", key), logging.Error(err))
			c.diag.Log(diaglog.LogEntry{
				Component: diaglog.ComponentShellCache,
				Event:     diaglog.EventCacheRefreshErr,
				Reason:    err.Error(),
				Payload:   map[string]interface{}{"path": key},
			})
			return
		}
		if entry.Status != http.StatusOK {
			return
		}
		c.store(key, entry)
	}()
}

func (c *Cache) lookup(key string) (*Entry, bool) {
	if entry, ok := c.hot.Get(key); ok {
		return entry, true
	}
	c.storeMu.Lock()
	entry, err := readEntry(c.cacheDir(), key)
	c.storeMu.Unlock()
	if err != nil {
		return nil, false
	}
	c.hot.Add(key, entry)
	return entry, true
}

func (c *Cache) store(key string, entry *Entry) {
	entry.Path = key
	entry.StoredAt = time.Now()
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	if err := os.MkdirAll(c.cacheDir(), 0o755); err != nil {
		c.logger.Warn("cache dir unavailable", logging.Error(err))
		return
	}
	if err := writeEntry(c.cacheDir(), entry); err != nil {
		c.logger.Warn("cache write failed", logging.String("path", key), logging.Error(err))
		return
	}
	c.hot.Add(key, entry)
}

func requestKey(r *http.Request) string {
	p := r.URL.Path
	if p == "" {
		p = "/"
	}
	if r.URL.RawQuery != "" {
		p += "?" + r.URL.RawQuery
	}
	return p
}

func entryFile(dir, key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(dir, hex.EncodeToString(sum[:16])+".json")
}

func writeEntry(dir string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "entry-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, entryFile(dir, entry.Path))
}

func readEntry(dir, key string) (*Entry, error) {
	data, err := os.ReadFile(entryFile(dir, key))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func writeEntryResponse(w http.ResponseWriter, entry *Entry, state string) {
	for k, v := range entry.Header {
		w.Header().Set(k, v)
	}
	w.Header().Set("X-Shell-Cache", state)
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.Body)))
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}
