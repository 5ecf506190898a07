package shellcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
)

var errOffline = errors.New("network unreachable")

type fakeFetcher struct {
	mu      sync.Mutex
	bodies  map[string]string
	offline bool
	calls   map[string]int
}

func newFakeFetcher(bodies map[string]string) *fakeFetcher {
	return &fakeFetcher{bodies: bodies, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, p string) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[p]++
	if f.offline {
		return nil, errOffline
	}
	body, ok := f.bodies[p]
	if !ok {
		return &Entry{Path: p, Status: http.StatusNotFound, Body: []byte("nope")}, nil
	}
	return &Entry{Path: p, Status: http.StatusOK, Header: map[string]string{"Content-Type": "text/plain"}, Body: []byte(body)}, nil
}

func (f *fakeFetcher) set(p, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[p] = body
}

func (f *fakeFetcher) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeFetcher) count(p string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[p]
}

var manifest = []string{"/", "/index.html", "/style.css", "/script.js"}

func shellBodies() map[string]string {
	return map[string]string{
		"/":           "index v1",
		"/index.html": "index v1",
		"/style.css":  "css v1",
		"/script.js":  "js v1",
	}
}

func newTestCache(t *testing.T, dir string, f Fetcher, passthrough http.Handler) *Cache {
	t.Helper()
	c, err := New(Options{Name: "tomaga-skaner-v4", Dir: dir, Manifest: manifest, HotEntries: 2, Fetcher: f, Passthrough: passthrough})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func get(t *testing.T, h http.Handler, p string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
	return rec
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{Dir: t.TempDir(), Fetcher: newFakeFetcher(nil)}); err == nil {
		t.Error("missing name should fail")
	}
	if _, err := New(Options{Name: "a/b", Dir: t.TempDir(), Fetcher: newFakeFetcher(nil)}); err == nil {
		t.Error("separator in name should fail")
	}
	if _, err := New(Options{Name: "v1", Dir: t.TempDir()}); err == nil {
		t.Error("missing fetcher should fail")
	}
}

func TestInstalledShellServesOffline(t *testing.T) {
	f := newFakeFetcher(shellBodies())
	c := newTestCache(t, t.TempDir(), f, nil)
	if err := c.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	f.setOffline(true)

	for _, p := range manifest {
		rec := get(t, c, p)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s offline = %d", p, rec.Code)
		}
		if rec.Header().Get("X-Shell-Cache") != "HIT" {
			t.Errorf("GET %s not served from cache", p)
		}
	}
	c.Wait()
}

func TestInstallIsAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	bodies := shellBodies()
	delete(bodies, "/script.js")
	c := newTestCache(t, dir, newFakeFetcher(bodies), nil)

	if err := c.Install(context.Background()); err == nil {
		t.Fatal("expected install error")
	}
	if c.Installed() {
		t.Error("cache must not be marked installed")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("partial install left %d entries", len(entries))
	}
	if _, err := c.Activate(); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("Activate err = %v", err)
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	f := newFakeFetcher(shellBodies())
	c := newTestCache(t, t.TempDir(), f, nil)
	if err := c.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.set("/style.css", "css v2")
	if body := get(t, c, "/style.css").Body.String(); body != "css v1" {
		t.Errorf("first GET = %q, want cached copy", body)
	}
	c.Wait()
	if body := get(t, c, "/style.css").Body.String(); body != "css v2" {
		t.Errorf("second GET = %q, want refreshed copy", body)
	}
	c.Wait()
}

func TestMissIsFetchedAndStored(t *testing.T) {
	f := newFakeFetcher(map[string]string{"/extra.txt": "extra"})
	c := newTestCache(t, t.TempDir(), f, nil)

	rec := get(t, c, "/extra.txt")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Shell-Cache") != "MISS" {
		t.Fatalf("first GET = %d %s", rec.Code, rec.Header().Get("X-Shell-Cache"))
	}
	f.setOffline(true)
	if rec := get(t, c, "/extra.txt"); rec.Code != http.StatusOK || rec.Body.String() != "extra" {
		t.Errorf("offline GET = %d %q", rec.Code, rec.Body.String())
	}
	c.Wait()

	if rec := get(t, c, "/never.txt"); rec.Code != http.StatusBadGateway {
		t.Errorf("uncached offline GET = %d", rec.Code)
	}
}

func TestNonOKResponsesAreNotCached(t *testing.T) {
	f := newFakeFetcher(map[string]string{})
	c := newTestCache(t, t.TempDir(), f, nil)

	if rec := get(t, c, "/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("GET = %d", rec.Code)
	}
	f.setOffline(true)
	if rec := get(t, c, "/missing"); rec.Code != http.StatusBadGateway {
		t.Errorf("404 was cached: %d", rec.Code)
	}
}

func TestNonGETBypassesCache(t *testing.T) {
	f := newFakeFetcher(shellBodies())
	var hits int
	pass := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusAccepted)
	})
	c := newTestCache(t, t.TempDir(), f, pass)

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/index.html", nil))
	if rec.Code != http.StatusAccepted || hits != 1 {
		t.Errorf("POST = %d hits = %d", rec.Code, hits)
	}
	if f.count("/index.html") != 0 {
		t.Error("POST must not touch the cache or network")
	}

	bare := newTestCache(t, t.TempDir(), f, nil)
	rec = httptest.NewRecorder()
	bare.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT without passthrough = %d", rec.Code)
	}
}

func TestActivateRemovesOtherVersions(t *testing.T) {
	dir := t.TempDir()
	for _, old := range []string{"tomaga-skaner-v3", "tomaga-skaner-v2"} {
		if err := os.MkdirAll(filepath.Join(dir, old), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	c := newTestCache(t, dir, newFakeFetcher(shellBodies()), nil)
	if err := c.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	removed, err := c.Activate()
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("removed = %v", removed)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "tomaga-skaner-v4" {
		t.Errorf("entries after activate = %v", entries)
	}
}

func TestReopenReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	f := newFakeFetcher(shellBodies())
	first := newTestCache(t, dir, f, nil)
	if err := first.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	first.Close()

	f.setOffline(true)
	second := newTestCache(t, dir, f, nil)
	if !second.Installed() {
		t.Fatal("existing cache should be detected")
	}
	if rec := get(t, second, "/script.js"); rec.Body.String() != "js v1" {
		t.Errorf("GET = %q", rec.Body.String())
	}
	second.Wait()
}

func TestFSFetcher(t *testing.T) {
	fsys := fstest.MapFS{
		"index.html":           {Data: []byte("<html></html>")},
		"manifest.webmanifest": {Data: []byte("{}")},
	}
	f := FSFetcher{FS: fsys}

	entry, err := f.Fetch(context.Background(), "/")
	if err != nil || entry.Status != http.StatusOK || entry.Header["Content-Type"] != "text/html; charset=utf-8" {
		t.Errorf("root = %+v, %v", entry, err)
	}
	entry, _ = f.Fetch(context.Background(), "/manifest.webmanifest")
	if entry.Header["Content-Type"] != "application/manifest+json" {
		t.Errorf("manifest type = %q", entry.Header["Content-Type"])
	}
	entry, err = f.Fetch(context.Background(), "/../etc/passwd")
	if err != nil || entry.Status != http.StatusNotFound {
		t.Errorf("escape = %+v, %v", entry, err)
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/style.css" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("ETag", `"abc"`)
		_, _ = io.WriteString(w, "body{}")
	}))
	defer srv.Close()

	f := HTTPFetcher{Origin: srv.URL + "/", Client: srv.Client()}
	entry, err := f.Fetch(context.Background(), "/style.css")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != http.StatusOK || string(entry.Body) != "body{}" || entry.Header["ETag"] != `"abc"` {
		t.Errorf("entry = %+v", entry)
	}
	entry, err = f.Fetch(context.Background(), "/nope")
	if err != nil || entry.Status != http.StatusNotFound {
		t.Errorf("missing = %+v, %v", entry, err)
	}
}
