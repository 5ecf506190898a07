package shellcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

// keptHeaders are copied from the network response into the cache.
var keptHeaders = []string{"Content-Type", "ETag", "Last-Modified", "Cache-Control"}

// maxBody bounds a single cached resource.
const maxBody = 16 << 20

// Entry is one cached response.
type Entry struct {
	Path     string            `json:"path"`
	Status   int               `json:"status"`
	Header   map[string]string `json:"header,omitempty"`
	Body     []byte            `json:"body"`
	StoredAt time.Time         `json:"stored_at"`
}

// Fetcher retrieves a shell resource from the network side.
type Fetcher interface {
	Fetch(ctx context.Context, path string) (*Entry, error)
}

// HTTPFetcher fetches resources from an upstream origin.
type HTTPFetcher struct {
	Origin string
	Client *http.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context, p string) (*Entry, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(f.Origin, "/")+p, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	if len(body) > maxBody {
		return nil, fmt.Errorf("%s exceeds %d bytes", p, maxBody)
	}
	entry := &Entry{Path: p, Status: resp.StatusCode, Header: map[string]string{}, Body: body}
	for _, h := range keptHeaders {
		if v := resp.Header.Get(h); v != "" {
			entry.Header[h] = v
		}
	}
	return entry, nil
}

// FSFetcher serves resources from a file system such as the embedded shell.
type FSFetcher struct {
	FS fs.FS
}

func (f FSFetcher) Fetch(ctx context.Context, p string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := strings.TrimPrefix(path.Clean("/"+p), "/")
	if name == "" {
		name = "index.html"
	}
	body, err := fs.ReadFile(f.FS, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
			return &Entry{Path: p, Status: http.StatusNotFound, Body: []byte("not found\n"),
				Header: map[string]string{"Content-Type": "text/plain; charset=utf-8"}}, nil
		}
		return nil, err
	}
	return &Entry{
		Path:   p,
		Status: http.StatusOK,
		Header: map[string]string{"Content-Type": contentType(name)},
		Body:   body,
	}, nil
}

func contentType(name string) string {
	switch ext := path.Ext(name); ext {
	case ".webmanifest":
		return "application/manifest+json"
	case ".html":
		return "text/html; charset=utf-8"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return "application/octet-stream"
}
