// Package fetch retrieves the manifest and firmware images, either over
// HTTP or from a local directory.
package fetch

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// NetworkError reports a failed manifest or image fetch.
type NetworkError struct {
	Path string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %v", e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StatusError is wrapped by NetworkError for non-2xx HTTP responses.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "unexpected HTTP status " + e.Status
}

// Fetcher retrieves a file by path relative to its base location.
type Fetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// HTTPFetcher resolves paths against Base and downloads them.
type HTTPFetcher struct {
	Base   *url.URL
	Client *http.Client
}

// NewHTTP returns a fetcher rooted at base. A nil client selects a client
// without a timeout; cancel through the context instead.
func NewHTTP(base *url.URL, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{Base: base, Client: client}
}

// Fetch downloads path, resolved relative to the base URL.
func (f *HTTPFetcher) Fetch(ctx context.Context, p string) ([]byte, error) {
	ref, err := url.Parse(p)
	if err != nil {
		return nil, &NetworkError{Path: p, Err: err}
	}
	target := f.Base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &NetworkError{Path: p, Err: err}
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &NetworkError{Path: p, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{Path: p, Err: &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Path: p, Err: err}
	}
	return data, nil
}

// DirFetcher reads files from a directory tree.
type DirFetcher struct {
	FS fs.FS
}

// NewDir returns a fetcher rooted at dir.
func NewDir(dir string) *DirFetcher {
	return &DirFetcher{FS: os.DirFS(dir)}
}

// Fetch reads path from the directory.
func (f *DirFetcher) Fetch(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Path: p, Err: err}
	}
	name := path.Clean(strings.TrimPrefix(filepath.ToSlash(p), "./"))
	data, err := fs.ReadFile(f.FS, name)
	if err != nil {
		return nil, &NetworkError{Path: p, Err: err}
	}
	return data, nil
}

// ForManifest returns a fetcher for the location of the manifest at ref,
// and the name to fetch the manifest itself by. Images listed in the
// manifest are then fetched relative to it.
func ForManifest(ref string) (Fetcher, string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		u, err := url.Parse(ref)
		if err != nil {
			return nil, "", fmt.Errorf("invalid manifest URL %q: %w", ref, err)
		}
		return NewHTTP(u, nil), u.String(), nil
	}

	abs, err := filepath.Abs(ref)
	if err != nil {
		return nil, "", fmt.Errorf("invalid manifest path %q: %w", ref, err)
	}
	return NewDir(filepath.Dir(abs)), filepath.Base(abs), nil
}
