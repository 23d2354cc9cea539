package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hupe1980/modelrepo/internal/fs"
)

// ErrUnsupportedPlatform is returned when a network fetch is requested
// on a platform without fetch support.
var ErrUnsupportedPlatform = errors.New("archive: fetching not supported on this platform")

// FetchError indicates a failed archive fetch.
//
// StatusCode is the HTTP status of the attempted request, or -1 when
// the failure happened before a status was received (transport error).
// The underlying error, if any, can be accessed via errors.Unwrap.
type FetchError struct {
	URL        string
	StatusCode int
	cause      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed fetching model archive: %s with code: %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.cause }

// NewFetchError builds a FetchError for fetcher implementations living
// outside this package.
func NewFetchError(url string, statusCode int, cause error) *FetchError {
	return &FetchError{URL: url, StatusCode: statusCode, cause: cause}
}

// Fetcher retrieves the content of an archive locator.
type Fetcher interface {
	// Fetch opens the archive at rawURL for reading. The caller owns
	// the returned reader and must close it.
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Registry routes archive locators to fetchers by URL scheme.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRegistry creates a Registry with the built-in schemes registered:
// http, https (network fetch) and file (local filesystem).
func NewRegistry(fsys fs.FileSystem) *Registry {
	if fsys == nil {
		fsys = fs.Default
	}

	r := &Registry{fetchers: make(map[string]Fetcher)}

	httpFetcher := NewHTTPFetcher(nil)
	r.Register("http", httpFetcher)
	r.Register("https", httpFetcher)
	r.Register("file", &fileFetcher{fsys: fsys})

	return r
}

// Register installs a fetcher for a URL scheme (without "://"),
// replacing any previous registration. This is how s3:// and
// S3-compatible endpoints plug in.
func (r *Registry) Register(scheme string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[scheme] = f
}

// Lookup returns the fetcher registered for the scheme of rawURL.
// A locator without a scheme is not fetchable (it is a local path).
func (r *Registry) Lookup(rawURL string) (Fetcher, bool) {
	i := strings.Index(rawURL, "://")
	if i < 0 {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[rawURL[:i]]
	return f, ok
}

// fileFetcher serves file:// locators from the local filesystem.
type fileFetcher struct {
	fsys fs.FileSystem
}

func (f *fileFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	path := strings.TrimPrefix(rawURL, "file://")
	file, err := f.fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, &FetchError{URL: rawURL, StatusCode: -1, cause: err}
	}
	return file, nil
}
