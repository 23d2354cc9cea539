//go:build windows

package archive

import (
	"context"
	"io"
	"net/http"
)

// HTTPFetcher is a stub on Windows: network archive fetch is not
// supported there and must fail explicitly rather than silently skip.
type HTTPFetcher struct{}

// NewHTTPFetcher creates the stub fetcher. The client argument is
// accepted for API compatibility and ignored.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{}
}

// Fetch always fails with ErrUnsupportedPlatform.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	return nil, ErrUnsupportedPlatform
}
