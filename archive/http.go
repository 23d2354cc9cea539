//go:build !windows

package archive

import (
	"context"
	"io"
	"net/http"
)

// HTTPFetcher fetches archives over http and https.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher. If client is nil,
// http.DefaultClient is used. Timeout and retry policy belong to the
// supplied client, not to this package.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client}
}

// Fetch performs a GET request for rawURL and returns the response
// body. A non-2xx status or transport failure yields a *FetchError.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, StatusCode: -1, cause: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, StatusCode: -1, cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	return resp.Body, nil
}
