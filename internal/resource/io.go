package resource

import (
	"context"
	"io"
)

// RateLimitedReader wraps an io.Reader with rate limiting through a
// Controller. It is used to throttle archive downloads.
type RateLimitedReader struct {
	r   io.Reader
	rc  *Controller
	ctx context.Context
}

// NewRateLimitedReader creates a new RateLimitedReader.
func NewRateLimitedReader(ctx context.Context, r io.Reader, rc *Controller) *RateLimitedReader {
	return &RateLimitedReader{r: r, rc: rc, ctx: ctx}
}

func (r *RateLimitedReader) Read(p []byte) (n int, err error) {
	// Wait for the buffer size up front; the actual read may be
	// shorter, which only makes the limit conservative.
	if err := r.rc.AcquireIO(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
