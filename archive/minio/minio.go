// Package minio provides an archive fetcher for S3-compatible object
// stores (MinIO, Ceph RGW, and friends) using the MinIO client.
//
// Locators use the minio:// scheme: minio://bucket/key. The endpoint
// and credentials come from the client the fetcher is built with.
package minio

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/modelrepo/archive"
)

// Fetcher fetches minio://bucket/key archive locators.
type Fetcher struct {
	client *minio.Client
}

// New creates a Fetcher from an existing MinIO client.
func New(client *minio.Client) *Fetcher {
	return &Fetcher{client: client}
}

func parseLocator(rawURL string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(rawURL, "minio://")
	if !ok {
		return "", "", fmt.Errorf("not a minio locator: %s", rawURL)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("minio locator missing bucket or key: %s", rawURL)
	}
	return bucket, key, nil
}

// Fetch opens the object behind rawURL for streaming.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	bucket, key, err := parseLocator(rawURL)
	if err != nil {
		return nil, archive.NewFetchError(rawURL, -1, err)
	}

	obj, err := f.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, archive.NewFetchError(rawURL, -1, err)
	}

	// GetObject is lazy; surface missing objects now rather than as a
	// read error in the middle of staging.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		errResp := minio.ToErrorResponse(err)
		return nil, archive.NewFetchError(rawURL, errResp.StatusCode, err)
	}

	return obj, nil
}
