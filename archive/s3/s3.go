// Package s3 provides an archive fetcher for s3:// locators backed by
// the AWS SDK. Objects are downloaded through the multipart download
// manager into a scratch file, which is handed back as the archive
// stream and removed on close.
package s3

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hupe1980/modelrepo/archive"
)

// Options configures a Fetcher.
type Options struct {
	// TempDir is where downloads are staged before extraction reads
	// them. Empty means the system temp directory.
	TempDir string

	// PartSize and Concurrency tune the download manager. Zero values
	// keep the manager defaults.
	PartSize    int64
	Concurrency int
}

// Fetcher fetches s3://bucket/key archive locators.
type Fetcher struct {
	client     *awss3.Client
	downloader *manager.Downloader
	tmpDir     string
}

// New creates a Fetcher from an existing S3 client.
func New(client *awss3.Client, optFns ...func(o *Options)) *Fetcher {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		if opts.PartSize > 0 {
			d.PartSize = opts.PartSize
		}
		if opts.Concurrency > 0 {
			d.Concurrency = opts.Concurrency
		}
	})

	return &Fetcher{
		client:     client,
		downloader: downloader,
		tmpDir:     opts.TempDir,
	}
}

// NewFromDefaultConfig creates a Fetcher using the ambient AWS
// configuration (environment, shared config files, instance metadata).
func NewFromDefaultConfig(ctx context.Context, optFns ...func(o *Options)) (*Fetcher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return New(awss3.NewFromConfig(cfg), optFns...), nil
}

func parseLocator(rawURL string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(rawURL, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 locator: %s", rawURL)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 locator missing bucket or key: %s", rawURL)
	}
	return bucket, key, nil
}

// Fetch downloads the object behind rawURL and returns a reader over
// its bytes. The backing scratch file is removed when the reader is
// closed.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	bucket, key, err := parseLocator(rawURL)
	if err != nil {
		return nil, archive.NewFetchError(rawURL, -1, err)
	}

	tmp, err := os.CreateTemp(f.tmpDir, "modelrepo-s3-*")
	if err != nil {
		return nil, err
	}

	if _, err := f.downloader.Download(ctx, tmp, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, archive.NewFetchError(rawURL, -1, err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, err
	}

	return &scratchFile{File: tmp}, nil
}

// scratchFile removes the underlying file on close.
type scratchFile struct {
	*os.File
}

func (s *scratchFile) Close() error {
	err := s.File.Close()
	if rmErr := os.Remove(s.File.Name()); err == nil {
		err = rmErr
	}
	return err
}
