package modelrepo

import (
	"log/slog"

	"github.com/hupe1980/modelrepo/archive"
	"github.com/hupe1980/modelrepo/codec"
	"github.com/hupe1980/modelrepo/internal/fs"
	"github.com/hupe1980/modelrepo/internal/resource"
)

type options struct {
	fsys                 fs.FileSystem
	codec                codec.Codec
	logger               *Logger
	metricsCollector     MetricsCollector
	fetchers             map[string]archive.Fetcher
	maxConcurrentFetches int
	ioLimitBytesPerSec   int
}

// Option configures ModelRepository constructor behavior.
//
// Today options primarily exist to avoid exploding the API surface
// (e.g. codec-specific constructor variants).
type Option func(*options)

// WithFS configures the filesystem abstraction used for all repository
// IO. Useful for fault injection in tests.
//
// If nil is passed, the local filesystem is used.
func WithFS(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys == nil {
			fsys = fs.Default
		}
		o.fsys = fsys
	}
}

// WithCodec configures the codec used for config.json and index
// manifests.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := modelrepo.NewJSONLogger(slog.LevelInfo)
//	repo, _ := modelrepo.New(ctx, params, modelrepo.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &modelrepo.BasicMetricsCollector{}
//	repo, _ := modelrepo.New(ctx, params, modelrepo.WithMetricsCollector(metrics))
//	// ... use repo ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithFetcher registers an additional archive fetcher for a locator
// scheme, e.g. "s3" or "minio". The http, https and file schemes are
// always registered.
func WithFetcher(scheme string, f archive.Fetcher) Option {
	return func(o *options) {
		if o.fetchers == nil {
			o.fetchers = make(map[string]archive.Fetcher)
		}
		o.fetchers[scheme] = f
	}
}

// WithMaxConcurrentFetches caps the number of archive downloads running
// at once across this repository instance.
func WithMaxConcurrentFetches(n int) Option {
	return func(o *options) {
		o.maxConcurrentFetches = n
	}
}

// WithIOLimit caps archive download throughput in bytes per second.
// Zero means unlimited.
func WithIOLimit(bytesPerSec int) Option {
	return func(o *options) {
		o.ioLimitBytesPerSec = bytesPerSec
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		fsys:             fs.Default,
		codec:            codec.Default,
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	return o
}

func (o options) resourceController() *resource.Controller {
	if o.maxConcurrentFetches == 0 && o.ioLimitBytesPerSec == 0 {
		return nil
	}
	return resource.NewController(resource.Config{
		MaxConcurrentFetches: int64(o.maxConcurrentFetches),
		IOLimitBytesPerSec:   int64(o.ioLimitBytesPerSec),
	})
}
