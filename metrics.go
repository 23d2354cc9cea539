package modelrepo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    initCounter    prometheus.Counter
//	    buildHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordInit(duration time.Duration, err error) {
//	    p.initCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordInit is called after each repository initialization.
	// duration is the total time taken, err is nil if successful.
	RecordInit(duration time.Duration, err error)

	// RecordInstall is called after each archive installation
	// (fetch, if any, plus extraction).
	RecordInstall(duration time.Duration, err error)

	// RecordIndexBuild is called after each search index build.
	RecordIndexBuild(duration time.Duration, err error)

	// RecordIndexRemove is called after each search index removal.
	RecordIndexRemove(duration time.Duration, err error)

	// RecordSearch is called after each similarity-search query.
	// k is the number of neighbors requested.
	RecordSearch(k int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInit(time.Duration, error)        {}
func (NoopMetricsCollector) RecordInstall(time.Duration, error)     {}
func (NoopMetricsCollector) RecordIndexBuild(time.Duration, error)  {}
func (NoopMetricsCollector) RecordIndexRemove(time.Duration, error) {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	InitCount         atomic.Int64
	InitErrors        atomic.Int64
	InitTotalNanos    atomic.Int64
	InstallCount      atomic.Int64
	InstallErrors     atomic.Int64
	InstallTotalNanos atomic.Int64
	BuildCount        atomic.Int64
	BuildErrors       atomic.Int64
	BuildTotalNanos   atomic.Int64
	RemoveCount       atomic.Int64
	RemoveErrors      atomic.Int64
	SearchCount       atomic.Int64
	SearchErrors      atomic.Int64
	SearchTotalNanos  atomic.Int64
}

// RecordInit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInit(duration time.Duration, err error) {
	b.InitCount.Add(1)
	b.InitTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InitErrors.Add(1)
	}
}

// RecordInstall implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInstall(duration time.Duration, err error) {
	b.InstallCount.Add(1)
	b.InstallTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InstallErrors.Add(1)
	}
}

// RecordIndexBuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIndexBuild(duration time.Duration, err error) {
	b.BuildCount.Add(1)
	b.BuildTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.BuildErrors.Add(1)
	}
}

// RecordIndexRemove implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIndexRemove(duration time.Duration, err error) {
	b.RemoveCount.Add(1)
	if err != nil {
		b.RemoveErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InitCount:       b.InitCount.Load(),
		InitErrors:      b.InitErrors.Load(),
		InitAvgNanos:    avgNanos(&b.InitTotalNanos, &b.InitCount),
		InstallCount:    b.InstallCount.Load(),
		InstallErrors:   b.InstallErrors.Load(),
		InstallAvgNanos: avgNanos(&b.InstallTotalNanos, &b.InstallCount),
		BuildCount:      b.BuildCount.Load(),
		BuildErrors:     b.BuildErrors.Load(),
		BuildAvgNanos:   avgNanos(&b.BuildTotalNanos, &b.BuildCount),
		RemoveCount:     b.RemoveCount.Load(),
		RemoveErrors:    b.RemoveErrors.Load(),
		SearchCount:     b.SearchCount.Load(),
		SearchErrors:    b.SearchErrors.Load(),
		SearchAvgNanos:  avgNanos(&b.SearchTotalNanos, &b.SearchCount),
	}
}

func avgNanos(total, count *atomic.Int64) int64 {
	c := count.Load()
	if c == 0 {
		return 0
	}
	return total.Load() / c
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	InitCount       int64
	InitErrors      int64
	InitAvgNanos    int64
	InstallCount    int64
	InstallErrors   int64
	InstallAvgNanos int64
	BuildCount      int64
	BuildErrors     int64
	BuildAvgNanos   int64
	RemoveCount     int64
	RemoveErrors    int64
	SearchCount     int64
	SearchErrors    int64
	SearchAvgNanos  int64
}
