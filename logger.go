package modelrepo

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with modelrepo-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithRepository adds the repository path to the logger.
func (l *Logger) WithRepository(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("repository", path),
	}
}

// WithDimension adds a dimension field to the logger.
func (l *Logger) WithDimension(dim int) *Logger {
	return &Logger{
		Logger: l.Logger.With("dimension", dim),
	}
}

// LogInit logs the outcome of a repository initialization.
func (l *Logger) LogInit(ctx context.Context, path string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "repository initialization failed",
			"repository", path,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "repository initialized",
			"repository", path,
		)
	}
}

// LogInstall logs an archive installation.
func (l *Logger) LogInstall(ctx context.Context, locator string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "archive install failed",
			"archive", locator,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "archive installed",
			"archive", locator,
		)
	}
}

// LogConfigMerge logs a config.json overlay merge.
func (l *Logger) LogConfigMerge(ctx context.Context, path string, keys int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "config overlay merge failed",
			"config", path,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "config overlay merged",
			"config", path,
			"keys", keys,
		)
	}
}

// LogIndexBuild logs a search index build.
func (l *Logger) LogIndexBuild(ctx context.Context, dimension int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index build failed",
			"dimension", dimension,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index build completed",
			"dimension", dimension,
		)
	}
}

// LogSearch logs a similarity-search query.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", resultsFound,
		)
	}
}
