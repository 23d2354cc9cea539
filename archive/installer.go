// Package archive installs model archives into a repository directory:
// it stages the archive locally (fetching it when the locator is
// remote) and extracts it in place.
package archive

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hupe1980/modelrepo/internal/fs"
	"github.com/hupe1980/modelrepo/internal/resource"
)

// InstallerOptions configures an Installer.
type InstallerOptions struct {
	// FS is the filesystem used for staging and extraction.
	// Defaults to fs.Default.
	FS fs.FileSystem

	// Registry routes locators to fetchers. Defaults to NewRegistry.
	Registry *Registry

	// Controller throttles fetches. Nil means unlimited.
	Controller *resource.Controller

	// Logger receives informational notices. Defaults to a discarding
	// logger.
	Logger *slog.Logger
}

// Installer ensures a model archive's contents are present, extracted,
// inside a repository directory.
type Installer struct {
	fsys     fs.FileSystem
	registry *Registry
	rc       *resource.Controller
	logger   *slog.Logger
}

// NewInstaller creates an Installer.
func NewInstaller(optFns ...func(o *InstallerOptions)) *Installer {
	opts := InstallerOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry(opts.FS)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Installer{
		fsys:     opts.FS,
		registry: opts.Registry,
		rc:       opts.Controller,
		logger:   opts.Logger,
	}
}

// BaseName derives the archive's base filename from its locator: the
// substring after the last path separator.
func BaseName(locator string) string {
	if i := strings.LastIndexByte(locator, '/'); i >= 0 {
		return locator[i+1:]
	}
	return locator
}

// Install stages the archive referenced by locator inside repoDir and
// extracts it there.
//
// If a file with the archive's base name already exists in repoDir the
// fetch is skipped and the local copy is used; extraction still runs,
// so re-running installation over an already-extracted repository
// converges. Fetch, when needed, strictly precedes extraction.
func (in *Installer) Install(ctx context.Context, locator, repoDir string) error {
	staged := filepath.Join(repoDir, BaseName(locator))

	if exists, isDir := fs.Exists(in.fsys, staged); exists && !isDir {
		in.logger.Warn("init model archive is already in directory, not fetching it",
			"archive", staged,
		)
	} else if fetcher, ok := in.registry.Lookup(locator); ok {
		if err := in.fetch(ctx, fetcher, locator, staged); err != nil {
			return err
		}
	} else {
		// No scheme: the locator is a local path outside the
		// repository. Extract it from where it is.
		staged = locator
	}

	return Uncompress(in.fsys, staged, repoDir)
}

func (in *Installer) fetch(ctx context.Context, fetcher Fetcher, locator, staged string) error {
	if err := in.rc.AcquireFetch(ctx); err != nil {
		return err
	}
	defer in.rc.ReleaseFetch()

	in.logger.Info("downloading init model archive", "url", locator)

	body, err := fetcher.Fetch(ctx, locator)
	if err != nil {
		return err
	}
	defer body.Close()

	dst, err := in.fsys.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	written, err := io.Copy(dst, resource.NewRateLimitedReader(ctx, body, in.rc))
	if err != nil {
		_ = dst.Close()
		return &FetchError{URL: locator, StatusCode: -1, cause: err}
	}
	if err := dst.Close(); err != nil {
		return err
	}

	in.logger.Info("init model archive staged", "archive", staged, "bytes", written)

	return nil
}
