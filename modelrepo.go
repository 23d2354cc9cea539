// Package modelrepo manages the lifecycle of an on-disk machine
// learning model repository: provisioning its directory, populating it
// from a local or remote archive, merging persisted configuration into
// runtime parameters, loading an index-to-label correspondence table,
// and driving an optional similarity-search index over the model's
// embedding vectors.
//
// Basic usage:
//
//	params := apidata.New()
//	params.Add("repository", "/data/models/resnet")
//	params.Add("create_repository", true)
//	params.Add("init", "https://models.example.com/resnet.tar.gz")
//
//	repo, err := modelrepo.New(ctx, params)
//	if err != nil {
//	    return err
//	}
//
// The similarity-search index is created separately, once the vector
// dimensionality is known:
//
//	if err := repo.CreateIndex(ctx, 512, params); err != nil { ... }
//	if err := repo.BuildIndex(ctx); err != nil { ... }
package modelrepo

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hupe1980/modelrepo/apidata"
	"github.com/hupe1980/modelrepo/archive"
	"github.com/hupe1980/modelrepo/corresp"
	"github.com/hupe1980/modelrepo/internal/fs"
	"github.com/hupe1980/modelrepo/simsearch"
)

const (
	// TemplateDir is the fixed subdirectory other subsystems use to
	// locate model templates.
	TemplateDir = "templates"

	// BestModelFileName is the fixed relative filename pointing at the
	// currently-best model artifact. The convention is defined here;
	// its contents are neither written nor interpreted.
	BestModelFileName = "best_model.txt"

	// ConfigFileName is the persisted configuration document merged
	// into runtime parameters on initialization.
	ConfigFileName = "config.json"

	repoDirPerm = 0o775
)

// ModelRepository owns one trained model's on-disk directory and, when
// created, its similarity-search index. It assumes exclusive ownership
// of the repository path for its lifetime; concurrent external
// mutation of the directory is undefined behavior.
type ModelRepository struct {
	path    string
	opts    options
	corresp *corresp.Table
	index   *simsearch.Index
}

// New initializes a model repository from the parameter set.
//
// Recognized parameter keys:
//
//   - "repository" (string, required): the repository directory.
//   - "create_repository" (bool): create the directory when absent.
//   - "init" (string): locator of an initialization archive to install
//     (local path, or http/https/file URL, plus any scheme registered
//     via WithFetcher).
//
// The initialization sequence is linear and fails terminally: directory
// validation, archive install when "init" is supplied, then a
// config.json overlay merge into params (also only when "init" is
// supplied). A failed initialization may still leave a created, empty
// directory on disk; directory creation is best-effort, not
// transactional.
//
// All failures satisfy errors.Is(err, ErrBadParam).
func New(ctx context.Context, params *apidata.Store, optFns ...Option) (*ModelRepository, error) {
	opts := applyOptions(optFns)

	r := &ModelRepository{
		opts:    opts,
		corresp: corresp.Empty(),
	}

	start := time.Now()
	err := r.init(ctx, params)
	opts.metricsCollector.RecordInit(time.Since(start), err)
	opts.logger.LogInit(ctx, r.path, err)

	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ModelRepository) init(ctx context.Context, params *apidata.Store) error {
	path, ok := params.String("repository")
	if !ok || path == "" {
		return ErrMissingRepository
	}
	r.path = path

	exists, isDir := fs.Exists(r.opts.fsys, path)
	if exists && !isDir {
		return ErrRepositoryConflict
	}

	if !exists {
		if create, _ := params.Bool("create_repository"); create {
			if err := r.opts.fsys.MkdirAll(path, repoDirPerm); err != nil {
				return ErrRepositoryNotWritable
			}
		}
	}

	if !fs.IsWritable(r.opts.fsys, path) {
		return ErrRepositoryNotWritable
	}

	locator, hasInit := params.String("init")
	if !hasInit || locator == "" {
		return nil
	}

	if err := r.install(ctx, locator); err != nil {
		return err
	}

	// A repository opened without "init" never reloads config.json;
	// with "init" the persisted overlay is merged back into params.
	return r.loadConfigOverlay(ctx, params)
}

func (r *ModelRepository) install(ctx context.Context, locator string) error {
	registry := archive.NewRegistry(r.opts.fsys)
	for scheme, f := range r.opts.fetchers {
		registry.Register(scheme, f)
	}

	installer := archive.NewInstaller(func(o *archive.InstallerOptions) {
		o.FS = r.opts.fsys
		o.Registry = registry
		o.Controller = r.opts.resourceController()
		o.Logger = r.opts.logger.Logger
	})

	start := time.Now()
	err := translateInstallError(locator, installer.Install(ctx, locator, r.path))
	r.opts.metricsCollector.RecordInstall(time.Since(start), err)
	r.opts.logger.LogInstall(ctx, locator, err)

	return err
}

// loadConfigOverlay merges the "parameters" object of config.json into
// params. Absence of the file is a no-op; other top-level keys of the
// document are never merged.
func (r *ModelRepository) loadConfigOverlay(ctx context.Context, params *apidata.Store) error {
	path := filepath.Join(r.path, ConfigFileName)
	if exists, isDir := fs.Exists(r.opts.fsys, path); !exists || isDir {
		return nil
	}

	raw, err := fs.ReadFile(r.opts.fsys, path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %w", ErrBadParam, path, err)
	}

	overlay, err := apidata.FromJSON(r.opts.codec, raw)
	if err != nil {
		err = translateConfigError(path, raw, err)
		r.opts.logger.LogConfigMerge(ctx, path, 0, err)
		return err
	}

	persisted, ok := overlay.Object("parameters")
	if !ok {
		return nil
	}

	if target, ok := params.Object("parameters"); ok {
		for _, key := range persisted.Keys() {
			v, _ := persisted.Get(key)
			target.Add(key, v)
		}
	} else {
		params.Add("parameters", persisted)
	}

	r.opts.logger.LogConfigMerge(ctx, path, persisted.Len(), nil)

	return nil
}

// Path returns the repository directory.
func (r *ModelRepository) Path() string { return r.path }

// TemplatePath returns the fixed template subdirectory of the
// repository.
func (r *ModelRepository) TemplatePath() string {
	return filepath.Join(r.path, TemplateDir)
}

// BestModelPath returns the conventional location of the best-model
// marker file.
func (r *ModelRepository) BestModelPath() string {
	return filepath.Join(r.path, BestModelFileName)
}

// LoadCorresp loads the index-to-label correspondence table from path.
// An empty path means no correspondence is configured. A read failure
// is non-fatal: it is logged and leaves the table empty, since Label
// falls back to the decimal index string.
func (r *ModelRepository) LoadCorresp(path string) {
	if path == "" {
		return
	}

	table, err := corresp.Load(r.opts.fsys, path)
	if err != nil {
		r.opts.logger.Warn("could not read correspondence file, labels fall back to indices",
			"path", path,
			"error", err,
		)
		return
	}
	r.corresp = table
}

// Label returns the label for class index i, or i's decimal string
// representation when no correspondence entry exists. It never fails.
func (r *ModelRepository) Label(i int) string {
	return r.corresp.Label(i)
}

// Corresp returns the loaded correspondence table. Empty is valid.
func (r *ModelRepository) Corresp() *corresp.Table { return r.corresp }

// CreateIndex creates the similarity-search index bound to dimension,
// lazily and at most once per repository instance; repeated calls are
// no-ops. Tuning is read from params (see tuningFromParams); each value
// is applied only when explicitly supplied, otherwise the backend
// default prevails. With the search feature compiled out this is a
// no-op.
func (r *ModelRepository) CreateIndex(ctx context.Context, dimension int, params *apidata.Store) error {
	if r.index == nil {
		r.index = simsearch.NewIndex(r.path, r.opts.fsys, r.opts.logger.Logger, r.opts.codec)
	}
	return r.index.Create(ctx, dimension, tuningFromParams(params))
}

// AddVectors stages vectors for the next BuildIndex. No-op before
// CreateIndex.
func (r *ModelRepository) AddVectors(ids []uint64, vectors [][]float32) error {
	if r.index == nil {
		return nil
	}
	return r.index.Add(ids, vectors)
}

// BuildIndex builds or rebuilds the index from staged vectors.
// Rebuilding replaces index contents. No-op before CreateIndex.
func (r *ModelRepository) BuildIndex(ctx context.Context) error {
	if r.index == nil {
		return nil
	}

	start := time.Now()
	err := r.index.Build(ctx)
	r.opts.metricsCollector.RecordIndexBuild(time.Since(start), err)
	r.opts.logger.LogIndexBuild(ctx, r.index.Dimension(), err)

	return err
}

// RemoveIndex deletes the on-disk index artifacts. No-op before
// CreateIndex.
func (r *ModelRepository) RemoveIndex(ctx context.Context) error {
	if r.index == nil {
		return nil
	}

	start := time.Now()
	err := r.index.Remove(ctx)
	r.opts.metricsCollector.RecordIndexRemove(time.Since(start), err)

	return err
}

// SearchIndex queries the similarity-search index for the k nearest
// vectors. Empty result before CreateIndex or BuildIndex.
func (r *ModelRepository) SearchIndex(ctx context.Context, query []float32, k int) ([]simsearch.Result, error) {
	if r.index == nil {
		return nil, nil
	}

	start := time.Now()
	results, err := r.index.Search(ctx, query, k)
	r.opts.metricsCollector.RecordSearch(k, time.Since(start), err)
	r.opts.logger.LogSearch(ctx, k, len(results), err)

	return results, err
}

// IndexCreated reports whether the similarity-search index exists.
func (r *ModelRepository) IndexCreated() bool {
	return r.index != nil && r.index.Created()
}

// tuningFromParams maps parameter keys onto backend tuning. Only keys
// present in params produce a non-nil field.
//
// Recognized keys: "index_type" (string), "ondisk" (bool), "nprobe"
// (int), "train_samples" (int), "gpu" (bool), "gpuid" (int or int
// array), "index_preload" (bool).
func tuningFromParams(params *apidata.Store) simsearch.Tuning {
	var t simsearch.Tuning
	if params == nil {
		return t
	}

	if v, ok := params.String("index_type"); ok {
		t.IndexType = &v
	}
	if v, ok := params.Bool("ondisk"); ok {
		t.OnDisk = &v
	}
	if v, ok := params.Int("nprobe"); ok {
		t.NProbe = &v
	}
	if v, ok := params.Int("train_samples"); ok {
		t.TrainSamples = &v
	}
	if v, ok := params.Bool("gpu"); ok {
		t.GPU = &v
	}
	if v, ok := params.Bool("index_preload"); ok {
		t.Preload = &v
	}

	if single, ok := params.Int("gpuid"); ok {
		t.GPUIDs = []int{single}
	} else if raw, ok := params.Get("gpuid"); ok {
		switch list := raw.(type) {
		case []int:
			t.GPUIDs = append(t.GPUIDs, list...)
		case []any:
			for _, item := range list {
				if f, ok := item.(float64); ok {
					t.GPUIDs = append(t.GPUIDs, int(f))
				}
			}
		}
	}

	return t
}
