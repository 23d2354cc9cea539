// Package simsearch manages the lifecycle of the similarity-search
// index attached to a model repository.
//
// Exactly one backend variant is linked per deployment, selected at
// build time:
//
//   - default: tree-based approximate index (random projection trees)
//   - -tags simsearch_ivf: inverted-file index with a k-means coarse
//     quantizer
//   - -tags nosimsearch: the feature is compiled out; every lifecycle
//     call is a no-op
//
// The backends persist their artifacts inside the repository directory
// and own their naming. This package orchestrates create/build/remove;
// it never issues concurrent calls to the same index.
package simsearch

import (
	"context"
	"log/slog"

	"github.com/hupe1980/modelrepo/codec"
	"github.com/hupe1980/modelrepo/internal/fs"
)

// Result is a single similarity-search hit.
type Result struct {
	// ID is the caller-assigned identifier of the matched vector.
	ID uint64

	// Distance is the squared L2 distance to the query.
	Distance float32
}

// Tuning carries backend-specific parameters. A nil field leaves the
// backend default in place; only explicitly supplied values are
// applied. Fields a backend does not understand are ignored by it.
type Tuning struct {
	// IndexType selects the index layout, e.g. "IVF64" for the
	// inverted-file backend or "Trees16" for the tree backend.
	IndexType *string

	// OnDisk keeps raw vectors on disk and reads them through mmap at
	// search time instead of holding them in memory.
	OnDisk *bool

	// NProbe is the number of inverted lists scanned per query.
	NProbe *int

	// TrainSamples caps the number of vectors used to train the
	// coarse quantizer.
	TrainSamples *int

	// GPU requests GPU residency; GPUIDs lists the target devices.
	// Supplying GPUIDs implies GPU. The pure-Go backends record the
	// request in their manifest and keep computing on the CPU.
	GPU    *bool
	GPUIDs []int

	// Preload eagerly faults index artifacts into memory when the
	// index is opened.
	Preload *bool
}

// Engine is the contract a similarity-search backend fulfills.
type Engine interface {
	// Name identifies the backend variant.
	Name() string

	// ApplyTuning applies explicitly supplied tuning values.
	ApplyTuning(t Tuning)

	// Add stages vectors for the next index build.
	Add(ids []uint64, vectors [][]float32) error

	// CreateIndex prepares the index, loading existing on-disk
	// artifacts if present.
	CreateIndex(ctx context.Context) error

	// UpdateIndex builds (or rebuilds) the index from staged vectors
	// and persists it.
	UpdateIndex(ctx context.Context) error

	// RemoveIndex deletes the on-disk index artifacts.
	RemoveIndex(ctx context.Context) error

	// Search returns the k nearest staged/indexed vectors.
	Search(ctx context.Context, query []float32, k int) ([]Result, error)
}

// Index owns at most one backend engine for one repository. The zero
// value is not usable; use NewIndex.
type Index struct {
	repo   string
	fsys   fs.FileSystem
	logger *slog.Logger
	codec  codec.Codec
	engine Engine
	dim    int
}

// NewIndex creates an index manager rooted at the repository
// directory. The backend performs all artifact IO through fsys; nil
// means the local filesystem. No backend is instantiated until Create
// is called.
func NewIndex(repo string, fsys fs.FileSystem, logger *slog.Logger, c codec.Codec) *Index {
	if fsys == nil {
		fsys = fs.Default
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if c == nil {
		c = codec.Default
	}
	return &Index{repo: repo, fsys: fsys, logger: logger, codec: c}
}

// Create instantiates the linked backend bound to dimension and the
// repository path, applies the supplied tuning and invokes the
// backend's index creation.
//
// Calling Create while an index already exists is a no-op, so callers
// that do not track state themselves can call it repeatedly. When the
// search feature is compiled out, Create is also a no-op.
func (x *Index) Create(ctx context.Context, dimension int, t Tuning) error {
	if x.engine != nil {
		return nil
	}

	engine := newEngine(x.repo, dimension, x.fsys, x.logger, x.codec)
	if engine == nil {
		return nil
	}

	engine.ApplyTuning(t)
	if err := engine.CreateIndex(ctx); err != nil {
		return err
	}

	x.engine = engine
	x.dim = dimension

	x.logger.Info("similarity search index created",
		"backend", engine.Name(),
		"dimension", dimension,
	)

	return nil
}

// Add stages vectors for the next Build. No-op before Create.
func (x *Index) Add(ids []uint64, vectors [][]float32) error {
	if x.engine == nil {
		return nil
	}
	return x.engine.Add(ids, vectors)
}

// Build builds or rebuilds the index from staged vectors. No-op before
// Create.
func (x *Index) Build(ctx context.Context) error {
	if x.engine == nil {
		return nil
	}
	return x.engine.UpdateIndex(ctx)
}

// Remove deletes the on-disk index artifacts. No-op before Create.
func (x *Index) Remove(ctx context.Context) error {
	if x.engine == nil {
		return nil
	}
	return x.engine.RemoveIndex(ctx)
}

// Search queries the index. No-op (empty result) before Create.
func (x *Index) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if x.engine == nil {
		return nil, nil
	}
	return x.engine.Search(ctx, query, k)
}

// Created reports whether a backend engine exists.
func (x *Index) Created() bool { return x.engine != nil }

// Dimension returns the vector width the index was created with, or 0.
func (x *Index) Dimension() int { return x.dim }

// Backend returns the linked backend's name, or "" before Create.
func (x *Index) Backend() string {
	if x.engine == nil {
		return ""
	}
	return x.engine.Name()
}
