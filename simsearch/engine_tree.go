//go:build !simsearch_ivf && !nosimsearch

package simsearch

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/modelrepo/codec"
	"github.com/hupe1980/modelrepo/internal/fs"
	"github.com/hupe1980/modelrepo/internal/mmap"
)

const (
	treeIndexFileName    = "index.tree"
	treeManifestFileName = "simsearch.json"

	defaultNumTrees = 10
	treeLeafSize    = 32
)

// newEngine returns the tree-based approximate backend. This is the
// default variant; building with -tags simsearch_ivf swaps it out.
func newEngine(repo string, dim int, fsys fs.FileSystem, logger *slog.Logger, c codec.Codec) Engine {
	return &treeEngine{
		repo:     repo,
		dim:      dim,
		logger:   logger,
		codec:    c,
		fsys:     fsys,
		numTrees: defaultNumTrees,
	}
}

// treeEngine is an approximate nearest neighbor index built from
// random projection trees, in the spirit of Annoy.
type treeEngine struct {
	repo   string
	dim    int
	logger *slog.Logger
	codec  codec.Codec
	fsys   fs.FileSystem

	numTrees int
	preload  bool

	ids   []uint64
	vecs  []float32 // flattened, len == len(ids)*dim
	trees []*treeNode
}

// treeNode is one node of a random projection tree. Leaves carry
// positions into the vector arena; internal nodes split on a random
// hyperplane.
type treeNode struct {
	Normal      []float32
	Offset      float32
	Left, Right *treeNode
	Items       []uint32
}

// treeSnapshot is the gob-persisted index blob.
type treeSnapshot struct {
	Dim     int
	IDs     []uint64
	Vectors []float32
	Trees   []*treeNode
}

type treeManifest struct {
	Backend   string `json:"backend"`
	Dimension int    `json:"dimension"`
	Trees     int    `json:"trees"`
	Count     int    `json:"count"`
	Codec     string `json:"codec"`
}

func (e *treeEngine) Name() string { return "tree" }

// ApplyTuning understands Preload and an IndexType of the form
// "TreesN" (number of projection trees). The inverted-file knobs do
// not apply to this backend and are ignored.
func (e *treeEngine) ApplyTuning(t Tuning) {
	if t.Preload != nil {
		e.preload = *t.Preload
	}
	if t.IndexType != nil {
		if n, ok := strings.CutPrefix(*t.IndexType, "Trees"); ok {
			if v, err := strconv.Atoi(n); err == nil && v > 0 {
				e.numTrees = v
			}
		}
	}
	if (t.GPU != nil && *t.GPU) || len(t.GPUIDs) > 0 {
		e.logger.Warn("tree backend has no GPU support, staying on CPU")
	}
}

func (e *treeEngine) indexPath() string    { return filepath.Join(e.repo, treeIndexFileName) }
func (e *treeEngine) manifestPath() string { return filepath.Join(e.repo, treeManifestFileName) }

func (e *treeEngine) Add(ids []uint64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("simsearch: %d ids for %d vectors", len(ids), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != e.dim {
			return fmt.Errorf("simsearch: vector %d has dimension %d, want %d", i, len(v), e.dim)
		}
		e.ids = append(e.ids, ids[i])
		e.vecs = append(e.vecs, v...)
	}
	return nil
}

// CreateIndex loads existing artifacts from the repository, if any. A
// repository without an index yet leaves the engine empty, ready for
// Add/UpdateIndex.
func (e *treeEngine) CreateIndex(ctx context.Context) error {
	if exists, isDir := fs.Exists(e.fsys, e.indexPath()); !exists || isDir {
		return nil
	}

	f, err := e.fsys.OpenFile(e.indexPath(), os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	var snap treeSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("simsearch: decoding tree index: %w", err)
	}
	if snap.Dim != e.dim {
		return fmt.Errorf("simsearch: on-disk index has dimension %d, want %d", snap.Dim, e.dim)
	}

	e.ids = snap.IDs
	e.vecs = snap.Vectors
	e.trees = snap.Trees

	if e.preload {
		e.warm(e.indexPath())
	}

	return nil
}

// warm faults the artifact's pages into the page cache.
func (e *treeEngine) warm(path string) {
	m, err := mmap.Open(path, true)
	if err != nil {
		e.logger.Warn("index preload failed", "path", path, "error", err)
		return
	}
	_ = m.Close()
}

// UpdateIndex builds the projection trees over all staged vectors and
// persists the result. Rebuilding an already-built index replaces its
// contents.
func (e *treeEngine) UpdateIndex(ctx context.Context) error {
	rng := rand.New(rand.NewSource(int64(len(e.ids))*31 + int64(e.dim)))

	all := make([]uint32, len(e.ids))
	for i := range all {
		all[i] = uint32(i)
	}

	e.trees = make([]*treeNode, e.numTrees)
	for i := range e.trees {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.trees[i] = e.buildNode(all, rng, 0)
	}

	f, err := e.fsys.OpenFile(e.indexPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	snap := treeSnapshot{Dim: e.dim, IDs: e.ids, Vectors: e.vecs, Trees: e.trees}
	if err := gob.NewEncoder(f).Encode(&snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	manifest, err := e.codec.Marshal(treeManifest{
		Backend:   e.Name(),
		Dimension: e.dim,
		Trees:     e.numTrees,
		Count:     len(e.ids),
		Codec:     e.codec.Name(),
	})
	if err != nil {
		return err
	}
	if err := fs.WriteFile(e.fsys, e.manifestPath(), manifest, 0o644); err != nil {
		return err
	}

	if e.preload {
		e.warm(e.indexPath())
	}

	e.logger.Info("similarity search index built",
		"backend", e.Name(),
		"trees", e.numTrees,
		"vectors", len(e.ids),
	)

	return nil
}

func (e *treeEngine) vec(pos uint32) []float32 {
	return e.vecs[int(pos)*e.dim : (int(pos)+1)*e.dim]
}

func (e *treeEngine) buildNode(items []uint32, rng *rand.Rand, depth int) *treeNode {
	if len(items) <= treeLeafSize || depth > 30 {
		return &treeNode{Items: append([]uint32(nil), items...)}
	}

	a := e.vec(items[rng.Intn(len(items))])
	b := e.vec(items[rng.Intn(len(items))])

	normal := make([]float32, e.dim)
	var offset float32
	for d := 0; d < e.dim; d++ {
		normal[d] = a[d] - b[d]
		offset += normal[d] * (a[d] + b[d]) / 2
	}

	var left, right []uint32
	for _, it := range items {
		if dot(e.vec(it), normal) <= offset {
			left = append(left, it)
		} else {
			right = append(right, it)
		}
	}

	// Degenerate hyperplane (duplicate points): stop splitting.
	if len(left) == 0 || len(right) == 0 {
		return &treeNode{Items: append([]uint32(nil), items...)}
	}

	return &treeNode{
		Normal: normal,
		Offset: offset,
		Left:   e.buildNode(left, rng, depth+1),
		Right:  e.buildNode(right, rng, depth+1),
	}
}

// RemoveIndex deletes on-disk artifacts and drops the built trees.
// Staged vectors survive so the index can be rebuilt.
func (e *treeEngine) RemoveIndex(ctx context.Context) error {
	for _, path := range []string{e.indexPath(), e.manifestPath()} {
		if err := e.fsys.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	e.trees = nil
	return nil
}

// Search walks every tree to its leaf for the query, unions the
// candidate positions and ranks them by exact distance. Before the
// first build it degrades to a full scan of staged vectors.
func (e *treeEngine) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != e.dim {
		return nil, fmt.Errorf("simsearch: query has dimension %d, want %d", len(query), e.dim)
	}
	if k <= 0 || len(e.ids) == 0 {
		return nil, nil
	}

	candidates := roaring.New()
	if len(e.trees) == 0 {
		candidates.AddRange(0, uint64(len(e.ids)))
	} else {
		for _, root := range e.trees {
			node := root
			for node.Left != nil {
				if dot(query, node.Normal) <= node.Offset {
					node = node.Left
				} else {
					node = node.Right
				}
			}
			candidates.AddMany(node.Items)
		}
	}

	results := make([]Result, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for it.HasNext() {
		pos := it.Next()
		results = append(results, Result{
			ID:       e.ids[pos],
			Distance: squaredL2(query, e.vec(pos)),
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
