//go:build simsearch_ivf && !nosimsearch

package simsearch

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/modelrepo/codec"
	"github.com/hupe1980/modelrepo/internal/fs"
	"github.com/hupe1980/modelrepo/internal/kmeans"
	"github.com/hupe1980/modelrepo/internal/mmap"
)

const (
	ivfIndexFileName    = "index.ivf"
	ivfVectorsFileName  = "vectors.bin"
	ivfManifestFileName = "simsearch.json"

	defaultNList  = 64
	defaultNProbe = 8
	kmeansIters   = 20
)

// newEngine returns the inverted-file backend, linked in with
// -tags simsearch_ivf.
func newEngine(repo string, dim int, fsys fs.FileSystem, logger *slog.Logger, c codec.Codec) Engine {
	return &ivfEngine{
		repo:   repo,
		dim:    dim,
		logger: logger,
		codec:  c,
		fsys:   fsys,
		nlist:  defaultNList,
		nprobe: defaultNProbe,
	}
}

// ivfEngine partitions vectors into inverted lists around k-means
// centroids; queries scan only the nprobe closest lists. Posting lists
// are roaring bitmaps over vector positions.
type ivfEngine struct {
	repo   string
	dim    int
	logger *slog.Logger
	codec  codec.Codec
	fsys   fs.FileSystem

	nlist        int
	nprobe       int
	trainSamples int
	onDisk       bool
	gpu          bool
	gpuIDs       []int
	preload      bool

	ids       []uint64
	vecs      []float32 // in-memory vectors; empty in on-disk mode
	centroids []float32
	postings  []*roaring.Bitmap

	mapping *mmap.Mapping // vectors.bin mapping in on-disk mode
}

type ivfManifest struct {
	Backend   string `json:"backend"`
	Dimension int    `json:"dimension"`
	NList     int    `json:"nlist"`
	NProbe    int    `json:"nprobe"`
	OnDisk    bool   `json:"ondisk"`
	GPU       bool   `json:"gpu"`
	GPUIDs    []int  `json:"gpuids,omitempty"`
	Count     int    `json:"count"`
	Codec     string `json:"codec"`
}

func (e *ivfEngine) Name() string { return "ivf" }

// ApplyTuning understands IndexType ("IVFn" selects the list count),
// NProbe, TrainSamples, OnDisk, Preload and the GPU fields. The
// pure-Go implementation records GPU requests but computes on the CPU.
func (e *ivfEngine) ApplyTuning(t Tuning) {
	if t.IndexType != nil {
		spec := *t.IndexType
		if i := strings.IndexByte(spec, ','); i >= 0 {
			spec = spec[:i]
		}
		if n, ok := strings.CutPrefix(spec, "IVF"); ok {
			if v, err := strconv.Atoi(n); err == nil && v > 0 {
				e.nlist = v
			}
		}
	}
	if t.NProbe != nil && *t.NProbe > 0 {
		e.nprobe = *t.NProbe
	}
	if t.TrainSamples != nil && *t.TrainSamples > 0 {
		e.trainSamples = *t.TrainSamples
	}
	if t.OnDisk != nil {
		e.onDisk = *t.OnDisk
	}
	if t.Preload != nil {
		e.preload = *t.Preload
	}
	if t.GPU != nil {
		e.gpu = *t.GPU
	}
	if len(t.GPUIDs) > 0 {
		e.gpu = true
		e.gpuIDs = append([]int(nil), t.GPUIDs...)
	}
	if e.gpu {
		e.logger.Warn("GPU residency requested, inverted-file backend stays on CPU",
			"gpuids", e.gpuIDs,
		)
	}
}

func (e *ivfEngine) indexPath() string    { return filepath.Join(e.repo, ivfIndexFileName) }
func (e *ivfEngine) vectorsPath() string  { return filepath.Join(e.repo, ivfVectorsFileName) }
func (e *ivfEngine) manifestPath() string { return filepath.Join(e.repo, ivfManifestFileName) }

func (e *ivfEngine) Add(ids []uint64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("simsearch: %d ids for %d vectors", len(ids), len(vectors))
	}
	if e.mapping != nil {
		// Adding re-opens the in-memory staging area; the next
		// UpdateIndex persists everything again.
		if err := e.loadVectorsIntoMemory(); err != nil {
			return err
		}
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

// CreateIndex loads existing artifacts from the repository, if any.
func (e *ivfEngine) CreateIndex(ctx context.Context) error {
	if exists, isDir := fs.Exists(e.fsys, e.manifestPath()); !exists || isDir {
		return nil
	}

	data, err := fs.ReadFile(e.fsys, e.manifestPath())
	if err != nil {
		return err
	}
	var m ivfManifest
	if err := e.codec.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("simsearch: decoding manifest: %w", err)
	}
	if m.Backend != e.Name() {
		return fmt.Errorf("simsearch: repository holds a %q index, this binary links %q", m.Backend, e.Name())
	}
	if m.Dimension != e.dim {
		return fmt.Errorf("simsearch: on-disk index has dimension %d, want %d", m.Dimension, e.dim)
	}

	e.nlist = m.NList
	e.nprobe = m.NProbe
	e.onDisk = m.OnDisk

	if err := e.loadIndex(); err != nil {
		return err
	}
	if err := e.loadVectors(); err != nil {
		return err
	}

	if e.preload {
		e.warm(e.indexPath())
		e.warm(e.vectorsPath())
	}

	return nil
}

func (e *ivfEngine) warm(path string) {
	m, err := mmap.Open(path, true)
	if err != nil {
		e.logger.Warn("index preload failed", "path", path, "error", err)
		return
	}
	_ = m.Close()
}

// UpdateIndex trains the coarse quantizer on staged vectors, fills the
// inverted lists and persists everything. Rebuilding replaces the
// previous index contents.
func (e *ivfEngine) UpdateIndex(ctx context.Context) error {
	if e.mapping != nil {
		if err := e.loadVectorsIntoMemory(); err != nil {
			return err
		}
	}

	n := len(e.ids)
	rng := rand.New(rand.NewSource(int64(n)*31 + int64(e.dim)))

	train := e.vecs
	if e.trainSamples > 0 && n > e.trainSamples {
		sample := make([]float32, 0, e.trainSamples*e.dim)
		for _, pos := range rng.Perm(n)[:e.trainSamples] {
			sample = append(sample, e.vecs[pos*e.dim:(pos+1)*e.dim]...)
		}
		train = sample
	}

	nlist := e.nlist
	if trainCount := len(train) / max(e.dim, 1); nlist > trainCount {
		// Fewer training vectors than lists: shrink to what the data
		// supports. An empty build persists an empty index.
		nlist = trainCount
	}

	e.centroids = kmeans.Train(train, e.dim, nlist, kmeansIters, rng)
	if e.centroids == nil && n > 0 {
		e.centroids = make([]float32, e.dim)
		copy(e.centroids, e.vecs[:e.dim])
		nlist = 1
	}

	e.postings = make([]*roaring.Bitmap, nlist)
	for i := range e.postings {
		e.postings[i] = roaring.New()
	}
	for pos := 0; pos < n; pos++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		list := kmeans.Assign(e.vecs[pos*e.dim:(pos+1)*e.dim], e.centroids, e.dim)
		e.postings[list].Add(uint32(pos))
	}

	if err := e.persist(); err != nil {
		return err
	}

	if e.onDisk {
		if err := e.switchToOnDisk(); err != nil {
			return err
		}
	}

	if e.preload {
		e.warm(e.indexPath())
		e.warm(e.vectorsPath())
	}

	e.logger.Info("similarity search index built",
		"backend", e.Name(),
		"nlist", nlist,
		"nprobe", e.nprobe,
		"vectors", n,
		"ondisk", e.onDisk,
	)

	return nil
}

func (e *ivfEngine) persist() error {
	// vectors.bin: count, ids, raw float32 vectors, little endian.
	var vbuf bytes.Buffer
	_ = binary.Write(&vbuf, binary.LittleEndian, uint64(len(e.ids)))
	_ = binary.Write(&vbuf, binary.LittleEndian, e.ids)
	_ = binary.Write(&vbuf, binary.LittleEndian, e.vecs)
	if err := fs.WriteFile(e.fsys, e.vectorsPath(), vbuf.Bytes(), 0o644); err != nil {
		return err
	}

	// index.ivf: centroid count, centroids, then length-prefixed
	// roaring posting lists.
	var ibuf bytes.Buffer
	_ = binary.Write(&ibuf, binary.LittleEndian, uint32(len(e.postings)))
	_ = binary.Write(&ibuf, binary.LittleEndian, e.centroids)
	for _, bm := range e.postings {
		data, err := bm.ToBytes()
		if err != nil {
			return err
		}
		_ = binary.Write(&ibuf, binary.LittleEndian, uint32(len(data)))
		ibuf.Write(data)
	}
	if err := fs.WriteFile(e.fsys, e.indexPath(), ibuf.Bytes(), 0o644); err != nil {
		return err
	}

	manifest, err := e.codec.Marshal(ivfManifest{
		Backend:   e.Name(),
		Dimension: e.dim,
		NList:     len(e.postings),
		NProbe:    e.nprobe,
		OnDisk:    e.onDisk,
		GPU:       e.gpu,
		GPUIDs:    e.gpuIDs,
		Count:     len(e.ids),
		Codec:     e.codec.Name(),
	})
	if err != nil {
		return err
	}
	return fs.WriteFile(e.fsys, e.manifestPath(), manifest, 0o644)
}

func (e *ivfEngine) loadIndex() error {
	data, err := fs.ReadFile(e.fsys, e.indexPath())
	if err != nil {
		return err
	}
	r := bytes.NewReader(data)

	var nlist uint32
	if err := binary.Read(r, binary.LittleEndian, &nlist); err != nil {
		return err
	}
	e.centroids = make([]float32, int(nlist)*e.dim)
	if err := binary.Read(r, binary.LittleEndian, e.centroids); err != nil {
		return err
	}

	e.postings = make([]*roaring.Bitmap, nlist)
	for i := range e.postings {
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return err
		}
		raw := make([]byte, size)
		if _, err := io.ReadFull(r, raw); err != nil {
			return err
		}
		e.postings[i] = roaring.New()
		if err := e.postings[i].UnmarshalBinary(raw); err != nil {
			return err
		}
	}
	return nil
}

func (e *ivfEngine) loadVectors() error {
	if e.onDisk {
		return e.switchToOnDisk()
	}
	return e.loadVectorsIntoMemory()
}

func (e *ivfEngine) loadVectorsIntoMemory() error {
	if e.mapping != nil {
		_ = e.mapping.Close()
		e.mapping = nil
	}

	data, err := fs.ReadFile(e.fsys, e.vectorsPath())
	if err != nil {
		return err
	}
	r := bytes.NewReader(data)

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}
	e.ids = make([]uint64, count)
	if err := binary.Read(r, binary.LittleEndian, e.ids); err != nil {
		return err
	}
	e.vecs = make([]float32, int(count)*e.dim)
	return binary.Read(r, binary.LittleEndian, e.vecs)
}

// switchToOnDisk drops in-memory vectors and serves reads through a
// mapping of vectors.bin.
func (e *ivfEngine) switchToOnDisk() error {
	if e.mapping != nil {
		_ = e.mapping.Close()
	}

	m, err := mmap.Open(e.vectorsPath(), e.preload)
	if err != nil {
		return err
	}

	data := m.Bytes()
	if len(data) < 8 {
		_ = m.Close()
		return fmt.Errorf("simsearch: vectors file too short")
	}
	count := binary.LittleEndian.Uint64(data[:8])

	e.ids = make([]uint64, count)
	for i := range e.ids {
		e.ids[i] = binary.LittleEndian.Uint64(data[8+i*8:])
	}

	e.mapping = m
	e.vecs = nil
	return nil
}

// vecAt returns vector pos, reading from the mapping in on-disk mode.
func (e *ivfEngine) vecAt(pos int, scratch []float32) []float32 {
	if e.mapping == nil {
		return e.vecs[pos*e.dim : (pos+1)*e.dim]
	}

	base := 8 + len(e.ids)*8 + pos*e.dim*4
	data := e.mapping.Bytes()
	for d := 0; d < e.dim; d++ {
		scratch[d] = math.Float32frombits(binary.LittleEndian.Uint32(data[base+d*4:]))
	}
	return scratch
}

// RemoveIndex deletes all on-disk artifacts and drops the built lists.
func (e *ivfEngine) RemoveIndex(ctx context.Context) error {
	if e.mapping != nil {
		// Pull vectors back into memory so a later rebuild still has
		// them after the file is gone.
		if err := e.loadVectorsIntoMemory(); err != nil {
			return err
		}
	}

	for _, path := range []string{e.indexPath(), e.vectorsPath(), e.manifestPath()} {
		if err := e.fsys.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	e.centroids = nil
	e.postings = nil
	return nil
}

// Search scans the nprobe inverted lists closest to the query. Before
// the first build it degrades to a full scan of staged vectors.
func (e *ivfEngine) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != e.dim {
		return nil, fmt.Errorf("simsearch: query has dimension %d, want %d", len(query), e.dim)
	}
	if k <= 0 || len(e.ids) == 0 {
		return nil, nil
	}

	scratch := make([]float32, e.dim)
	var results []Result

	if len(e.postings) == 0 {
		for pos := range e.ids {
			results = append(results, Result{ID: e.ids[pos], Distance: squaredL2(query, e.vecAt(pos, scratch))})
		}
	} else {
		for _, list := range kmeans.Closest(query, e.centroids, e.dim, e.nprobe) {
			it := e.postings[list].Iterator()
			for it.HasNext() {
				pos := int(it.Next())
				results = append(results, Result{ID: e.ids[pos], Distance: squaredL2(query, e.vecAt(pos, scratch))})
			}
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
