package modelrepo

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/modelrepo/apidata"
	"github.com/hupe1980/modelrepo/archive"
	"github.com/hupe1980/modelrepo/internal/fs"
)

// writeTarGz builds a small model archive containing the given files.
func writeTarGz(t *testing.T, path string, files map[string]string) {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func repoParams(path string) *apidata.Store {
	params := apidata.New()
	params.Add("repository", path)
	return params
}

func TestNewMissingRepositoryParam(t *testing.T) {
	_, err := New(context.Background(), apidata.New())
	require.ErrorIs(t, err, ErrMissingRepository)
	require.ErrorIs(t, err, ErrBadParam)
}

func TestNewRepositoryConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(path, []byte("not a directory"), 0o644))

	_, err := New(context.Background(), repoParams(path))
	require.ErrorIs(t, err, ErrRepositoryConflict)
	require.ErrorIs(t, err, ErrBadParam)
}

func TestNewCreatesRepositoryDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models", "resnet")

	params := repoParams(path)
	params.Add("create_repository", true)

	repo, err := New(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, path, repo.Path())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewAbsentDirectoryWithoutCreateFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-created")

	_, err := New(context.Background(), repoParams(path))
	require.ErrorIs(t, err, ErrRepositoryNotWritable)
	require.NoDirExists(t, path)
}

func TestNewRepositoryNotWritable(t *testing.T) {
	path := t.TempDir()

	// Tests may run as root, where permission bits do not stop writes;
	// inject the failure at the filesystem layer instead.
	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule(".write-probe", fs.Fault{FailOnOpen: true})

	_, err := New(context.Background(), repoParams(path), WithFS(faulty))
	require.ErrorIs(t, err, ErrRepositoryNotWritable)
	require.ErrorIs(t, err, ErrBadParam)
}

func TestNewInstallsLocalArchive(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "model.tar.gz")
	writeTarGz(t, archivePath, map[string]string{
		"weights.bin":    "weights",
		"best_model.txt": "epoch 7",
	})

	repoDir := filepath.Join(dir, "repo")
	params := repoParams(repoDir)
	params.Add("create_repository", true)
	params.Add("init", archivePath)

	repo, err := New(context.Background(), params)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(repoDir, "weights.bin"))
	assert.FileExists(t, repo.BestModelPath())
	assert.Equal(t, filepath.Join(repoDir, "templates"), repo.TemplatePath())
}

func TestNewFetchesRemoteArchive(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "model.tar.gz")
	writeTarGz(t, archivePath, map[string]string{"weights.bin": "weights"})
	payload, err := os.ReadFile(archivePath)
	require.NoError(t, err)

	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	repoDir := filepath.Join(dir, "repo")
	params := repoParams(repoDir)
	params.Add("create_repository", true)
	params.Add("init", server.URL+"/model.tar.gz")

	_, err = New(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, 1, hits)

	// Staged copy and extracted contents both live in the repository.
	assert.FileExists(t, filepath.Join(repoDir, "model.tar.gz"))
	assert.FileExists(t, filepath.Join(repoDir, "weights.bin"))

	// Re-initializing does not re-fetch; the staged copy short-circuits
	// the download but extraction still runs.
	_, err = New(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, 1, hits)
	assert.FileExists(t, filepath.Join(repoDir, "weights.bin"))
}

func TestNewFetchFailureCarriesStatusCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	params := repoParams(t.TempDir())
	params.Add("init", server.URL+"/model.tar.gz")

	_, err := New(context.Background(), params)

	var fe *ErrArchiveFetchFailed
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusNotFound, fe.StatusCode)
	require.ErrorIs(t, err, ErrBadParam)
	require.Contains(t, err.Error(), "with code: 404")
}

func TestNewExtractionFailure(t *testing.T) {
	repoDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "model.tar.gz"), []byte("not gzip"), 0o644))

	params := repoParams(repoDir)
	params.Add("init", "model.tar.gz")

	_, err := New(context.Background(), params)

	var ie *ErrArchiveInstallFailed
	require.ErrorAs(t, err, &ie)
	require.ErrorIs(t, err, ErrBadParam)
}

type countingFetcher struct {
	calls int
	data  []byte
}

func (f *countingFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f.calls++
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

func TestWithFetcherRegistersScheme(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "model.tar.gz")
	writeTarGz(t, archivePath, map[string]string{"weights.bin": "weights"})
	payload, err := os.ReadFile(archivePath)
	require.NoError(t, err)

	fetcher := &countingFetcher{data: payload}

	repoDir := filepath.Join(dir, "repo")
	params := repoParams(repoDir)
	params.Add("create_repository", true)
	params.Add("init", "blob://bucket/model.tar.gz")

	_, err = New(context.Background(), params, WithFetcher("blob", fetcher))
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.calls)
	assert.FileExists(t, filepath.Join(repoDir, "weights.bin"))
}

func TestNewWithResourceLimits(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "model.tar.gz")
	writeTarGz(t, archivePath, map[string]string{"weights.bin": "weights"})
	payload, err := os.ReadFile(archivePath)
	require.NoError(t, err)

	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	repoDir := filepath.Join(dir, "repo")
	params := repoParams(repoDir)
	params.Add("create_repository", true)
	params.Add("init", server.URL+"/model.tar.gz")

	_, err = New(context.Background(), params,
		WithMaxConcurrentFetches(1),
		WithIOLimit(1<<20),
	)
	require.NoError(t, err)
	require.Equal(t, 1, hits)
	assert.FileExists(t, filepath.Join(repoDir, "weights.bin"))
}

func TestConfigOverlayMerge(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "model.tar.gz")
	writeTarGz(t, archivePath, map[string]string{"weights.bin": "weights"})

	repoDir := filepath.Join(dir, "repo")
	require.NoError(t, os.MkdirAll(repoDir, 0o775))
	require.NoError(t, os.WriteFile(
		filepath.Join(repoDir, "config.json"),
		[]byte(`{"parameters": {"a": 1}, "other": {"b": 2}}`),
		0o644,
	))

	existing := apidata.New()
	existing.Add("keep", "me")

	params := repoParams(repoDir)
	params.Add("init", archivePath)
	params.Add("parameters", existing)

	_, err := New(context.Background(), params)
	require.NoError(t, err)

	merged, ok := params.Object("parameters")
	require.True(t, ok)

	a, ok := merged.Int("a")
	require.True(t, ok)
	require.Equal(t, 1, a)

	keep, ok := merged.String("keep")
	require.True(t, ok)
	require.Equal(t, "me", keep)

	// Only the "parameters" namespace is merged.
	require.False(t, params.Has("other"))
}

func TestConfigOverlaySkippedWithoutInit(t *testing.T) {
	repoDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(repoDir, "config.json"),
		[]byte(`{"parameters": {"a": 1}}`),
		0o644,
	))

	params := repoParams(repoDir)

	_, err := New(context.Background(), params)
	require.NoError(t, err)
	require.False(t, params.Has("parameters"))
}

func TestConfigOverlayParseError(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "model.tar.gz")
	writeTarGz(t, archivePath, map[string]string{"weights.bin": "weights"})

	repoDir := filepath.Join(dir, "repo")
	require.NoError(t, os.MkdirAll(repoDir, 0o775))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "config.json"), []byte(`{not json`), 0o644))

	params := repoParams(repoDir)
	params.Add("init", archivePath)

	_, err := New(context.Background(), params)

	var pe *ErrConfigParse
	require.ErrorAs(t, err, &pe)
	require.Contains(t, string(pe.Raw), "not json")
	require.ErrorIs(t, err, ErrBadParam)

	// The caller's parameter set is left unmodified.
	require.False(t, params.Has("parameters"))
}

func TestConfigOverlayConversionError(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "model.tar.gz")
	writeTarGz(t, archivePath, map[string]string{"weights.bin": "weights"})

	repoDir := filepath.Join(dir, "repo")
	require.NoError(t, os.MkdirAll(repoDir, 0o775))
	require.NoError(t, os.WriteFile(
		filepath.Join(repoDir, "config.json"),
		[]byte(`{"parameters": {"a": null}}`),
		0o644,
	))

	params := repoParams(repoDir)
	params.Add("init", archivePath)

	_, err := New(context.Background(), params)

	var ce *ErrConfigConversion
	require.ErrorAs(t, err, &ce)
	require.ErrorIs(t, err, ErrBadParam)
}

func TestLoadCorresp(t *testing.T) {
	repoDir := t.TempDir()
	correspPath := filepath.Join(repoDir, "corresp.txt")
	require.NoError(t, os.WriteFile(correspPath, []byte("3 cat\n5 dog\n"), 0o644))

	repo, err := New(context.Background(), repoParams(repoDir))
	require.NoError(t, err)

	repo.LoadCorresp(correspPath)
	assert.Equal(t, "cat", repo.Label(3))
	assert.Equal(t, "dog", repo.Label(5))
	assert.Equal(t, "7", repo.Label(7))
	assert.Equal(t, 2, repo.Corresp().Len())
}

func TestLoadCorrespNonFatal(t *testing.T) {
	repo, err := New(context.Background(), repoParams(t.TempDir()))
	require.NoError(t, err)

	// Empty path: no correspondence configured.
	repo.LoadCorresp("")
	assert.Equal(t, "1", repo.Label(1))

	// Unreadable file degrades to the decimal fallback.
	repo.LoadCorresp(filepath.Join(repo.Path(), "missing.txt"))
	assert.Equal(t, "42", repo.Label(42))
}

func TestIndexNoOpsBeforeCreate(t *testing.T) {
	ctx := context.Background()

	repo, err := New(ctx, repoParams(t.TempDir()))
	require.NoError(t, err)

	// Build, remove and search are no-ops before CreateIndex.
	require.NoError(t, repo.BuildIndex(ctx))
	require.NoError(t, repo.RemoveIndex(ctx))
	require.False(t, repo.IndexCreated())

	results, err := repo.SearchIndex(ctx, []float32{1, 2}, 3)
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestMetricsCollection(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetricsCollector{}

	repo, err := New(ctx, repoParams(t.TempDir()), WithMetricsCollector(metrics))
	require.NoError(t, err)

	require.NoError(t, repo.CreateIndex(ctx, 2, nil))
	require.NoError(t, repo.AddVectors([]uint64{1}, [][]float32{{1, 2}}))
	require.NoError(t, repo.BuildIndex(ctx))

	_, err = repo.SearchIndex(ctx, []float32{1, 2}, 1)
	require.NoError(t, err)

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.InitCount)
	assert.Equal(t, int64(1), stats.BuildCount)
	assert.Equal(t, int64(1), stats.SearchCount)
	assert.Zero(t, stats.InitErrors)
}

func TestTuningFromParams(t *testing.T) {
	params := apidata.New()
	params.Add("index_type", "IVF128")
	params.Add("ondisk", true)
	params.Add("nprobe", 16)
	params.Add("train_samples", 1000)
	params.Add("gpu", true)
	params.Add("gpuid", []int{0, 1})

	tuning := tuningFromParams(params)
	require.NotNil(t, tuning.IndexType)
	assert.Equal(t, "IVF128", *tuning.IndexType)
	require.NotNil(t, tuning.OnDisk)
	assert.True(t, *tuning.OnDisk)
	require.NotNil(t, tuning.NProbe)
	assert.Equal(t, 16, *tuning.NProbe)
	require.NotNil(t, tuning.TrainSamples)
	assert.Equal(t, 1000, *tuning.TrainSamples)
	require.NotNil(t, tuning.GPU)
	assert.True(t, *tuning.GPU)
	assert.Equal(t, []int{0, 1}, tuning.GPUIDs)

	// Absent keys leave the backend defaults in place.
	empty := tuningFromParams(apidata.New())
	assert.Nil(t, empty.IndexType)
	assert.Nil(t, empty.OnDisk)
	assert.Nil(t, empty.NProbe)
	assert.Nil(t, empty.TrainSamples)
	assert.Nil(t, empty.GPU)
	assert.Nil(t, empty.Preload)
	assert.Empty(t, empty.GPUIDs)
}

func TestTranslateErrorPassthrough(t *testing.T) {
	require.NoError(t, translateError(nil))

	plain := errors.New("unrelated")
	require.Equal(t, plain, translateError(plain))

	err := translateError(archive.NewFetchError("http://x/y.tar.gz", 503, nil))
	var fe *ErrArchiveFetchFailed
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 503, fe.StatusCode)
}
