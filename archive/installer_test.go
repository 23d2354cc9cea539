package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/modelrepo/internal/fs"
	"github.com/hupe1980/modelrepo/internal/resource"
)

// countingFetcher wraps a fixed payload and counts Fetch calls.
type countingFetcher struct {
	payload []byte
	calls   atomic.Int64
	err     error
}

func (f *countingFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(bytes.NewReader(f.payload)), nil
}

func testArchive(t *testing.T) []byte {
	t.Helper()
	return buildTar(t, nil, modelEntries)
}

func TestInstallFetchesAndExtracts(t *testing.T) {
	repo := t.TempDir()
	fetcher := &countingFetcher{payload: testArchive(t)}

	registry := NewRegistry(nil)
	registry.Register("http", fetcher)

	in := NewInstaller(func(o *InstallerOptions) {
		o.Registry = registry
	})

	require.NoError(t, in.Install(context.Background(), "http://models.example.com/resnet/model.tar", repo))
	assert.EqualValues(t, 1, fetcher.calls.Load())
	assertExtracted(t, repo)

	// The staged copy stays behind.
	_, err := os.Stat(filepath.Join(repo, "model.tar"))
	require.NoError(t, err)
}

func TestInstallStagedShortCircuit(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "model.tar"), testArchive(t), 0o644))

	fetcher := &countingFetcher{err: fmt.Errorf("must not be called")}
	registry := NewRegistry(nil)
	registry.Register("http", fetcher)

	in := NewInstaller(func(o *InstallerOptions) {
		o.Registry = registry
	})

	// Staged archive short-circuits the fetch but extraction still runs.
	require.NoError(t, in.Install(context.Background(), "http://models.example.com/resnet/model.tar", repo))
	assert.EqualValues(t, 0, fetcher.calls.Load())
	assertExtracted(t, repo)
}

func TestInstallLocalPathLocator(t *testing.T) {
	dir := t.TempDir()
	repo := filepath.Join(dir, "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))

	local := filepath.Join(dir, "model.tar")
	require.NoError(t, os.WriteFile(local, testArchive(t), 0o644))

	in := NewInstaller()
	require.NoError(t, in.Install(context.Background(), local, repo))
	assertExtracted(t, repo)
}

func TestInstallFileScheme(t *testing.T) {
	dir := t.TempDir()
	repo := filepath.Join(dir, "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))

	local := filepath.Join(dir, "model.tar")
	require.NoError(t, os.WriteFile(local, testArchive(t), 0o644))

	in := NewInstaller()
	require.NoError(t, in.Install(context.Background(), "file://"+local, repo))
	assertExtracted(t, repo)
}

func TestInstallHTTPServer(t *testing.T) {
	payload := testArchive(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	repo := t.TempDir()
	in := NewInstaller(func(o *InstallerOptions) {
		o.Controller = resource.NewController(resource.Config{MaxConcurrentFetches: 2})
	})

	require.NoError(t, in.Install(context.Background(), srv.URL+"/model.tar", repo))
	assertExtracted(t, repo)
}

func TestInstallHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	in := NewInstaller()
	err := in.Install(context.Background(), srv.URL+"/model.tar", t.TempDir())

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Contains(t, fe.Error(), "with code: 404")
}

func TestInstallExtractionFailure(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "model.tar.gz"), []byte("garbage"), 0o644))

	in := NewInstaller()
	err := in.Install(context.Background(), "http://models.example.com/model.tar.gz", repo)
	assert.Error(t, err)
}

func TestInstallFetchWriteFailure(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("model.tar", fs.Fault{FailAfterBytes: 2})

	registry := NewRegistry(ffs)
	registry.Register("http", &countingFetcher{payload: testArchive(t)})

	in := NewInstaller(func(o *InstallerOptions) {
		o.FS = ffs
		o.Registry = registry
	})

	err := in.Install(context.Background(), "http://models.example.com/model.tar", t.TempDir())
	var fe *FetchError
	assert.ErrorAs(t, err, &fe)
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "model.tar.gz", BaseName("https://host/path/model.tar.gz"))
	assert.Equal(t, "model.tar.gz", BaseName("model.tar.gz"))
	assert.Equal(t, "", BaseName("https://host/path/"))
}
