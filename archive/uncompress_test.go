package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name string
	body string
	dir  bool
}

func buildTar(t *testing.T, compress func(io.Writer) io.WriteCloser, entries []tarEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	var w io.WriteCloser
	if compress != nil {
		w = compress(&buf)
	}

	var tw *tar.Writer
	if w != nil {
		tw = tar.NewWriter(w)
	} else {
		tw = tar.NewWriter(&buf)
	}

	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644}
		if e.dir {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		} else {
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if !e.dir {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	if w != nil {
		require.NoError(t, w.Close())
	}
	return buf.Bytes()
}

var modelEntries = []tarEntry{
	{name: "templates/", dir: true},
	{name: "deploy.prototxt", body: "net config"},
	{name: "templates/readme.txt", body: "template"},
}

func assertExtracted(t *testing.T, dir string) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "deploy.prototxt"))
	require.NoError(t, err)
	assert.Equal(t, "net config", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "templates", "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, "template", string(data))
}

func TestUncompressFormats(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		build    func(t *testing.T) []byte
	}{
		{
			name:     "tar.gz",
			filename: "model.tar.gz",
			build: func(t *testing.T) []byte {
				return buildTar(t, func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) }, modelEntries)
			},
		},
		{
			name:     "tgz",
			filename: "model.tgz",
			build: func(t *testing.T) []byte {
				return buildTar(t, func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) }, modelEntries)
			},
		},
		{
			name:     "tar.zst",
			filename: "model.tar.zst",
			build: func(t *testing.T) []byte {
				return buildTar(t, func(w io.Writer) io.WriteCloser {
					zw, err := zstd.NewWriter(w)
					require.NoError(t, err)
					return zw
				}, modelEntries)
			},
		},
		{
			name:     "tar.lz4",
			filename: "model.tar.lz4",
			build: func(t *testing.T) []byte {
				return buildTar(t, func(w io.Writer) io.WriteCloser { return lz4.NewWriter(w) }, modelEntries)
			},
		},
		{
			name:     "plain tar",
			filename: "model.tar",
			build: func(t *testing.T) []byte {
				return buildTar(t, nil, modelEntries)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			archivePath := filepath.Join(dir, tt.filename)
			require.NoError(t, os.WriteFile(archivePath, tt.build(t), 0o644))

			require.NoError(t, Uncompress(nil, archivePath, dir))
			assertExtracted(t, dir)
		})
	}
}

func TestUncompressZip(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("deploy.prototxt")
	require.NoError(t, err)
	_, err = f.Write([]byte("net config"))
	require.NoError(t, err)
	f, err = zw.Create("templates/readme.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("template"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	archivePath := filepath.Join(dir, "model.zip")
	require.NoError(t, os.WriteFile(archivePath, buf.Bytes(), 0o644))

	require.NoError(t, Uncompress(nil, archivePath, dir))
	assertExtracted(t, dir)
}

func TestUncompressIdempotent(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "model.tar")
	require.NoError(t, os.WriteFile(archivePath, buildTar(t, nil, modelEntries), 0o644))

	require.NoError(t, Uncompress(nil, archivePath, dir))
	require.NoError(t, Uncompress(nil, archivePath, dir))
	assertExtracted(t, dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	// archive + deploy.prototxt + templates/
	assert.Len(t, entries, 3)
}

func TestUncompressUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "model.rar")
	require.NoError(t, os.WriteFile(archivePath, []byte("???"), 0o644))

	err := Uncompress(nil, archivePath, dir)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestUncompressRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "repo")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	archivePath := filepath.Join(dir, "evil.tar")
	evil := buildTar(t, nil, []tarEntry{{name: "../escape.txt", body: "nope"}})
	require.NoError(t, os.WriteFile(archivePath, evil, 0o644))

	err := Uncompress(nil, archivePath, dest)
	assert.ErrorIs(t, err, ErrUnsafePath)

	_, statErr := os.Stat(filepath.Join(dir, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestUncompressCorruptArchive(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "model.tar.gz")
	require.NoError(t, os.WriteFile(archivePath, []byte("not gzip at all"), 0o644))

	assert.Error(t, Uncompress(nil, archivePath, dir))
}
