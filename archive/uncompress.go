package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/modelrepo/internal/fs"
)

var (
	// ErrUnknownFormat is returned when the archive format cannot be
	// determined from the file name.
	ErrUnknownFormat = errors.New("archive: unknown archive format")

	// ErrUnsafePath is returned when an archive entry would escape the
	// destination directory.
	ErrUnsafePath = errors.New("archive: entry path escapes destination")
)

// Uncompress extracts the archive at archivePath into destDir.
//
// Supported formats, chosen by file name suffix: .tar.gz/.tgz,
// .tar.zst, .tar.lz4, .tar and .zip. Existing files are overwritten,
// so repeated extraction into a non-empty repository converges instead
// of duplicating content.
func Uncompress(fsys fs.FileSystem, archivePath, destDir string) error {
	if fsys == nil {
		fsys = fs.Default
	}

	name := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(name, ".zip"):
		return extractZip(fsys, archivePath, destDir)
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return extractTar(fsys, archivePath, destDir, func(r io.Reader) (io.Reader, func(), error) {
			zr, err := gzip.NewReader(r)
			if err != nil {
				return nil, nil, err
			}
			return zr, func() { _ = zr.Close() }, nil
		})
	case strings.HasSuffix(name, ".tar.zst"):
		return extractTar(fsys, archivePath, destDir, func(r io.Reader) (io.Reader, func(), error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, nil, err
			}
			return zr.IOReadCloser(), zr.Close, nil
		})
	case strings.HasSuffix(name, ".tar.lz4"):
		return extractTar(fsys, archivePath, destDir, func(r io.Reader) (io.Reader, func(), error) {
			return lz4.NewReader(r), func() {}, nil
		})
	case strings.HasSuffix(name, ".tar"):
		return extractTar(fsys, archivePath, destDir, func(r io.Reader) (io.Reader, func(), error) {
			return r, func() {}, nil
		})
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(archivePath))
	}
}

// safeJoin joins an archive entry name under destDir, rejecting
// absolute names and parent-directory traversal.
func safeJoin(destDir, entry string) (string, error) {
	if filepath.IsAbs(entry) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, entry)
	}
	target := filepath.Join(destDir, entry)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, entry)
	}
	return target, nil
}

type decompressFunc func(io.Reader) (io.Reader, func(), error)

func extractTar(fsys fs.FileSystem, archivePath, destDir string, decompress decompressFunc) error {
	f, err := fsys.OpenFile(archivePath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	r, closeFn, err := decompress(f)
	if err != nil {
		return err
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fsys.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(fsys, target, tr, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		default:
			// Symlinks, devices and the like have no business in a
			// model archive.
		}
	}
}

func extractZip(fsys fs.FileSystem, archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, entry := range zr.File {
		target, err := safeJoin(destDir, entry.Name)
		if err != nil {
			return err
		}

		if entry.FileInfo().IsDir() {
			if err := fsys.MkdirAll(target, entry.Mode()|0o700); err != nil {
				return err
			}
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return err
		}
		err = writeEntry(fsys, target, rc, entry.Mode())
		_ = rc.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

func writeEntry(fsys fs.FileSystem, target string, src io.Reader, mode os.FileMode) error {
	if err := fsys.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}

	dst, err := fsys.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}
