//go:build nosimsearch

package simsearch

import (
	"log/slog"

	"github.com/hupe1980/modelrepo/codec"
	"github.com/hupe1980/modelrepo/internal/fs"
)

// newEngine reports that no backend is linked; every lifecycle call on
// the manager becomes a no-op.
func newEngine(repo string, dim int, fsys fs.FileSystem, logger *slog.Logger, c codec.Codec) Engine {
	return nil
}
