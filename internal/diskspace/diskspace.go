// Package diskspace reports free space on the filesystem holding a path.
package diskspace

import (
	"os"
	"path/filepath"

	"github.com/FraMan97/modsync/internal/failure"
	"github.com/pkg/errors"
)

// Ensure fails with a resource error when the filesystem holding dir has less
// than need bytes available. A platform without support reports ok.
func Ensure(dir string, need int64) error {
	if need <= 0 {
		return nil
	}
	free, err := Available(existingParent(dir))
	if err != nil {
		if errors.Is(err, errUnsupported) {
			return nil
		}
		return failure.New(failure.Resource, "free space", err)
	}
	if free < uint64(need) {
		return failure.Newf(failure.Resource, "free space", "need %d bytes in %s, %d available", need, dir, free)
	}
	return nil
}

var errUnsupported = errors.New("free space query unsupported")

func existingParent(dir string) string {
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
