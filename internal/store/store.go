// Package store abstracts where package files live on the server. Each
// top-level directory (or key prefix) is one package; file paths inside a
// package are slash separated.
package store

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/FraMan97/modsync/internal/config"
	"github.com/pkg/errors"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidPath = errors.New("invalid path")
)

type Object struct {
	Path    string
	Size    int64
	ModTime time.Time
}

type Store interface {
	// Packages lists package names.
	Packages(ctx context.Context) ([]string, error)
	// List returns every regular file of a package.
	List(ctx context.Context, pkg string) ([]Object, error)
	Stat(ctx context.Context, pkg, file string) (Object, error)
	// Open streams length bytes of file starting at offset. The caller must
	// keep offset+length within the object size.
	Open(ctx context.Context, pkg, file string, offset, length int64) (io.ReadCloser, error)
}

// New builds the backend selected in the server configuration.
func New(cfg *config.Server) (Store, error) {
	switch cfg.Store.Backend {
	case "s3":
		return NewS3(cfg.Store.S3)
	case "local", "":
		return NewLocal(cfg.RepositoryDir)
	}
	return nil, config.ErrInvalidStoreBackend
}

// ValidName rejects package names that could escape the store root.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && !strings.HasPrefix(name, ".")
}

// CleanPath validates a slash separated relative file path.
func CleanPath(p string) (string, error) {
	if p == "" || strings.Contains(p, `\`) || strings.HasPrefix(p, "/") {
		return "", errors.Wrapf(ErrInvalidPath, "%q", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || clean != p {
		return "", errors.Wrapf(ErrInvalidPath, "%q", p)
	}
	return clean, nil
}
