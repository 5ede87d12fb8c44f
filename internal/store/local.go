package store

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "create repository dir")
	}
	return &Local{root: root}, nil
}

func (l *Local) Root() string { return l.root }

func (l *Local) resolve(pkg, file string) (string, error) {
	if !ValidName(pkg) {
		return "", errors.Wrapf(ErrInvalidPath, "package %q", pkg)
	}
	clean, err := CleanPath(file)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, pkg, filepath.FromSlash(clean)), nil
}

func (l *Local) Packages(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, errors.Wrap(err, "read repository dir")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (l *Local) List(ctx context.Context, pkg string) ([]Object, error) {
	if !ValidName(pkg) {
		return nil, errors.Wrapf(ErrInvalidPath, "package %q", pkg)
	}
	base := filepath.Join(l.root, pkg)
	var objs []Object
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == base {
				return ErrNotFound
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		objs = append(objs, Object{Path: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list package %s", pkg)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Path < objs[j].Path })
	return objs, nil
}

func (l *Local) Stat(ctx context.Context, pkg, file string) (Object, error) {
	p, err := l.resolve(pkg, file)
	if err != nil {
		return Object{}, err
	}
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return Object{}, errors.Wrapf(ErrNotFound, "%s/%s", pkg, file)
	}
	if err != nil {
		return Object{}, errors.Wrap(err, "stat")
	}
	if !info.Mode().IsRegular() {
		return Object{}, errors.Wrapf(ErrNotFound, "%s/%s", pkg, file)
	}
	return Object{Path: file, Size: info.Size(), ModTime: info.ModTime()}, nil
}

type sectionFile struct {
	io.Reader
	f *os.File
}

func (s *sectionFile) Close() error { return s.f.Close() }

func (l *Local) Open(ctx context.Context, pkg, file string, offset, length int64) (io.ReadCloser, error) {
	p, err := l.resolve(pkg, file)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s/%s", pkg, file)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	return &sectionFile{Reader: io.NewSectionReader(f, offset, length), f: f}, nil
}
