package resource

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Dir serves resources from the filesystem.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	return &Dir{root: filepath.Clean(root)}
}

func (d *Dir) String() string { return d.root }

func (d *Dir) path(name ...string) string {
	segs := Segments(name...)
	return filepath.Join(append([]string{d.root}, segs...)...)
}

func notFound(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return err
}

func (d *Dir) Open(name ...string) (io.ReadCloser, error) {
	path := d.path(name...)
	f, err := os.Open(path)
	if err != nil {
		return nil, notFound(path, err)
	}
	return f, nil
}

func (d *Dir) List(name ...string) ([]string, error) {
	path := d.path(name...)
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, notFound(path, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)
	return names, nil
}

func (d *Dir) Get(name ...string) Provider {
	return &Dir{root: d.path(name...)}
}

// Local returns the real path; release is a no-op.
func (d *Dir) Local(name ...string) (string, func() error, error) {
	path := d.path(name...)
	if _, err := os.Stat(path); err != nil {
		return "", nil, notFound(path, err)
	}
	return path, func() error { return nil }, nil
}

func (d *Dir) Parent() Provider {
	return &Dir{root: filepath.Dir(d.root)}
}
