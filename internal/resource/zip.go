package resource

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type archive struct {
	r      *zip.Reader
	path   string
	closer io.Closer
}

// Zip serves resources from inside a zip archive. Local materializes entries
// in a temporary location.
type Zip struct {
	a      *archive
	prefix []string
}

// OpenZip opens the archive at path. Close releases it.
func OpenZip(path string) (*Zip, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("resource: open zip: %w", err)
	}
	return &Zip{a: &archive{r: &rc.Reader, path: path, closer: rc}}, nil
}

// NewZip serves an in-memory archive.
func NewZip(r io.ReaderAt, size int64) (*Zip, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("resource: read zip: %w", err)
	}
	return &Zip{a: &archive{r: zr}}, nil
}

// Close releases the archive shared by z and every provider derived from it.
func (z *Zip) Close() error {
	if z.a.closer == nil {
		return nil
	}
	return z.a.closer.Close()
}

func (z *Zip) String() string {
	return z.a.path + "!/" + strings.Join(z.prefix, "/")
}

func (z *Zip) key(name ...string) string {
	return strings.Join(join(z.prefix, name...), "/")
}

func (z *Zip) file(key string) *zip.File {
	for _, f := range z.a.r.File {
		if strings.TrimSuffix(f.Name, "/") == key && !f.FileInfo().IsDir() {
			return f
		}
	}
	return nil
}

func (z *Zip) Open(name ...string) (io.ReadCloser, error) {
	key := z.key(name...)
	f := z.file(key)
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return f.Open()
}

// entries returns every file below the directory key, relative to it.
func (z *Zip) entries(key string) []*zip.File {
	prefix := ""
	if key != "" {
		prefix = key + "/"
	}
	var out []*zip.File
	for _, f := range z.a.r.File {
		if strings.HasPrefix(f.Name, prefix) && f.Name != prefix {
			out = append(out, f)
		}
	}
	return out
}

func (z *Zip) List(name ...string) ([]string, error) {
	key := z.key(name...)
	files := z.entries(key)
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	seen := make(map[string]bool)
	var names []string
	for _, f := range files {
		rel := strings.TrimPrefix(f.Name, key)
		rel = strings.TrimPrefix(rel, "/")
		child := strings.SplitN(rel, "/", 2)[0]
		if child != "" && !seen[child] {
			seen[child] = true
			names = append(names, child)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (z *Zip) Get(name ...string) Provider {
	return &Zip{a: z.a, prefix: join(z.prefix, name...)}
}

// Parent returns the enclosing directory of the archive at its root.
func (z *Zip) Parent() Provider {
	if len(z.prefix) > 0 {
		return &Zip{a: z.a, prefix: z.prefix[:len(z.prefix)-1]}
	}
	if z.a.path != "" {
		return NewDir(filepath.Dir(z.a.path))
	}
	return z
}

// Local extracts a file into a temporary file, or a directory into a
// temporary directory. release deletes the copy.
func (z *Zip) Local(name ...string) (string, func() error, error) {
	key := z.key(name...)
	if f := z.file(key); f != nil {
		dir, err := os.MkdirTemp("", "beamline-res-")
		if err != nil {
			return "", nil, err
		}
		release := func() error { return os.RemoveAll(dir) }
		path := filepath.Join(dir, filepath.Base(key))
		if err := extract(f, path); err != nil {
			release()
			return "", nil, err
		}
		return path, release, nil
	}

	files := z.entries(key)
	if len(files) == 0 {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	dir, err := os.MkdirTemp("", "beamline-res-")
	if err != nil {
		return "", nil, err
	}
	release := func() error { return os.RemoveAll(dir) }
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(f.Name, key), "/")
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, dir+string(filepath.Separator)) {
			release()
			return "", nil, fmt.Errorf("resource: entry %q escapes archive", f.Name)
		}
		if err := extract(f, target); err != nil {
			release()
			return "", nil, err
		}
	}
	return dir, release, nil
}

func extract(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
