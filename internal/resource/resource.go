// Package resource resolves named files and directories in a backing store.
//
// Names are given as variadic segments, each of which may itself contain
// slashes: Open("a/b", "c.seq") and Open("a", "b", "c.seq") are the same
// resource, and the empty name is the provider itself.
package resource

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

var ErrNotFound = errors.New("resource: not found")

// Provider is a view of one location in a backing store.
type Provider interface {
	// Open returns the content of a file resource.
	Open(name ...string) (io.ReadCloser, error)
	// List returns the entry names of a directory resource, sorted.
	List(name ...string) ([]string, error)
	// Get returns a provider scoped to a sub-resource.
	Get(name ...string) Provider
	// Local returns a filesystem path for the resource that stays valid
	// until release is called.
	Local(name ...string) (path string, release func() error, err error)
	// Parent returns a provider scoped to the containing resource.
	Parent() Provider
}

// Segments normalizes a name to its path segments. Empty and "." segments
// are dropped; ".." removes the previous segment when there is one.
func Segments(name ...string) []string {
	var out []string
	for _, part := range name {
		for _, seg := range strings.Split(part, "/") {
			switch seg {
			case "", ".":
			case "..":
				if len(out) > 0 && out[len(out)-1] != ".." {
					out = out[:len(out)-1]
				} else {
					out = append(out, seg)
				}
			default:
				out = append(out, seg)
			}
		}
	}
	return out
}

func join(base []string, name ...string) []string {
	segs := make([]string, 0, len(base)+len(name))
	segs = append(segs, base...)
	segs = append(segs, name...)
	return Segments(segs...)
}

type readCloser struct {
	io.Reader
	io.Closer
}

// OpenText opens a resource and decodes it from the named encoding (any
// WHATWG label such as "latin1" or "utf-16le"). An empty encoding reads
// UTF-8 unchanged.
func OpenText(p Provider, encoding string, name ...string) (io.ReadCloser, error) {
	rc, err := p.Open(name...)
	if err != nil {
		return nil, err
	}
	if encoding == "" || strings.EqualFold(encoding, "utf-8") || strings.EqualFold(encoding, "utf8") {
		return rc, nil
	}
	enc, err := htmlindex.Get(encoding)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("resource: encoding %q: %w", encoding, err)
	}
	return readCloser{Reader: transform.NewReader(rc, enc.NewDecoder()), Closer: rc}, nil
}

// ReadText reads a whole resource through OpenText.
func ReadText(p Provider, encoding string, name ...string) (string, error) {
	rc, err := OpenText(p, encoding, name...)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("resource: reading %s: %w", strings.Join(Segments(name...), "/"), err)
	}
	return string(data), nil
}

// WithLocal runs fn with a local path for the resource and releases the path
// afterwards, whether fn fails or not.
func WithLocal(p Provider, fn func(path string) error, name ...string) (err error) {
	path, release, err := p.Local(name...)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(); rerr != nil && err == nil {
			err = fmt.Errorf("resource: releasing %s: %w", path, rerr)
		}
	}()
	return fn(path)
}

// ListExt returns the entries of a directory resource ending in ext.
func ListExt(p Provider, ext string, name ...string) ([]string, error) {
	names, err := p.List(name...)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if strings.HasSuffix(n, ext) {
			out = append(out, n)
		}
	}
	return out, nil
}
