package store

import (
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"

	"edge-tunnel/tunnel"
)

// Resolver serves relay request paths out of a file tree.
type Resolver struct {
	fsys fs.FS
}

var _ tunnel.Resolver = (*Resolver)(nil)

func New(fsys fs.FS) *Resolver {
	return &Resolver{fsys: fsys}
}

// NewDir resolves paths under dir on the local disk.
func NewDir(dir string) *Resolver {
	return New(os.DirFS(dir))
}

// FS exposes the underlying tree, for listing.
func (r *Resolver) FS() fs.FS {
	return r.fsys
}

// name maps an absolute request path to an fs.FS name. Cleaning against "/"
// first means ".." segments can never climb out of the tree.
func name(p string) string {
	n := strings.TrimPrefix(path.Clean("/"+p), "/")
	if n == "" {
		return "."
	}
	return n
}

func (r *Resolver) Exists(p string) bool {
	n := name(p)
	if !fs.ValidPath(n) {
		return false
	}
	info, err := fs.Stat(r.fsys, n)
	return err == nil && info.Mode().IsRegular()
}

func (r *Resolver) Open(p string) (tunnel.Resource, error) {
	n := name(p)
	if !fs.ValidPath(n) {
		return nil, errors.Wrapf(tunnel.ErrNotFound, "open %s", p)
	}

	f, err := r.fsys.Open(n)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(tunnel.ErrNotFound, "open %s", p)
		}
		return nil, errors.Wrapf(err, "open %s", p)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat %s", p)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, errors.Wrapf(tunnel.ErrNotFound, "open %s: not a regular file", p)
	}

	return &file{File: f, size: info.Size()}, nil
}

func (r *Resolver) MimeType(p string) string {
	return MimeType(p)
}

type file struct {
	fs.File
	size int64
}

func (f *file) Size() int64 {
	return f.size
}
