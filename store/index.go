package store

import (
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// List returns every regular file in fsys as an absolute request path,
// sorted.
func List(fsys fs.FS) ([]string, error) {
	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, "/"+p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk store")
	}
	sort.Strings(files)
	return files, nil
}

// Index is the set of files currently in the store. The watcher keeps it
// current; the health endpoint reads it.
type Index struct {
	mu    sync.RWMutex
	files map[string]struct{}
}

func NewIndex(files []string) *Index {
	idx := &Index{files: make(map[string]struct{}, len(files))}
	for _, f := range files {
		idx.files[f] = struct{}{}
	}
	return idx
}

func (idx *Index) Add(p string) {
	idx.mu.Lock()
	idx.files[p] = struct{}{}
	idx.mu.Unlock()
}

// RemoveTree drops p and, if p was a directory, everything below it.
func (idx *Index) RemoveTree(p string) int {
	prefix := strings.TrimSuffix(p, "/") + "/"

	idx.mu.Lock()
	defer idx.mu.Unlock()

	n := 0
	for f := range idx.files {
		if f == p || strings.HasPrefix(f, prefix) {
			delete(idx.files, f)
			n++
		}
	}
	return n
}

func (idx *Index) Has(p string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.files[p]
	return ok
}

func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.files)
}
