package store

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watcher keeps an Index in step with a store directory on disk.
type Watcher struct {
	root  string
	index *Index
	fw    *fsnotify.Watcher
}

// Watch starts watching root and every directory below it.
func Watch(root string, index *Index) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}

	w := &Watcher{root: root, index: index, fw: fw}
	if err := w.addTree(root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fw.Add(p); err != nil {
				return errors.Wrapf(err, "watch %s", p)
			}
		} else if d.Type().IsRegular() {
			w.index.Add(w.requestPath(p))
		}
		return nil
	})
}

// Run delivers events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Printf("[store] watch error: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) Close() error {
	return w.fw.Close()
}

func (w *Watcher) handle(ev fsnotify.Event) {
	p := w.requestPath(ev.Name)

	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) {
				if err := w.addTree(ev.Name); err != nil {
					log.Printf("[store] %v", err)
				}
			}
			return
		}
		if info.Mode().IsRegular() && !w.index.Has(p) {
			w.index.Add(p)
			log.Printf("[store] added %s (%d files)", p, w.index.Count())
		}

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if n := w.index.RemoveTree(p); n > 0 {
			log.Printf("[store] removed %s (%d files)", p, w.index.Count())
		}
	}
}

func (w *Watcher) requestPath(name string) string {
	rel, err := filepath.Rel(w.root, name)
	if err != nil {
		return filepath.ToSlash(name)
	}
	return "/" + filepath.ToSlash(rel)
}
