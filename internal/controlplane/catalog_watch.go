package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ocx/enforcer/internal/catalog"
	"github.com/ocx/enforcer/internal/statestore"
)

// CatalogSync owns the tool catalog and keeps the registry map in step
// with it. All catalog mutations go through it.
type CatalogSync struct {
	mu      sync.Mutex
	catalog *catalog.Versioned
	tools   statestore.Map[uint64, statestore.ToolMeta]
}

func NewCatalogSync(c *catalog.Catalog, tools statestore.Map[uint64, statestore.ToolMeta]) *CatalogSync {
	return &CatalogSync{catalog: catalog.NewVersioned(c), tools: tools}
}

// Catalog returns the underlying catalog for reads.
func (s *CatalogSync) Catalog() *catalog.Versioned { return s.catalog }

// Sync pushes the whole catalog into the registry.
func (s *CatalogSync) Sync() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog.Sync(s.tools)
}

// Put registers or replaces one tool and syncs.
func (s *CatalogSync) Put(spec catalog.ToolSpec, by, reason string) (catalog.ToolVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.catalog.Put(spec, by, reason)
	if err != nil {
		return v, err
	}
	_, err = s.catalog.Sync(s.tools)
	return v, err
}

// Remove deletes one tool and syncs.
func (s *CatalogSync) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.catalog.Remove(id); err != nil {
		return err
	}
	_, err := s.catalog.Sync(s.tools)
	return err
}

// Rollback restores an earlier revision of a tool and syncs.
func (s *CatalogSync) Rollback(id string, version int) (catalog.ToolVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.catalog.Rollback(id, version)
	if err != nil {
		return v, err
	}
	_, err = s.catalog.Sync(s.tools)
	return v, err
}

// Reload replaces the catalog with the contents of path. Changed tools get
// a new revision attributed to the file.
func (s *CatalogSync) Reload(path string) (int, error) {
	next, err := catalog.LoadFile(path)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, spec := range next.List() {
		if prev, ok := s.catalog.Get(spec.ID); !ok || !reflect.DeepEqual(prev, spec) {
			s.catalog.History.Push(spec, "file:"+filepath.Base(path), "reload")
		}
	}
	s.catalog.Adopt(next)
	return s.catalog.Sync(s.tools)
}

// CatalogWatcher reloads a catalog file whenever it changes on disk.
type CatalogWatcher struct {
	watcher  *fsnotify.Watcher
	sync     *CatalogSync
	path     string
	debounce time.Duration
}

// NewCatalogWatcher watches the directory containing path so atomic
// replace-by-rename saves are seen too.
func NewCatalogWatcher(s *CatalogSync, path string) (*CatalogWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	return &CatalogWatcher{watcher: w, sync: s, path: abs, debounce: 250 * time.Millisecond}, nil
}

// Run blocks until ctx is cancelled.
func (cw *CatalogWatcher) Run(ctx context.Context) error {
	defer cw.watcher.Close()

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(cw.debounce, func() {
				n, err := cw.sync.Reload(cw.path)
				if err != nil {
					slog.Warn("Tool catalog reload failed", "path", cw.path, "error", err)
					return
				}
				slog.Info("Tool catalog reloaded", "path", cw.path, "tools", n)
			})

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Catalog watcher error", "error", err)
		}
	}
}
