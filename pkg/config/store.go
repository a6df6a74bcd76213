package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Store holds the current workflow. Readers get an immutable snapshot; a
// reload swaps the whole workflow at once.
type Store struct {
	path    string
	current atomic.Pointer[Workflow]

	mu        sync.Mutex
	listeners []func(*Workflow)
}

// NewStore loads the workflow at path.
func NewStore(path string) (*Store, error) {
	w, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(w)
	return s, nil
}

// NewStaticStore returns a store over an in-memory workflow. Reload and Watch
// are no-ops.
func NewStaticStore(w *Workflow) *Store {
	s := &Store{}
	s.current.Store(w)
	return s
}

// Path returns the workflow file, empty for a static store.
func (s *Store) Path() string {
	return s.path
}

// Current returns the workflow in effect. Callers must not modify it.
func (s *Store) Current() *Workflow {
	return s.current.Load()
}

// OnReload registers fn to run after every successful reload.
func (s *Store) OnReload(fn func(*Workflow)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload re-reads the workflow file. An invalid file leaves the current
// workflow in place.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	w, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(w)

	s.mu.Lock()
	listeners := append([]func(*Workflow){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(w)
	}
	getLogger().Info("reloaded workflow %s", s.path)
	return nil
}

// Watch reloads the workflow whenever its file is written, until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are handled.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.path, err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				getLogger().Warn("keeping previous workflow: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				_ = s.Reload()
				continue
			}
			getLogger().Warn("workflow watcher: %v", err)
		}
	}
}
