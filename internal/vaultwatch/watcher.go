// Package vaultwatch bridges filesystem notifications into document lifecycle
// calls. It watches the vault root recursively and translates raw fsnotify
// events into rename, delete, and external-modification signals, pairing a
// rename's disappearance with the reappearance under the new name.
package vaultwatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultRenamePairWindow = 200 * time.Millisecond

type Logger interface {
	Printf(format string, args ...any)
}

// Events is the document-lifecycle surface the watcher drives. Paths are
// vault-relative, slash-separated.
type Events interface {
	HandleRename(oldPath, newPath string)
	HandleDelete(path string)
	HandleExternalModification(path string)
}

type Options struct {
	Root   string
	Events Events
	Logger Logger

	// RenamePairWindow bounds how long a vanished file may wait for its
	// reappearance under a new name before it is treated as deleted.
	RenamePairWindow time.Duration

	// IgnoreDirs lists directory names (not paths) skipped entirely, such as
	// the record storage root living inside the vault.
	IgnoreDirs []string
}

type Watcher struct {
	root    string
	events  Events
	logger  Logger
	window  time.Duration
	ignored map[string]struct{}
	fsw     *fsnotify.Watcher

	mu           sync.Mutex
	pendingOld   string
	pendingTimer *time.Timer
	closed       bool
}

func New(opts Options) (*Watcher, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("vault root is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("events sink is required")
	}
	window := opts.RenamePairWindow
	if window <= 0 {
		window = defaultRenamePairWindow
	}
	ignored := map[string]struct{}{}
	for _, name := range opts.IgnoreDirs {
		name = strings.TrimSpace(name)
		if name != "" {
			ignored[name] = struct{}{}
		}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    filepath.Clean(root),
		events:  opts.Events,
		logger:  opts.Logger,
		window:  window,
		ignored: ignored,
		fsw:     fsw,
	}
	if err := w.watchTree(w.root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run drains filesystem events until the context is cancelled or the watcher
// is closed. fsnotify does not watch recursively, so directories created while
// running are added to the watch set as they appear.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logf("vaultwatch: %v", err)
		}
	}
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
		w.pendingTimer = nil
	}
	w.pendingOld = ""
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, ok := w.relPath(event.Name)
	if !ok {
		return
	}
	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchTree(event.Name); err != nil {
				w.logf("vaultwatch: watch %s: %v", rel, err)
			}
			return
		}
		if old, paired := w.takePendingRename(); paired {
			w.events.HandleRename(old, rel)
			return
		}
	case event.Has(fsnotify.Rename):
		w.armPendingRename(rel)
	case event.Has(fsnotify.Remove):
		w.flushPendingRename()
		w.events.HandleDelete(rel)
	case event.Has(fsnotify.Write), event.Has(fsnotify.Chmod):
		w.events.HandleExternalModification(rel)
	}
}

// armPendingRename remembers the vanished path and starts the pairing clock.
// A second rename before the first resolves demotes the first to a delete.
func (w *Watcher) armPendingRename(oldPath string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	previous := w.pendingOld
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.pendingOld = oldPath
	w.pendingTimer = time.AfterFunc(w.window, func() {
		w.mu.Lock()
		expired := w.pendingOld
		w.pendingOld = ""
		w.pendingTimer = nil
		closed := w.closed
		w.mu.Unlock()
		if expired != "" && !closed {
			w.events.HandleDelete(expired)
		}
	})
	w.mu.Unlock()
	if previous != "" {
		w.events.HandleDelete(previous)
	}
}

func (w *Watcher) takePendingRename() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pendingOld == "" {
		return "", false
	}
	old := w.pendingOld
	w.pendingOld = ""
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
		w.pendingTimer = nil
	}
	return old, true
}

func (w *Watcher) flushPendingRename() {
	if old, ok := w.takePendingRename(); ok {
		w.events.HandleDelete(old)
	}
}

func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if _, skip := w.ignored[entry.Name()]; skip && path != dir {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) relPath(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	for _, segment := range strings.Split(rel, "/") {
		if _, skip := w.ignored[segment]; skip {
			return "", false
		}
	}
	return rel, true
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}
