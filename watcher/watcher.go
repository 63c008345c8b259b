// Package watcher implements the recursive directory watcher (C3).
//
// Native filesystem notification APIs (fsnotify included) only ever watch
// one directory at a time and never recurse, and a notification handle
// opened on a just-created directory can legitimately fail because the
// directory hasn't finished being created from the kernel's point of view.
// This package works around both limitations with a tree of per-directory
// watch nodes, each owning its own fsnotify.Watcher, mirroring the
// directory tree and growing/shrinking as subdirectories come and go.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/foldersync/foldersync/internal/logging"
)

var log = logging.Module("watcher")

// enableRetryDelay is the pause before a single retry of a fileNotFound
// failure when enabling a watch on a directory, per spec §4.3 step 2.
const enableRetryDelay = 750 * time.Millisecond

// Handler is invoked once per observed modification of a regular file.
type Handler func(path string)

// Watcher recursively watches root, including subtrees created after
// construction, and calls Handler for every file-level modification
// beneath it.
type Watcher struct {
	root *node
}

// New constructs a Watcher rooted at dir and starts watching immediately.
func New(ctx context.Context, dir string, handler Handler) (*Watcher, error) {
	n, err := newNode(ctx, dir, handler)
	if err != nil {
		return nil, errors.Wrapf(err, "watch %v", dir)
	}

	return &Watcher{root: n}, nil
}

// Close tears the watcher down, disposing children before their parents.
func (w *Watcher) Close() {
	w.root.dispose()
}

// node is one watch node per directory under the watched root.
type node struct {
	dir     string
	handler Handler
	fsw     *fsnotify.Watcher

	mu       sync.Mutex
	children map[string]*node
	disposed bool
}

// newNode opens a native watch on dir, then recursively constructs nodes
// for every existing subdirectory, per spec §4.3 steps 1-3.
func newNode(ctx context.Context, dir string, handler Handler) (*node, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create native watcher")
	}

	if err := addWithRetry(fsw, dir); err != nil {
		fsw.Close() //nolint:errcheck
		return nil, err
	}

	n := &node{dir: dir, handler: handler, fsw: fsw, children: map[string]*node{}}

	go n.loop(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		// Directory vanished or became unreadable right after we started
		// watching it; the watch itself is still valid and will observe
		// whatever comes next, so this isn't fatal to the node.
		log(ctx).Warnf("unable to enumerate existing entries of %v: %v", dir, err)
		return n, nil
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		childDir := filepath.Join(dir, e.Name())

		child, err := newNode(ctx, childDir, handler)
		if err != nil {
			log(ctx).Warnf("abandoning watch on %v: %v", childDir, err)
			continue
		}

		n.children[childDir] = child
	}

	return n, nil
}

// addWithRetry enables the native watch, retrying once after
// enableRetryDelay if the directory doesn't exist yet (spec §4.3 step 2),
// then abandoning (returning an error the caller logs, never raises).
func addWithRetry(fsw *fsnotify.Watcher, dir string) error {
	err := fsw.Add(dir)
	if err == nil {
		return nil
	}

	if !os.IsNotExist(err) {
		return errors.Wrapf(err, "enable watch on %v", dir)
	}

	time.Sleep(enableRetryDelay)

	if err := fsw.Add(dir); err != nil {
		return errors.Wrapf(err, "enable watch on %v after retry", dir)
	}

	return nil
}

func (n *node) loop(ctx context.Context) {
	for {
		select {
		case ev, ok := <-n.fsw.Events:
			if !ok {
				return
			}

			n.handleEvent(ctx, ev)
		case err, ok := <-n.fsw.Errors:
			if !ok {
				return
			}

			log(ctx).Warnf("watch error on %v: %v", n.dir, err)
		}
	}
}

// handleEvent dispatches a single native event at this node, per the table
// in spec §4.3. All handlers are guarded by the node's mutex; panics are
// caught and logged, never propagated, matching every other component's
// "no exception crosses a component boundary" rule from spec §7.
func (n *node) handleEvent(ctx context.Context, ev fsnotify.Event) {
	defer func() {
		if r := recover(); r != nil {
			log(ctx).Errorf("recovered from panic handling %v: %v", ev, r)
		}
	}()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.disposed {
		return
	}

	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if child, ok := n.children[ev.Name]; ok {
			delete(n.children, ev.Name)
			child.dispose()
		}

		return
	}

	fi, err := os.Stat(ev.Name)
	if err != nil {
		// Vanished between the event firing and our stat; nothing reliable
		// to report either as a new directory or a file modification.
		return
	}

	if fi.IsDir() {
		if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
			return
		}

		if _, exists := n.children[ev.Name]; exists {
			return
		}

		child, err := newNode(ctx, ev.Name, n.handler)
		if err != nil {
			log(ctx).Warnf("abandoning watch on new directory %v: %v", ev.Name, err)
			return
		}

		n.children[ev.Name] = child

		return
	}

	if ev.Op == fsnotify.Chmod {
		return
	}

	n.handler(ev.Name)
}

// dispose tears this node down, disposing children before itself.
func (n *node) dispose() {
	n.mu.Lock()

	if n.disposed {
		n.mu.Unlock()
		return
	}

	n.disposed = true
	children := n.children
	n.children = nil

	n.mu.Unlock()

	for _, c := range children {
		c.dispose()
	}

	n.fsw.Close() //nolint:errcheck
}
