package executor

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// maxWatchedDirs bounds the number of inotify watches a single task can hold
const maxWatchedDirs = 4096

var skippedDirs = map[string]bool{
	".git":                true,
	"node_modules":        true,
	".taskpool-worktrees": true,
}

// ChangeTracker records files created, written, removed or renamed below a
// root directory while a task runs. Tasks sharing a directory see each
// other's changes; isolated workspaces avoid that.
type ChangeTracker struct {
	root    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	changed map[string]struct{}
	watched int

	done chan struct{}
}

// NewChangeTracker starts watching root and all of its subdirectories
func NewChangeTracker(root string) (*ChangeTracker, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ct := &ChangeTracker{
		root:    root,
		watcher: watcher,
		changed: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	if err := ct.addTree(root); err != nil {
		watcher.Close()
		return nil, err
	}

	go ct.loop()
	return ct, nil
}

func (ct *ChangeTracker) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip unreadable entries
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skippedDirs[d.Name()] {
			return filepath.SkipDir
		}

		ct.mu.Lock()
		full := ct.watched >= maxWatchedDirs
		if !full {
			ct.watched++
		}
		ct.mu.Unlock()
		if full {
			return filepath.SkipAll
		}
		return ct.watcher.Add(path)
	})
}

func (ct *ChangeTracker) loop() {
	defer close(ct.done)
	for {
		select {
		case event, ok := <-ct.watcher.Events:
			if !ok {
				return
			}
			ct.handleEvent(event)
		case _, ok := <-ct.watcher.Errors:
			if !ok {
				return
			}
			// Overflow and similar errors only make the list incomplete
		}
	}
}

func (ct *ChangeTracker) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	rel, err := filepath.Rel(ct.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if skippedDirs[part] {
			return
		}
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// New directories are watched too; their contents count as changes
			// once written
			ct.addTree(event.Name)
			return
		}
	}

	ct.mu.Lock()
	ct.changed[filepath.ToSlash(rel)] = struct{}{}
	ct.mu.Unlock()
}

// Changed returns the sorted relative paths seen so far
func (ct *ChangeTracker) Changed() []string {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	files := make([]string, 0, len(ct.changed))
	for f := range ct.changed {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Close stops watching and waits for the event loop to exit
func (ct *ChangeTracker) Close() error {
	err := ct.watcher.Close()
	<-ct.done
	return err
}
