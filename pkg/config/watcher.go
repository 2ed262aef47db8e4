// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounce is how long the watcher waits for writes to settle.
const debounce = 500 * time.Millisecond

// Watcher monitors a config file or directory and triggers a full reload
// with debouncing. A directory is reloaded with LoadDir; a single file with
// Load, reacting only to events on that file.
type Watcher struct {
	path     string
	onChange func(*Config, string)
	logger   *zap.Logger

	dir    string
	only   string // base name to react to, empty for any YAML file
	load   func() (*Config, error)
	fsw    *fsnotify.Watcher
	mu     sync.Mutex
	stopCh chan struct{}
}

// NewWatcher creates a config watcher for path, a YAML file or a directory.
// onChange is called with the new config and the name of the changed file.
func NewWatcher(path string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching for changes.
func (w *Watcher) Start(ctx context.Context) error {
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		w.dir = w.path
		w.load = func() (*Config, error) { return LoadDir(w.path) }
	} else {
		// Editors replace files by rename, so watch the parent directory.
		w.dir = filepath.Dir(w.path)
		w.only = filepath.Base(w.path)
		w.load = func() (*Config, error) { return Load(w.path) }
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("path", w.path))
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.fsw != nil {
		w.fsw.Close()
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if w.only != "" && name != w.only {
		return false
	}
	if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}

			changed := filepath.Base(event.Name)
			w.logger.Debug("config file changed", zap.String("file", changed))

			stopTimer()
			timer = time.AfterFunc(debounce, func() { w.reload(changed) })

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			stopTimer()
			return

		case <-w.stopCh:
			stopTimer()
			return
		}
	}
}

func (w *Watcher) reload(changedFile string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := w.load()
	if err != nil {
		w.logger.Error("config reload failed", zap.String("file", changedFile), zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("trigger", changedFile))
	w.onChange(cfg, changedFile)
}
