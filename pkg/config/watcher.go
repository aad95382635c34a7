// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits after the last change before
// reloading. Editors often write a file in several steps.
const DefaultDebounce = 500 * time.Millisecond

// dirFiles are the files LoadDir merges; nothing else in the directory
// triggers a reload.
var dirFiles = map[string]bool{"base.yaml": true, "tracing.yaml": true, "sink.yaml": true}

// Watcher follows a LoadDir directory and hands each new, valid, merged
// config to onChange. Changes that fail validation or that merge to the
// config already applied are dropped, so the tracer keeps its settings.
type Watcher struct {
	dir      string
	onChange func(*Config, string)
	logger   *zap.Logger
	clock    clockz.Clock
	debounce time.Duration

	fsw      *fsnotify.Watcher
	applied  *Config // owned by the loop goroutine after Start
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewWatcher creates a watcher for dir. onChange receives the merged config
// and a comma-separated list of the files that changed.
func NewWatcher(dir string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		logger:   logger,
		clock:    clockz.RealClock,
		debounce: DefaultDebounce,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetDebounce overrides DefaultDebounce. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// WithClock replaces the debounce clock. Call before Start.
func (w *Watcher) WithClock(c clockz.Clock) *Watcher {
	w.clock = c
	return w
}

// Start snapshots the current directory contents and begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.fsw = fsw

	// A directory that does not load yet is fine; the first valid change
	// is applied.
	if cfg, err := LoadDir(w.dir); err == nil {
		w.applied = cfg
	}

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop shuts the watcher down and waits for its goroutine. It is safe to
// call more than once and before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw == nil {
			return
		}
		w.fsw.Close()
		<-w.done
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	pending := make(map[string]bool)
	var timer clockz.Timer
	var fire <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			// Rename covers editors that write a temp file and move it in.
			if !dirFiles[name] || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			pending[name] = true
			if timer == nil {
				timer = w.clock.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C()

		case <-fire:
			fire = nil
			w.reload(pending)
			pending = make(map[string]bool)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			stopTimer(timer)
			return

		case <-w.stopCh:
			stopTimer(timer)
			return
		}
	}
}

func stopTimer(t clockz.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (w *Watcher) reload(pending map[string]bool) {
	names := make([]string, 0, len(pending))
	for n := range pending {
		names = append(names, n)
	}
	sort.Strings(names)
	trigger := strings.Join(names, ",")

	cfg, err := LoadDir(w.dir)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config",
			zap.String("files", trigger),
			zap.Error(err),
		)
		return
	}
	if w.applied != nil && reflect.DeepEqual(cfg, w.applied) {
		w.logger.Debug("config unchanged after edit", zap.String("files", trigger))
		return
	}

	w.applied = cfg
	w.logger.Info("config reloaded", zap.String("files", trigger))
	w.onChange(cfg, trigger)
}
