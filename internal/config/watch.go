// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jeranaias/chaterp/internal/logger"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// =============================================================================
// FSNOTIFY WATCHER
// =============================================================================

// Watcher reloads a config file when it changes.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config, error)
	watcher  *fsnotify.Watcher
}

// NewWatcher watches path. onChange receives the reloaded config, or the
// load error when the new file is invalid. The parent directory is
// watched so that editors replacing the file by rename are seen.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config, error)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		watcher:  fw,
	}, nil
}

// Run processes events until ctx is done, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "err", err)

		case <-timer.C:
			cfg, err := LoadFromPath(w.path)
			if err != nil {
				logger.Warn("config reload failed", "path", w.path, "err", err)
			} else {
				logger.Info("config reloaded", "path", w.path)
			}
			w.onChange(cfg, err)
		}
	}
}

// Watch reloads path on change until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config, error)) error {
	w, err := NewWatcher(path, DefaultDebounce, onChange)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
