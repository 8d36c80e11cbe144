// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package plugin

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"

	"github.com/goodnet/goodnet/pkg/errutil"
)

const defaultDebounce = 500 * time.Millisecond

// WithScanInterval makes Watch rescan the module directories every d, in
// addition to reacting to file events. Zero disables the rescan.
func WithScanInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.rescan = d
	}
}

// WithDebounce sets how long Watch waits after the last event on a file
// before acting on it.
func WithDebounce(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// Watch loads modules that appear under handlers/ and connectors/ and
// unloads modules whose file is removed. It blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	if m.baseDir == "" {
		return oops.Code("NO_BASE_DIR").Errorf("plugin base directory is not set")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return oops.Code("WATCH_FAILED").Wrap(err)
	}
	defer func() { _ = watcher.Close() }()

	for _, sub := range []string{HandlersDir, ConnectorsDir} {
		dir := filepath.Join(m.baseDir, sub)
		if err := watcher.Add(dir); err != nil {
			return oops.Code("WATCH_FAILED").With("dir", dir).Wrap(err)
		}
	}
	slog.Info("watching module directories", "base_dir", m.baseDir, "rescan", m.rescan)

	var tick <-chan time.Time
	if m.rescan > 0 {
		ticker := time.NewTicker(m.rescan)
		defer ticker.Stop()
		tick = ticker.C
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
		wg      sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			if t.Stop() {
				wg.Done()
			}
		}
		mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-tick:
			m.rescanDirs(ctx)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watchable(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			mu.Lock()
			if t, exists := pending[event.Name]; exists && t.Stop() {
				wg.Done()
			}
			wg.Add(1)
			pending[event.Name] = time.AfterFunc(m.debounce, func() {
				defer wg.Done()
				mu.Lock()
				delete(pending, event.Name)
				mu.Unlock()
				m.handleFileEvent(ctx, event)
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("module watcher error", "error", err)
		}
	}
}

func watchable(path string) bool {
	return IsLibrary(path) || strings.EqualFold(filepath.Ext(path), manifestExt)
}

func (m *Manager) handleFileEvent(ctx context.Context, event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		m.unloadOrigin(event.Name)
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		if m.originLoaded(event.Name) {
			return
		}
		if IsLibrary(event.Name) {
			if err := ValidateFile(event.Name); err != nil {
				slog.Debug("ignoring module file", "path", event.Name, "error", err)
				return
			}
		}
		slog.Info("new module detected", "path", event.Name)
		if err := m.Load(ctx, event.Name); err != nil {
			errutil.LogWarn(slog.Default(), "failed to load new module", err)
		}
	}
}

// rescanDirs loads files that were never attempted before.
func (m *Manager) rescanDirs(ctx context.Context) {
	for _, sub := range []string{HandlersDir, ConnectorsDir} {
		paths, err := m.discover(filepath.Join(m.baseDir, sub))
		if err != nil {
			errutil.LogWarn(slog.Default(), "module rescan failed", err)
			continue
		}
		for _, path := range paths {
			m.mu.RLock()
			seen := m.seen[path]
			m.mu.RUnlock()
			if seen {
				continue
			}
			if err := m.Load(ctx, path); err != nil {
				errutil.LogWarn(slog.Default(), "failed to load module", err)
			}
		}
	}
}

func (m *Manager) originLoaded(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.handlers {
		if h.origin == path {
			return true
		}
	}
	for _, c := range m.connectors {
		if c.origin == path {
			return true
		}
	}
	return false
}

// unloadOrigin unloads the module discovered through path, if any.
func (m *Manager) unloadOrigin(path string) {
	m.mu.Lock()
	delete(m.seen, path)
	var handler, scheme string
	for _, h := range m.handlers {
		if h.origin == path {
			handler = h.Name()
		}
	}
	for _, c := range m.connectors {
		if c.origin == path {
			scheme = c.Scheme()
		}
	}
	m.mu.Unlock()

	if handler != "" {
		slog.Info("module file removed", "path", path, "module", handler)
		_ = m.UnloadHandler(handler)
	}
	if scheme != "" {
		slog.Info("module file removed", "path", path, "scheme", scheme)
		_ = m.UnloadConnector(scheme)
	}
}
