// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	"github.com/goodnet/goodnet/pkg/errutil"
	"github.com/goodnet/goodnet/pkg/sdk"
)

// Subdirectories of the base directory.
const (
	HandlersDir   = "handlers"
	ConnectorsDir = "connectors"
)

const manifestExt = ".yaml"

// LoadResult counts the outcome of LoadAll.
type LoadResult struct {
	HandlersLoaded   int
	HandlersFailed   int
	ConnectorsLoaded int
	ConnectorsFailed int
}

// Loaded returns the total number of modules loaded.
func (r LoadResult) Loaded() int { return r.HandlersLoaded + r.ConnectorsLoaded }

// Failed returns the total number of modules that failed.
func (r LoadResult) Failed() int { return r.HandlersFailed + r.ConnectorsFailed }

// Load loads and registers the module at path. path is a native library, a
// process executable or a manifest. The role comes from the manifest when
// there is one, else from a "handlers" or "connectors" path segment, else
// the module is tried as a handler and then as a connector.
func (m *Manager) Load(ctx context.Context, path string) error {
	_, err := m.load(ctx, path)
	return err
}

func (m *Manager) load(ctx context.Context, path string) (sdk.PluginType, error) {
	m.mu.Lock()
	m.seen[path] = true
	m.mu.Unlock()

	spec, err := m.resolve(path)
	if err != nil {
		return classify(path), err
	}

	role := classify(path)
	if spec.Manifest != nil {
		role = spec.Manifest.Role.PluginType()
	}

	switch role {
	case sdk.PluginTypeHandler:
		return role, m.loadHandler(ctx, spec)
	case sdk.PluginTypeConnector:
		return role, m.loadConnector(ctx, spec)
	}

	handlerErr := m.loadHandler(ctx, spec)
	if handlerErr == nil {
		return sdk.PluginTypeHandler, nil
	}
	if errutil.Code(handlerErr) == CodeDuplicateHandler {
		return sdk.PluginTypeHandler, handlerErr
	}
	connectorErr := m.loadConnector(ctx, spec)
	if connectorErr == nil {
		return sdk.PluginTypeConnector, nil
	}
	return sdk.PluginTypeUnknown, oops.With("path", path).Wrap(errors.Join(handlerErr, connectorErr))
}

// resolve turns a path into a ModuleSpec, reading the manifest given or the
// sidecar manifest next to a library.
func (m *Manager) resolve(path string) (ModuleSpec, error) {
	manifestPath := ""
	switch {
	case strings.EqualFold(filepath.Ext(path), manifestExt):
		manifestPath = path
	default:
		sidecar := strings.TrimSuffix(path, filepath.Ext(path)) + manifestExt
		if _, err := os.Stat(sidecar); err == nil {
			manifestPath = sidecar
		}
	}

	if manifestPath == "" {
		return ModuleSpec{Name: moduleStem(path), Path: path, Runtime: RuntimeNative, Origin: path}, nil
	}

	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return ModuleSpec{}, err
	}
	if err := m.checkHost(manifest); err != nil {
		return ModuleSpec{}, oops.With("path", manifestPath).Wrap(err)
	}
	return ModuleSpec{
		Name:     manifest.Name,
		Path:     manifest.EntryPath(filepath.Dir(manifestPath)),
		Runtime:  manifest.Runtime,
		Manifest: manifest,
		Origin:   path,
	}, nil
}

func (m *Manager) checkHost(manifest *Manifest) error {
	if m.hostVersion == "" {
		return nil
	}
	if _, err := semver.NewVersion(m.hostVersion); err != nil {
		return nil
	}
	return manifest.CheckHost(m.hostVersion)
}

// classify reads the role from the innermost "handlers" or "connectors"
// path segment.
func classify(path string) sdk.PluginType {
	segments := strings.Split(filepath.ToSlash(filepath.Clean(path)), "/")
	for i := len(segments) - 2; i >= 0; i-- {
		switch segments[i] {
		case HandlersDir:
			return sdk.PluginTypeHandler
		case ConnectorsDir:
			return sdk.PluginTypeConnector
		}
	}
	return sdk.PluginTypeUnknown
}

// LoadByName loads the module called name from handlers/, connectors/ or
// the base directory, trying library extensions before manifests.
func (m *Manager) LoadByName(ctx context.Context, name string) error {
	exts := make([]string, 0, len(libraryExts)+1)
	for ext := range libraryExts {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	exts = append(exts, manifestExt)

	for _, dir := range []string{HandlersDir, ConnectorsDir, ""} {
		for _, ext := range exts {
			candidate := filepath.Join(m.baseDir, dir, name+ext)
			if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
				return m.Load(ctx, candidate)
			}
		}
	}
	return oops.Code(CodeNotFound).
		With("module", name).
		With("base_dir", m.baseDir).
		Errorf("no module named %q", name)
}

// Scan lists the loadable native libraries in dir, sorted by path. Files
// that fail ValidateFile are skipped.
func (m *Manager) Scan(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, oops.Code("SCAN_FAILED").With("dir", dir).Wrap(err)
	}

	var paths []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !IsLibrary(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := ValidateFile(path); err != nil {
			slog.Debug("skipping module file", "path", path, "error", err)
			continue
		}
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths, nil
}

// ScanManifests lists the manifests in dir, sorted by path.
func (m *Manager) ScanManifests(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+manifestExt))
	if err != nil {
		return nil, oops.Code("SCAN_FAILED").With("dir", dir).Wrap(err)
	}
	slices.Sort(matches)
	return matches, nil
}

// LoadAll loads every module under handlers/ and connectors/, creating the
// directories when missing. A failing module is logged and counted; it
// never stops the others.
func (m *Manager) LoadAll(ctx context.Context) (LoadResult, error) {
	var result LoadResult
	if m.baseDir == "" {
		return result, oops.Code("NO_BASE_DIR").Errorf("plugin base directory is not set")
	}

	for _, sub := range []string{HandlersDir, ConnectorsDir} {
		dir := filepath.Join(m.baseDir, sub)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return result, oops.Code("SCAN_FAILED").With("dir", dir).Wrap(err)
		}

		paths, err := m.discover(dir)
		if err != nil {
			return result, err
		}
		for _, path := range paths {
			if err := ctx.Err(); err != nil {
				return result, oops.Wrap(err)
			}
			role, err := m.load(ctx, path)
			if role == sdk.PluginTypeUnknown {
				role = classify(path)
			}
			result.count(role, err == nil)
			if err != nil {
				errutil.LogWarn(slog.Default(), "failed to load module", err)
			}
		}
	}

	slog.Info("modules loaded",
		"handlers", result.HandlersLoaded,
		"connectors", result.ConnectorsLoaded,
		"failed", result.Failed())
	return result, nil
}

// discover merges libraries and manifests of dir. A manifest sharing its
// stem with a library is that library's sidecar and is not listed.
func (m *Manager) discover(dir string) ([]string, error) {
	libs, err := m.Scan(dir)
	if err != nil {
		return nil, err
	}
	manifests, err := m.ScanManifests(dir)
	if err != nil {
		return nil, err
	}

	stems := make(map[string]bool, len(libs))
	for _, lib := range libs {
		stems[moduleStem(lib)] = true
	}
	paths := libs
	for _, manifest := range manifests {
		if !stems[moduleStem(manifest)] {
			paths = append(paths, manifest)
		}
	}
	slices.Sort(paths)
	return paths, nil
}

func (r *LoadResult) count(role sdk.PluginType, ok bool) {
	switch {
	case role == sdk.PluginTypeConnector && ok:
		r.ConnectorsLoaded++
	case role == sdk.PluginTypeConnector:
		r.ConnectorsFailed++
	case ok:
		r.HandlersLoaded++
	default:
		r.HandlersFailed++
	}
}
