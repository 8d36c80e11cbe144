// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package plugin

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/samber/oops"
)

// Size bounds for module files. Anything outside them is not a plausible
// module.
const (
	MinModuleSize = 1 << 10
	MaxModuleSize = 100 << 20
)

var libraryExts = map[string]bool{
	".so":    true,
	".dll":   true,
	".dylib": true,
}

// IsLibrary reports whether path has a native library extension.
func IsLibrary(path string) bool {
	return libraryExts[strings.ToLower(filepath.Ext(path))]
}

// ValidateFile checks that path is a regular file of plausible size and,
// outside Windows, executable by its owner.
func ValidateFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return oops.Code(CodeInvalidFile).With("path", path).Wrap(err)
	}
	if !info.Mode().IsRegular() {
		return oops.Code(CodeInvalidFile).With("path", path).Errorf("not a regular file")
	}
	if size := info.Size(); size < MinModuleSize || size > MaxModuleSize {
		return oops.Code(CodeInvalidFile).
			With("path", path).
			With("size", size).
			Errorf("file size %d outside [%d, %d]", size, MinModuleSize, MaxModuleSize)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o100 == 0 {
		return oops.Code(CodeInvalidFile).
			With("path", path).
			Hint("chmod u+x the module file").
			Errorf("file is not executable")
	}
	return nil
}

// moduleStem returns the file name of path without its extension.
func moduleStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
