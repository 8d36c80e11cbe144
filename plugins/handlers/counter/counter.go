// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package counter ships the Lua counter handler. Copy counter.lua and
// counter.yaml into the handlers/ directory to load it.
package counter

import "embed"

// Files holds the script and its manifest.
//
//go:embed counter.lua counter.yaml
var Files embed.FS
