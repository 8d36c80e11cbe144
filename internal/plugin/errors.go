// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package plugin

import "github.com/samber/oops"

// Error codes attached to plugin errors.
const (
	CodeInvalidFile       = "MODULE_INVALID_FILE"
	CodeOpenFailed        = "MODULE_OPEN_FAILED"
	CodeSymbolMissing     = "MODULE_SYMBOL_MISSING"
	CodeInitPanic         = "MODULE_INIT_PANIC"
	CodeInitFailed        = "MODULE_INIT_FAILED"
	CodeVersionMismatch   = "MODULE_VERSION_MISMATCH"
	CodeInvalidDescriptor = "MODULE_INVALID_DESCRIPTOR"
	CodeInvalidManifest   = "MODULE_INVALID_MANIFEST"
	CodeNoSource          = "MODULE_NO_SOURCE"
	CodeCallbackPanic     = "MODULE_CALLBACK_PANIC"
	CodeDuplicateHandler  = "DUPLICATE_HANDLER"
	CodeDuplicateScheme   = "DUPLICATE_SCHEME"
	CodeNotFound          = "MODULE_NOT_FOUND"
	CodeInvalidPattern    = "INVALID_PATTERN"
)

// protect runs fn and converts a panic into an error carrying the module
// name and the operation.
func protect(module, operation string, fn func()) error {
	return protectAs(CodeCallbackPanic, module, operation, fn)
}

func protectAs(code, module, operation string, fn func()) error {
	return oops.Code(code).
		With("module", module).
		With("operation", operation).
		Recoverf(fn, "module panicked in %s", operation)
}
