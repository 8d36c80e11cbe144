// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package errutil

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs err at error level. For oops errors the code and context
// are logged as separate attributes.
func LogError(logger *slog.Logger, msg string, err error) {
	Log(logger, slog.LevelError, msg, err)
}

// LogWarn is LogError at warning level, for failures the caller recovers
// from.
func LogWarn(logger *slog.Logger, msg string, err error) {
	Log(logger, slog.LevelWarn, msg, err)
}

// Log logs err at level.
func Log(logger *slog.Logger, level slog.Level, msg string, err error) {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		logger.Log(context.Background(), level, msg, "error", err)
		return
	}
	attrs := []any{"error", oopsErr.Error()}
	if code := oopsErr.Code(); code != nil {
		attrs = append(attrs, "code", code)
	}
	if ctx := oopsErr.Context(); len(ctx) > 0 {
		attrs = append(attrs, "context", ctx)
	}
	logger.Log(context.Background(), level, msg, attrs...)
}

// Code returns the oops code of err, or "" when it has none.
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string)
	return code
}
