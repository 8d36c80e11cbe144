// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package errutil_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodnet/goodnet/pkg/errutil"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogError_WithOopsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := oops.Code("MODULE_OPEN_FAILED").
		With("path", "/modules/handlers/a.so").
		Errorf("open failed")

	errutil.LogError(logger, "load failed", err)

	entry := decode(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "load failed", entry["msg"])
	assert.Equal(t, "MODULE_OPEN_FAILED", entry["code"])
	assert.Contains(t, entry["context"], "path")
}

func TestLogError_WithStandardError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogError(logger, "operation failed", errors.New("standard error"))

	entry := decode(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Contains(t, entry["error"], "standard error")
}

func TestLogWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogWarn(logger, "skipped module", oops.Code("MODULE_INVALID_FILE").Errorf("too small"))

	entry := decode(t, &buf)
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "MODULE_INVALID_FILE", entry["code"])
}

func TestCode(t *testing.T) {
	assert.Equal(t, "X", errutil.Code(oops.Code("X").Errorf("boom")))
	assert.Equal(t, "X", errutil.Code(oops.With("k", "v").Wrap(oops.Code("X").Errorf("boom"))))
	assert.Empty(t, errutil.Code(errors.New("plain")))
	assert.Empty(t, errutil.Code(nil))
}
