// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package main is a native handler module that stores every payload it
// receives as msg_<ulid>.bin.
//
// Build with:
//
//	go build -buildmode=plugin -o msglog.so ./plugins/handlers/msglog
//
// The output directory comes from GOODNET_MSGLOG_DIR (default "messages").
package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/goodnet/goodnet/pkg/sdk"
)

// DirEnv names the environment variable holding the output directory.
const DirEnv = "GOODNET_MSGLOG_DIR"

const defaultDir = "messages"

// HandlerInit is the entry point the host looks up.
var HandlerInit = sdk.HandlerEntry(func(*sdk.HostAPI) (sdk.MessageHandler, error) {
	dir := os.Getenv(DirEnv)
	if dir == "" {
		dir = defaultDir
	}
	return newMsgLogger(dir)
})

type msgLogger struct {
	dir     string
	written atomic.Int64
	failed  atomic.Int64
}

func newMsgLogger(dir string) (*msgLogger, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, oops.Code("MSGLOG_DIR_FAILED").With("dir", dir).Wrap(err)
	}
	return &msgLogger{dir: dir}, nil
}

func (m *msgLogger) HandleMessage(header *sdk.Header, endpoint *sdk.Endpoint, payload []byte) {
	path := filepath.Join(m.dir, "msg_"+ulid.Make().String()+".bin")
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		m.failed.Add(1)
		slog.Warn("msglog: write failed", "path", path, "error", err)
		return
	}
	m.written.Add(1)
	slog.Debug("msglog: stored payload",
		"path", path,
		"packet_id", header.PacketID,
		"type", header.PayloadType,
		"from", endpoint.Address)
}

func (m *msgLogger) Shutdown() {
	slog.Info("msglog: shutting down",
		"dir", m.dir,
		"written", m.written.Load(),
		"failed", m.failed.Load())
}

func main() {}
