// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package main exports the TCP connector as a native module.
//
// Build with:
//
//	go build -buildmode=plugin -o tcp.so ./plugins/connectors/tcp
//
// Load it with core.builtin_tcp set to false; both register the "tcp"
// scheme and the second registration is refused.
package main

import (
	"github.com/goodnet/goodnet/internal/connector/tcp"
)

// ConnectorInit is the entry point the host looks up.
var ConnectorInit = tcp.Entry

func main() {}
