// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package core

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewID generates a new ULID.
func NewID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// ParseID parses a ULID string.
func ParseID(s string) (ulid.ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, oops.Code("INVALID_ID").With("id", s).Wrap(err)
	}
	return id, nil
}

// packetIDSeed derives the first packet id from an instance id, so packet
// ids of different runs do not collide.
func packetIDSeed(id ulid.ULID) uint64 {
	return binary.BigEndian.Uint64(id[8:])
}
