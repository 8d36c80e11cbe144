// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package bus

import "github.com/goodnet/goodnet/pkg/sdk"

// PacketEvent is a decoded packet. Payload belongs to the producer;
// subscribers must copy it to keep it past their callback.
type PacketEvent struct {
	Header   *sdk.Header
	Endpoint *sdk.Endpoint
	Payload  []byte
}

// StateEvent is a connection state transition.
type StateEvent struct {
	URI   string
	State sdk.ConnState
}

// Names of the two host signals.
const (
	PacketBus = "packets"
	StateBus  = "states"
)
