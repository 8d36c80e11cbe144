// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package core

import (
	"bytes"

	"github.com/goodnet/goodnet/pkg/sdk"
)

type frame struct {
	header  sdk.Header
	payload []byte
}

// frameReader reassembles frames from the byte chunks a connection
// delivers through OnData.
type frameReader struct {
	buf     bytes.Buffer
	pending *sdk.Header
}

// feed appends data and returns every frame it completes. An invalid
// header is returned as an error; the reader is then unusable.
func (r *frameReader) feed(data []byte) ([]frame, error) {
	r.buf.Write(data)
	var frames []frame
	for {
		if r.pending == nil {
			if r.buf.Len() < sdk.HeaderSize {
				return frames, nil
			}
			var h sdk.Header
			if err := h.UnmarshalBinary(r.buf.Next(sdk.HeaderSize)); err != nil {
				return frames, err
			}
			if err := h.Validate(); err != nil {
				return frames, err
			}
			r.pending = &h
		}
		if r.buf.Len() < int(r.pending.PayloadLen) {
			return frames, nil
		}
		payload := make([]byte, r.pending.PayloadLen)
		copy(payload, r.buf.Next(len(payload)))
		frames = append(frames, frame{header: *r.pending, payload: payload})
		r.pending = nil
	}
}
