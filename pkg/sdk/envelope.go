// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package sdk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// HeaderSize is the encoded size of a Header.
const HeaderSize = 32

// MaxPayloadSize bounds the payload that may follow a header.
const MaxPayloadSize = 1 << 20

// Envelope errors.
var (
	ErrShortHeader     = errors.New("short packet header")
	ErrBadMagic        = errors.New("bad packet magic")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrLengthMismatch  = errors.New("payload length does not match header")
)

// NewHeader returns a header stamped with Magic and the current time.
func NewHeader(packetID uint64, msgType uint32, payloadLen int) Header {
	return Header{
		Magic:       Magic,
		PacketID:    packetID,
		Timestamp:   uint64(time.Now().UnixMilli()), //nolint:gosec // epoch millis are positive
		PayloadType: msgType,
		Status:      StatusOK,
		PayloadLen:  uint32(payloadLen), //nolint:gosec // bounded by MaxPayloadSize in Validate
	}
}

// Validate checks the magic constant and the payload bound.
func (h *Header) Validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if h.PayloadLen > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.PayloadLen)
	}
	return nil
}

// MarshalBinary encodes the header as 32 little-endian bytes.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	h.put(b)
	return b, nil
}

func (h Header) put(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], h.Magic)
	le.PutUint64(b[4:12], h.PacketID)
	le.PutUint64(b[12:20], h.Timestamp)
	le.PutUint32(b[20:24], h.PayloadType)
	le.PutUint16(b[24:26], h.Status)
	le.PutUint16(b[26:28], h.Reserved)
	le.PutUint32(b[28:32], h.PayloadLen)
}

// UnmarshalBinary decodes a header. It does not validate it.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return ErrShortHeader
	}
	le := binary.LittleEndian
	h.Magic = le.Uint32(b[0:4])
	h.PacketID = le.Uint64(b[4:12])
	h.Timestamp = le.Uint64(b[12:20])
	h.PayloadType = le.Uint32(b[20:24])
	h.Status = le.Uint16(b[24:26])
	h.Reserved = le.Uint16(b[26:28])
	h.PayloadLen = le.Uint32(b[28:32])
	return nil
}

// ReadHeader reads and validates one header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	var h Header
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return h, ErrShortHeader
		}
		return h, err
	}
	if err := h.UnmarshalBinary(buf[:]); err != nil {
		return h, err
	}
	return h, h.Validate()
}

// ReadFrame reads a header and its payload. The payload is a freshly
// allocated slice owned by the caller.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return h, nil, err
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, fmt.Errorf("read payload: %w", err)
	}
	return h, payload, nil
}

// WriteFrame writes h followed by payload as one buffer. PayloadLen must
// equal len(payload).
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	buf, err := EncodeFrame(h, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// EncodeFrame returns h and payload as one byte slice.
func EncodeFrame(h Header, payload []byte) ([]byte, error) {
	if int(h.PayloadLen) != len(payload) {
		return nil, fmt.Errorf("%w: header %d, payload %d", ErrLengthMismatch, h.PayloadLen, len(payload))
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize+len(payload))
	h.put(buf)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}
