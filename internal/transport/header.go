// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_transport

import (
	"encoding/binary"
	"errors"
)

// Datagram wire format, network byte order. The 16-byte header doubles as
// the stream-cipher IV for the packet body.
//
//	offset  size  field
//	  0      1    type        = 1
//	  1      1    flags       = 0 (reserved)
//	  2      2    payloadLen
//	  4      4    connectionId
//	  8      4    timestamp   (ms since session start, mod 2^32)
//	 12      4    sequence
//	 16     var   ciphertext  (exactly payloadLen bytes)
const (
	HeaderSize   = 16
	DatagramType = 1
)

var ErrMalformedDatagram = errors.New("malformed datagram")

type Header struct {
	Type         byte
	Flags        byte
	PayloadLen   uint16
	ConnectionID uint32
	Timestamp    uint32
	Sequence     uint32
}

// Marshal renders the header; the result is also the packet's cipher IV.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Type
	buf[1] = h.Flags
	binary.BigEndian.PutUint16(buf[2:], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[4:], h.ConnectionID)
	binary.BigEndian.PutUint32(buf[8:], h.Timestamp)
	binary.BigEndian.PutUint32(buf[12:], h.Sequence)
	return buf
}

// ParseDatagram validates and splits a raw packet. Too short, wrong type,
// or a payload length exceeding what was actually received all reject the
// packet; callers drop it without side effects.
func ParseDatagram(raw []byte) (Header, []byte, error) {
	if len(raw) < HeaderSize {
		return Header{}, nil, ErrMalformedDatagram
	}
	h := Header{
		Type:         raw[0],
		Flags:        raw[1],
		PayloadLen:   binary.BigEndian.Uint16(raw[2:]),
		ConnectionID: binary.BigEndian.Uint32(raw[4:]),
		Timestamp:    binary.BigEndian.Uint32(raw[8:]),
		Sequence:     binary.BigEndian.Uint32(raw[12:]),
	}
	if h.Type != DatagramType {
		return Header{}, nil, ErrMalformedDatagram
	}
	if len(raw) < HeaderSize+int(h.PayloadLen) {
		return Header{}, nil, ErrMalformedDatagram
	}
	return h, raw[HeaderSize : HeaderSize+int(h.PayloadLen)], nil
}
