// SPDX-License-Identifier: GPL-2.0-only

package rndis

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

var (
	// ErrTooShort means the buffer cannot hold even the common header.
	ErrTooShort = errors.New("rndis: message shorter than the common header")

	// ErrLengthMismatch means the length field disagrees with the buffer.
	ErrLengthMismatch = errors.New("rndis: message length field inconsistent with buffer")

	// ErrMalformedPayload means an offset/length pair points outside the
	// message or the fixed fields are truncated. When Decode returns it
	// alongside a non-nil message, the fixed fields are still usable for
	// framing an error response; the payload region was never read.
	ErrMalformedPayload = errors.New("rndis: payload offset or length out of bounds")
)

// payloadRegion resolves a counted sub-buffer whose offset is relative to
// byte position base within buf. A zero length is an absent region. minOffset
// rejects offsets that would overlap the fixed header; the sums are computed
// in 64 bits so hostile values cannot wrap.
func payloadRegion(buf []byte, base, minOffset, offset, length uint32) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	if offset < minOffset {
		return nil, false
	}
	start := uint64(base) + uint64(offset)
	end := start + uint64(length)
	if end > uint64(len(buf)) {
		return nil, false
	}
	return buf[start:end:end], true
}

// Decode parses one complete RNDIS message. The buffer must contain exactly
// one message: a length field that disagrees with len(buf) is rejected.
// Unrecognized type words decode to *Unknown with a nil error.
func Decode(buf []byte) (Message, error) {
	if len(buf) < CommonHeaderSize {
		return nil, ErrTooShort
	}
	msgType := MessageType(binary.LittleEndian.Uint32(buf[0:]))
	msgLength := binary.LittleEndian.Uint32(buf[4:])
	if uint64(msgLength) != uint64(len(buf)) {
		return nil, ErrLengthMismatch
	}

	switch msgType {
	case MsgInitialize:
		if len(buf) < InitializeSize {
			return nil, ErrMalformedPayload
		}
		return &Initialize{
			RequestID:       binary.LittleEndian.Uint32(buf[8:]),
			MajorVersion:    binary.LittleEndian.Uint32(buf[12:]),
			MinorVersion:    binary.LittleEndian.Uint32(buf[16:]),
			MaxTransferSize: binary.LittleEndian.Uint32(buf[20:]),
		}, nil

	case MsgInitializeComplete:
		if len(buf) < InitializeCompleteSize {
			return nil, ErrMalformedPayload
		}
		return &InitializeComplete{
			RequestID:             binary.LittleEndian.Uint32(buf[8:]),
			Status:                Status(binary.LittleEndian.Uint32(buf[12:])),
			MajorVersion:          binary.LittleEndian.Uint32(buf[16:]),
			MinorVersion:          binary.LittleEndian.Uint32(buf[20:]),
			DeviceFlags:           binary.LittleEndian.Uint32(buf[24:]),
			Medium:                binary.LittleEndian.Uint32(buf[28:]),
			MaxPacketsPerTransfer: binary.LittleEndian.Uint32(buf[32:]),
			MaxTransferSize:       binary.LittleEndian.Uint32(buf[36:]),
			PacketAlignment:       binary.LittleEndian.Uint32(buf[40:]),
		}, nil

	case MsgHalt:
		return &Halt{RequestID: binary.LittleEndian.Uint32(buf[8:])}, nil

	case MsgQuery, MsgSet:
		if len(buf) < QuerySize {
			return nil, ErrMalformedPayload
		}
		requestID := binary.LittleEndian.Uint32(buf[8:])
		oid := Oid(binary.LittleEndian.Uint32(buf[12:]))
		length := binary.LittleEndian.Uint32(buf[16:])
		offset := binary.LittleEndian.Uint32(buf[20:])
		payload, ok := payloadRegion(buf, 8, QuerySize-8, offset, length)
		if msgType == MsgQuery {
			m := &Query{RequestID: requestID, Oid: oid, Payload: payload}
			if !ok {
				return m, ErrMalformedPayload
			}
			return m, nil
		}
		m := &Set{RequestID: requestID, Oid: oid, Payload: payload}
		if !ok {
			return m, ErrMalformedPayload
		}
		return m, nil

	case MsgQueryComplete:
		if len(buf) < QueryCompleteSize {
			return nil, ErrMalformedPayload
		}
		m := &QueryComplete{
			RequestID: binary.LittleEndian.Uint32(buf[8:]),
			Status:    Status(binary.LittleEndian.Uint32(buf[12:])),
		}
		length := binary.LittleEndian.Uint32(buf[16:])
		offset := binary.LittleEndian.Uint32(buf[20:])
		payload, ok := payloadRegion(buf, 8, QueryCompleteSize-8, offset, length)
		if !ok {
			return m, ErrMalformedPayload
		}
		m.Payload = payload
		return m, nil

	case MsgSetComplete:
		if len(buf) < SetCompleteSize {
			return nil, ErrMalformedPayload
		}
		return &SetComplete{
			RequestID: binary.LittleEndian.Uint32(buf[8:]),
			Status:    Status(binary.LittleEndian.Uint32(buf[12:])),
		}, nil

	case MsgReset:
		return &Reset{}, nil

	case MsgResetComplete:
		if len(buf) < ResetCompleteSize {
			return nil, ErrMalformedPayload
		}
		return &ResetComplete{
			Status:          Status(binary.LittleEndian.Uint32(buf[8:])),
			AddressingReset: binary.LittleEndian.Uint32(buf[12:]),
		}, nil

	case MsgIndicateStatus:
		if len(buf) < IndicateStatusSize {
			return nil, ErrMalformedPayload
		}
		m := &IndicateStatus{Status: Status(binary.LittleEndian.Uint32(buf[8:]))}
		length := binary.LittleEndian.Uint32(buf[12:])
		offset := binary.LittleEndian.Uint32(buf[16:])
		payload, ok := payloadRegion(buf, 8, IndicateStatusSize-8, offset, length)
		if !ok {
			return m, ErrMalformedPayload
		}
		m.StatusPayload = payload
		return m, nil

	case MsgKeepalive:
		return &Keepalive{RequestID: binary.LittleEndian.Uint32(buf[8:])}, nil

	case MsgKeepaliveComplete:
		if len(buf) < KeepaliveCompleteSize {
			return nil, ErrMalformedPayload
		}
		return &KeepaliveComplete{
			RequestID: binary.LittleEndian.Uint32(buf[8:]),
			Status:    Status(binary.LittleEndian.Uint32(buf[12:])),
		}, nil

	case MsgPacket:
		if len(buf) < PacketHeaderSize {
			return nil, ErrMalformedPayload
		}
		m := &Packet{}
		data, ok := packetData(buf)
		if !ok {
			return m, ErrMalformedPayload
		}
		m.Data = data
		return m, nil
	}

	return &Unknown{RawType: msgType}, nil
}

func packetData(one []byte) ([]byte, bool) {
	offset := binary.LittleEndian.Uint32(one[8:])
	length := binary.LittleEndian.Uint32(one[12:])
	return payloadRegion(one, 8, PacketHeaderSize-8, offset, length)
}

// ForEachPacket walks a bulk transfer that may hold several concatenated
// PACKET_MSG frames, invoking deliver once per non-empty frame. The first
// framing violation stops the walk; frames before it have already been
// delivered. Delivered slices alias buf and are only valid during the call.
func ForEachPacket(buf []byte, deliver func(data []byte)) error {
	for off := 0; off < len(buf); {
		rem := buf[off:]
		if len(rem) < CommonHeaderSize {
			return ErrTooShort
		}
		if MessageType(binary.LittleEndian.Uint32(rem[0:])) != MsgPacket {
			return ErrMalformedPayload
		}
		msgLength := binary.LittleEndian.Uint32(rem[4:])
		if msgLength < PacketHeaderSize || uint64(msgLength) > uint64(len(rem)) {
			return ErrLengthMismatch
		}
		one := rem[:msgLength:msgLength]
		data, ok := packetData(one)
		if !ok {
			return ErrMalformedPayload
		}
		if len(data) > 0 {
			deliver(data)
		}
		off += int(msgLength)
	}
	return nil
}
