package rndis

import "encoding/binary"

// Message is one RNDIS control or data message. Concrete types hold the
// decoded fields; Encode produces the canonical wire form with a length
// field equal to the serialized length.
type Message interface {
	Type() MessageType
	Encode() []byte
}

// newMessage allocates a message body and fills in the common header.
func newMessage(t MessageType, size int) []byte {
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b[0:], uint32(t))
	binary.LittleEndian.PutUint32(b[4:], uint32(size))
	return b
}

// Initialize is the host's INITIALIZE_MSG opening the control session.
type Initialize struct {
	RequestID       uint32
	MajorVersion    uint32
	MinorVersion    uint32
	MaxTransferSize uint32
}

func (m *Initialize) Type() MessageType { return MsgInitialize }

func (m *Initialize) Encode() []byte {
	b := newMessage(MsgInitialize, InitializeSize)
	binary.LittleEndian.PutUint32(b[8:], m.RequestID)
	binary.LittleEndian.PutUint32(b[12:], m.MajorVersion)
	binary.LittleEndian.PutUint32(b[16:], m.MinorVersion)
	binary.LittleEndian.PutUint32(b[20:], m.MaxTransferSize)
	return b
}

// InitializeComplete answers an Initialize with the device's own view of the
// link parameters.
type InitializeComplete struct {
	RequestID             uint32
	Status                Status
	MajorVersion          uint32
	MinorVersion          uint32
	DeviceFlags           uint32
	Medium                uint32
	MaxPacketsPerTransfer uint32
	MaxTransferSize       uint32
	PacketAlignment       uint32
}

func (m *InitializeComplete) Type() MessageType { return MsgInitializeComplete }

func (m *InitializeComplete) Encode() []byte {
	b := newMessage(MsgInitializeComplete, InitializeCompleteSize)
	binary.LittleEndian.PutUint32(b[8:], m.RequestID)
	binary.LittleEndian.PutUint32(b[12:], uint32(m.Status))
	binary.LittleEndian.PutUint32(b[16:], m.MajorVersion)
	binary.LittleEndian.PutUint32(b[20:], m.MinorVersion)
	binary.LittleEndian.PutUint32(b[24:], m.DeviceFlags)
	binary.LittleEndian.PutUint32(b[28:], m.Medium)
	binary.LittleEndian.PutUint32(b[32:], m.MaxPacketsPerTransfer)
	binary.LittleEndian.PutUint32(b[36:], m.MaxTransferSize)
	binary.LittleEndian.PutUint32(b[40:], m.PacketAlignment)
	// bytes 44..52 are reserved (AF list), always zero
	return b
}

// Halt ends the control session. No completion is defined for it.
type Halt struct {
	RequestID uint32
}

func (m *Halt) Type() MessageType { return MsgHalt }

func (m *Halt) Encode() []byte {
	b := newMessage(MsgHalt, HaltSize)
	binary.LittleEndian.PutUint32(b[8:], m.RequestID)
	return b
}

// Query asks for the value of one OID. Payload carries the request's info
// buffer, which is empty for every OID in the supported table.
type Query struct {
	RequestID uint32
	Oid       Oid
	Payload   []byte
}

func (m *Query) Type() MessageType { return MsgQuery }

func (m *Query) Encode() []byte {
	return encodeOidRequest(MsgQuery, m.RequestID, m.Oid, m.Payload)
}

// Set writes the value of one OID.
type Set struct {
	RequestID uint32
	Oid       Oid
	Payload   []byte
}

func (m *Set) Type() MessageType { return MsgSet }

func (m *Set) Encode() []byte {
	return encodeOidRequest(MsgSet, m.RequestID, m.Oid, m.Payload)
}

func encodeOidRequest(t MessageType, requestID uint32, oid Oid, payload []byte) []byte {
	b := newMessage(t, QuerySize+len(payload))
	binary.LittleEndian.PutUint32(b[8:], requestID)
	binary.LittleEndian.PutUint32(b[12:], uint32(oid))
	if len(payload) > 0 {
		binary.LittleEndian.PutUint32(b[16:], uint32(len(payload)))
		// offset is relative to the request_id field at byte 8
		binary.LittleEndian.PutUint32(b[20:], QuerySize-8)
		copy(b[QuerySize:], payload)
	}
	// byte 24 is the reserved handle word, always zero
	return b
}

// QueryComplete carries the queried value back to the host.
type QueryComplete struct {
	RequestID uint32
	Status    Status
	Payload   []byte
}

func (m *QueryComplete) Type() MessageType { return MsgQueryComplete }

func (m *QueryComplete) Encode() []byte {
	b := newMessage(MsgQueryComplete, QueryCompleteSize+len(m.Payload))
	binary.LittleEndian.PutUint32(b[8:], m.RequestID)
	binary.LittleEndian.PutUint32(b[12:], uint32(m.Status))
	if len(m.Payload) > 0 {
		binary.LittleEndian.PutUint32(b[16:], uint32(len(m.Payload)))
		binary.LittleEndian.PutUint32(b[20:], QueryCompleteSize-8)
		copy(b[QueryCompleteSize:], m.Payload)
	}
	return b
}

// SetComplete acknowledges a Set.
type SetComplete struct {
	RequestID uint32
	Status    Status
}

func (m *SetComplete) Type() MessageType { return MsgSetComplete }

func (m *SetComplete) Encode() []byte {
	b := newMessage(MsgSetComplete, SetCompleteSize)
	binary.LittleEndian.PutUint32(b[8:], m.RequestID)
	binary.LittleEndian.PutUint32(b[12:], uint32(m.Status))
	return b
}

// Reset asks the device to drop protocol state. It carries no request ID.
type Reset struct{}

func (m *Reset) Type() MessageType { return MsgReset }

func (m *Reset) Encode() []byte {
	// byte 8 is reserved
	return newMessage(MsgReset, ResetSize)
}

// ResetComplete acknowledges a Reset. AddressingReset of 1 tells the host its
// packet filter and multicast settings were lost.
type ResetComplete struct {
	Status          Status
	AddressingReset uint32
}

func (m *ResetComplete) Type() MessageType { return MsgResetComplete }

func (m *ResetComplete) Encode() []byte {
	b := newMessage(MsgResetComplete, ResetCompleteSize)
	binary.LittleEndian.PutUint32(b[8:], uint32(m.Status))
	binary.LittleEndian.PutUint32(b[12:], m.AddressingReset)
	return b
}

// IndicateStatus is an unsolicited device-to-host status report, either a
// link-state change or a diagnostic echo of a rejected message.
type IndicateStatus struct {
	Status        Status
	StatusPayload []byte
}

func (m *IndicateStatus) Type() MessageType { return MsgIndicateStatus }

func (m *IndicateStatus) Encode() []byte {
	b := newMessage(MsgIndicateStatus, IndicateStatusSize+len(m.StatusPayload))
	binary.LittleEndian.PutUint32(b[8:], uint32(m.Status))
	if len(m.StatusPayload) > 0 {
		binary.LittleEndian.PutUint32(b[12:], uint32(len(m.StatusPayload)))
		// offset is relative to the status field at byte 8
		binary.LittleEndian.PutUint32(b[16:], IndicateStatusSize-8)
		copy(b[IndicateStatusSize:], m.StatusPayload)
	}
	return b
}

// Keepalive is the host's liveness probe.
type Keepalive struct {
	RequestID uint32
}

func (m *Keepalive) Type() MessageType { return MsgKeepalive }

func (m *Keepalive) Encode() []byte {
	b := newMessage(MsgKeepalive, KeepaliveSize)
	binary.LittleEndian.PutUint32(b[8:], m.RequestID)
	return b
}

// KeepaliveComplete answers a Keepalive.
type KeepaliveComplete struct {
	RequestID uint32
	Status    Status
}

func (m *KeepaliveComplete) Type() MessageType { return MsgKeepaliveComplete }

func (m *KeepaliveComplete) Encode() []byte {
	b := newMessage(MsgKeepaliveComplete, KeepaliveCompleteSize)
	binary.LittleEndian.PutUint32(b[8:], m.RequestID)
	binary.LittleEndian.PutUint32(b[12:], uint32(m.Status))
	return b
}

// Packet frames one Ethernet frame on the bulk data channels.
type Packet struct {
	Data []byte
}

func (m *Packet) Type() MessageType { return MsgPacket }

func (m *Packet) Encode() []byte {
	b := newMessage(MsgPacket, PacketHeaderSize+len(m.Data))
	if len(m.Data) > 0 {
		// offset is relative to the data_offset field at byte 8
		binary.LittleEndian.PutUint32(b[8:], PacketHeaderSize-8)
		binary.LittleEndian.PutUint32(b[12:], uint32(len(m.Data)))
		copy(b[PacketHeaderSize:], m.Data)
	}
	// OOB and per-packet-info regions are never produced
	return b
}

// PutPacket encodes frame as a single PACKET_MSG directly into dst, avoiding
// the allocation of Packet.Encode on the transmit paths. It returns the
// encoded length. dst must hold PacketHeaderSize+len(frame) bytes.
func PutPacket(dst, frame []byte) int {
	size := PacketHeaderSize + len(frame)
	_ = dst[:size]
	for i := range dst[:PacketHeaderSize] {
		dst[i] = 0
	}
	binary.LittleEndian.PutUint32(dst[0:], uint32(MsgPacket))
	binary.LittleEndian.PutUint32(dst[4:], uint32(size))
	if len(frame) > 0 {
		binary.LittleEndian.PutUint32(dst[8:], PacketHeaderSize-8)
		binary.LittleEndian.PutUint32(dst[12:], uint32(len(frame)))
		copy(dst[PacketHeaderSize:], frame)
	}
	return size
}

// Unknown stands in for a message whose type word is not recognized. It
// cannot be meaningfully re-encoded; Encode yields a bare header for
// diagnostic use only.
type Unknown struct {
	RawType MessageType
}

func (m *Unknown) Type() MessageType { return m.RawType }

func (m *Unknown) Encode() []byte {
	return newMessage(m.RawType, CommonHeaderSize)
}
