// Package rndis implements the Remote NDIS control message formats and the
// OID-indexed device management tables shared by the gadget and host engines.
package rndis

// MessageType is the on-wire discriminant in the first word of every message.
type MessageType uint32

const (
	MsgPacket         MessageType = 0x00000001
	MsgInitialize     MessageType = 0x00000002
	MsgHalt           MessageType = 0x00000003
	MsgQuery          MessageType = 0x00000004
	MsgSet            MessageType = 0x00000005
	MsgReset          MessageType = 0x00000006
	MsgIndicateStatus MessageType = 0x00000007
	MsgKeepalive      MessageType = 0x00000008

	// Completions echo the request type with the high bit set.
	msgCompletion MessageType = 0x80000000

	MsgInitializeComplete = MsgInitialize | msgCompletion
	MsgQueryComplete      = MsgQuery | msgCompletion
	MsgSetComplete        = MsgSet | msgCompletion
	MsgResetComplete      = MsgReset | msgCompletion
	MsgKeepaliveComplete  = MsgKeepalive | msgCompletion
)

func (t MessageType) String() string {
	switch t {
	case MsgPacket:
		return "PACKET_MSG"
	case MsgInitialize:
		return "INITIALIZE_MSG"
	case MsgHalt:
		return "HALT_MSG"
	case MsgQuery:
		return "QUERY_MSG"
	case MsgSet:
		return "SET_MSG"
	case MsgReset:
		return "RESET_MSG"
	case MsgIndicateStatus:
		return "INDICATE_STATUS_MSG"
	case MsgKeepalive:
		return "KEEPALIVE_MSG"
	case MsgInitializeComplete:
		return "INITIALIZE_CMPLT"
	case MsgQueryComplete:
		return "QUERY_CMPLT"
	case MsgSetComplete:
		return "SET_CMPLT"
	case MsgResetComplete:
		return "RESET_CMPLT"
	case MsgKeepaliveComplete:
		return "KEEPALIVE_CMPLT"
	}
	return "UNKNOWN_MSG"
}

// Status is an NDIS status code as carried in completion and indication
// messages.
type Status uint32

const (
	StatusSuccess         Status = 0x00000000
	StatusFailure         Status = 0xC0000001
	StatusNotSupported    Status = 0xC00000BB
	StatusInvalidData     Status = 0xC0010015
	StatusMediaConnect    Status = 0x4001000B
	StatusMediaDisconnect Status = 0x4001000C
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusInvalidData:
		return "INVALID_DATA"
	case StatusMediaConnect:
		return "MEDIA_CONNECT"
	case StatusMediaDisconnect:
		return "MEDIA_DISCONNECT"
	}
	return "UNKNOWN_STATUS"
}

// Protocol version advertised in INITIALIZE exchanges.
const (
	VersionMajor = 1
	VersionMinor = 0
)

const (
	// DFConnectionless is the device-flags word for a connectionless medium.
	DFConnectionless = 0x00000001

	// Medium802_3 identifies wired Ethernet in medium fields.
	Medium802_3 = 0x00000000

	PhysicalMediumUnspecified = 0x00000000

	HardwareStatusReady = 0x00000000

	MediaStateConnected    = 0x00000000
	MediaStateDisconnected = 0x00000001
)

// Packet filter bits settable through OID_GEN_CURRENT_PACKET_FILTER.
const (
	PacketFilterDirected     = 0x00000001
	PacketFilterMulticast    = 0x00000002
	PacketFilterAllMulticast = 0x00000004
	PacketFilterBroadcast    = 0x00000008
	PacketFilterPromiscuous  = 0x00000020
)

const (
	// ControlBufferSize bounds every encapsulated control message in either
	// direction, response padding included.
	ControlBufferSize = 1025

	// DefaultMaxTransferSize is the bulk transfer size advertised in
	// INITIALIZE_CMPLT when the caller does not override it.
	DefaultMaxTransferSize = 8192

	// MaxPacketsPerTransfer is what this implementation advertises; inbound
	// transfers may still aggregate more, which the parser accepts.
	MaxPacketsPerTransfer = 1
)

// Fixed on-wire sizes, headers only. Messages carrying a payload add its
// length on top.
const (
	CommonHeaderSize       = 12
	InitializeSize         = 24
	InitializeCompleteSize = 52
	HaltSize               = 12
	QuerySize              = 28
	QueryCompleteSize      = 24
	SetSize                = 28
	SetCompleteSize        = 16
	ResetSize              = 12
	ResetCompleteSize      = 16
	IndicateStatusSize     = 20
	KeepaliveSize          = 12
	KeepaliveCompleteSize  = 16
	PacketHeaderSize       = 44
)
