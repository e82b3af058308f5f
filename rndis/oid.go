// SPDX-License-Identifier: GPL-2.0-only

package rndis

import (
	"encoding/binary"
	"net"
)

// Oid identifies one queryable or settable device property.
type Oid uint32

const (
	OidGenSupportedList       Oid = 0x00010101
	OidGenHardwareStatus      Oid = 0x00010102
	OidGenMediaSupported      Oid = 0x00010103
	OidGenMediaInUse          Oid = 0x00010104
	OidGenMaximumFrameSize    Oid = 0x00010106
	OidGenLinkSpeed           Oid = 0x00010107
	OidGenTransmitBlockSize   Oid = 0x0001010A
	OidGenReceiveBlockSize    Oid = 0x0001010B
	OidGenVendorID            Oid = 0x0001010C
	OidGenVendorDescription   Oid = 0x0001010D
	OidGenCurrentPacketFilter Oid = 0x0001010E
	OidGenMaximumTotalSize    Oid = 0x00010111
	OidGenMediaConnectStatus  Oid = 0x00010114
	OidGenVendorDriverVersion Oid = 0x00010116
	OidGenPhysicalMedium      Oid = 0x00010202

	OidGenXmitOK      Oid = 0x00020101
	OidGenRcvOK       Oid = 0x00020102
	OidGenXmitError   Oid = 0x00020103
	OidGenRcvError    Oid = 0x00020104
	OidGenRcvNoBuffer Oid = 0x00020105

	Oid8023PermanentAddress Oid = 0x01010101
	Oid8023CurrentAddress   Oid = 0x01010102
	Oid8023MulticastList    Oid = 0x01010103
	Oid8023MaximumListSize  Oid = 0x01010104
)

func (o Oid) String() string {
	switch o {
	case OidGenSupportedList:
		return "OID_GEN_SUPPORTED_LIST"
	case OidGenHardwareStatus:
		return "OID_GEN_HARDWARE_STATUS"
	case OidGenMediaSupported:
		return "OID_GEN_MEDIA_SUPPORTED"
	case OidGenMediaInUse:
		return "OID_GEN_MEDIA_IN_USE"
	case OidGenMaximumFrameSize:
		return "OID_GEN_MAXIMUM_FRAME_SIZE"
	case OidGenLinkSpeed:
		return "OID_GEN_LINK_SPEED"
	case OidGenTransmitBlockSize:
		return "OID_GEN_TRANSMIT_BLOCK_SIZE"
	case OidGenReceiveBlockSize:
		return "OID_GEN_RECEIVE_BLOCK_SIZE"
	case OidGenVendorID:
		return "OID_GEN_VENDOR_ID"
	case OidGenVendorDescription:
		return "OID_GEN_VENDOR_DESCRIPTION"
	case OidGenCurrentPacketFilter:
		return "OID_GEN_CURRENT_PACKET_FILTER"
	case OidGenMaximumTotalSize:
		return "OID_GEN_MAXIMUM_TOTAL_SIZE"
	case OidGenMediaConnectStatus:
		return "OID_GEN_MEDIA_CONNECT_STATUS"
	case OidGenVendorDriverVersion:
		return "OID_GEN_VENDOR_DRIVER_VERSION"
	case OidGenPhysicalMedium:
		return "OID_GEN_PHYSICAL_MEDIUM"
	case OidGenXmitOK:
		return "OID_GEN_XMIT_OK"
	case OidGenRcvOK:
		return "OID_GEN_RCV_OK"
	case OidGenXmitError:
		return "OID_GEN_XMIT_ERROR"
	case OidGenRcvError:
		return "OID_GEN_RCV_ERROR"
	case OidGenRcvNoBuffer:
		return "OID_GEN_RCV_NO_BUFFER"
	case Oid8023PermanentAddress:
		return "OID_802_3_PERMANENT_ADDRESS"
	case Oid8023CurrentAddress:
		return "OID_802_3_CURRENT_ADDRESS"
	case Oid8023MulticastList:
		return "OID_802_3_MULTICAST_LIST"
	case Oid8023MaximumListSize:
		return "OID_802_3_MAXIMUM_LIST_SIZE"
	}
	return "OID_UNKNOWN"
}

// LinkStats are the device-side frame counters. They wrap at 32 bits.
type LinkStats struct {
	TransmitOK       uint32
	ReceiveOK        uint32
	TransmitErrors   uint32
	ReceiveErrors    uint32
	TransmitNoBuffer uint32
}

// DeviceInfo supplies the live values the registry reports. Implementations
// must answer from current state on every call, not from a snapshot.
type DeviceInfo interface {
	MACAddress() net.HardwareAddr
	PermanentAddress() net.HardwareAddr
	LinkSpeed() uint32 // units of 100 bits per second
	Connected() bool
	PacketFilter() uint32
	Stats() LinkStats
}

// RegistryConfig holds the static values the registry reports.
type RegistryConfig struct {
	VendorID            uint32 // IEEE OUI in the low three bytes
	VendorDescription   string
	VendorDriverVersion uint32
	MaxFrameSize        uint32 // Ethernet payload bytes (MTU)
	MaxTotalSize        uint32 // full frame bytes, header included
	MaxMulticast        uint32 // multicast list capacity in addresses
}

const (
	defaultMaxFrameSize        = 1500
	defaultMaxTotalSize        = 1514
	defaultMaxMulticast        = 32
	defaultVendorDriverVersion = 0x00010000
)

type oidKind uint8

const (
	kindList oidKind = iota
	kindU32
	kindBytes
	kindStat
)

type oidEntry struct {
	oid      Oid
	kind     oidKind
	settable bool
	u32      func(*Registry) uint32
	bytes    func(*Registry) []byte
}

// Registry answers OID queries and validates OID writes against a fixed
// table. Value bindings are declarative: each table entry names where its
// value comes from, and the supported list is the table itself.
type Registry struct {
	cfg   RegistryConfig
	dev   DeviceInfo
	table []oidEntry
}

func NewRegistry(cfg RegistryConfig, dev DeviceInfo) *Registry {
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}
	if cfg.MaxTotalSize == 0 {
		cfg.MaxTotalSize = defaultMaxTotalSize
	}
	if cfg.MaxMulticast == 0 {
		cfg.MaxMulticast = defaultMaxMulticast
	}
	if cfg.VendorDriverVersion == 0 {
		cfg.VendorDriverVersion = defaultVendorDriverVersion
	}
	r := &Registry{cfg: cfg, dev: dev}
	r.table = []oidEntry{
		{oid: OidGenSupportedList, kind: kindList},
		{oid: OidGenHardwareStatus, kind: kindU32, u32: func(*Registry) uint32 { return HardwareStatusReady }},
		{oid: OidGenMediaSupported, kind: kindU32, u32: func(*Registry) uint32 { return Medium802_3 }},
		{oid: OidGenMediaInUse, kind: kindU32, u32: func(*Registry) uint32 { return Medium802_3 }},
		{oid: OidGenMaximumFrameSize, kind: kindU32, u32: func(r *Registry) uint32 { return r.cfg.MaxFrameSize }},
		{oid: OidGenLinkSpeed, kind: kindU32, u32: func(r *Registry) uint32 { return r.dev.LinkSpeed() }},
		{oid: OidGenTransmitBlockSize, kind: kindU32, u32: func(r *Registry) uint32 { return r.cfg.MaxTotalSize }},
		{oid: OidGenReceiveBlockSize, kind: kindU32, u32: func(r *Registry) uint32 { return r.cfg.MaxTotalSize }},
		{oid: OidGenVendorID, kind: kindU32, u32: func(r *Registry) uint32 { return r.cfg.VendorID }},
		{oid: OidGenVendorDescription, kind: kindBytes, bytes: func(r *Registry) []byte { return []byte(r.cfg.VendorDescription) }},
		{oid: OidGenCurrentPacketFilter, kind: kindU32, settable: true, u32: func(r *Registry) uint32 { return r.dev.PacketFilter() }},
		{oid: OidGenMaximumTotalSize, kind: kindU32, u32: func(r *Registry) uint32 { return r.cfg.MaxTotalSize }},
		{oid: OidGenMediaConnectStatus, kind: kindU32, u32: func(r *Registry) uint32 {
			if r.dev.Connected() {
				return MediaStateConnected
			}
			return MediaStateDisconnected
		}},
		{oid: OidGenVendorDriverVersion, kind: kindU32, u32: func(r *Registry) uint32 { return r.cfg.VendorDriverVersion }},
		{oid: OidGenPhysicalMedium, kind: kindU32, u32: func(*Registry) uint32 { return PhysicalMediumUnspecified }},

		// Statistics answer the host's view of the shared link: frames the
		// host transmitted are frames this device received, so the counters
		// cross over. Do not straighten these out.
		{oid: OidGenXmitOK, kind: kindStat, u32: func(r *Registry) uint32 { return r.dev.Stats().ReceiveOK }},
		{oid: OidGenRcvOK, kind: kindStat, u32: func(r *Registry) uint32 { return r.dev.Stats().TransmitOK }},
		{oid: OidGenXmitError, kind: kindStat, u32: func(r *Registry) uint32 { return r.dev.Stats().ReceiveErrors }},
		{oid: OidGenRcvError, kind: kindStat, u32: func(r *Registry) uint32 { return r.dev.Stats().TransmitErrors }},
		{oid: OidGenRcvNoBuffer, kind: kindStat, u32: func(r *Registry) uint32 { return r.dev.Stats().TransmitNoBuffer }},

		{oid: Oid8023PermanentAddress, kind: kindBytes, bytes: func(r *Registry) []byte { return r.dev.PermanentAddress() }},
		{oid: Oid8023CurrentAddress, kind: kindBytes, bytes: func(r *Registry) []byte { return r.dev.MACAddress() }},
		{oid: Oid8023MulticastList, kind: kindBytes, settable: true},
		{oid: Oid8023MaximumListSize, kind: kindU32, u32: func(r *Registry) uint32 { return r.cfg.MaxMulticast }},
	}
	return r
}

// SupportedOids returns the registry's table order, list OID first.
func (r *Registry) SupportedOids() []Oid {
	oids := make([]Oid, len(r.table))
	for i, e := range r.table {
		oids[i] = e.oid
	}
	return oids
}

func (r *Registry) find(oid Oid) *oidEntry {
	for i := range r.table {
		if r.table[i].oid == oid {
			return &r.table[i]
		}
	}
	return nil
}

// Get answers a query for oid. The second return is false when the OID is
// not queryable here, which the engine reports as NOT_SUPPORTED.
func (r *Registry) Get(oid Oid) ([]byte, bool) {
	e := r.find(oid)
	if e == nil {
		return nil, false
	}
	switch e.kind {
	case kindList:
		out := make([]byte, 4*len(r.table))
		for i, entry := range r.table {
			binary.LittleEndian.PutUint32(out[4*i:], uint32(entry.oid))
		}
		return out, true
	case kindU32, kindStat:
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, e.u32(r))
		return out, true
	case kindBytes:
		if e.bytes == nil {
			return nil, false
		}
		return e.bytes(r), true
	}
	return nil, false
}

// SetOutcome reports what a validated Set would change. The registry does not
// apply state itself; the engine owns DeviceState and the side effects.
type SetOutcome struct {
	Status        Status
	PacketFilter  *uint32
	MulticastList []net.HardwareAddr
}

// Set validates a write to oid. Only the packet filter and the multicast
// list are settable; everything else is NOT_SUPPORTED regardless of payload.
func (r *Registry) Set(oid Oid, payload []byte) SetOutcome {
	switch oid {
	case OidGenCurrentPacketFilter:
		if len(payload) != 4 {
			return SetOutcome{Status: StatusInvalidData}
		}
		filter := binary.LittleEndian.Uint32(payload)
		return SetOutcome{Status: StatusSuccess, PacketFilter: &filter}

	case Oid8023MulticastList:
		if len(payload)%6 != 0 || uint32(len(payload)/6) > r.cfg.MaxMulticast {
			return SetOutcome{Status: StatusInvalidData}
		}
		list := make([]net.HardwareAddr, 0, len(payload)/6)
		for off := 0; off < len(payload); off += 6 {
			addr := make(net.HardwareAddr, 6)
			copy(addr, payload[off:off+6])
			list = append(list, addr)
		}
		return SetOutcome{Status: StatusSuccess, MulticastList: list}
	}
	return SetOutcome{Status: StatusNotSupported}
}
