package rndis

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

type fakeDevice struct {
	mac       net.HardwareAddr
	permanent net.HardwareAddr
	speed     uint32
	connected bool
	filter    uint32
	stats     LinkStats
}

func (d *fakeDevice) MACAddress() net.HardwareAddr       { return d.mac }
func (d *fakeDevice) PermanentAddress() net.HardwareAddr { return d.permanent }
func (d *fakeDevice) LinkSpeed() uint32                  { return d.speed }
func (d *fakeDevice) Connected() bool                    { return d.connected }
func (d *fakeDevice) PacketFilter() uint32               { return d.filter }
func (d *fakeDevice) Stats() LinkStats                   { return d.stats }

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		mac:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		permanent: net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
		speed:     10000000,
	}
}

func u32Payload(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestRegistrySupportedList(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, newFakeDevice())
	oids := r.SupportedOids()
	if len(oids) == 0 || oids[0] != OidGenSupportedList {
		t.Fatalf("supported table starts with %v", oids)
	}

	raw, ok := r.Get(OidGenSupportedList)
	if !ok {
		t.Fatal("supported list not queryable")
	}
	if len(raw) != 4*len(oids) {
		t.Fatalf("list is %d bytes for %d oids", len(raw), len(oids))
	}
	for i, oid := range oids {
		if got := Oid(binary.LittleEndian.Uint32(raw[4*i:])); got != oid {
			t.Errorf("entry %d: got %s; want %s", i, got, oid)
		}
	}
}

func TestRegistryQueries(t *testing.T) {
	dev := newFakeDevice()
	dev.filter = PacketFilterDirected | PacketFilterBroadcast
	r := NewRegistry(RegistryConfig{
		VendorID:          0x0000A0B1,
		VendorDescription: "test-nic",
		MaxFrameSize:      9000,
		MaxTotalSize:      9014,
	}, dev)

	for _, tc := range []struct {
		oid  Oid
		want []byte
	}{
		{oid: OidGenHardwareStatus, want: u32Payload(HardwareStatusReady)},
		{oid: OidGenMediaSupported, want: u32Payload(Medium802_3)},
		{oid: OidGenMediaInUse, want: u32Payload(Medium802_3)},
		{oid: OidGenMaximumFrameSize, want: u32Payload(9000)},
		{oid: OidGenLinkSpeed, want: u32Payload(dev.speed)},
		{oid: OidGenTransmitBlockSize, want: u32Payload(9014)},
		{oid: OidGenReceiveBlockSize, want: u32Payload(9014)},
		{oid: OidGenVendorID, want: u32Payload(0x0000A0B1)},
		{oid: OidGenVendorDescription, want: []byte("test-nic")},
		{oid: OidGenCurrentPacketFilter, want: u32Payload(dev.filter)},
		{oid: OidGenMaximumTotalSize, want: u32Payload(9014)},
		{oid: OidGenMediaConnectStatus, want: u32Payload(MediaStateDisconnected)},
		{oid: OidGenPhysicalMedium, want: u32Payload(PhysicalMediumUnspecified)},
		{oid: Oid8023PermanentAddress, want: dev.permanent},
		{oid: Oid8023CurrentAddress, want: dev.mac},
		{oid: Oid8023MaximumListSize, want: u32Payload(defaultMaxMulticast)},
	} {
		t.Run(tc.oid.String(), func(t *testing.T) {
			got, ok := r.Get(tc.oid)
			if !ok {
				t.Fatal("not queryable")
			}
			if !bytes.Equal(got, tc.want) {
				t.Errorf("got %x; want %x", got, tc.want)
			}
		})
	}
}

func TestRegistryAnswersLiveState(t *testing.T) {
	dev := newFakeDevice()
	r := NewRegistry(RegistryConfig{}, dev)

	if got, _ := r.Get(OidGenMediaConnectStatus); !bytes.Equal(got, u32Payload(MediaStateDisconnected)) {
		t.Errorf("disconnected device reports %x", got)
	}
	dev.connected = true
	dev.speed = 12345
	if got, _ := r.Get(OidGenMediaConnectStatus); !bytes.Equal(got, u32Payload(MediaStateConnected)) {
		t.Errorf("connected device reports %x", got)
	}
	if got, _ := r.Get(OidGenLinkSpeed); !bytes.Equal(got, u32Payload(12345)) {
		t.Errorf("link speed reports %x", got)
	}
}

func TestRegistryStatisticsCrossover(t *testing.T) {
	dev := newFakeDevice()
	dev.stats = LinkStats{
		TransmitOK:       11,
		ReceiveOK:        22,
		TransmitErrors:   3,
		ReceiveErrors:    4,
		TransmitNoBuffer: 5,
	}
	r := NewRegistry(RegistryConfig{}, dev)

	// The host asks about its own side of the link, so transmit questions
	// are answered with receive counters and vice versa.
	for _, tc := range []struct {
		oid  Oid
		want uint32
	}{
		{oid: OidGenXmitOK, want: 22},
		{oid: OidGenRcvOK, want: 11},
		{oid: OidGenXmitError, want: 4},
		{oid: OidGenRcvError, want: 3},
		{oid: OidGenRcvNoBuffer, want: 5},
	} {
		t.Run(tc.oid.String(), func(t *testing.T) {
			got, ok := r.Get(tc.oid)
			if !ok {
				t.Fatal("not queryable")
			}
			if !bytes.Equal(got, u32Payload(tc.want)) {
				t.Errorf("got %x; want %d", got, tc.want)
			}
		})
	}
}

func TestRegistryNotQueryable(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, newFakeDevice())
	if _, ok := r.Get(Oid(0x12345678)); ok {
		t.Error("unknown oid answered")
	}
	// The multicast list is write-only.
	if _, ok := r.Get(Oid8023MulticastList); ok {
		t.Error("multicast list answered a query")
	}
}

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, newFakeDevice())
	for _, tc := range []struct {
		oid  Oid
		want uint32
	}{
		{oid: OidGenMaximumFrameSize, want: defaultMaxFrameSize},
		{oid: OidGenMaximumTotalSize, want: defaultMaxTotalSize},
		{oid: Oid8023MaximumListSize, want: defaultMaxMulticast},
		{oid: OidGenVendorDriverVersion, want: defaultVendorDriverVersion},
	} {
		got, ok := r.Get(tc.oid)
		if !ok {
			t.Fatalf("%s not queryable", tc.oid)
		}
		if !bytes.Equal(got, u32Payload(tc.want)) {
			t.Errorf("%s: got %x; want %d", tc.oid, got, tc.want)
		}
	}
}

func TestRegistrySet(t *testing.T) {
	addrA := []byte{0x01, 0x00, 0x5E, 0, 0, 1}
	addrB := []byte{0x01, 0x00, 0x5E, 0, 0, 2}

	for _, tc := range []struct {
		name       string
		cfg        RegistryConfig
		oid        Oid
		payload    []byte
		wantStatus Status
		wantFilter *uint32
		wantList   int // -1 means no list in the outcome
	}{
		{
			name:       "packet filter",
			oid:        OidGenCurrentPacketFilter,
			payload:    u32Payload(PacketFilterDirected | PacketFilterMulticast),
			wantStatus: StatusSuccess,
			wantFilter: func() *uint32 { v := uint32(PacketFilterDirected | PacketFilterMulticast); return &v }(),
			wantList:   -1,
		},
		{
			name:       "packet filter zero",
			oid:        OidGenCurrentPacketFilter,
			payload:    u32Payload(0),
			wantStatus: StatusSuccess,
			wantFilter: new(uint32),
			wantList:   -1,
		},
		{
			name:       "packet filter short",
			oid:        OidGenCurrentPacketFilter,
			payload:    []byte{1, 0, 0},
			wantStatus: StatusInvalidData,
			wantList:   -1,
		},
		{
			name:       "packet filter long",
			oid:        OidGenCurrentPacketFilter,
			payload:    []byte{1, 0, 0, 0, 0},
			wantStatus: StatusInvalidData,
			wantList:   -1,
		},
		{
			name:       "multicast list",
			oid:        Oid8023MulticastList,
			payload:    append(append([]byte(nil), addrA...), addrB...),
			wantStatus: StatusSuccess,
			wantList:   2,
		},
		{
			name:       "multicast list cleared",
			oid:        Oid8023MulticastList,
			payload:    []byte{},
			wantStatus: StatusSuccess,
			wantList:   0,
		},
		{
			name:       "multicast list ragged",
			oid:        Oid8023MulticastList,
			payload:    append(append([]byte(nil), addrA...), 0xFF),
			wantStatus: StatusInvalidData,
			wantList:   -1,
		},
		{
			name:       "multicast list over capacity",
			cfg:        RegistryConfig{MaxMulticast: 1},
			oid:        Oid8023MulticastList,
			payload:    append(append([]byte(nil), addrA...), addrB...),
			wantStatus: StatusInvalidData,
			wantList:   -1,
		},
		{
			name:       "read only oid",
			oid:        OidGenLinkSpeed,
			payload:    u32Payload(99),
			wantStatus: StatusNotSupported,
			wantList:   -1,
		},
		{
			name:       "unknown oid",
			oid:        Oid(0x12345678),
			payload:    u32Payload(0),
			wantStatus: StatusNotSupported,
			wantList:   -1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry(tc.cfg, newFakeDevice())
			got := r.Set(tc.oid, tc.payload)
			if got.Status != tc.wantStatus {
				t.Fatalf("got status %s; want %s", got.Status, tc.wantStatus)
			}
			if (got.PacketFilter == nil) != (tc.wantFilter == nil) {
				t.Fatalf("got filter %v; want %v", got.PacketFilter, tc.wantFilter)
			}
			if got.PacketFilter != nil && *got.PacketFilter != *tc.wantFilter {
				t.Errorf("got filter %#x; want %#x", *got.PacketFilter, *tc.wantFilter)
			}
			if tc.wantList < 0 {
				if got.MulticastList != nil {
					t.Errorf("unexpected multicast list %v", got.MulticastList)
				}
				return
			}
			if got.MulticastList == nil || len(got.MulticastList) != tc.wantList {
				t.Fatalf("got multicast list %v; want %d entries", got.MulticastList, tc.wantList)
			}
			for i, addr := range got.MulticastList {
				want := []byte{0x01, 0x00, 0x5E, 0, 0, byte(i + 1)}
				if !bytes.Equal(addr, want) {
					t.Errorf("entry %d: got %x; want %x", i, addr, want)
				}
			}
		})
	}
}
