package gadget

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MatthiasValvekens/rndis-engine/rndis"
	"github.com/MatthiasValvekens/rndis-engine/transfer"
)

func TestInitializeHandshake(t *testing.T) {
	e, tr := newTestEngine(Config{PoolSize: 2, MaxTransferSize: 4096})
	handleOK(t, e, &rndis.Initialize{
		RequestID:       5,
		MajorVersion:    rndis.VersionMajor,
		MinorVersion:    rndis.VersionMinor,
		MaxTransferSize: 2048,
	})

	msg := readResponse(t, e)
	ic, ok := msg.(*rndis.InitializeComplete)
	if !ok {
		t.Fatalf("got %T; want *InitializeComplete", msg)
	}
	if ic.RequestID != 5 || ic.Status != rndis.StatusSuccess {
		t.Errorf("got request %d status %s", ic.RequestID, ic.Status)
	}
	if ic.MajorVersion != rndis.VersionMajor || ic.MinorVersion != rndis.VersionMinor {
		t.Errorf("got version %d.%d", ic.MajorVersion, ic.MinorVersion)
	}
	if ic.DeviceFlags != rndis.DFConnectionless || ic.Medium != rndis.Medium802_3 {
		t.Errorf("got flags %#x medium %d", ic.DeviceFlags, ic.Medium)
	}
	if ic.MaxPacketsPerTransfer != rndis.MaxPacketsPerTransfer {
		t.Errorf("got packets per transfer %d", ic.MaxPacketsPerTransfer)
	}
	// The completion advertises the device's own transfer size, not the
	// host's.
	if ic.MaxTransferSize != 4096 {
		t.Errorf("got transfer size %d; want 4096", ic.MaxTransferSize)
	}

	if _, err := e.ReadResponse(make([]byte, rndis.ControlBufferSize)); !errors.Is(err, ErrNoPendingResponse) {
		t.Errorf("drained queue read: %v", err)
	}

	subs := tr.take()
	if len(subs) != 1 || subs[0].ep != EndpointNotify {
		t.Fatalf("got submissions %v", subs)
	}
	b := subs[0].b
	if b.Len() != len(responseAvailable) || !bytes.Equal(b.Map()[:b.Len()], responseAvailable[:]) {
		t.Errorf("notification payload %x", b.Map()[:b.Len()])
	}
}

func TestQuery(t *testing.T) {
	e, _ := newTestEngine(Config{PoolSize: 2})

	t.Run("supported", func(t *testing.T) {
		handleOK(t, e, &rndis.Query{RequestID: 7, Oid: rndis.OidGenMediaConnectStatus})
		qc, ok := readResponse(t, e).(*rndis.QueryComplete)
		if !ok || qc.RequestID != 7 || qc.Status != rndis.StatusSuccess {
			t.Fatalf("got %#v", qc)
		}
		want := []byte{byte(rndis.MediaStateDisconnected), 0, 0, 0}
		if !bytes.Equal(qc.Payload, want) {
			t.Errorf("got payload %x; want %x", qc.Payload, want)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		handleOK(t, e, &rndis.Query{RequestID: 8, Oid: rndis.Oid(0x00FFEE00)})
		qc, ok := readResponse(t, e).(*rndis.QueryComplete)
		if !ok || qc.RequestID != 8 {
			t.Fatalf("got %#v", qc)
		}
		if qc.Status != rndis.StatusNotSupported || qc.Payload != nil {
			t.Errorf("got status %s payload %x", qc.Status, qc.Payload)
		}
	})
}

func TestSetPacketFilter(t *testing.T) {
	e, tr := newTestEngine(Config{PoolSize: 2})
	c := &fakeConsumer{}
	e.Attach(c)

	handleOK(t, e, &rndis.Initialize{RequestID: 1, MajorVersion: 1, MinorVersion: 0})
	readResponse(t, e)
	tr.take()

	handleOK(t, e, &rndis.Set{
		RequestID: 2,
		Oid:       rndis.OidGenCurrentPacketFilter,
		Payload:   filterPayload(rndis.PacketFilterDirected),
	})

	// The set completion is queued ahead of the media indication.
	sc, ok := readResponse(t, e).(*rndis.SetComplete)
	if !ok || sc.RequestID != 2 || sc.Status != rndis.StatusSuccess {
		t.Fatalf("first response %#v", sc)
	}
	ind, ok := readResponse(t, e).(*rndis.IndicateStatus)
	if !ok || ind.Status != rndis.StatusMediaConnect {
		t.Fatalf("second response %#v", ind)
	}

	if !e.Ready() {
		t.Error("not ready after nonzero filter")
	}
	if len(c.links) != 1 || !c.links[0] {
		t.Errorf("consumer link events %v", c.links)
	}
	if got := tr.countOn(EndpointBulkOut); got != 2 {
		t.Errorf("%d receive buffers armed; want 2", got)
	}

	// A second nonzero filter changes the value without replaying the
	// link-up sequence.
	tr.take()
	handleOK(t, e, &rndis.Set{
		RequestID: 3,
		Oid:       rndis.OidGenCurrentPacketFilter,
		Payload:   filterPayload(rndis.PacketFilterPromiscuous),
	})
	if _, ok := readResponse(t, e).(*rndis.SetComplete); !ok {
		t.Fatal("filter update not answered")
	}
	if _, err := e.ReadResponse(make([]byte, rndis.ControlBufferSize)); !errors.Is(err, ErrNoPendingResponse) {
		t.Error("filter update queued an extra indication")
	}
	if got := tr.countOn(EndpointBulkOut); got != 0 {
		t.Errorf("filter update armed %d more receive buffers", got)
	}
	if len(c.links) != 1 {
		t.Errorf("consumer link events %v", c.links)
	}

	// Clearing the filter records the value but does not tear the link
	// down; only reset and halt do that.
	handleOK(t, e, &rndis.Set{
		RequestID: 4,
		Oid:       rndis.OidGenCurrentPacketFilter,
		Payload:   filterPayload(0),
	})
	if _, ok := readResponse(t, e).(*rndis.SetComplete); !ok {
		t.Fatal("filter clear not answered")
	}
	if !e.Ready() {
		t.Error("zero filter tore the link down")
	}
}

func TestSetRejections(t *testing.T) {
	e, _ := newTestEngine(Config{PoolSize: 2})
	for _, tc := range []struct {
		name string
		set  *rndis.Set
		want rndis.Status
	}{
		{
			name: "short filter payload",
			set:  &rndis.Set{RequestID: 1, Oid: rndis.OidGenCurrentPacketFilter, Payload: []byte{1, 0}},
			want: rndis.StatusInvalidData,
		},
		{
			name: "read only oid",
			set:  &rndis.Set{RequestID: 2, Oid: rndis.OidGenLinkSpeed, Payload: filterPayload(99)},
			want: rndis.StatusNotSupported,
		},
		{
			name: "ragged multicast list",
			set:  &rndis.Set{RequestID: 3, Oid: rndis.Oid8023MulticastList, Payload: make([]byte, 7)},
			want: rndis.StatusInvalidData,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			handleOK(t, e, tc.set)
			sc, ok := readResponse(t, e).(*rndis.SetComplete)
			if !ok {
				t.Fatal("set not answered with a completion")
			}
			if sc.RequestID != tc.set.RequestID || sc.Status != tc.want {
				t.Errorf("got request %d status %s; want %d %s", sc.RequestID, sc.Status, tc.set.RequestID, tc.want)
			}
			if e.Ready() {
				t.Error("rejected set made the engine ready")
			}
		})
	}
}

func TestSetMulticastList(t *testing.T) {
	e, _ := newTestEngine(Config{PoolSize: 2})
	payload := []byte{
		0x01, 0x00, 0x5E, 0, 0, 1,
		0x01, 0x00, 0x5E, 0, 0, 2,
	}
	handleOK(t, e, &rndis.Set{RequestID: 4, Oid: rndis.Oid8023MulticastList, Payload: payload})
	sc, ok := readResponse(t, e).(*rndis.SetComplete)
	if !ok || sc.Status != rndis.StatusSuccess {
		t.Fatalf("got %#v", sc)
	}
	if len(e.state.multicast) != 2 {
		t.Errorf("stored multicast list %v", e.state.multicast)
	}
	if e.Ready() {
		t.Error("multicast set made the engine ready")
	}
}

func TestKeepalive(t *testing.T) {
	e, _ := newTestEngine(Config{PoolSize: 2})
	handleOK(t, e, &rndis.Keepalive{RequestID: 77})
	kc, ok := readResponse(t, e).(*rndis.KeepaliveComplete)
	if !ok {
		t.Fatal("keepalive not answered")
	}
	if kc.RequestID != 77 || kc.Status != rndis.StatusSuccess {
		t.Errorf("got %#v", kc)
	}
}

func TestMalformedControl(t *testing.T) {
	corruptOffset := func(msg rndis.Message) []byte {
		buf := msg.Encode()
		binary.LittleEndian.PutUint32(buf[20:], 4)
		return buf
	}

	t.Run("query info buffer ignored", func(t *testing.T) {
		// A query whose info buffer is unusable is still answerable; the
		// supported table never needs one.
		e, _ := newTestEngine(Config{PoolSize: 2})
		buf := corruptOffset(&rndis.Query{RequestID: 5, Oid: rndis.OidGenMediaConnectStatus, Payload: []byte{1, 2, 3, 4}})
		if err := e.HandleCommand(buf); err != nil {
			t.Fatal(err)
		}
		qc, ok := readResponse(t, e).(*rndis.QueryComplete)
		if !ok || qc.RequestID != 5 || qc.Status != rndis.StatusSuccess {
			t.Fatalf("got %#v", qc)
		}
	})

	t.Run("set info buffer rejected", func(t *testing.T) {
		// A set without its payload has nothing to apply.
		e, _ := newTestEngine(Config{PoolSize: 2})
		buf := corruptOffset(&rndis.Set{RequestID: 6, Oid: rndis.OidGenCurrentPacketFilter, Payload: filterPayload(1)})
		if err := e.HandleCommand(buf); err != nil {
			t.Fatal(err)
		}
		sc, ok := readResponse(t, e).(*rndis.SetComplete)
		if !ok || sc.RequestID != 6 || sc.Status != rndis.StatusInvalidData {
			t.Fatalf("got %#v", sc)
		}
	})

	for _, tc := range []struct {
		name string
		buf  []byte
	}{
		{name: "runt", buf: []byte{1, 2, 3}},
		{name: "data packet on control channel", buf: (&rndis.Packet{Data: []byte{1, 2}}).Encode()},
		{name: "unknown type", buf: (&rndis.Unknown{RawType: 0x42}).Encode()},
		{name: "length mismatch", buf: append((&rndis.Keepalive{RequestID: 1}).Encode(), 0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEngine(Config{PoolSize: 2})
			if err := e.HandleCommand(tc.buf); err != nil {
				t.Fatal(err)
			}
			ind, ok := readResponse(t, e).(*rndis.IndicateStatus)
			if !ok {
				t.Fatal("no diagnostic indication")
			}
			if ind.Status != rndis.StatusInvalidData {
				t.Errorf("got status %s", ind.Status)
			}
			if !bytes.Equal(ind.StatusPayload, tc.buf) {
				t.Errorf("echo %x; want %x", ind.StatusPayload, tc.buf)
			}
		})
	}

	t.Run("echo capped", func(t *testing.T) {
		e, _ := newTestEngine(Config{PoolSize: 2})
		huge := bytes.Repeat([]byte{0xCC}, 2000)
		if err := e.HandleCommand(huge); err != nil {
			t.Fatal(err)
		}
		ind, ok := readResponse(t, e).(*rndis.IndicateStatus)
		if !ok {
			t.Fatal("no diagnostic indication")
		}
		want := rndis.ControlBufferSize - rndis.IndicateStatusSize
		if len(ind.StatusPayload) != want {
			t.Errorf("echo is %d bytes; want %d", len(ind.StatusPayload), want)
		}
	})
}

func TestReset(t *testing.T) {
	e, tr := newTestEngine(Config{PoolSize: 2})
	c := &fakeConsumer{}
	e.Attach(c)
	bringUp(t, e)
	tr.take()

	// Leave a stale response in the queue; reset must discard it.
	handleOK(t, e, &rndis.Keepalive{RequestID: 9})

	handleOK(t, e, &rndis.Reset{})
	rc, ok := readResponse(t, e).(*rndis.ResetComplete)
	if !ok {
		t.Fatal("reset not answered")
	}
	if rc.Status != rndis.StatusSuccess || rc.AddressingReset != 1 {
		t.Errorf("got %#v", rc)
	}
	if _, err := e.ReadResponse(make([]byte, rndis.ControlBufferSize)); !errors.Is(err, ErrNoPendingResponse) {
		t.Error("stale responses survived the reset")
	}

	if e.Ready() {
		t.Error("still ready after reset")
	}
	if e.LinkInfo().LinkSpeed != 0 {
		t.Error("link speed survived the reset")
	}
	if len(c.links) != 2 || c.links[1] {
		t.Errorf("consumer link events %v", c.links)
	}

	// The session comes back with a fresh filter write.
	handleOK(t, e, &rndis.Set{
		RequestID: 10,
		Oid:       rndis.OidGenCurrentPacketFilter,
		Payload:   filterPayload(rndis.PacketFilterDirected),
	})
	readResponse(t, e)
	if !e.Ready() {
		t.Error("filter write after reset did not bring the link back")
	}
}

func TestHalt(t *testing.T) {
	e, tr := newTestEngine(Config{PoolSize: 2})
	c := &fakeConsumer{}
	e.Attach(c)
	bringUp(t, e)
	inFlight := tr.take()

	handleOK(t, e, &rndis.Halt{RequestID: 3})

	if _, err := e.ReadResponse(make([]byte, rndis.ControlBufferSize)); !errors.Is(err, ErrNoPendingResponse) {
		t.Error("halt queued a response")
	}
	if len(tr.cancelled) != 3 {
		t.Errorf("cancelled endpoints %v", tr.cancelled)
	}
	if e.Ready() {
		t.Error("still ready after halt")
	}
	if len(c.links) != 2 || c.links[1] {
		t.Errorf("consumer link events %v", c.links)
	}

	// The engine is not shut down: completions recycle the buffers and a
	// new session can start.
	for _, s := range inFlight {
		e.handleCompletion(s.b, transfer.Result{Status: transfer.StatusCancelled})
	}
	if !e.outPool.Drained() || e.outPool.FreeCount() != 2 {
		t.Errorf("receive ring not recycled: %d free", e.outPool.FreeCount())
	}
	bringUp(t, e)
}

func TestReadResponseSizing(t *testing.T) {
	e, _ := newTestEngine(Config{PoolSize: 2})
	handleOK(t, e, &rndis.Initialize{RequestID: 1, MajorVersion: 1, MinorVersion: 0})

	if _, err := e.ReadResponse(make([]byte, 10)); !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("short read: %v", err)
	}
	// The response survives the failed read.
	buf := make([]byte, rndis.ControlBufferSize)
	n, err := e.ReadResponse(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != rndis.InitializeCompleteSize {
		t.Errorf("read %d bytes; want %d", n, rndis.InitializeCompleteSize)
	}
}
