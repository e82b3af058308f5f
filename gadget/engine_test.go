package gadget

import (
	"errors"
	"testing"

	"github.com/MatthiasValvekens/rndis-engine/rndis"
	"github.com/MatthiasValvekens/rndis-engine/transfer"
)

type submission struct {
	ep   transfer.Endpoint
	b    *transfer.Buffer
	done transfer.CompleteFunc
}

// fakeTransport records submissions without completing them; tests drive
// completions by calling the engine's handler directly, which keeps every
// assertion on one goroutine.
type fakeTransport struct {
	subs      []submission
	cancelled []transfer.Endpoint
	failErr   error
}

func (tr *fakeTransport) Submit(ep transfer.Endpoint, b *transfer.Buffer, done transfer.CompleteFunc) error {
	if tr.failErr != nil {
		return tr.failErr
	}
	tr.subs = append(tr.subs, submission{ep: ep, b: b, done: done})
	return nil
}

func (tr *fakeTransport) CancelAll(ep transfer.Endpoint) {
	tr.cancelled = append(tr.cancelled, ep)
}

// take hands back the submissions recorded so far and forgets them, so a
// test can complete one batch while the engine queues the next.
func (tr *fakeTransport) take() []submission {
	subs := tr.subs
	tr.subs = nil
	return subs
}

func (tr *fakeTransport) countOn(ep transfer.Endpoint) int {
	n := 0
	for _, s := range tr.subs {
		if s.ep == ep {
			n++
		}
	}
	return n
}

type fakeConsumer struct {
	frames [][]byte
	links  []bool
}

func (c *fakeConsumer) OnFrameReceived(frame []byte) {
	c.frames = append(c.frames, append([]byte(nil), frame...))
}

func (c *fakeConsumer) OnLinkStateChange(up bool) {
	c.links = append(c.links, up)
}

func newTestEngine(cfg Config) (*Engine, *fakeTransport) {
	tr := &fakeTransport{}
	return New(cfg, tr, nil, nil), tr
}

func handleOK(t *testing.T, e *Engine, msg rndis.Message) {
	t.Helper()
	if err := e.HandleCommand(msg.Encode()); err != nil {
		t.Fatal(err)
	}
}

func readResponse(t *testing.T, e *Engine) rndis.Message {
	t.Helper()
	buf := make([]byte, rndis.ControlBufferSize)
	n, err := e.ReadResponse(buf)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := rndis.Decode(buf[:n])
	if err != nil {
		t.Fatalf("queued response does not decode: %v", err)
	}
	return msg
}

func filterPayload(filter uint32) []byte {
	return []byte{byte(filter), byte(filter >> 8), byte(filter >> 16), byte(filter >> 24)}
}

// bringUp walks the engine through initialize and a nonzero packet filter,
// consuming the queued responses along the way.
func bringUp(t *testing.T, e *Engine) {
	t.Helper()
	handleOK(t, e, &rndis.Initialize{
		RequestID:       1,
		MajorVersion:    rndis.VersionMajor,
		MinorVersion:    rndis.VersionMinor,
		MaxTransferSize: rndis.DefaultMaxTransferSize,
	})
	if _, ok := readResponse(t, e).(*rndis.InitializeComplete); !ok {
		t.Fatal("initialize not answered")
	}
	handleOK(t, e, &rndis.Set{
		RequestID: 2,
		Oid:       rndis.OidGenCurrentPacketFilter,
		Payload:   filterPayload(rndis.PacketFilterDirected | rndis.PacketFilterBroadcast),
	})
	if _, ok := readResponse(t, e).(*rndis.SetComplete); !ok {
		t.Fatal("set not answered")
	}
	if _, ok := readResponse(t, e).(*rndis.IndicateStatus); !ok {
		t.Fatal("no media indication")
	}
	if !e.Ready() {
		t.Fatal("engine not ready after nonzero filter")
	}
}

func TestAttachReportsCurrentLink(t *testing.T) {
	e, _ := newTestEngine(Config{PoolSize: 2})
	late := &fakeConsumer{}
	e.Attach(late)
	if len(late.links) != 0 {
		t.Fatalf("link events before bring-up: %v", late.links)
	}

	bringUp(t, e)
	if len(late.links) != 1 || !late.links[0] {
		t.Errorf("attached consumer events: %v", late.links)
	}

	// A consumer attached after the link is already up hears about it
	// immediately.
	e.Attach(&fakeConsumer{})
	second := &fakeConsumer{}
	e.Attach(second)
	if len(second.links) != 1 || !second.links[0] {
		t.Errorf("late consumer events: %v", second.links)
	}
}

func TestLinkInfo(t *testing.T) {
	e, _ := newTestEngine(Config{PoolSize: 2, MTU: 1400, LinkSpeedMbps: 100})
	info := e.LinkInfo()
	if info.MTU != 1400 || info.LinkSpeed != 0 {
		t.Errorf("down link info: %+v", info)
	}
	bringUp(t, e)
	info = e.LinkInfo()
	if info.LinkSpeed != 100*10000 {
		t.Errorf("up link speed %d; want %d", info.LinkSpeed, 100*10000)
	}
	info.MAC[0] = 0xFF
	if e.LinkInfo().MAC[0] == 0xFF {
		t.Error("LinkInfo MAC aliases engine state")
	}
}

func TestShutdownDrains(t *testing.T) {
	e, tr := newTestEngine(Config{PoolSize: 2})
	e.Attach(&fakeConsumer{})
	bringUp(t, e)

	outstanding := tr.take()
	if len(outstanding) == 0 {
		t.Fatal("no buffers in flight after bring-up")
	}

	fired := 0
	e.Shutdown(func() { fired++ })
	if fired != 0 {
		t.Fatal("drain finished with buffers in flight")
	}
	if len(tr.cancelled) != 3 {
		t.Errorf("cancelled endpoints: %v", tr.cancelled)
	}

	// Joining a drain already in progress is allowed.
	joined := 0
	e.Shutdown(func() { joined++ })

	for _, s := range outstanding[:len(outstanding)-1] {
		e.handleCompletion(s.b, transfer.Result{Status: transfer.StatusCancelled})
	}
	if fired != 0 || joined != 0 {
		t.Fatal("drain finished early")
	}
	last := outstanding[len(outstanding)-1]
	e.handleCompletion(last.b, transfer.Result{Status: transfer.StatusCancelled})
	if fired != 1 || joined != 1 {
		t.Errorf("callbacks fired %d/%d times; want 1/1", fired, joined)
	}

	if err := e.HandleCommand((&rndis.Keepalive{RequestID: 9}).Encode()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("HandleCommand after shutdown: %v", err)
	}
	if err := e.Transmit([]byte{1}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Transmit after shutdown: %v", err)
	}
}

func TestShutdownIdleFiresInline(t *testing.T) {
	e, tr := newTestEngine(Config{PoolSize: 2})
	c := &fakeConsumer{}
	e.Attach(c)

	fired := false
	e.Shutdown(func() { fired = true })
	if !fired {
		t.Error("idle shutdown did not complete inline")
	}
	if len(tr.cancelled) != 3 {
		t.Errorf("cancelled endpoints: %v", tr.cancelled)
	}
	if len(c.links) != 0 {
		t.Errorf("link was never up, got events %v", c.links)
	}

	// Cancels are issued only once.
	e.Shutdown(nil)
	if len(tr.cancelled) != 3 {
		t.Errorf("repeated shutdown cancelled again: %v", tr.cancelled)
	}
}
