// SPDX-License-Identifier: GPL-2.0-only

// Package host implements the host-side RNDIS protocol engine: it initializes
// a remote NDIS device over the control pipe, keeps the receive ring armed,
// and exchanges Ethernet frames with it over the bulk endpoints.
package host

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MatthiasValvekens/rndis-engine/rndis"
	"github.com/MatthiasValvekens/rndis-engine/transfer"
)

var (
	// ErrDataIntegrity reports a control response that cannot belong to the
	// request: wrong type, wrong request id, or an unparseable body. The
	// transaction is not retryable; the caller decides whether to reset.
	ErrDataIntegrity = errors.New("control response does not match the request")

	// ErrBlockingFromLoop rejects a control transaction issued from the
	// completion loop, which would deadlock the data path behind it.
	ErrBlockingFromLoop = errors.New("control transaction on the completion goroutine")

	// ErrWouldBlock reports transmit backpressure: link down or no free
	// write buffer.
	ErrWouldBlock = errors.New("no transmit capacity available")

	// ErrFrameTooLarge rejects a frame that cannot fit one bulk transfer.
	ErrFrameTooLarge = errors.New("frame exceeds the bulk transfer size")

	// ErrShuttingDown rejects work after Shutdown or a device disconnect.
	ErrShuttingDown = errors.New("engine is shutting down")
)

// ControlPipe is the device's control channel: write one command, then read
// completions and indications. ReadResponse blocks until the device has
// something to say.
type ControlPipe interface {
	WriteCommand(data []byte) error
	ReadResponse(p []byte) (int, error)
}

// Transport drives the bulk endpoints. The contract matches the gadget side:
// Submit either fails synchronously or completes exactly once, CancelAll
// fails everything in flight with a cancelled status. ResetEndpoint clears a
// stall condition.
type Transport interface {
	Submit(ep transfer.Endpoint, b *transfer.Buffer, done transfer.CompleteFunc) error
	CancelAll(ep transfer.Endpoint)
	ResetEndpoint(ep transfer.Endpoint) error
}

// Consumer is the network stack attached above the engine. Frame slices
// passed to OnFrameReceived are only valid during the call.
type Consumer interface {
	OnFrameReceived(frame []byte)
	OnLinkStateChange(up bool)
}

// DeviceInfo is what Start learns about the device.
type DeviceInfo struct {
	MAC                   net.HardwareAddr
	MTU                   uint32
	LinkSpeed             uint32 // units of 100 bits per second
	MaxTransferSize       uint32
	MaxPacketsPerTransfer uint32
}

// LinkInfo describes the link as seen from the host side.
type LinkInfo struct {
	MAC       net.HardwareAddr
	MTU       uint32
	LinkSpeed uint32
}

// Config carries endpoint addresses and sizing for one device binding.
type Config struct {
	BulkIn          transfer.Endpoint
	BulkOut         transfer.Endpoint
	PoolSize        int
	MaxTransferSize uint32

	// ResponseReadBudget bounds how many unsolicited indications one
	// control transaction will absorb before giving up on its completion.
	ResponseReadBudget int
}

const (
	defaultPoolSize           = 8
	defaultResponseReadBudget = 8

	// DefaultPacketFilter is what Start programs into the device: directed,
	// multicast, all-multicast and broadcast traffic.
	DefaultPacketFilter = rndis.PacketFilterDirected | rndis.PacketFilterMulticast |
		rndis.PacketFilterAllMulticast | rndis.PacketFilterBroadcast

	// Failed completions push the per-direction resubmit delay up by one
	// step; it never decays.
	delayStep = 10 * time.Millisecond
	delayMax  = 500 * time.Millisecond
)

func (c *Config) applyDefaults() {
	if c.BulkIn == 0 {
		c.BulkIn = 0x81
	}
	if c.BulkOut == 0 {
		c.BulkOut = 0x01
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.MaxTransferSize == 0 {
		c.MaxTransferSize = rndis.DefaultMaxTransferSize
	}
	if c.ResponseReadBudget == 0 {
		c.ResponseReadBudget = defaultResponseReadBudget
	}
}

// linkState is the host's view of the device, guarded by the engine mutex.
type linkState struct {
	mac       net.HardwareAddr
	mtu       uint32
	linkSpeed uint32
	up        bool
	stats     rndis.LinkStats
}

type completionEvent struct {
	buf *transfer.Buffer
	res transfer.Result
}

// Engine is one host-side RNDIS binding.
type Engine struct {
	cfg       Config
	control   ControlPipe
	transport Transport
	logger    log.Logger

	reqID   atomic.Uint32
	loopGID atomic.Uint64

	mu           sync.Mutex
	state        linkState
	started      bool
	shuttingDown bool
	deviceMax    uint32
	consumer     Consumer
	txDelay      time.Duration
	rxDelay      time.Duration

	inPool  *transfer.Pool
	outPool *transfer.Pool
	drain   transfer.Drain

	events chan completionEvent

	// metrics
	txFrames          prometheus.Counter
	rxFrames          prometheus.Counter
	txErrors          prometheus.Counter
	rxErrors          prometheus.Counter
	controlRoundtrips prometheus.Counter
	integrityFailures prometheus.Counter
	stalls            prometheus.Counter
}

// New builds an engine over a control pipe and a bulk transport. logger may
// be nil; reg may be nil to skip metric registration. Call Start to bring
// the device up once Run is draining completions.
func New(cfg Config, control ControlPipe, transport Transport, logger log.Logger, reg prometheus.Registerer) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg.applyDefaults()

	e := &Engine{
		cfg:       cfg,
		control:   control,
		transport: transport,
		logger:    logger,
		inPool:    transfer.NewPool(cfg.BulkIn, cfg.PoolSize, int(cfg.MaxTransferSize)),
		outPool:   transfer.NewPool(cfg.BulkOut, cfg.PoolSize, int(cfg.MaxTransferSize)),
		events:    make(chan completionEvent, 2*cfg.PoolSize+1),
		txFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_host_frames_transmitted_total",
			Help: "Frames sent to the device over the bulk-out endpoint.",
		}),
		rxFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_host_frames_received_total",
			Help: "Frames unpacked from bulk-in transfers and delivered upward.",
		}),
		txErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_host_transmit_errors_total",
			Help: "Transmit attempts that failed before or on the wire.",
		}),
		rxErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_host_receive_errors_total",
			Help: "Bulk-in transfers that completed with an error or bad framing.",
		}),
		controlRoundtrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_host_control_roundtrips_total",
			Help: "Completed control request/response exchanges.",
		}),
		integrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_host_integrity_failures_total",
			Help: "Control responses rejected as not matching their request.",
		}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_host_endpoint_stalls_total",
			Help: "Stalled bulk completions that triggered an endpoint reset.",
		}),
	}

	if reg != nil {
		reg.MustRegister(e.txFrames, e.rxFrames, e.txErrors, e.rxErrors,
			e.controlRoundtrips, e.integrityFailures, e.stalls)
	}
	return e
}

// Run drains completion events until ctx is cancelled. Control transactions
// must never be issued from this goroutine; Command-level calls check for
// that and fail with ErrBlockingFromLoop.
func (e *Engine) Run(ctx context.Context) error {
	e.loopGID.Store(curGoroutineID())
	defer e.loopGID.Store(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.handleCompletion(ev.buf, ev.res)
		}
	}
}

func (e *Engine) onComplete(b *transfer.Buffer, res transfer.Result) {
	e.events <- completionEvent{buf: b, res: res}
}

func (e *Engine) handleCompletion(b *transfer.Buffer, res transfer.Result) {
	if b.Endpoint() == e.cfg.BulkIn {
		e.finishRead(b, res)
	} else {
		e.finishWrite(b, res)
	}
}

func (e *Engine) poolFor(ep transfer.Endpoint) *transfer.Pool {
	if ep == e.cfg.BulkIn {
		return e.inPool
	}
	return e.outPool
}

// Attach connects the network stack. A consumer attached while the link is
// already up hears about it immediately.
func (e *Engine) Attach(c Consumer) {
	e.mu.Lock()
	e.consumer = c
	up := e.state.up
	e.mu.Unlock()
	if c != nil && up {
		c.OnLinkStateChange(true)
	}
}

// LinkInfo reports what Start learned about the device.
func (e *Engine) LinkInfo() LinkInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	mac := make(net.HardwareAddr, len(e.state.mac))
	copy(mac, e.state.mac)
	return LinkInfo{MAC: mac, MTU: e.state.mtu, LinkSpeed: e.state.linkSpeed}
}

// LinkUp reports whether the device link is currently up.
func (e *Engine) LinkUp() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.up
}

// Stats returns a snapshot of the host-side counters.
func (e *Engine) Stats() rndis.LinkStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.stats
}

// Shutdown cancels both bulk endpoints and registers onComplete to fire once
// every in-flight buffer has come back. Safe to call more than once; each
// registered callback fires exactly once, inline when nothing is pending.
func (e *Engine) Shutdown(onComplete func()) {
	e.mu.Lock()
	first := !e.shuttingDown
	e.shuttingDown = true
	wasUp := e.state.up
	e.state.up = false
	consumer := e.consumer
	cbs := e.drain.Begin(onComplete)
	e.mu.Unlock()

	if first {
		e.transport.CancelAll(e.cfg.BulkIn)
		e.transport.CancelAll(e.cfg.BulkOut)
		if wasUp && consumer != nil {
			consumer.OnLinkStateChange(false)
		}
	}
	runAll(cbs)
}

func runAll(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
