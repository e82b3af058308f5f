// SPDX-License-Identifier: GPL-2.0-only

// Package gadget implements the peripheral-side RNDIS protocol engine: it
// answers the host's control messages, manages the notification and bulk
// transfer pools, and moves Ethernet frames between the USB transport and an
// attached upper layer.
package gadget

import (
	"context"
	"net"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MatthiasValvekens/rndis-engine/rndis"
	"github.com/MatthiasValvekens/rndis-engine/transfer"
)

// Endpoint addresses of the three channels the engine drives. The transport
// maps them onto the interface's real descriptors.
const (
	EndpointNotify  transfer.Endpoint = 0x82
	EndpointBulkIn  transfer.Endpoint = 0x81
	EndpointBulkOut transfer.Endpoint = 0x01
)

var (
	// ErrWouldBlock reports transmit backpressure: the link is not up yet or
	// every write buffer is in flight. The caller retries after a completion.
	ErrWouldBlock = errors.New("no transmit capacity available")

	// ErrFrameTooLarge rejects a frame that cannot fit one bulk transfer.
	ErrFrameTooLarge = errors.New("frame exceeds the bulk transfer size")

	// ErrShuttingDown rejects work arriving after Shutdown began.
	ErrShuttingDown = errors.New("engine is shutting down")

	// ErrNoPendingResponse means the host polled an empty response queue.
	ErrNoPendingResponse = errors.New("no control response queued")

	// ErrResponseTooLarge means the host's read buffer cannot hold the next
	// queued response; the response stays queued.
	ErrResponseTooLarge = errors.New("control response exceeds the read buffer")
)

// Transport is the USB side the engine drives. Submit either returns an
// error (the buffer was never accepted) or guarantees exactly one completion
// callback later; CancelAll fails every in-flight buffer on the endpoint
// with a cancelled completion.
type Transport interface {
	Submit(ep transfer.Endpoint, b *transfer.Buffer, done transfer.CompleteFunc) error
	CancelAll(ep transfer.Endpoint)
}

// Consumer is the Ethernet upper layer attached above the engine. Frame
// slices passed to OnFrameReceived are only valid during the call.
type Consumer interface {
	OnFrameReceived(frame []byte)
	OnLinkStateChange(up bool)
}

// LinkInfo describes the link as exposed to the upper layer.
type LinkInfo struct {
	MAC       net.HardwareAddr
	MTU       uint32
	LinkSpeed uint32 // units of 100 bits per second, 0 while down
}

// Config carries the identity and sizing of one virtual NIC.
type Config struct {
	MAC               net.HardwareAddr
	MTU               uint32
	LinkSpeedMbps     uint32
	VendorID          uint32
	VendorDescription string
	MaxTransferSize   uint32
	PoolSize          int
}

const (
	defaultMTU       = 1500
	defaultLinkSpeed = 1000
	defaultPoolSize  = 8
)

func (c *Config) applyDefaults() {
	if c.MAC == nil {
		c.MAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}
	if c.MTU == 0 {
		c.MTU = defaultMTU
	}
	if c.LinkSpeedMbps == 0 {
		c.LinkSpeedMbps = defaultLinkSpeed
	}
	if c.MaxTransferSize == 0 {
		c.MaxTransferSize = rndis.DefaultMaxTransferSize
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}
}

// deviceState is the mutable NIC state behind the engine mutex. It also
// backs the OID registry; every method must be called with the mutex held.
type deviceState struct {
	mac       net.HardwareAddr
	linkSpeed uint32
	ready     bool
	filter    uint32
	multicast []net.HardwareAddr
	stats     rndis.LinkStats
}

func (s *deviceState) MACAddress() net.HardwareAddr       { return s.mac }
func (s *deviceState) PermanentAddress() net.HardwareAddr { return s.mac }
func (s *deviceState) LinkSpeed() uint32                  { return s.linkSpeed }
func (s *deviceState) Connected() bool                    { return s.ready }
func (s *deviceState) PacketFilter() uint32               { return s.filter }
func (s *deviceState) Stats() rndis.LinkStats             { return s.stats }

type completionEvent struct {
	buf *transfer.Buffer
	res transfer.Result
}

// Engine is one peripheral-side RNDIS instance.
type Engine struct {
	cfg        Config
	speedUnits uint32
	transport  Transport
	logger     log.Logger
	registry   *rndis.Registry

	mu           sync.Mutex
	state        deviceState
	shuttingDown bool
	responses    [][]byte
	consumer     Consumer

	notifyPool *transfer.Pool
	inPool     *transfer.Pool
	outPool    *transfer.Pool
	drain      transfer.Drain

	events chan completionEvent

	// metrics
	txFrames             prometheus.Counter
	rxFrames             prometheus.Counter
	txErrors             prometheus.Counter
	rxErrors             prometheus.Counter
	invalidControl       prometheus.Counter
	droppedNotifications prometheus.Counter
}

// New builds an engine over the given transport. logger may be nil; reg may
// be nil to skip metric registration. The engine is idle until the transport
// glue starts feeding it control messages and Run drains completions.
func New(cfg Config, transport Transport, logger log.Logger, reg prometheus.Registerer) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg.applyDefaults()

	e := &Engine{
		cfg:        cfg,
		speedUnits: cfg.LinkSpeedMbps * 10000,
		transport:  transport,
		logger:     logger,
		state: deviceState{
			mac: cfg.MAC,
		},
		notifyPool: transfer.NewPool(EndpointNotify, cfg.PoolSize, 16),
		inPool:     transfer.NewPool(EndpointBulkIn, cfg.PoolSize, int(cfg.MaxTransferSize)),
		outPool:    transfer.NewPool(EndpointBulkOut, cfg.PoolSize, int(cfg.MaxTransferSize)),
		events:     make(chan completionEvent, 3*cfg.PoolSize+1),
		txFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_gadget_frames_transmitted_total",
			Help: "Frames sent to the host over the bulk-in endpoint.",
		}),
		rxFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_gadget_frames_received_total",
			Help: "Frames unpacked from bulk-out transfers and delivered upward.",
		}),
		txErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_gadget_transmit_errors_total",
			Help: "Transmit attempts that failed before or on the wire.",
		}),
		rxErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_gadget_receive_errors_total",
			Help: "Bulk-out transfers dropped for framing violations or I/O errors.",
		}),
		invalidControl: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_gadget_invalid_control_messages_total",
			Help: "Control messages answered with the generic diagnostic.",
		}),
		droppedNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_gadget_dropped_notifications_total",
			Help: "Response-available notifications skipped because the pool was empty.",
		}),
	}
	e.registry = rndis.NewRegistry(rndis.RegistryConfig{
		VendorID:          cfg.VendorID,
		VendorDescription: cfg.VendorDescription,
		MaxFrameSize:      cfg.MTU,
		MaxTotalSize:      cfg.MTU + 14,
	}, &e.state)

	if reg != nil {
		reg.MustRegister(e.txFrames, e.rxFrames, e.txErrors, e.rxErrors,
			e.invalidControl, e.droppedNotifications)
	}
	return e
}

// Run drains completion events until ctx is cancelled. It must be running
// whenever buffers are in flight: transport callbacks only post events, and
// all completion handling happens here, on one goroutine.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.handleCompletion(ev.buf, ev.res)
		}
	}
}

// onComplete is handed to the transport for every submission. The channel is
// sized for every buffer the engine owns, so the send cannot block.
func (e *Engine) onComplete(b *transfer.Buffer, res transfer.Result) {
	e.events <- completionEvent{buf: b, res: res}
}

func (e *Engine) handleCompletion(b *transfer.Buffer, res transfer.Result) {
	switch b.Endpoint() {
	case EndpointNotify:
		e.finishNotify(b, res)
	case EndpointBulkIn:
		e.finishWrite(b, res)
	case EndpointBulkOut:
		e.finishRead(b, res)
	default:
		_ = level.Error(e.logger).Log("msg", "completion for unknown endpoint", "endpoint", b.Endpoint())
	}
}

func (e *Engine) poolFor(ep transfer.Endpoint) *transfer.Pool {
	switch ep {
	case EndpointNotify:
		return e.notifyPool
	case EndpointBulkIn:
		return e.inPool
	}
	return e.outPool
}

// submit performs the transport call for a buffer already marked in flight.
// Must be called without the engine mutex. A synchronous submit failure is
// folded into the normal completion path.
func (e *Engine) submit(ep transfer.Endpoint, b *transfer.Buffer) {
	if err := e.transport.Submit(ep, b, e.onComplete); err != nil {
		_ = level.Warn(e.logger).Log("msg", "transfer submit failed", "endpoint", ep, "err", err)
		e.reclaim(ep, b, transfer.StatusError)
	}
}

// reclaim returns a buffer whose submission never reached the transport.
func (e *Engine) reclaim(ep transfer.Endpoint, b *transfer.Buffer, st transfer.Status) {
	e.mu.Lock()
	pool := e.poolFor(ep)
	pool.MarkCompleting(b)
	switch ep {
	case EndpointBulkIn:
		e.state.stats.TransmitErrors++
		e.txErrors.Inc()
	case EndpointBulkOut:
		e.state.stats.ReceiveErrors++
		e.rxErrors.Inc()
	default:
		e.droppedNotifications.Inc()
	}
	if e.shuttingDown {
		pool.Retire(b)
	} else {
		pool.Release(b)
	}
	cbs := e.drain.Done()
	e.mu.Unlock()
	runAll(cbs)
}

func (e *Engine) finishNotify(b *transfer.Buffer, res transfer.Result) {
	e.mu.Lock()
	e.notifyPool.MarkCompleting(b)
	if res.Status != transfer.StatusSuccess && res.Status != transfer.StatusCancelled {
		e.droppedNotifications.Inc()
	}
	if e.shuttingDown {
		e.notifyPool.Retire(b)
	} else {
		e.notifyPool.Release(b)
	}
	cbs := e.drain.Done()
	e.mu.Unlock()
	runAll(cbs)
}

func (e *Engine) finishWrite(b *transfer.Buffer, res transfer.Result) {
	e.mu.Lock()
	e.inPool.MarkCompleting(b)
	switch res.Status {
	case transfer.StatusSuccess:
		e.state.stats.TransmitOK++
		e.txFrames.Inc()
	case transfer.StatusCancelled:
		// teardown path, not an error
	default:
		e.state.stats.TransmitErrors++
		e.txErrors.Inc()
	}
	if e.shuttingDown {
		e.inPool.Retire(b)
	} else {
		e.inPool.Release(b)
	}
	cbs := e.drain.Done()
	e.mu.Unlock()
	runAll(cbs)
}

// Attach connects the Ethernet upper layer. If the link is already up the
// new consumer hears about it immediately.
func (e *Engine) Attach(c Consumer) {
	e.mu.Lock()
	e.consumer = c
	up := e.state.ready
	e.mu.Unlock()
	if c != nil && up {
		c.OnLinkStateChange(true)
	}
}

// LinkInfo reports the link identity for the upper layer.
func (e *Engine) LinkInfo() LinkInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	mac := make(net.HardwareAddr, len(e.state.mac))
	copy(mac, e.state.mac)
	return LinkInfo{MAC: mac, MTU: e.cfg.MTU, LinkSpeed: e.state.linkSpeed}
}

// Ready reports whether the host has set a nonzero packet filter.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.ready
}

// Stats returns a snapshot of the device-side counters.
func (e *Engine) Stats() rndis.LinkStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.stats
}

// Shutdown cancels all three endpoints and registers onComplete to fire once
// every in-flight buffer has come back and nothing is pending. Safe to call
// more than once; each registered callback fires exactly once. onComplete
// runs inline when nothing is outstanding.
func (e *Engine) Shutdown(onComplete func()) {
	e.mu.Lock()
	first := !e.shuttingDown
	e.shuttingDown = true
	wasReady := e.state.ready
	e.state.ready = false
	e.state.linkSpeed = 0
	consumer := e.consumer
	cbs := e.drain.Begin(onComplete)
	e.mu.Unlock()

	if first {
		e.transport.CancelAll(EndpointNotify)
		e.transport.CancelAll(EndpointBulkIn)
		e.transport.CancelAll(EndpointBulkOut)
		if wasReady && consumer != nil {
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
