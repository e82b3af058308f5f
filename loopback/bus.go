// Package loopback wires a gadget engine and a host engine back to back in
// one process. It stands in for a real USB bus: control writes land in the
// gadget's command handler, control reads poll its response queue the way a
// host polls after a response-available interrupt, and bulk submissions from
// the two sides are paired up in order and copied across.
package loopback

import (
	baseerrors "errors"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/rndis-engine/gadget"
	"github.com/MatthiasValvekens/rndis-engine/host"
	"github.com/MatthiasValvekens/rndis-engine/transfer"
)

// ErrClosed reports traffic on a bus after Close.
var ErrClosed = errors.New("loopback: bus is closed")

const (
	defaultPollInterval    = time.Millisecond
	defaultResponseTimeout = 2 * time.Second
)

type side uint8

const (
	sideGadget side = iota
	sideHost
)

func (s side) String() string {
	if s == sideGadget {
		return "gadget"
	}
	return "host"
}

type pend struct {
	buf  *transfer.Buffer
	done transfer.CompleteFunc
}

type completion struct {
	done transfer.CompleteFunc
	buf  *transfer.Buffer
	res  transfer.Result
}

type injectKey struct {
	side side
	ep   transfer.Endpoint
}

// Bus pairs one gadget with one host. Construct it first, hand GadgetPort
// and HostPort/HostControl to the two engines, then BindGadget so control
// traffic has somewhere to go.
type Bus struct {
	logger          log.Logger
	notifyEP        transfer.Endpoint
	pollInterval    time.Duration
	responseTimeout time.Duration

	mu     sync.Mutex
	dev    *gadget.Engine
	closed bool
	resets int

	// pending bulk submissions, one queue per direction and role
	d2hWrites []pend // gadget in-endpoint submissions
	d2hReads  []pend // host in-endpoint submissions
	h2dWrites []pend // host out-endpoint submissions
	h2dReads  []pend // gadget out-endpoint submissions

	inject map[injectKey][]transfer.Status
}

// New builds an unbound bus. logger may be nil.
func New(logger log.Logger) *Bus {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Bus{
		logger:          logger,
		notifyEP:        gadget.EndpointNotify,
		pollInterval:    defaultPollInterval,
		responseTimeout: defaultResponseTimeout,
		inject:          map[injectKey][]transfer.Status{},
	}
}

// BindGadget attaches the device side the control pipe talks to.
func (b *Bus) BindGadget(dev *gadget.Engine) {
	b.mu.Lock()
	b.dev = dev
	b.mu.Unlock()
}

// GadgetPort returns the transport the gadget engine drives.
func (b *Bus) GadgetPort() gadget.Transport { return gadgetPort{b} }

// HostPort returns the transport the host engine drives.
func (b *Bus) HostPort() host.Transport { return hostPort{b} }

// HostControl returns the host's view of the control pipe.
func (b *Bus) HostControl() host.ControlPipe { return hostControl{b} }

// EndpointResets reports how many stall recoveries the host asked for.
func (b *Bus) EndpointResets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

// InjectResult makes the next submission on the given side and endpoint
// complete immediately with the given status instead of being routed.
func (b *Bus) InjectResult(ep transfer.Endpoint, fromHost bool, st transfer.Status) {
	s := sideGadget
	if fromHost {
		s = sideHost
	}
	k := injectKey{side: s, ep: ep}
	b.mu.Lock()
	b.inject[k] = append(b.inject[k], st)
	b.mu.Unlock()
}

/// Close disconnects the two sides: everything pending fails with a
// disconnected status, and so does everything submitted afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var completions []completion
	for _, q := range [][]pend{b.d2hWrites, b.d2hReads, b.h2dWrites, b.h2dReads} {
		for _, p := range q {
			completions = append(completions, completion{p.done, p.buf, transfer.Result{Status: transfer.StatusDisconnected}})
		}
	}
	b.d2hWrites, b.d2hReads, b.h2dWrites, b.h2dReads = nil, nil, nil, nil
	b.mu.Unlock()

	_ = level.Info(b.logger).Log("msg", "bus closed", "failed_transfers", len(completions))
	deliver(completions)
}

type gadgetPort struct{ b *Bus }

func (p gadgetPort) Submit(ep transfer.Endpoint, buf *transfer.Buffer, done transfer.CompleteFunc) error {
	return p.b.submit(sideGadget, ep, buf, done)
}

func (p gadgetPort) CancelAll(ep transfer.Endpoint) { p.b.cancelAll(sideGadget, ep) }

type hostPort struct{ b *Bus }

func (p hostPort) Submit(ep transfer.Endpoint, buf *transfer.Buffer, done transfer.CompleteFunc) error {
	return p.b.submit(sideHost, ep, buf, done)
}

func (p hostPort) CancelAll(ep transfer.Endpoint) { p.b.cancelAll(sideHost, ep) }

func (p hostPort) ResetEndpoint(ep transfer.Endpoint) error {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.b.closed {
		return ErrClosed
	}
	p.b.resets++
	return nil
}

type hostControl struct{ b *Bus }

func (c hostControl) WriteCommand(data []byte) error {
	dev, err := c.b.device()
	if err != nil {
		return err
	}
	return dev.HandleCommand(data)
}

// ReadResponse polls the device's response queue until something shows up,
// imitating a host that keeps asking after a response-available interrupt.
func (c hostControl) ReadResponse(p []byte) (int, error) {
	deadline := time.Now().Add(c.b.responseTimeout)
	for {
		dev, err := c.b.device()
		if err != nil {
			return 0, err
		}
		n, err := dev.ReadResponse(p)
		if err == nil {
			return n, nil
		}
		if !baseerrors.Is(err, gadget.ErrNoPendingResponse) {
			return 0, err
		}
		if time.Now().After(deadline) {
			return 0, errors.New("loopback: timed out waiting for a control response")
		}
		time.Sleep(c.b.pollInterval)
	}
}

func (b *Bus) device() (*gadget.Engine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.dev == nil {
		return nil, errors.New("loopback: no device bound")
	}
	return b.dev, nil
}

func (b *Bus) submit(s side, ep transfer.Endpoint, buf *transfer.Buffer, done transfer.CompleteFunc) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		done(buf, transfer.Result{Status: transfer.StatusDisconnected})
		return nil
	}
	k := injectKey{side: s, ep: ep}
	if q := b.inject[k]; len(q) > 0 {
		st := q[0]
		b.inject[k] = q[1:]
		b.mu.Unlock()
		done(buf, transfer.Result{Status: st})
		return nil
	}

	var completions []completion
	switch {
	case s == sideGadget && ep == b.notifyEP:
		// Interrupt endpoint: the host side of this bus polls on its own,
		// so the notification is simply acknowledged.
		completions = []completion{{done, buf, transfer.Result{Status: transfer.StatusSuccess, Length: buf.Len()}}}
	case s == sideGadget && ep.In():
		b.d2hWrites = append(b.d2hWrites, pend{buf, done})
		completions = b.matchLocked(&b.d2hWrites, &b.d2hReads)
	case s == sideGadget:
		b.h2dReads = append(b.h2dReads, pend{buf, done})
		completions = b.matchLocked(&b.h2dWrites, &b.h2dReads)
	case ep.In():
		b.d2hReads = append(b.d2hReads, pend{buf, done})
		completions = b.matchLocked(&b.d2hWrites, &b.d2hReads)
	default:
		b.h2dWrites = append(b.h2dWrites, pend{buf, done})
		completions = b.matchLocked(&b.h2dWrites, &b.h2dReads)
	}
	b.mu.Unlock()

	deliver(completions)
	return nil
}

// matchLocked pairs queued writes with queued reads in arrival order and
// copies the data across. Both sides complete once paired.
func (b *Bus) matchLocked(writes, reads *[]pend) []completion {
	var completions []completion
	for len(*writes) > 0 && len(*reads) > 0 {
		w := (*writes)[0]
		*writes = (*writes)[1:]
		r := (*reads)[0]
		*reads = (*reads)[1:]

		n := w.buf.Len()
		if n > r.buf.Cap() {
			// Babble: the reader cannot take the transfer.
			completions = append(completions,
				completion{w.done, w.buf, transfer.Result{Status: transfer.StatusSuccess, Length: n}},
				completion{r.done, r.buf, transfer.Result{Status: transfer.StatusError}})
			continue
		}
		copy(r.buf.Map()[:n], w.buf.Map()[:n])
		completions = append(completions,
			completion{w.done, w.buf, transfer.Result{Status: transfer.StatusSuccess, Length: n}},
			completion{r.done, r.buf, transfer.Result{Status: transfer.StatusSuccess, Length: n}})
	}
	return completions
}

func (b *Bus) cancelAll(s side, ep transfer.Endpoint) {
	b.mu.Lock()
	var q *[]pend
	switch {
	case s == sideGadget && ep == b.notifyEP:
		b.mu.Unlock()
		return
	case s == sideGadget && ep.In():
		q = &b.d2hWrites
	case s == sideGadget:
		q = &b.h2dReads
	case ep.In():
		q = &b.d2hReads
	default:
		q = &b.h2dWrites
	}
	pending := *q
	*q = nil
	b.mu.Unlock()

	var completions []completion
	for _, p := range pending {
		completions = append(completions, completion{p.done, p.buf, transfer.Result{Status: transfer.StatusCancelled}})
	}
	deliver(completions)
}

func deliver(completions []completion) {
	for _, c := range completions {
		c.done(c.buf, c.res)
	}
}
