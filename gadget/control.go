package gadget

import (
	baseerrors "errors"

	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/rndis-engine/rndis"
	"github.com/MatthiasValvekens/rndis-engine/transfer"
)

// responseAvailable is the interrupt payload that tells the host to poll the
// control endpoint for a queued response. Fixed by the protocol.
var responseAvailable = [8]byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// controlEffects collects the side effects of one dispatched control message
// so they can run after the engine mutex is released.
type controlEffects struct {
	queued     bool
	cancel     []transfer.Endpoint
	linkChange *bool
	reads      []*transfer.Buffer
}

// HandleCommand processes one control message from the host. Responses are
// queued for ReadResponse and announced on the notify endpoint; messages the
// engine cannot interpret are answered with a diagnostic indication rather
// than an error. The only failure is calling in after Shutdown.
func (e *Engine) HandleCommand(data []byte) error {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	eff := e.dispatchLocked(data)
	var notify *transfer.Buffer
	if eff.queued {
		notify = e.prepareNotifyLocked()
	}
	consumer := e.consumer
	e.mu.Unlock()

	for _, ep := range eff.cancel {
		e.transport.CancelAll(ep)
	}
	if eff.linkChange != nil && consumer != nil {
		consumer.OnLinkStateChange(*eff.linkChange)
	}
	for _, b := range eff.reads {
		e.submit(EndpointBulkOut, b)
	}
	if notify != nil {
		e.submit(EndpointNotify, notify)
	}
	return nil
}

func (e *Engine) dispatchLocked(data []byte) controlEffects {
	var eff controlEffects
	msg, err := rndis.Decode(data)
	if err != nil {
		if baseerrors.Is(err, rndis.ErrMalformedPayload) {
			// The fixed part of the header decoded; for query and set the
			// protocol pins down a specific answer.
			switch m := msg.(type) {
			case *rndis.Query:
				// info buffer treated as absent
				e.handleQueryLocked(&rndis.Query{RequestID: m.RequestID, Oid: m.Oid}, &eff)
				return eff
			case *rndis.Set:
				e.queueResponseLocked(&rndis.SetComplete{
					RequestID: m.RequestID,
					Status:    rndis.StatusInvalidData,
				}, &eff)
				return eff
			}
		}
		e.queueInvalidLocked(data, &eff)
		return eff
	}

	switch m := msg.(type) {
	case *rndis.Initialize:
		e.handleInitializeLocked(m, &eff)
	case *rndis.Query:
		e.handleQueryLocked(m, &eff)
	case *rndis.Set:
		e.handleSetLocked(m, &eff)
	case *rndis.Reset:
		e.handleResetLocked(&eff)
	case *rndis.Keepalive:
		e.queueResponseLocked(&rndis.KeepaliveComplete{
			RequestID: m.RequestID,
			Status:    rndis.StatusSuccess,
		}, &eff)
	case *rndis.Halt:
		e.handleHaltLocked(&eff)
	default:
		// Data packets and unknown types do not belong on the control channel.
		e.queueInvalidLocked(data, &eff)
	}
	return eff
}

func (e *Engine) handleInitializeLocked(m *rndis.Initialize, eff *controlEffects) {
	if m.MajorVersion != rndis.VersionMajor || m.MinorVersion != rndis.VersionMinor {
		_ = level.Warn(e.logger).Log("msg", "host requested a different protocol version",
			"host_major", m.MajorVersion, "host_minor", m.MinorVersion)
	}
	_ = level.Debug(e.logger).Log("msg", "control session opened",
		"host_max_transfer_size", m.MaxTransferSize)
	e.queueResponseLocked(&rndis.InitializeComplete{
		RequestID:             m.RequestID,
		Status:                rndis.StatusSuccess,
		MajorVersion:          rndis.VersionMajor,
		MinorVersion:          rndis.VersionMinor,
		DeviceFlags:           rndis.DFConnectionless,
		Medium:                rndis.Medium802_3,
		MaxPacketsPerTransfer: rndis.MaxPacketsPerTransfer,
		MaxTransferSize:       e.cfg.MaxTransferSize,
	}, eff)
}

func (e *Engine) handleQueryLocked(m *rndis.Query, eff *controlEffects) {
	payload, ok := e.registry.Get(m.Oid)
	if !ok {
		_ = level.Debug(e.logger).Log("msg", "query for unsupported oid", "oid", m.Oid)
		e.queueResponseLocked(&rndis.QueryComplete{
			RequestID: m.RequestID,
			Status:    rndis.StatusNotSupported,
		}, eff)
		return
	}
	e.queueResponseLocked(&rndis.QueryComplete{
		RequestID: m.RequestID,
		Status:    rndis.StatusSuccess,
		Payload:   payload,
	}, eff)
}

func (e *Engine) handleSetLocked(m *rndis.Set, eff *controlEffects) {
	out := e.registry.Set(m.Oid, m.Payload)
	if out.Status != rndis.StatusSuccess {
		_ = level.Debug(e.logger).Log("msg", "rejecting set", "oid", m.Oid, "status", out.Status)
		e.queueResponseLocked(&rndis.SetComplete{RequestID: m.RequestID, Status: out.Status}, eff)
		return
	}
	if out.MulticastList != nil {
		e.state.multicast = out.MulticastList
	}
	// The completion goes out ahead of any indication the filter change
	// provokes, so the host always sees its answer first.
	e.queueResponseLocked(&rndis.SetComplete{RequestID: m.RequestID, Status: rndis.StatusSuccess}, eff)
	if out.PacketFilter != nil {
		e.state.filter = *out.PacketFilter
		if *out.PacketFilter != 0 && !e.state.ready {
			e.becomeReadyLocked(eff)
		}
	}
}

// becomeReadyLocked performs the one-time transition to the data-moving
// state: link up, media-connect indication, and the receive ring armed.
func (e *Engine) becomeReadyLocked(eff *controlEffects) {
	e.state.ready = true
	e.state.linkSpeed = e.speedUnits
	e.queueResponseLocked(&rndis.IndicateStatus{Status: rndis.StatusMediaConnect}, eff)
	up := true
	eff.linkChange = &up
	eff.reads = e.prepareReadsLocked()
	_ = level.Info(e.logger).Log("msg", "link up", "filter", e.state.filter)
}

func (e *Engine) handleResetLocked(eff *controlEffects) {
	e.responses = nil
	wasReady := e.state.ready
	e.state.ready = false
	e.state.linkSpeed = 0
	e.state.filter = 0
	e.state.multicast = nil
	if wasReady {
		down := false
		eff.linkChange = &down
		_ = level.Info(e.logger).Log("msg", "link down on reset")
	}
	e.queueResponseLocked(&rndis.ResetComplete{
		Status:          rndis.StatusSuccess,
		AddressingReset: 1,
	}, eff)
}

func (e *Engine) handleHaltLocked(eff *controlEffects) {
	e.responses = nil
	wasReady := e.state.ready
	e.state.ready = false
	e.state.linkSpeed = 0
	e.state.filter = 0
	e.state.multicast = nil
	if wasReady {
		down := false
		eff.linkChange = &down
	}
	eff.cancel = []transfer.Endpoint{EndpointNotify, EndpointBulkIn, EndpointBulkOut}
	_ = level.Info(e.logger).Log("msg", "halted by host")
	// A halt gets no response.
}

// queueInvalidLocked answers a message the engine could not make sense of
// with a diagnostic indication echoing as much of the input as fits.
func (e *Engine) queueInvalidLocked(data []byte, eff *controlEffects) {
	e.invalidControl.Inc()
	_ = level.Debug(e.logger).Log("msg", "invalid control message", "len", len(data))
	echo := data
	if max := rndis.ControlBufferSize - rndis.IndicateStatusSize; len(echo) > max {
		echo = echo[:max]
	}
	e.queueResponseLocked(&rndis.IndicateStatus{
		Status:        rndis.StatusInvalidData,
		StatusPayload: echo,
	}, eff)
}

func (e *Engine) queueResponseLocked(msg rndis.Message, eff *controlEffects) {
	e.responses = append(e.responses, msg.Encode())
	eff.queued = true
}

// prepareNotifyLocked claims a notification buffer and fills in the
// response-available payload. Exhaustion is tolerated: hosts poll the
// control endpoint on their own schedule anyway.
func (e *Engine) prepareNotifyLocked() *transfer.Buffer {
	b := e.notifyPool.Acquire()
	if b == nil {
		e.droppedNotifications.Inc()
		_ = level.Debug(e.logger).Log("msg", "notification pool exhausted")
		return nil
	}
	copy(b.Bytes(), responseAvailable[:])
	b.SetLength(len(responseAvailable))
	e.notifyPool.MarkInFlight(b)
	e.drain.Add()
	return b
}

// ReadResponse pops the oldest queued control response into p. When p is too
// small the response stays queued and ErrResponseTooLarge tells the caller
// to come back with more room.
func (e *Engine) ReadResponse(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.responses) == 0 {
		return 0, ErrNoPendingResponse
	}
	r := e.responses[0]
	if len(p) < len(r) {
		return 0, ErrResponseTooLarge
	}
	e.responses = e.responses[1:]
	return copy(p, r), nil
}
