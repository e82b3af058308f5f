package host

import (
	"encoding/binary"
	"net"
	"runtime"
	"strconv"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/rndis-engine/rndis"
)

func (e *Engine) nextRequestID() uint32 {
	return e.reqID.Add(1)
}

// transact runs one synchronous control exchange: write the command, then
// read until its completion shows up. Unsolicited status indications that
// land in between are absorbed, up to the configured budget. Anything that
// cannot be the answer to this request fails with ErrDataIntegrity; the
// exchange is not retried.
func (e *Engine) transact(req rndis.Message, want rndis.MessageType, rid uint32) (rndis.Message, []byte, error) {
	if e.onLoop() {
		return nil, nil, ErrBlockingFromLoop
	}
	if e.isShuttingDown() {
		return nil, nil, ErrShuttingDown
	}

	if err := e.control.WriteCommand(req.Encode()); err != nil {
		return nil, nil, errors.Wrapf(err, "write %s", req.Type())
	}
	buf := make([]byte, rndis.ControlBufferSize)
	for i := 0; i < e.cfg.ResponseReadBudget; i++ {
		n, err := e.control.ReadResponse(buf)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "read response to %s", req.Type())
		}
		raw := buf[:n]
		msg, derr := rndis.Decode(raw)
		if derr != nil {
			e.integrityFailures.Inc()
			return nil, nil, errors.Wrapf(ErrDataIntegrity, "undecodable response to %s: %v", req.Type(), derr)
		}
		if ind, ok := msg.(*rndis.IndicateStatus); ok {
			e.handleIndication(ind)
			continue
		}
		if msg.Type() != want {
			e.integrityFailures.Inc()
			return nil, nil, errors.Wrapf(ErrDataIntegrity, "%s answered with %s", req.Type(), msg.Type())
		}
		if got, ok := completionRequestID(msg); ok && got != rid {
			e.integrityFailures.Inc()
			return nil, nil, errors.Wrapf(ErrDataIntegrity, "completion for request %d, want %d", got, rid)
		}
		e.controlRoundtrips.Inc()
		return msg, raw, nil
	}
	e.integrityFailures.Inc()
	return nil, nil, errors.Wrapf(ErrDataIntegrity, "no completion for %s within %d reads", req.Type(), e.cfg.ResponseReadBudget)
}

// completionRequestID pulls the request id out of a completion; reset
// completions carry none.
func completionRequestID(msg rndis.Message) (uint32, bool) {
	switch m := msg.(type) {
	case *rndis.InitializeComplete:
		return m.RequestID, true
	case *rndis.QueryComplete:
		return m.RequestID, true
	case *rndis.SetComplete:
		return m.RequestID, true
	case *rndis.KeepaliveComplete:
		return m.RequestID, true
	}
	return 0, false
}

func (e *Engine) handleIndication(ind *rndis.IndicateStatus) {
	switch ind.Status {
	case rndis.StatusMediaConnect:
		e.setLinkState(true)
	case rndis.StatusMediaDisconnect:
		e.setLinkState(false)
	default:
		_ = level.Warn(e.logger).Log("msg", "device indicated status",
			"status", ind.Status, "payload_len", len(ind.StatusPayload))
	}
}

// setLinkState flips the link and tells the consumer, once per edge.
func (e *Engine) setLinkState(up bool) {
	e.mu.Lock()
	if e.state.up == up || (up && e.shuttingDown) {
		e.mu.Unlock()
		return
	}
	e.state.up = up
	consumer := e.consumer
	e.mu.Unlock()
	_ = level.Info(e.logger).Log("msg", "link state changed", "up", up)
	if consumer != nil {
		consumer.OnLinkStateChange(up)
	}
}

// Start brings the device up: initialize, learn its addressing and sizing,
// program the packet filter and arm the receive ring. Run must already be
// draining completions. Start may be called once per engine.
func (e *Engine) Start() (DeviceInfo, error) {
	var info DeviceInfo

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return info, errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	rid := e.nextRequestID()
	msg, _, err := e.transact(&rndis.Initialize{
		RequestID:       rid,
		MajorVersion:    rndis.VersionMajor,
		MinorVersion:    rndis.VersionMinor,
		MaxTransferSize: e.cfg.MaxTransferSize,
	}, rndis.MsgInitializeComplete, rid)
	if err != nil {
		return info, errors.Wrap(err, "initialize device")
	}
	ic := msg.(*rndis.InitializeComplete)
	if ic.Status != rndis.StatusSuccess {
		return info, errors.Newf("device rejected initialize: %s", ic.Status)
	}
	if ic.MajorVersion != rndis.VersionMajor {
		_ = level.Warn(e.logger).Log("msg", "device speaks a different protocol version",
			"device_major", ic.MajorVersion, "device_minor", ic.MinorVersion)
	}
	e.mu.Lock()
	e.deviceMax = ic.MaxTransferSize
	e.mu.Unlock()

	mac, err := e.QueryOid(rndis.Oid8023PermanentAddress)
	if err != nil {
		return info, errors.Wrap(err, "query mac address")
	}
	if len(mac) != 6 {
		return info, errors.Newf("device reported a %d-byte mac address", len(mac))
	}
	mtu, err := e.queryU32(rndis.OidGenMaximumFrameSize)
	if err != nil {
		return info, errors.Wrap(err, "query maximum frame size")
	}
	speed, err := e.queryU32(rndis.OidGenLinkSpeed)
	if err != nil {
		return info, errors.Wrap(err, "query link speed")
	}
	if err := e.SetPacketFilter(DefaultPacketFilter); err != nil {
		return info, err
	}

	e.mu.Lock()
	e.state.mac = net.HardwareAddr(mac)
	e.state.mtu = mtu
	e.state.linkSpeed = speed
	reads := e.prepareReadsLocked()
	e.mu.Unlock()
	for _, b := range reads {
		e.submit(b)
	}
	e.setLinkState(true)

	info = DeviceInfo{
		MAC:                   net.HardwareAddr(mac),
		MTU:                   mtu,
		LinkSpeed:             speed,
		MaxTransferSize:       ic.MaxTransferSize,
		MaxPacketsPerTransfer: ic.MaxPacketsPerTransfer,
	}
	_ = level.Info(e.logger).Log("msg", "device up", "mac", info.MAC.String(),
		"mtu", mtu, "link_speed_mbps", speed/10000)
	return info, nil
}

// QueryOid runs one OID query and returns the payload, which may be empty.
func (e *Engine) QueryOid(oid rndis.Oid) ([]byte, error) {
	rid := e.nextRequestID()
	msg, raw, err := e.transact(&rndis.Query{RequestID: rid, Oid: oid}, rndis.MsgQueryComplete, rid)
	if err != nil {
		return nil, err
	}
	qc := msg.(*rndis.QueryComplete)
	if qc.Status != rndis.StatusSuccess {
		return nil, errors.Newf("query %s failed: %s", oid, qc.Status)
	}
	// Both buffer words zero means a legitimate empty payload. Exactly one
	// zero describes nothing real and is rejected before the payload is
	// trusted.
	length := binary.LittleEndian.Uint32(raw[16:])
	offset := binary.LittleEndian.Uint32(raw[20:])
	if (length == 0) != (offset == 0) {
		e.integrityFailures.Inc()
		return nil, errors.Wrapf(ErrDataIntegrity, "query %s: buffer words disagree (offset %d, length %d)", oid, offset, length)
	}
	return qc.Payload, nil
}

func (e *Engine) queryU32(oid rndis.Oid) (uint32, error) {
	p, err := e.QueryOid(oid)
	if err != nil {
		return 0, err
	}
	if len(p) != 4 {
		return 0, errors.Newf("%s: expected a 4-byte value, got %d bytes", oid, len(p))
	}
	return binary.LittleEndian.Uint32(p), nil
}

// SetOid runs one OID set and fails unless the device accepted it.
func (e *Engine) SetOid(oid rndis.Oid, payload []byte) error {
	rid := e.nextRequestID()
	msg, _, err := e.transact(&rndis.Set{RequestID: rid, Oid: oid, Payload: payload}, rndis.MsgSetComplete, rid)
	if err != nil {
		return err
	}
	sc := msg.(*rndis.SetComplete)
	if sc.Status != rndis.StatusSuccess {
		return errors.Newf("set %s failed: %s", oid, sc.Status)
	}
	return nil
}

// SetPacketFilter programs the receive filter. A nonzero filter is what
// moves the device into its data-moving state.
func (e *Engine) SetPacketFilter(filter uint32) error {
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], filter)
	if err := e.SetOid(rndis.OidGenCurrentPacketFilter, v[:]); err != nil {
		return errors.Wrap(err, "set packet filter")
	}
	return nil
}

// Keepalive checks that the device control plane is still responding.
func (e *Engine) Keepalive() error {
	rid := e.nextRequestID()
	msg, _, err := e.transact(&rndis.Keepalive{RequestID: rid}, rndis.MsgKeepaliveComplete, rid)
	if err != nil {
		return err
	}
	kc := msg.(*rndis.KeepaliveComplete)
	if kc.Status != rndis.StatusSuccess {
		return errors.Newf("device answered keepalive with %s", kc.Status)
	}
	return nil
}

// Reset returns the device to its just-initialized state. The completion
// carries no request id, so only its type is checked. The link stays down
// until the packet filter is programmed again.
func (e *Engine) Reset() error {
	msg, _, err := e.transact(&rndis.Reset{}, rndis.MsgResetComplete, 0)
	if err != nil {
		return err
	}
	rc := msg.(*rndis.ResetComplete)
	if rc.Status != rndis.StatusSuccess {
		return errors.Newf("device answered reset with %s", rc.Status)
	}
	if rc.AddressingReset != 0 {
		_ = level.Debug(e.logger).Log("msg", "device wants addressing reprogrammed after reset")
	}
	e.setLinkState(false)
	return nil
}

// Halt tells the device to stop; the protocol defines no response, so none
// is read. The engine then tears itself down the same way Shutdown does.
func (e *Engine) Halt() error {
	if e.onLoop() {
		return ErrBlockingFromLoop
	}
	rid := e.nextRequestID()
	if err := e.control.WriteCommand((&rndis.Halt{RequestID: rid}).Encode()); err != nil {
		return errors.Wrap(err, "write halt")
	}
	e.Shutdown(nil)
	return nil
}

func (e *Engine) onLoop() bool {
	gid := e.loopGID.Load()
	return gid != 0 && gid == curGoroutineID()
}

// curGoroutineID parses the goroutine id out of the stack header line. Only
// used to catch control transactions issued from the completion loop.
func curGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		s = s[:i]
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
