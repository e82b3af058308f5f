package host

import (
	"time"

	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/rndis-engine/rndis"
	"github.com/MatthiasValvekens/rndis-engine/transfer"
)

// Transmit wraps one Ethernet frame in a data packet and queues it on the
// bulk-out endpoint. ErrWouldBlock means the link is down or every write
// buffer is in flight; the caller retries after a completion.
func (e *Engine) Transmit(frame []byte) error {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	if !e.state.up {
		e.mu.Unlock()
		return ErrWouldBlock
	}
	limit := e.cfg.MaxTransferSize
	if e.deviceMax != 0 && e.deviceMax < limit {
		limit = e.deviceMax
	}
	if len(frame) > int(limit)-rndis.PacketHeaderSize {
		e.state.stats.TransmitErrors++
		e.txErrors.Inc()
		e.mu.Unlock()
		return ErrFrameTooLarge
	}
	b := e.outPool.Acquire()
	if b == nil {
		e.state.stats.TransmitNoBuffer++
		e.mu.Unlock()
		return ErrWouldBlock
	}
	b.SetLength(rndis.PutPacket(b.Bytes(), frame))
	e.outPool.MarkInFlight(b)
	e.drain.Add()
	e.mu.Unlock()

	e.submit(b)
	return nil
}

// prepareReadsLocked arms the receive ring: every free bulk-in buffer is
// claimed and marked for submission by the caller.
func (e *Engine) prepareReadsLocked() []*transfer.Buffer {
	var reads []*transfer.Buffer
	for {
		b := e.inPool.Acquire()
		if b == nil {
			return reads
		}
		b.SetLength(0)
		e.inPool.MarkInFlight(b)
		e.drain.Add()
		reads = append(reads, b)
	}
}

// submit hands a marked buffer to the transport, honoring the resubmit
// delay for its direction. A synchronous failure is folded into the normal
// completion path, where the delay keeps it from spinning.
func (e *Engine) submit(b *transfer.Buffer) {
	e.mu.Lock()
	delay := e.txDelay
	if b.Endpoint() == e.cfg.BulkIn {
		delay = e.rxDelay
	}
	e.mu.Unlock()

	if delay > 0 {
		time.AfterFunc(delay, func() { e.doSubmit(b) })
		return
	}
	e.doSubmit(b)
}

func (e *Engine) doSubmit(b *transfer.Buffer) {
	if err := e.transport.Submit(b.Endpoint(), b, e.onComplete); err != nil {
		_ = level.Warn(e.logger).Log("msg", "transfer submit failed", "endpoint", b.Endpoint(), "err", err)
		e.onComplete(b, transfer.Result{Status: transfer.StatusError})
	}
}

func (e *Engine) isShuttingDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shuttingDown
}

// Failed completions make the affected direction back off a little more
// each time. The delay is capped and deliberately never decays.
func (e *Engine) bumpRxDelayLocked() {
	e.rxDelay += delayStep
	if e.rxDelay > delayMax {
		e.rxDelay = delayMax
	}
}

func (e *Engine) bumpTxDelayLocked() {
	e.txDelay += delayStep
	if e.txDelay > delayMax {
		e.txDelay = delayMax
	}
}

// finishRead unpacks a completed bulk-in transfer, hands its frames to the
// consumer without the mutex held, then puts the buffer straight back on
// the endpoint. Errors other than cancellation and disconnect keep the
// buffer cycling, paced by the receive delay.
func (e *Engine) finishRead(b *transfer.Buffer, res transfer.Result) {
	e.mu.Lock()
	e.inPool.MarkCompleting(b)

	var frames [][]byte
	var consumer Consumer
	resubmit := false
	switch res.Status {
	case transfer.StatusSuccess:
		if res.Length > b.Cap() {
			e.state.stats.ReceiveErrors++
			e.rxErrors.Inc()
			e.bumpRxDelayLocked()
			_ = level.Warn(e.logger).Log("msg", "completion length exceeds buffer capacity", "length", res.Length)
		} else {
			data := b.Bytes()[:res.Length]
			if err := rndis.ForEachPacket(data, func(f []byte) {
				frames = append(frames, f)
			}); err != nil {
				// Frames parsed before the violation are still delivered.
				e.state.stats.ReceiveErrors++
				e.rxErrors.Inc()
				_ = level.Debug(e.logger).Log("msg", "bad packet framing in bulk transfer", "err", err)
			}
			e.state.stats.ReceiveOK += uint32(len(frames))
			e.rxFrames.Add(float64(len(frames)))
			consumer = e.consumer
		}
		resubmit = !e.shuttingDown
	case transfer.StatusCancelled, transfer.StatusDisconnected:
		// teardown paths, the buffer stays parked
	case transfer.StatusStalled:
		e.state.stats.ReceiveErrors++
		e.rxErrors.Inc()
		e.stalls.Inc()
		e.bumpRxDelayLocked()
		resubmit = !e.shuttingDown
	default:
		e.state.stats.ReceiveErrors++
		e.rxErrors.Inc()
		e.bumpRxDelayLocked()
		resubmit = !e.shuttingDown
	}
	e.mu.Unlock()

	if res.Status == transfer.StatusStalled && !e.isShuttingDown() {
		if err := e.transport.ResetEndpoint(e.cfg.BulkIn); err != nil {
			_ = level.Warn(e.logger).Log("msg", "endpoint reset failed", "endpoint", e.cfg.BulkIn, "err", err)
		}
	}
	if consumer != nil {
		for _, f := range frames {
			consumer.OnFrameReceived(f)
		}
	}
	if res.Status == transfer.StatusDisconnected {
		_ = level.Info(e.logger).Log("msg", "device disconnected")
		e.Shutdown(nil)
	}

	e.mu.Lock()
	if resubmit && !e.shuttingDown {
		e.inPool.MarkInFlight(b)
		e.mu.Unlock()
		e.submit(b)
		return
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

func (e *Engine) finishWrite(b *transfer.Buffer, res transfer.Result) {
	e.mu.Lock()
	e.outPool.MarkCompleting(b)
	switch res.Status {
	case transfer.StatusSuccess:
		e.state.stats.TransmitOK++
		e.txFrames.Inc()
	case transfer.StatusCancelled, transfer.StatusDisconnected:
	case transfer.StatusStalled:
		e.state.stats.TransmitErrors++
		e.txErrors.Inc()
		e.stalls.Inc()
		e.bumpTxDelayLocked()
	default:
		e.state.stats.TransmitErrors++
		e.txErrors.Inc()
		e.bumpTxDelayLocked()
	}
	stalled := res.Status == transfer.StatusStalled && !e.shuttingDown
	if e.shuttingDown {
		e.outPool.Retire(b)
	} else {
		e.outPool.Release(b)
	}
	cbs := e.drain.Done()
	e.mu.Unlock()

	if stalled {
		if err := e.transport.ResetEndpoint(e.cfg.BulkOut); err != nil {
			_ = level.Warn(e.logger).Log("msg", "endpoint reset failed", "endpoint", e.cfg.BulkOut, "err", err)
		}
	}
	if res.Status == transfer.StatusDisconnected {
		_ = level.Info(e.logger).Log("msg", "device disconnected")
		e.Shutdown(nil)
	}
	runAll(cbs)
}
