package gadget

import (
	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/rndis-engine/rndis"
	"github.com/MatthiasValvekens/rndis-engine/transfer"
)

// Transmit wraps one Ethernet frame in a data packet and queues it on the
// bulk-in endpoint. One frame rides per transfer. ErrWouldBlock means the
// link is down or every write buffer is in flight; the caller retries later.
func (e *Engine) Transmit(frame []byte) error {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	if !e.state.ready {
		e.mu.Unlock()
		return ErrWouldBlock
	}
	if len(frame) > int(e.cfg.MaxTransferSize)-rndis.PacketHeaderSize {
		e.state.stats.TransmitErrors++
		e.txErrors.Inc()
		e.mu.Unlock()
		return ErrFrameTooLarge
	}
	b := e.inPool.Acquire()
	if b == nil {
		e.state.stats.TransmitNoBuffer++
		e.mu.Unlock()
		return ErrWouldBlock
	}
	b.SetLength(rndis.PutPacket(b.Bytes(), frame))
	e.inPool.MarkInFlight(b)
	e.drain.Add()
	e.mu.Unlock()

	e.submit(EndpointBulkIn, b)
	return nil
}

// prepareReadsLocked arms the receive ring: every free bulk-out buffer is
// claimed and marked for submission. The caller submits them after
// releasing the mutex.
func (e *Engine) prepareReadsLocked() []*transfer.Buffer {
	var reads []*transfer.Buffer
	for {
		b := e.outPool.Acquire()
		if b == nil {
			return reads
		}
		b.SetLength(0)
		e.outPool.MarkInFlight(b)
		e.drain.Add()
		reads = append(reads, b)
	}
}

// finishRead unpacks a completed bulk-out transfer. Frames are handed to the
// consumer without the mutex held, then the buffer goes straight back on the
// endpoint while the link stays up.
func (e *Engine) finishRead(b *transfer.Buffer, res transfer.Result) {
	e.mu.Lock()
	e.outPool.MarkCompleting(b)

	var frames [][]byte
	var consumer Consumer
	switch {
	case res.Status == transfer.StatusSuccess && res.Length > b.Cap():
		e.state.stats.ReceiveErrors++
		e.rxErrors.Inc()
		_ = level.Warn(e.logger).Log("msg", "completion length exceeds buffer capacity", "length", res.Length)
	case res.Status == transfer.StatusSuccess && e.state.ready && !e.shuttingDown:
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
	case res.Status != transfer.StatusSuccess && res.Status != transfer.StatusCancelled:
		e.state.stats.ReceiveErrors++
		e.rxErrors.Inc()
	}
	e.mu.Unlock()

	if consumer != nil {
		for _, f := range frames {
			consumer.OnFrameReceived(f)
		}
	}

	e.mu.Lock()
	if res.Status == transfer.StatusSuccess && e.state.ready && !e.shuttingDown {
		e.outPool.MarkInFlight(b)
		e.mu.Unlock()
		e.submit(EndpointBulkOut, b)
		return
	}
	if e.shuttingDown {
		e.outPool.Retire(b)
	} else {
		e.outPool.Release(b)
	}
	cbs := e.drain.Done()
	e.mu.Unlock()
	runAll(cbs)
}
