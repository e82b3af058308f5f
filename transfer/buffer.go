// Package transfer provides the fixed buffer arenas the engines hand to the
// USB transport, and the drain coordinator that sequences their shutdown.
package transfer

import "fmt"

// Endpoint is a USB endpoint address; bit 7 set means device-to-host (IN).
type Endpoint uint8

func (e Endpoint) In() bool { return e&0x80 != 0 }

func (e Endpoint) String() string { return fmt.Sprintf("0x%02x", uint8(e)) }

// Status is the outcome of one submitted transfer.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusCancelled
	StatusDisconnected
	StatusStalled
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCancelled:
		return "cancelled"
	case StatusDisconnected:
		return "disconnected"
	case StatusStalled:
		return "stalled"
	case StatusError:
		return "io error"
	}
	return "unknown"
}

// Result is passed to the completion callback of a submitted buffer. Length
// is the number of bytes transferred and only meaningful on success.
type Result struct {
	Status Status
	Length int
}

// CompleteFunc is invoked by the transport exactly once per submission.
type CompleteFunc func(*Buffer, Result)

// BufferState tracks who owns a buffer's memory.
type BufferState uint8

const (
	// BufferFree: owned by the pool.
	BufferFree BufferState = iota
	// BufferClaimed: owned by the engine, either while filling it before a
	// submit or while completing it after a callback.
	BufferClaimed
	// BufferInFlight: owned by the transport; nobody else may touch it.
	BufferInFlight
	// BufferRetired: withdrawn during shutdown, never reused.
	BufferRetired
)

func (s BufferState) String() string {
	switch s {
	case BufferFree:
		return "free"
	case BufferClaimed:
		return "claimed"
	case BufferInFlight:
		return "in-flight"
	case BufferRetired:
		return "retired"
	}
	return "unknown"
}

// Buffer is one fixed-capacity arena slot bound to a single endpoint for its
// whole life. Memory access is gated on ownership: Bytes and SetLength panic
// unless the caller holds the buffer in the Claimed state, which turns
// use-after-submit bugs into immediate faults instead of data corruption.
type Buffer struct {
	pool  *Pool
	index int
	data  []byte
	n     int
	state BufferState
}

func (b *Buffer) Endpoint() Endpoint { return b.pool.ep }

func (b *Buffer) State() BufferState { return b.state }

func (b *Buffer) Cap() int { return len(b.data) }

// Len reports the filled length, set by the engine before a submit or from
// the completion result after one.
func (b *Buffer) Len() int { return b.n }

// Bytes exposes the full backing slice for filling or reading.
func (b *Buffer) Bytes() []byte {
	if b.state != BufferClaimed {
		panic(fmt.Sprintf("transfer: Bytes on %s buffer %d (ep %s)", b.state, b.index, b.pool.ep))
	}
	return b.data
}

// Map exposes the backing memory without an ownership check. It exists for
// transports, which hold the buffer while it is in flight; engine code uses
// Bytes instead.
func (b *Buffer) Map() []byte { return b.data }

// SetLength records how many bytes of the buffer are in use.
func (b *Buffer) SetLength(n int) {
	if b.state != BufferClaimed {
		panic(fmt.Sprintf("transfer: SetLength on %s buffer %d (ep %s)", b.state, b.index, b.pool.ep))
	}
	if n < 0 || n > len(b.data) {
		panic(fmt.Sprintf("transfer: length %d out of range for buffer of %d", n, len(b.data)))
	}
	b.n = n
}
