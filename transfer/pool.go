// SPDX-License-Identifier: GPL-2.0-only

package transfer

import "fmt"

// Pool is a bounded arena of equally sized buffers for one endpoint. All
// buffers exist for the pool's whole lifetime; state transitions move
// ownership around but never create or destroy a slot.
//
// The pool carries no lock of its own. Each engine guards its pools with the
// engine mutex, so pool calls are cheap enough to make while holding it.
type Pool struct {
	ep   Endpoint
	bufs []*Buffer
	free []int

	claimed  int
	inFlight int
	retired  int
}

// NewPool builds a pool of count buffers of size bytes each for endpoint ep.
func NewPool(ep Endpoint, count, size int) *Pool {
	if count <= 0 || size <= 0 {
		panic(fmt.Sprintf("transfer: pool of %d x %d bytes", count, size))
	}
	p := &Pool{ep: ep}
	p.bufs = make([]*Buffer, count)
	p.free = make([]int, count)
	for i := range p.bufs {
		p.bufs[i] = &Buffer{pool: p, index: i, data: make([]byte, size)}
		p.free[i] = i
	}
	return p
}

func (p *Pool) Endpoint() Endpoint { return p.ep }

// Size returns the fixed number of buffers in the pool.
func (p *Pool) Size() int { return len(p.bufs) }

// BufferSize returns the capacity of each buffer.
func (p *Pool) BufferSize() int { return len(p.bufs[0].data) }

func (p *Pool) FreeCount() int { return len(p.free) }

func (p *Pool) ClaimedCount() int { return p.claimed }

func (p *Pool) InFlightCount() int { return p.inFlight }

func (p *Pool) RetiredCount() int { return p.retired }

// Drained reports that nothing is out with the transport or the engine; only
// then may the pool's owner consider teardown finished.
func (p *Pool) Drained() bool { return p.inFlight == 0 && p.claimed == 0 }

// Acquire takes a free buffer into the Claimed state. It never blocks; nil
// means the pool is exhausted and the caller must surface backpressure.
func (p *Pool) Acquire() *Buffer {
	if len(p.free) == 0 {
		return nil
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b := p.bufs[idx]
	b.state = BufferClaimed
	b.n = 0
	p.claimed++
	return b
}

// Release returns a claimed buffer to the free list.
func (p *Pool) Release(b *Buffer) {
	p.mustOwn(b, BufferClaimed, "Release")
	b.state = BufferFree
	b.n = 0
	p.claimed--
	p.free = append(p.free, b.index)
}

// MarkInFlight hands a claimed buffer over to the transport. The caller
// submits it after dropping the engine lock.
func (p *Pool) MarkInFlight(b *Buffer) {
	p.mustOwn(b, BufferClaimed, "MarkInFlight")
	b.state = BufferInFlight
	p.claimed--
	p.inFlight++
}

// MarkCompleting takes ownership back inside a completion callback.
func (p *Pool) MarkCompleting(b *Buffer) {
	p.mustOwn(b, BufferInFlight, "MarkCompleting")
	b.state = BufferClaimed
	p.inFlight--
	p.claimed++
}

// Retire permanently withdraws a claimed buffer during shutdown.
func (p *Pool) Retire(b *Buffer) {
	p.mustOwn(b, BufferClaimed, "Retire")
	b.state = BufferRetired
	b.n = 0
	p.claimed--
	p.retired++
}

func (p *Pool) mustOwn(b *Buffer, want BufferState, op string) {
	if b.pool != p {
		panic(fmt.Sprintf("transfer: %s with buffer from pool %s on pool %s", op, b.pool.ep, p.ep))
	}
	if b.state != want {
		panic(fmt.Sprintf("transfer: %s on %s buffer %d (ep %s)", op, b.state, b.index, p.ep))
	}
}
