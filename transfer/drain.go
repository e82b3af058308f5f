package transfer

// Drain counts outstanding asynchronous requests and runs registered
// shutdown callbacks once the count reaches zero. Like Pool it is externally
// synchronized by the owning engine's mutex; every method that can make
// callbacks runnable returns them instead of calling them, so the engine can
// invoke them after releasing its lock.
type Drain struct {
	pending   int
	draining  bool
	callbacks []func()
}

func (d *Drain) Pending() int { return d.pending }

func (d *Drain) Draining() bool { return d.draining }

// Add records one outstanding request.
func (d *Drain) Add() { d.pending++ }

// Done retires one outstanding request. The returned callbacks, if any, must
// be invoked by the caller once it no longer holds the engine lock.
func (d *Drain) Done() []func() {
	if d.pending == 0 {
		panic("transfer: Done without matching Add")
	}
	d.pending--
	if d.draining && d.pending == 0 {
		return d.take()
	}
	return nil
}

// Begin starts (or joins) a shutdown. onComplete is guaranteed to run
// exactly once: immediately via the returned slice when nothing is pending,
// otherwise when the last outstanding request calls Done.
func (d *Drain) Begin(onComplete func()) []func() {
	d.draining = true
	if onComplete != nil {
		d.callbacks = append(d.callbacks, onComplete)
	}
	if d.pending == 0 {
		return d.take()
	}
	return nil
}

func (d *Drain) take() []func() {
	cbs := d.callbacks
	d.callbacks = nil
	return cbs
}
