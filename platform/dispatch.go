// platform/dispatch.go

// Package platform provides host and MCU adaptors between real I/O (serial
// ports, terminals, SPI buses, timers) and the asynchronous HAL interfaces
// the capsules are written against.
package platform

import "context"

// Dispatcher serializes hardware completion callbacks onto one goroutine,
// so the capsules never observe concurrent calls. Adaptor goroutines post
// closures; the owner runs the loop.
type Dispatcher struct {
	q chan func()
}

func NewDispatcher(depth int) *Dispatcher {
	if depth <= 0 {
		depth = 64
	}
	return &Dispatcher{q: make(chan func(), depth)}
}

// Post queues fn for the dispatch loop.
func (d *Dispatcher) Post(fn func()) {
	d.q <- fn
}

// Run executes posted callbacks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-d.q:
			fn()
		}
	}
}
