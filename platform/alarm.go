// platform/alarm.go
package platform

import (
	"sync"
	"time"

	"capsules-go/types"
)

// HostAlarm implements the tick alarm over a wall-clock timer. One tick is
// one millisecond and the 32-bit counter wraps, matching what MCU timer
// hardware presents.
type HostAlarm struct {
	d     *Dispatcher
	epoch time.Time

	mu     sync.Mutex
	client types.AlarmClient
	timer  *time.Timer
	gen    uint64 // bumped on every re-arm; stale fires check it and bail
}

func NewHostAlarm(d *Dispatcher) *HostAlarm {
	a := &HostAlarm{
		d:     d,
		epoch: time.Now(),
		timer: time.NewTimer(time.Hour),
	}
	if !a.timer.Stop() {
		drainTimer(a.timer)
	}
	go a.loop()
	return a
}

func (a *HostAlarm) loop() {
	for range a.timer.C {
		a.mu.Lock()
		gen := a.gen
		a.mu.Unlock()
		a.d.Post(func() {
			a.mu.Lock()
			live := gen == a.gen
			c := a.client
			a.mu.Unlock()
			if live && c != nil {
				c.Alarm()
			}
		})
	}
}

func (a *HostAlarm) SetClient(c types.AlarmClient) {
	a.mu.Lock()
	a.client = c
	a.mu.Unlock()
}

func (a *HostAlarm) Now() types.Ticks {
	return types.Ticks(time.Since(a.epoch).Milliseconds())
}

func (a *HostAlarm) TicksFromMS(ms uint32) types.Ticks { return types.Ticks(ms) }

func (a *HostAlarm) SetAlarm(reference, dt types.Ticks) {
	// Wrap-aware distance from now; an already-passed target fires at
	// once.
	delay := int32(reference + dt - a.Now())
	if delay < 0 {
		delay = 0
	}
	a.mu.Lock()
	a.gen++
	resetTimer(a.timer, time.Duration(delay)*time.Millisecond)
	a.mu.Unlock()
}

func (a *HostAlarm) Disarm() {
	a.mu.Lock()
	a.gen++
	if !a.timer.Stop() {
		drainTimer(a.timer)
	}
	a.mu.Unlock()
}
