// types/hal.go
package types

// Asynchronous hardware abstractions used by the capsules. Every operation
// that touches hardware is split-phase: the call returns immediately and the
// completion is delivered later through the registered client, carrying the
// lent buffer back. A buffer handed to a device must not be touched until the
// completion returns it.

// ---------------- UART ----------------

// UartDevice is a byte-stream transmitter/receiver with completion callbacks.
type UartDevice interface {
	SetClient(c UartClient)
	// TransmitBuffer sends buf[:txLen]. Only one transmission may be
	// outstanding at a time.
	TransmitBuffer(buf []byte, txLen int) error
	// ReceiveBuffer requests rxLen bytes into buf. Only one receive may be
	// outstanding at a time.
	ReceiveBuffer(buf []byte, rxLen int) error
}

// UartClient receives UART completions.
type UartClient interface {
	TransmittedBuffer(buf []byte, txLen int, err error)
	ReceivedBuffer(buf []byte, rxLen int, err error)
}

// ---------------- SPI ----------------

type ClockPolarity uint8

const (
	IdleLow ClockPolarity = iota
	IdleHigh
)

type ClockPhase uint8

const (
	SampleLeading ClockPhase = iota
	SampleTrailing
)

// SpiDevice is a chip-selected SPI master channel.
type SpiDevice interface {
	SetClient(c SpiClient)
	Configure(polarity ClockPolarity, phase ClockPhase, rateHz uint32)
	// ReadWriteBytes clocks out write[:n] while clocking read[:n] in.
	// read may be nil for write-only transactions.
	ReadWriteBytes(write, read []byte, n int) error
}

// SpiClient receives the completion of a ReadWriteBytes transaction with
// both buffers handed back.
type SpiClient interface {
	ReadWriteDone(write, read []byte, n int, err error)
}

// ---------------- Alarm ----------------

// Ticks is a wrapping 32-bit hardware timer count.
type Ticks uint32

// Alarm is a single-shot hardware timer.
type Alarm interface {
	SetClient(c AlarmClient)
	Now() Ticks
	TicksFromMS(ms uint32) Ticks
	// SetAlarm fires the client once reference+dt has passed.
	SetAlarm(reference, dt Ticks)
	Disarm()
}

type AlarmClient interface {
	Alarm()
}

// ---------------- GPIO interrupt pin ----------------

type InterruptEdge uint8

const (
	EdgeEither InterruptEdge = iota
	EdgeRising
	EdgeFalling
)

// InterruptPin is an input pin with edge interrupts, used for card detect.
// Read returns the raw electrical level (card-detect is active low).
type InterruptPin interface {
	MakeInput()
	Read() bool
	SetClient(c PinClient)
	EnableInterrupts(edge InterruptEdge)
	DisableInterrupts()
}

type PinClient interface {
	Fired()
}
