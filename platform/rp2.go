//go:build rp2040

// platform/rp2.go
package platform

import (
	"context"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"

	"capsules-go/types"
)

// RP2UART adapts a uartx hardware UART to the asynchronous UART HAL. The
// UART must already be configured (pins, baud) by the board setup code.
type RP2UART struct {
	core *uartCore
	u    *uartx.UART
}

func NewRP2UART(d *Dispatcher, u *uartx.UART) *RP2UART {
	r := &RP2UART{core: newUartCore(d), u: u}
	go r.readLoop()
	return r
}

func (r *RP2UART) readLoop() {
	buf := make([]byte, 64)
	for {
		n, err := r.u.RecvSomeContext(context.Background(), buf)
		if n > 0 {
			r.core.feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (r *RP2UART) SetClient(c types.UartClient) { r.core.setClient(c) }

func (r *RP2UART) TransmitBuffer(buf []byte, txLen int) error {
	return r.core.transmit(r.u, buf, txLen)
}

func (r *RP2UART) ReceiveBuffer(buf []byte, rxLen int) error {
	return r.core.receiveBuffer(buf, rxLen)
}
