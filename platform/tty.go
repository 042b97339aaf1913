//go:build !rp2040

// platform/tty.go
package platform

import (
	"unicode/utf8"

	"github.com/mattn/go-tty"

	"capsules-go/types"
)

// TTYUART runs a capsule's UART on the local terminal in raw mode, so
// arrow keys and control bytes reach the console undigested.
type TTYUART struct {
	core *uartCore
	t    *tty.TTY
}

func OpenTTY(d *Dispatcher) (*TTYUART, error) {
	t, err := tty.Open()
	if err != nil {
		return nil, err
	}
	u := &TTYUART{core: newUartCore(d), t: t}
	go u.readLoop()
	return u, nil
}

func (u *TTYUART) readLoop() {
	var scratch [utf8.UTFMax]byte
	for {
		r, err := u.t.ReadRune()
		if err != nil {
			return
		}
		n := utf8.EncodeRune(scratch[:], r)
		u.core.feed(scratch[:n])
	}
}

func (u *TTYUART) SetClient(c types.UartClient) { u.core.setClient(c) }

func (u *TTYUART) TransmitBuffer(buf []byte, txLen int) error {
	return u.core.transmit(u.t.Output(), buf, txLen)
}

func (u *TTYUART) ReceiveBuffer(buf []byte, rxLen int) error {
	return u.core.receiveBuffer(buf, rxLen)
}

func (u *TTYUART) Close() error { return u.t.Close() }
