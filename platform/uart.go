// platform/uart.go
package platform

import (
	"io"

	"capsules-go/errcode"
	"capsules-go/types"
	"capsules-go/x/shmring"
)

const uartRingSize = 1024

// uartCore is the host-side half shared by the serial and tty adaptors: a
// single-producer ring fed by the adaptor's read goroutine, and the
// split-phase receive served on the dispatcher.
type uartCore struct {
	d      *Dispatcher
	client types.UartClient
	ring   *shmring.Ring

	rxBuf  []byte
	rxWant int
	rxGot  int

	txBusy bool
}

func newUartCore(d *Dispatcher) *uartCore {
	return &uartCore{d: d, ring: shmring.New(uartRingSize)}
}

func (u *uartCore) setClient(c types.UartClient) { u.client = c }

// feed runs on the adaptor's read goroutine; everything else runs on the
// dispatcher.
func (u *uartCore) feed(p []byte) {
	for len(p) > 0 {
		n := u.ring.WriteFrom(p)
		if n == 0 {
			// Consumer stalled; drop the remainder.
			break
		}
		p = p[n:]
	}
	u.d.Post(u.pump)
}

func (u *uartCore) receiveBuffer(buf []byte, rxLen int) error {
	if u.rxBuf != nil {
		return errcode.Busy
	}
	if rxLen > len(buf) {
		rxLen = len(buf)
	}
	u.rxBuf = buf
	u.rxWant = rxLen
	u.rxGot = 0
	u.d.Post(u.pump)
	return nil
}

func (u *uartCore) pump() {
	if u.rxBuf == nil {
		return
	}
	u.rxGot += u.ring.ReadInto(u.rxBuf[u.rxGot:u.rxWant])
	if u.rxGot < u.rxWant {
		return
	}
	buf, want := u.rxBuf, u.rxWant
	u.rxBuf = nil
	if u.client != nil {
		u.client.ReceivedBuffer(buf, want, nil)
	}
}

func (u *uartCore) transmit(w io.Writer, buf []byte, txLen int) error {
	if u.txBusy {
		return errcode.Busy
	}
	u.txBusy = true
	go func() {
		_, err := w.Write(buf[:txLen])
		u.d.Post(func() {
			u.txBusy = false
			if u.client != nil {
				u.client.TransmittedBuffer(buf, txLen, err)
			}
		})
	}()
	return nil
}
