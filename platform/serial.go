//go:build !rp2040

// platform/serial.go
package platform

import (
	"github.com/goburrow/serial"

	"capsules-go/types"
)

// SerialUART runs a capsule's UART over a real serial port.
type SerialUART struct {
	core *uartCore
	port serial.Port
}

func OpenSerial(d *Dispatcher, device string, baud int) (*SerialUART, error) {
	port, err := serial.Open(&serial.Config{
		Address:  device,
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
	})
	if err != nil {
		return nil, err
	}
	s := &SerialUART{core: newUartCore(d), port: port}
	go s.readLoop()
	return s, nil
}

func (s *SerialUART) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			s.core.feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *SerialUART) SetClient(c types.UartClient) { s.core.setClient(c) }

func (s *SerialUART) TransmitBuffer(buf []byte, txLen int) error {
	return s.core.transmit(s.port, buf, txLen)
}

func (s *SerialUART) ReceiveBuffer(buf []byte, rxLen int) error {
	return s.core.receiveBuffer(buf, rxLen)
}

func (s *SerialUART) Close() error { return s.port.Close() }
