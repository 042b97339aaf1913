// platform/spi.go
package platform

import (
	"tinygo.org/x/drivers"

	"capsules-go/errcode"
	"capsules-go/types"
)

// SyncSPI bridges a synchronous drivers.SPI bus to the split-phase SPI HAL:
// the transfer runs on its own goroutine and the completion comes back on
// the dispatcher.
type SyncSPI struct {
	d      *Dispatcher
	bus    drivers.SPI
	client types.SpiClient

	busy   bool
	rateHz uint32
}

func NewSyncSPI(d *Dispatcher, bus drivers.SPI) *SyncSPI {
	return &SyncSPI{d: d, bus: bus}
}

func (s *SyncSPI) SetClient(c types.SpiClient) { s.client = c }

// Configure records the requested rate; polarity and phase are meaningless
// to a host-side bus.
func (s *SyncSPI) Configure(_ types.ClockPolarity, _ types.ClockPhase, rateHz uint32) {
	s.rateHz = rateHz
}

func (s *SyncSPI) RateHz() uint32 { return s.rateHz }

func (s *SyncSPI) ReadWriteBytes(write, read []byte, n int) error {
	if s.busy {
		return errcode.Busy
	}
	s.busy = true
	go func() {
		err := s.bus.Tx(write[:n], read[:n])
		s.d.Post(func() {
			s.busy = false
			if s.client != nil {
				s.client.ReadWriteDone(write, read, n, err)
			}
		})
	}()
	return nil
}
