// platform/sdsim/sdsim.go

// Package sdsim simulates an SPI-mode SD card behind a drivers.SPI bus: a
// per-byte shift register that parses command frames, queues response
// bytes, and serves 512-byte blocks from memory or a card image file. It
// exists so the full SD stack can run and be tested without hardware.
package sdsim

import (
	"os"

	"capsules-go/types"
	"capsules-go/x/mathx"
)

type simState uint8

const (
	stateIdle simState = iota
	stateCmd
	stateWriteData
)

type blockStore interface {
	readBlock(sector uint32, buf []byte)
	writeBlock(sector uint32, buf []byte)
	sectors() uint32
}

type memStore struct {
	data []byte
}

func (m *memStore) sectors() uint32 { return uint32(len(m.data) / 512) }

func (m *memStore) readBlock(sector uint32, buf []byte) {
	off := int(sector) * 512
	if off+512 > len(m.data) {
		for i := range buf {
			buf[i] = 0
		}
		return
	}
	copy(buf, m.data[off:off+512])
}

func (m *memStore) writeBlock(sector uint32, buf []byte) {
	off := int(sector) * 512
	if off+512 > len(m.data) {
		return
	}
	copy(m.data[off:off+512], buf)
}

type fileStore struct {
	f    *os.File
	size int64
}

// A partial trailing sector still counts; reads beyond the file come back
// zero-filled.
func (s *fileStore) sectors() uint32 { return uint32(mathx.CeilDiv(uint64(s.size), 512)) }

func (s *fileStore) readBlock(sector uint32, buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	s.f.ReadAt(buf, int64(sector)*512)
}

func (s *fileStore) writeBlock(sector uint32, buf []byte) {
	s.f.WriteAt(buf, int64(sector)*512)
}

// Card is the simulated card. Tx processes one byte per clocked byte:
// command frames in, queued response bytes out, with 0xFF filling the gaps
// like an idle-high MISO line.
type Card struct {
	store blockStore

	state    simState
	cmd      byte
	arg      uint32
	argCount int

	out     []byte // queued response bytes
	outPos  int
	appCmd  bool

	// Bring-up behavior knobs.
	InitPolls int  // ACMD41 "initializing" responses before ready
	PollGap   int  // idle bytes before each data token
	CSDv1     bool // serve a version 1.0 CSD instead of 2.0

	// Read data is never queued inside the command's own transaction; it
	// starts at the next transaction boundary, modelling card latency.
	streaming  bool
	remaining  int // data packets left; 0 means until CMD12
	nextSector uint32

	writeSector uint32
	writeBuf    []byte
	writeTokens bool // waiting for the data token
	BusyPolls   int  // zero "still busy" bytes after a write
}

// NewMemCard creates a memory-backed card of the given sector count.
// The count should be a multiple of 1024 so the capacity is exactly
// representable in the CSD.
func NewMemCard(sectors int) *Card {
	return &Card{store: &memStore{data: make([]byte, sectors*512)}, PollGap: 1, BusyPolls: 1}
}

// OpenImage opens a file-backed card. The image size fixes the sector
// count.
func OpenImage(path string) (*Card, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Card{
		store:     &fileStore{f: f, size: st.Size()},
		PollGap:   1,
		BusyPolls: 1,
	}, nil
}

// Close releases a file-backed card's image.
func (c *Card) Close() error {
	if s, ok := c.store.(*fileStore); ok {
		return s.f.Close()
	}
	return nil
}

// Tx implements drivers.SPI.
func (c *Card) Tx(w, r []byte) error {
	c.refill()
	for i := range w {
		b := c.step(w[i])
		if r != nil && i < len(r) {
			r[i] = b
		}
	}
	return nil
}

// Transfer implements drivers.SPI.
func (c *Card) Transfer(b byte) (byte, error) {
	c.refill()
	return c.step(b), nil
}

// refill queues the next pending data packet once the previous output has
// drained.
func (c *Card) refill() {
	if !c.streaming || c.outPos < len(c.out) {
		return
	}
	c.out = c.out[:0]
	c.outPos = 0
	c.queueDataPacket(c.blockAt(c.nextSector))
	c.nextSector++
	if c.remaining > 0 {
		c.remaining--
		if c.remaining == 0 {
			c.streaming = false
		}
	}
}

// step clocks one byte in each direction. The outgoing byte is whatever
// was already queued; a command's response never appears before the byte
// after its frame ends.
func (c *Card) step(in byte) byte {
	out := c.popOut()
	c.consume(in)
	return out
}

func (c *Card) popOut() byte {
	if c.outPos >= len(c.out) {
		return 0xFF
	}
	b := c.out[c.outPos]
	c.outPos++
	return b
}

func (c *Card) push(bytes ...byte) { c.out = append(c.out, bytes...) }

func (c *Card) queueDataPacket(data []byte) {
	for i := 0; i < c.PollGap; i++ {
		c.push(0xFF)
	}
	c.push(0xFE)
	c.push(data...)
	c.push(0x00, 0x00) // CRC, unchecked in SPI mode
}

func (c *Card) blockAt(sector uint32) []byte {
	buf := make([]byte, 512)
	c.store.readBlock(sector, buf)
	return buf
}

func (c *Card) consume(in byte) {
	switch c.state {
	case stateIdle:
		if in != 0xFF && in&0xC0 == 0x40 {
			// A new command interrupts any in-progress data stream.
			if c.streaming {
				c.streaming = false
				c.out = c.out[:0]
				c.outPos = 0
			}
			c.state = stateCmd
			c.cmd = in & 0x3F
			c.arg = 0
			c.argCount = 0
		}

	case stateCmd:
		if c.argCount < 4 {
			c.arg = c.arg<<8 | uint32(in)
			c.argCount++
			return
		}
		// CRC byte ends the frame.
		c.state = stateIdle
		c.execute()

	case stateWriteData:
		if c.writeTokens {
			if in == 0xFE {
				c.writeTokens = false
				c.writeBuf = c.writeBuf[:0]
			}
			return
		}
		c.writeBuf = append(c.writeBuf, in)
		if len(c.writeBuf) >= 514 { // block + 2 CRC bytes
			c.store.writeBlock(c.writeSector, c.writeBuf[:512])
			c.state = stateIdle
			c.push(0x05) // data accepted
			for i := 0; i < c.BusyPolls; i++ {
				c.push(0x00)
			}
			c.push(0xFF) // busy released
		}
	}
}

func (c *Card) execute() {
	appCmd := c.appCmd
	c.appCmd = false

	switch {
	case c.cmd == 0: // GO_IDLE_STATE
		c.streaming = false
		c.push(0x01)

	case c.cmd == 8: // SEND_IF_COND
		c.push(0x01, byte(c.arg>>24), byte(c.arg>>16), byte(c.arg>>8), byte(c.arg))

	case c.cmd == 55: // APP_CMD
		c.appCmd = true
		c.push(0x01)

	case c.cmd == 41 && appCmd: // ACMD41
		if c.InitPolls > 0 {
			c.InitPolls--
			c.push(0x01)
		} else {
			c.push(0x00)
		}

	case c.cmd == 1: // CMD1, MMC generic init
		if c.InitPolls > 0 {
			c.InitPolls--
			c.push(0x01)
		} else {
			c.push(0x00)
		}

	case c.cmd == 58: // READ_OCR: block addressable
		c.push(0x00, 0x40, 0x00, 0x00, 0x00)

	case c.cmd == 16: // SET_BLOCKLEN, accepted and ignored
		c.push(0x00)

	case c.cmd == 9: // SEND_CSD
		c.push(0x00)
		c.queueDataPacket(c.csd())

	case c.cmd == 17: // READ_SINGLE_BLOCK
		c.push(0x00)
		c.nextSector = c.arg
		c.streaming = true
		c.remaining = 1

	case c.cmd == 18: // READ_MULTIPLE_BLOCK
		c.push(0x00)
		c.nextSector = c.arg
		c.streaming = true
		c.remaining = 0

	case c.cmd == 12: // STOP_TRANSMISSION
		c.streaming = false
		c.out = c.out[:0]
		c.outPos = 0
		c.push(0x00)

	case c.cmd == 24: // WRITE_SINGLE_BLOCK
		c.push(0x00)
		c.writeSector = c.arg
		c.writeBuf = c.writeBuf[:0]
		c.writeTokens = true
		c.state = stateWriteData
	}
	// Unknown commands get no response; the host reads 0xFF and times out,
	// same as real hardware.
}

// csd builds a 16-byte CSD register image matching the card's capacity.
func (c *Card) csd() []byte {
	csd := make([]byte, 16)
	if c.CSDv1 {
		// Version 1.0: READ_BL_LEN=9, C_SIZE_MULT chosen so capacity =
		// (C_SIZE+1) * 2^(MULT+2) * 2^9 = sectors * 512 with MULT=7.
		csize := c.store.sectors()/512 - 1
		csd[0] = 0x00
		csd[5] = 0x09
		csd[6] = byte(csize>>10) & 0x03
		csd[7] = byte(csize >> 2)
		csd[8] = byte(csize&0x03) << 6
		csd[9] = 0x03
		csd[10] = 0x80
		return csd
	}
	// Version 2.0: capacity = (C_SIZE+1) * 512 KiB.
	csize := c.store.sectors()/1024 - 1
	csd[0] = 0x40
	csd[7] = byte(csize>>16) & 0x3F
	csd[8] = byte(csize >> 8)
	csd[9] = byte(csize)
	return csd
}

// DetectPin is a card-detect line for the simulator: drive the level from
// a test or demo and the registered client sees the edge.
type DetectPin struct {
	level   bool // electrical level; low means installed
	client  types.PinClient
	enabled bool
}

// NewDetectPin returns a pin with a card present (line low).
func NewDetectPin() *DetectPin { return &DetectPin{level: false} }

func (p *DetectPin) MakeInput()                           {}
func (p *DetectPin) Read() bool                           { return p.level }
func (p *DetectPin) SetClient(c types.PinClient)          { p.client = c }
func (p *DetectPin) EnableInterrupts(types.InterruptEdge) { p.enabled = true }
func (p *DetectPin) DisableInterrupts()                   { p.enabled = false }

// SetInstalled drives the detect line and fires the edge interrupt when
// armed.
func (p *DetectPin) SetInstalled(installed bool) {
	level := !installed
	if level == p.level {
		return
	}
	p.level = level
	if p.enabled && p.client != nil {
		p.client.Fired()
	}
}
