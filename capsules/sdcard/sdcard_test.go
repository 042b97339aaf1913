// capsules/sdcard/sdcard_test.go

package sdcard

import (
	"testing"

	"capsules-go/errcode"
	"capsules-go/types"
)

type spiXfer struct {
	write []byte
	read  []byte
	n     int
}

// fakeSPI holds one pending transaction; the test completes it explicitly
// so callback delivery never recurses into the driver.
type fakeSPI struct {
	client   types.SpiClient
	pending  *spiXfer
	overlaps int
	rateHz   uint32
}

func (f *fakeSPI) SetClient(c types.SpiClient) { f.client = c }

func (f *fakeSPI) Configure(_ types.ClockPolarity, _ types.ClockPhase, hz uint32) {
	f.rateHz = hz
}

func (f *fakeSPI) ReadWriteBytes(write, read []byte, n int) error {
	if f.pending != nil {
		f.overlaps++
	}
	f.pending = &spiXfer{write: write, read: read, n: n}
	return nil
}

// complete fills the pending read buffer with 0xFF, lets fill overwrite
// parts of it, then delivers the completion.
func (f *fakeSPI) complete(t *testing.T, fill func(write []byte, n int, read []byte)) {
	t.Helper()
	if f.pending == nil {
		t.Fatal("no SPI transaction pending")
	}
	x := f.pending
	f.pending = nil
	for i := 0; i < x.n && i < len(x.read); i++ {
		x.read[i] = 0xFF
	}
	if fill != nil {
		fill(x.write, x.n, x.read)
	}
	f.client.ReadWriteDone(x.write, x.read, x.n, nil)
}

type fakeSDAlarm struct {
	client types.AlarmClient
	armed  bool
	lastDt types.Ticks
}

func (f *fakeSDAlarm) SetClient(c types.AlarmClient)      { f.client = c }
func (f *fakeSDAlarm) Now() types.Ticks                   { return 0 }
func (f *fakeSDAlarm) TicksFromMS(ms uint32) types.Ticks  { return types.Ticks(ms) }
func (f *fakeSDAlarm) SetAlarm(_, dt types.Ticks)         { f.armed = true; f.lastDt = dt }
func (f *fakeSDAlarm) Disarm()                            { f.armed = false }

func (f *fakeSDAlarm) fire(t *testing.T) {
	t.Helper()
	if !f.armed {
		t.Fatal("alarm not armed")
	}
	f.armed = false
	f.client.Alarm()
}

type fakePin struct {
	level     bool // electrical level; card detect is active low
	client    types.PinClient
	input     bool
	irqActive bool
}

func (f *fakePin) MakeInput()                           { f.input = true }
func (f *fakePin) Read() bool                           { return f.level }
func (f *fakePin) SetClient(c types.PinClient)          { f.client = c }
func (f *fakePin) EnableInterrupts(types.InterruptEdge) { f.irqActive = true }
func (f *fakePin) DisableInterrupts()                   { f.irqActive = false }

type initResult struct {
	blockSize uint32
	total     uint64
}

type readResult struct {
	data   []byte
	length int
}

type fakeSDClient struct {
	inits      []initResult
	reads      []readResult
	writes     [][]byte
	errors     []ErrorCode
	detections []bool
}

func (f *fakeSDClient) CardDetectionChanged(installed bool) {
	f.detections = append(f.detections, installed)
}

func (f *fakeSDClient) InitDone(blockSize uint32, totalSize uint64) {
	f.inits = append(f.inits, initResult{blockSize, totalSize})
}

func (f *fakeSDClient) ReadDone(data []byte, length int) {
	f.reads = append(f.reads, readResult{data, length})
}

func (f *fakeSDClient) WriteDone(buffer []byte) {
	f.writes = append(f.writes, buffer)
}

func (f *fakeSDClient) Error(code ErrorCode) {
	f.errors = append(f.errors, code)
}

func cmdByte(write []byte) byte { return write[2] & 0x3F }

// respondR1 places an R1 status after the 8 command bytes.
func respondR1(status byte) func(write []byte, n int, read []byte) {
	return func(_ []byte, _ int, read []byte) { read[8] = status }
}

// respondR7 places an R1 status followed by a big-endian trailing word.
func respondR7(status byte, word uint32) func(write []byte, n int, read []byte) {
	return func(_ []byte, _ int, read []byte) {
		read[8] = status
		read[9] = byte(word >> 24)
		read[10] = byte(word >> 16)
		read[11] = byte(word >> 8)
		read[12] = byte(word)
	}
}

func newTestSD(t *testing.T, pin *fakePin) (*SDCard, *fakeSPI, *fakeSDAlarm, *fakeSDClient) {
	t.Helper()
	spi := &fakeSPI{}
	alarm := &fakeSDAlarm{}
	client := &fakeSDClient{}
	var p types.InterruptPin
	if pin != nil {
		p = pin
	}
	s := New(spi, alarm, p, nil)
	s.SetClient(client)
	return s, spi, alarm, client
}

// bringUp runs the SDv2 block-addressable handshake to completion.
func bringUp(t *testing.T, s *SDCard, spi *fakeSPI) {
	t.Helper()
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	pumpBringUp(t, s, spi)
}

// pumpBringUp completes an already-started bring-up sequence.
func pumpBringUp(t *testing.T, s *SDCard, spi *fakeSPI) {
	t.Helper()
	spi.complete(t, respondR1(0x01)) // CMD0
	spi.complete(t, respondR7(0x01, 0x1AA))
	spi.complete(t, respondR1(0x01)) // CMD55
	spi.complete(t, respondR1(0x00)) // ACMD41
	spi.complete(t, respondR7(0x00, 0x40000000))
	spi.complete(t, func(_ []byte, _ int, read []byte) {
		// CSD v2.0 with C_SIZE = 0x0FFF: 2 GiB.
		read[10] = 0xFE
		read[11] = 0x40
		read[18] = 0x00
		read[19] = 0x0F
		read[20] = 0xFF
	})
	if !s.IsInitialized() {
		t.Fatal("card not initialized after bring-up")
	}
}

func TestInitializeSDv2BlockAddressable(t *testing.T) {
	s, spi, alarm, client := newTestSD(t, nil)

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if spi.rateHz != 400000 {
		t.Fatalf("init clock = %d, want 400000", spi.rateHz)
	}

	var cmds []byte
	record := func(inner func(write []byte, n int, read []byte)) func([]byte, int, []byte) {
		return func(write []byte, n int, read []byte) {
			cmds = append(cmds, cmdByte(write))
			if inner != nil {
				inner(write, n, read)
			}
		}
	}

	// CMD0: two 0xFF lead-in bytes, start bit, zero argument, CRC 0x95.
	if spi.pending.write[0] != 0xFF || spi.pending.write[1] != 0xFF {
		t.Fatal("missing lead-in bytes")
	}
	if spi.pending.write[7] != 0x95 {
		t.Fatalf("CMD0 crc = %#x, want 0x95", spi.pending.write[7])
	}
	spi.complete(t, record(respondR1(0x01)))

	// CMD8 carries the voltage-check pattern and its fixed CRC.
	if spi.pending.write[5] != 0x01 || spi.pending.write[6] != 0xAA {
		t.Fatal("CMD8 argument missing 0x1AA pattern")
	}
	if spi.pending.write[7] != 0x87 {
		t.Fatalf("CMD8 crc = %#x, want 0x87", spi.pending.write[7])
	}
	spi.complete(t, record(respondR7(0x01, 0x1AA)))

	// First ACMD41 reports still-initializing; expect a timer retry.
	spi.complete(t, record(respondR1(0x01))) // CMD55
	if got := cmds[len(cmds)-1]; got != 55 {
		t.Fatalf("expected CMD55, got CMD%d", got)
	}
	spi.complete(t, record(respondR1(0x01))) // ACMD41 -> initializing
	if spi.pending != nil {
		t.Fatal("transaction issued while backing off")
	}
	if !alarm.armed || alarm.lastDt != 10 {
		t.Fatalf("expected 10ms retry alarm, armed=%v dt=%d", alarm.armed, alarm.lastDt)
	}
	alarm.fire(t)

	spi.complete(t, record(respondR1(0x01))) // CMD55
	spi.complete(t, record(func(write []byte, n int, read []byte) {
		if write[3] != 0x40 {
			t.Fatalf("ACMD41 arg missing HCS bit, got %#x", write[3])
		}
		read[8] = 0x00
	}))
	spi.complete(t, record(respondR7(0x00, 0x40000000))) // CMD58: CCS set

	// Straight to CSD; CMD16 never goes out on the SDv2 path.
	if got := cmdByte(spi.pending.write); got != 9 {
		t.Fatalf("expected CMD9 after CMD58, got CMD%d", got)
	}
	spi.complete(t, record(func(_ []byte, _ int, read []byte) {
		read[10] = 0xFE
		read[11] = 0x40
		read[18] = 0x00
		read[19] = 0x0F
		read[20] = 0xFF
	}))

	for _, c := range cmds {
		if c == 16 {
			t.Fatal("CMD16 issued on SDv2 path")
		}
	}
	if len(client.inits) != 1 {
		t.Fatalf("inits = %d, want 1", len(client.inits))
	}
	if got := client.inits[0]; got.blockSize != 512 || got.total != 2147483648 {
		t.Fatalf("InitDone(%d, %d), want (512, 2147483648)", got.blockSize, got.total)
	}
	if len(client.errors) != 0 {
		t.Fatalf("unexpected errors: %v", client.errors)
	}
	if spi.overlaps != 0 {
		t.Fatalf("overlapping SPI transactions: %d", spi.overlaps)
	}
}

func TestParseCSDVersion1(t *testing.T) {
	buf := make([]byte, 36)
	for i := range buf {
		buf[i] = 0xFF
	}
	buf[2] = 0xFE  // data token
	buf[3] = 0x00  // CSD_STRUCTURE = 0
	buf[8] = 0x0A  // READ_BL_LEN = 10
	buf[9] = 0x00  // C_SIZE upper bits
	buf[10] = 0xFF // C_SIZE middle
	buf[11] = 0xC0 // C_SIZE lower -> 0x3FF
	buf[12] = 0x03 // C_SIZE_MULT upper
	buf[13] = 0x80 // C_SIZE_MULT lower -> 7

	total, ok := parseCSD(buf)
	if !ok {
		t.Fatal("token not found")
	}
	// (0x3FF+1) * 2^(7+2) * 2^10 = 512 MiB.
	if total != 536870912 {
		t.Fatalf("capacity = %d, want 536870912", total)
	}
}

func TestParseCSDNoToken(t *testing.T) {
	buf := make([]byte, 36)
	for i := range buf {
		buf[i] = 0xFF
	}
	if _, ok := parseCSD(buf); ok {
		t.Fatal("parse succeeded without a data token")
	}
}

func TestReadSingleBlock(t *testing.T) {
	s, spi, alarm, client := newTestSD(t, nil)
	bringUp(t, s, spi)

	buf := make([]byte, 512)
	if err := s.ReadBlocks(buf, 5, 1); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if spi.rateHz != 4000000 {
		t.Fatalf("data clock = %d, want 4000000", spi.rateHz)
	}
	// Block-addressable card: argument is the raw sector number.
	w := spi.pending.write
	if cmdByte(w) != 17 {
		t.Fatalf("expected CMD17, got CMD%d", cmdByte(w))
	}
	if w[3] != 0 || w[4] != 0 || w[5] != 0 || w[6] != 5 {
		t.Fatalf("CMD17 arg = % x, want sector 5", w[3:7])
	}
	spi.complete(t, respondR1(0x00))

	// Card not ready yet: poll returns idle, expect a 1ms backoff.
	spi.complete(t, nil)
	if !alarm.armed || alarm.lastDt != 1 {
		t.Fatalf("expected 1ms poll alarm, armed=%v dt=%d", alarm.armed, alarm.lastDt)
	}
	alarm.fire(t)

	spi.complete(t, func(_ []byte, _ int, read []byte) { read[0] = 0xFE })
	if spi.pending.n != 514 {
		t.Fatalf("block read length = %d, want 514", spi.pending.n)
	}
	spi.complete(t, func(_ []byte, _ int, read []byte) {
		for i := 0; i < 512; i++ {
			read[i] = byte(i)
		}
	})

	if len(client.reads) != 1 {
		t.Fatalf("reads = %d, want 1", len(client.reads))
	}
	r := client.reads[0]
	if r.length != 512 || r.data[0] != 0 || r.data[255] != 255 {
		t.Fatalf("bad read result: len=%d data[255]=%d", r.length, r.data[255])
	}
}

func TestReadMultipleBlocks(t *testing.T) {
	s, spi, alarm, client := newTestSD(t, nil)
	bringUp(t, s, spi)

	buf := make([]byte, 1536)
	if err := s.ReadBlocks(buf, 0, 3); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if cmdByte(spi.pending.write) != 18 {
		t.Fatalf("expected CMD18, got CMD%d", cmdByte(spi.pending.write))
	}
	spi.complete(t, respondR1(0x00))

	fillBlock := func(v byte) func([]byte, int, []byte) {
		return func(_ []byte, _ int, read []byte) {
			for i := 0; i < 512; i++ {
				read[i] = v
			}
		}
	}

	// Block 0: token immediately.
	spi.complete(t, func(_ []byte, _ int, read []byte) { read[0] = 0xFE })
	spi.complete(t, fillBlock(0xA0))

	// Block 1: one idle poll before the token.
	spi.complete(t, nil)
	alarm.fire(t)
	spi.complete(t, func(_ []byte, _ int, read []byte) { read[0] = 0xFE })
	spi.complete(t, fillBlock(0xA1))

	// Block 2.
	spi.complete(t, func(_ []byte, _ int, read []byte) { read[0] = 0xFE })
	spi.complete(t, fillBlock(0xA2))

	// Transmission stops with CMD12, rechecked before completion.
	if cmdByte(spi.pending.write) != 12 {
		t.Fatalf("expected CMD12, got CMD%d", cmdByte(spi.pending.write))
	}
	spi.complete(t, respondR1(0x00))

	if len(client.reads) != 1 {
		t.Fatalf("reads = %d, want 1", len(client.reads))
	}
	r := client.reads[0]
	if r.length != 1536 {
		t.Fatalf("length = %d, want 1536", r.length)
	}
	if r.data[0] != 0xA0 || r.data[512] != 0xA1 || r.data[1024] != 0xA2 {
		t.Fatalf("block contents out of order: %x %x %x", r.data[0], r.data[512], r.data[1024])
	}
	if spi.overlaps != 0 {
		t.Fatalf("overlapping SPI transactions: %d", spi.overlaps)
	}
}

func TestWriteBlock(t *testing.T) {
	s, spi, alarm, client := newTestSD(t, nil)
	bringUp(t, s, spi)

	data := make([]byte, 512)
	for i := range data {
		data[i] = 0xAB
	}
	if err := s.WriteBlocks(data, 9, 1); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	if cmdByte(spi.pending.write) != 24 {
		t.Fatalf("expected CMD24, got CMD%d", cmdByte(spi.pending.write))
	}
	spi.complete(t, respondR1(0x00))

	// Data packet: token, 512 data bytes, two stuffed CRC bytes.
	x := spi.pending
	if x.n != 515 {
		t.Fatalf("packet length = %d, want 515", x.n)
	}
	if x.write[0] != 0xFE || x.write[1] != 0xAB || x.write[512] != 0xAB {
		t.Fatal("packet not assembled from client data")
	}
	spi.complete(t, nil)

	// Data response byte: accepted.
	spi.complete(t, func(_ []byte, _ int, read []byte) { read[0] = 0xE5 })

	// Busy low, then released after a backoff.
	spi.complete(t, func(_ []byte, _ int, read []byte) { read[0] = 0x00 })
	if !alarm.armed || alarm.lastDt != 1 {
		t.Fatalf("expected 1ms busy alarm, armed=%v dt=%d", alarm.armed, alarm.lastDt)
	}
	alarm.fire(t)
	spi.complete(t, nil) // 0xFF: not busy

	if len(client.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(client.writes))
	}
	if len(client.errors) != 0 {
		t.Fatalf("unexpected errors: %v", client.errors)
	}
}

func TestWriteRejectsMultipleBlocks(t *testing.T) {
	s, spi, _, _ := newTestSD(t, nil)
	bringUp(t, s, spi)
	if err := s.WriteBlocks(make([]byte, 1024), 0, 2); err != errcode.NoSupport {
		t.Fatalf("err = %v, want %v", err, errcode.NoSupport)
	}
}

func TestPreconditions(t *testing.T) {
	s, spi, _, _ := newTestSD(t, nil)

	if err := s.ReadBlocks(make([]byte, 512), 0, 1); err != errcode.Reserve {
		t.Fatalf("uninitialized read err = %v, want %v", err, errcode.Reserve)
	}
	bringUp(t, s, spi)

	if err := s.ReadBlocks(make([]byte, 256), 0, 1); err != errcode.Size {
		t.Fatalf("short buffer err = %v, want %v", err, errcode.Size)
	}
	if err := s.ReadBlocks(make([]byte, 512), 0, 1); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if err := s.ReadBlocks(make([]byte, 512), 1, 1); err != errcode.Busy {
		t.Fatalf("concurrent read err = %v, want %v", err, errcode.Busy)
	}
}

func TestTimeoutFuse(t *testing.T) {
	s, spi, alarm, client := newTestSD(t, nil)
	bringUp(t, s, spi)

	if err := s.ReadBlocks(make([]byte, 512), 0, 1); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	spi.complete(t, respondR1(0x00)) // CMD17
	spi.complete(t, nil)             // first idle poll parks

	// 100 retries are tolerated; the 101st alarm fire abandons the
	// operation.
	for i := 0; i < 100; i++ {
		alarm.fire(t)
		if len(client.errors) != 0 {
			t.Fatalf("errored after %d fires: %v", i+1, client.errors)
		}
		spi.complete(t, nil) // still idle
	}
	alarm.fire(t)

	if len(client.errors) != 1 || client.errors[0] != ErrTimeoutFailure {
		t.Fatalf("errors = %v, want one timeout", client.errors)
	}
	if len(client.reads) != 0 {
		t.Fatal("read completed after timeout")
	}
	// Buffers came back: a fresh operation is accepted.
	if err := s.ReadBlocks(make([]byte, 512), 0, 1); err != nil {
		t.Fatalf("ReadBlocks after timeout: %v", err)
	}
}

func TestReadFailureReturnsBuffers(t *testing.T) {
	s, spi, _, client := newTestSD(t, nil)
	bringUp(t, s, spi)

	if err := s.ReadBlocks(make([]byte, 512), 0, 1); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	spi.complete(t, respondR1(0x05)) // R1 error bits set

	if len(client.errors) != 1 || client.errors[0] != ErrReadFailure {
		t.Fatalf("errors = %v, want one read failure", client.errors)
	}
	if err := s.ReadBlocks(make([]byte, 512), 0, 1); err != nil {
		t.Fatalf("ReadBlocks after failure: %v", err)
	}
}

func TestCardDetect(t *testing.T) {
	pin := &fakePin{level: true} // high: no card
	s, spi, alarm, client := newTestSD(t, pin)

	if s.IsInstalled() {
		t.Fatal("card reported installed with detect pin high")
	}
	if err := s.Initialize(); err != errcode.Uninstalled {
		t.Fatalf("err = %v, want %v", err, errcode.Uninstalled)
	}
	if !pin.input {
		t.Fatal("detect pin not configured as input")
	}

	s.DetectChanges()
	if !pin.irqActive {
		t.Fatal("detect interrupt not armed")
	}

	// Card inserted mid-operation is impossible here (no card), but a
	// removal mid-operation must abort: insert, bring up, start a read,
	// then yank.
	pin.level = false
	bringUp(t, s, spi)
	if err := s.ReadBlocks(make([]byte, 512), 0, 1); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}

	pin.level = true
	s.Fired()

	if len(client.errors) != 1 || client.errors[0] != ErrCardStateChanged {
		t.Fatalf("errors = %v, want one card-state-changed", client.errors)
	}
	if pin.irqActive {
		t.Fatal("detect interrupt still armed during settle")
	}
	if !alarm.armed || alarm.lastDt != 500 {
		t.Fatalf("expected 500ms settle alarm, armed=%v dt=%d", alarm.armed, alarm.lastDt)
	}
	if s.IsInitialized() {
		t.Fatal("card still initialized after removal")
	}

	// The aborted CMD17 still completes; its buffers must quietly come
	// back to the cells.
	spi.complete(t, nil)

	alarm.fire(t)
	if len(client.detections) != 1 || client.detections[0] != false {
		t.Fatalf("detections = %v, want [false]", client.detections)
	}
	if !pin.irqActive {
		t.Fatal("detect interrupt not re-armed after settle")
	}

	// Re-insert and verify a full bring-up works again.
	pin.level = false
	bringUp(t, s, spi)
}
