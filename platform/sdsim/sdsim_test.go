// platform/sdsim/sdsim_test.go

package sdsim_test

import (
	"bytes"
	"testing"

	"capsules-go/capsules/sdcard"
	"capsules-go/platform/sdsim"
	"capsules-go/types"
)

// simSPI holds one pending transaction against the simulated card; the
// pump loop clocks it and delivers the completion, so the driver's
// single-outstanding-transaction discipline is preserved.
type simSPI struct {
	card    *sdsim.Card
	client  types.SpiClient
	pending bool
	write   []byte
	read    []byte
	n       int
}

func (s *simSPI) SetClient(c types.SpiClient) { s.client = c }

func (s *simSPI) Configure(types.ClockPolarity, types.ClockPhase, uint32) {}

func (s *simSPI) ReadWriteBytes(write, read []byte, n int) error {
	if s.pending {
		panic("second SPI transaction before completion")
	}
	s.pending = true
	s.write, s.read, s.n = write, read, n
	return nil
}

func (s *simSPI) stepOne(t *testing.T) {
	t.Helper()
	if !s.pending {
		t.Fatal("no SPI transaction pending")
	}
	s.pending = false
	if err := s.card.Tx(s.write[:s.n], s.read[:s.n]); err != nil {
		t.Fatalf("card.Tx: %v", err)
	}
	s.client.ReadWriteDone(s.write, s.read, s.n, nil)
}

type simAlarm struct {
	client types.AlarmClient
	armed  bool
}

func (a *simAlarm) SetClient(c types.AlarmClient)     { a.client = c }
func (a *simAlarm) Now() types.Ticks                  { return 0 }
func (a *simAlarm) TicksFromMS(ms uint32) types.Ticks { return types.Ticks(ms) }
func (a *simAlarm) SetAlarm(_, _ types.Ticks)         { a.armed = true }
func (a *simAlarm) Disarm()                           { a.armed = false }

type result struct {
	inits  int
	total  uint64
	reads  [][]byte
	writes int
	errors []sdcard.ErrorCode
}

func (r *result) CardDetectionChanged(bool) {}

func (r *result) InitDone(_ uint32, totalSize uint64) {
	r.inits++
	r.total = totalSize
}

func (r *result) ReadDone(data []byte, length int) {
	r.reads = append(r.reads, append([]byte(nil), data[:length]...))
}

func (r *result) WriteDone([]byte) { r.writes++ }

func (r *result) Error(code sdcard.ErrorCode) { r.errors = append(r.errors, code) }

// pump runs SPI completions and alarm fires until the stack goes quiet.
func pump(t *testing.T, spi *simSPI, alarm *simAlarm) {
	t.Helper()
	for i := 0; i < 100000; i++ {
		switch {
		case spi.pending:
			spi.stepOne(t)
		case alarm.armed:
			alarm.armed = false
			alarm.client.Alarm()
		default:
			return
		}
	}
	t.Fatal("stack did not settle")
}

func newStack(t *testing.T, card *sdsim.Card) (*sdcard.SDCard, *simSPI, *simAlarm, *result) {
	t.Helper()
	spi := &simSPI{card: card}
	alarm := &simAlarm{}
	res := &result{}
	sd := sdcard.New(spi, alarm, nil, nil)
	sd.SetClient(res)
	return sd, spi, alarm, res
}

func TestBringUpAgainstSimulatedCard(t *testing.T) {
	card := sdsim.NewMemCard(2048) // 1 MiB
	card.InitPolls = 2             // force the ACMD41 retry path
	sd, spi, alarm, res := newStack(t, card)

	if err := sd.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	pump(t, spi, alarm)

	if len(res.errors) != 0 {
		t.Fatalf("errors during bring-up: %v", res.errors)
	}
	if res.inits != 1 || res.total != 1048576 {
		t.Fatalf("InitDone inits=%d total=%d, want 1 and 1048576", res.inits, res.total)
	}
}

func TestBringUpParsesVersion1CSD(t *testing.T) {
	card := sdsim.NewMemCard(2048)
	card.CSDv1 = true
	sd, spi, alarm, res := newStack(t, card)

	if err := sd.Initialize(); err != nil {
		t.Fatal(err)
	}
	pump(t, spi, alarm)

	if len(res.errors) != 0 {
		t.Fatalf("errors: %v", res.errors)
	}
	if res.total != 1048576 {
		t.Fatalf("capacity = %d, want 1048576", res.total)
	}
}

func TestWriteThenReadBack(t *testing.T) {
	card := sdsim.NewMemCard(2048)
	sd, spi, alarm, res := newStack(t, card)

	if err := sd.Initialize(); err != nil {
		t.Fatal(err)
	}
	pump(t, spi, alarm)

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i * 7)
	}
	if err := sd.WriteBlocks(data, 3, 1); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	pump(t, spi, alarm)
	if res.writes != 1 {
		t.Fatalf("writes = %d, errors = %v", res.writes, res.errors)
	}

	if err := sd.ReadBlocks(make([]byte, 512), 3, 1); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	pump(t, spi, alarm)

	if len(res.reads) != 1 {
		t.Fatalf("reads = %d, errors = %v", len(res.reads), res.errors)
	}
	if !bytes.Equal(res.reads[0], data) {
		t.Fatal("read-back data does not match what was written")
	}
}

func TestMultiBlockRead(t *testing.T) {
	card := sdsim.NewMemCard(2048)
	sd, spi, alarm, res := newStack(t, card)

	if err := sd.Initialize(); err != nil {
		t.Fatal(err)
	}
	pump(t, spi, alarm)

	// Stamp three adjacent sectors with distinct contents.
	for sector := uint32(10); sector <= 12; sector++ {
		block := make([]byte, 512)
		for i := range block {
			block[i] = byte(sector)
		}
		if err := sd.WriteBlocks(block, sector, 1); err != nil {
			t.Fatal(err)
		}
		pump(t, spi, alarm)
	}
	if res.writes != 3 {
		t.Fatalf("writes = %d, errors = %v", res.writes, res.errors)
	}

	if err := sd.ReadBlocks(make([]byte, 1536), 10, 3); err != nil {
		t.Fatal(err)
	}
	pump(t, spi, alarm)

	if len(res.reads) != 1 {
		t.Fatalf("reads = %d, errors = %v", len(res.reads), res.errors)
	}
	got := res.reads[0]
	if len(got) != 1536 {
		t.Fatalf("read length = %d, want 1536", len(got))
	}
	if got[0] != 10 || got[512] != 11 || got[1024] != 12 {
		t.Fatalf("sector stamps = %d %d %d, want 10 11 12", got[0], got[512], got[1024])
	}
}

func TestDetectPinEdges(t *testing.T) {
	pin := sdsim.NewDetectPin()
	card := sdsim.NewMemCard(2048)
	spi := &simSPI{card: card}
	alarm := &simAlarm{}
	res := &result{}
	sd := sdcard.New(spi, alarm, pin, nil)
	sd.SetClient(res)

	if !sd.IsInstalled() {
		t.Fatal("fresh sim card not installed")
	}
	sd.DetectChanges()

	pin.SetInstalled(false)
	// Removal schedules the settle alarm; no operation was in flight so
	// no error fires.
	if len(res.errors) != 0 {
		t.Fatalf("errors = %v", res.errors)
	}
	pump(t, spi, alarm)
	if sd.IsInstalled() {
		t.Fatal("card still installed after removal")
	}
	if err := sd.Initialize(); err == nil {
		t.Fatal("Initialize accepted with no card")
	}
}
