// cmd/sdcard-host/main.go

// sdcard-host brings up the SD capsule against a simulated card and runs
// a write/read round trip on one sector.
//
//	sdcard-host                        # memory-backed card, sector 0
//	sdcard-host -config dev.yaml 17    # card image from config, sector 17
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"capsules-go/bus"
	"capsules-go/capsules/sdcard"
	"capsules-go/config"
	"capsules-go/platform"
	"capsules-go/platform/sdsim"
	"capsules-go/x/conv"
	"capsules-go/x/fmtx"
	"capsules-go/x/strconvx"
	"capsules-go/x/timex"
)

// event carries one capsule callback off the dispatcher goroutine.
type event struct {
	kind string
	data []byte
	n    int
	code sdcard.ErrorCode
	size uint64
}

type reporter struct{ events chan event }

func (r *reporter) CardDetectionChanged(installed bool) {
	r.events <- event{kind: "detect", n: boolInt(installed)}
}
func (r *reporter) InitDone(blockSize uint32, totalSize uint64) {
	r.events <- event{kind: "init", n: int(blockSize), size: totalSize}
}
func (r *reporter) ReadDone(data []byte, n int) {
	snap := make([]byte, n)
	copy(snap, data[:n])
	r.events <- event{kind: "read", data: snap, n: n}
}
func (r *reporter) WriteDone(data []byte) { r.events <- event{kind: "write"} }
func (r *reporter) Error(code sdcard.ErrorCode) {
	r.events <- event{kind: "error", code: code}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func main() {
	cfgPath := flag.String("config", "", "configuration file (yaml)")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
	}

	sector := 0
	if flag.NArg() > 0 {
		var err error
		sector, err = strconvx.Atoi(flag.Arg(0))
		if err != nil || sector < 0 {
			log.Fatalf("bad sector %q", flag.Arg(0))
		}
	}

	var card *sdsim.Card
	if cfg.SDCard.Image != "" {
		var err error
		card, err = sdsim.OpenImage(cfg.SDCard.Image)
		if err != nil {
			log.Fatalf("card image: %v", err)
		}
	} else {
		card = sdsim.NewMemCard(cfg.SDCard.Sectors)
	}
	defer card.Close()

	d := platform.NewDispatcher(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	b := bus.NewBus(16)
	sd := sdcard.New(platform.NewSyncSPI(d, card), platform.NewHostAlarm(d),
		sdsim.NewDetectPin(), b)
	r := &reporter{events: make(chan event, 4)}
	sd.SetClient(r)

	start := timex.NowMs()
	post(d, sd.Initialize)
	ev := wait(r, "init")
	fmtx.Printf("card up in %dms: block size %d, capacity %d bytes\n",
		timex.NowMs()-start, ev.n, ev.size)

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = byte(sector + i)
	}
	post(d, func() error { return sd.WriteBlocks(buf, uint32(sector), 1) })
	wait(r, "write")
	fmtx.Printf("wrote sector %d\n", sector)

	post(d, func() error { return sd.ReadBlocks(buf, uint32(sector), 1) })
	ev = wait(r, "read")
	fmtx.Printf("read sector %d (%d bytes):\n", sector, ev.n)
	hexdump(ev.data)
}

// post runs a capsule call on the dispatcher goroutine, where all capsule
// state lives.
func post(d *platform.Dispatcher, fn func() error) {
	d.Post(func() {
		if err := fn(); err != nil {
			log.Fatalf("sdcard: %v", err)
		}
	})
}

func wait(r *reporter, kind string) event {
	for ev := range r.events {
		switch ev.kind {
		case kind:
			return ev
		case "detect":
			continue
		case "error":
			fmtx.Printf("card error: %s\n", ev.code.String())
			os.Exit(1)
		default:
			log.Fatalf("unexpected %s completion while waiting for %s", ev.kind, kind)
		}
	}
	return event{}
}

// hexdump prints data as big-endian 32-bit words, 4 per line.
func hexdump(data []byte) {
	var scratch [8]byte
	for i := 0; i+4 <= len(data); i += 4 {
		if i%16 == 0 {
			if i > 0 {
				os.Stdout.Write([]byte{'\n'})
			}
			os.Stdout.Write(conv.U32Hex(scratch[:], uint32(i)))
			os.Stdout.Write([]byte{':'})
		}
		word := uint32(data[i])<<24 | uint32(data[i+1])<<16 |
			uint32(data[i+2])<<8 | uint32(data[i+3])
		os.Stdout.Write([]byte{' '})
		os.Stdout.Write(conv.U32Hex(scratch[:], word))
	}
	os.Stdout.Write([]byte{'\n'})
}
