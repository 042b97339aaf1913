// cmd/pconsole-host/main.go

// pconsole-host runs the process console against a synthetic process
// table, either on the local terminal or over a real serial port.
//
//	pconsole-host                 # local terminal, defaults
//	pconsole-host -config dev.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"capsules-go/bus"
	"capsules-go/capsules/console"
	"capsules-go/config"
	"capsules-go/kern"
	"capsules-go/platform"
	"capsules-go/types"
)

// Addresses of a plausible Cortex-M image; the console only prints them.
var demoAddresses = types.KernelAddresses{
	StackStart:        0x20000000,
	StackEnd:          0x20002000,
	TextStart:         0x00030000,
	TextEnd:           0x00060000,
	ReadOnlyDataStart: 0x0005C000,
	RelocationsStart:  0x0005E000,
	RelocationsEnd:    0x0005F000,
	BssStart:          0x20002000,
	BssEnd:            0x20004000,
}

func main() {
	cfgPath := flag.String("config", "", "configuration file (yaml)")
	useTTY := flag.Bool("tty", true, "run on the local terminal instead of a serial port")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
	} else {
		cfg.Console.UseTTY = *useTTY
	}

	d := platform.NewDispatcher(0)

	var uart types.UartDevice
	if cfg.Console.UseTTY {
		t, err := platform.OpenTTY(d)
		if err != nil {
			log.Fatalf("tty: %v", err)
		}
		defer t.Close()
		uart = t
	} else {
		s, err := platform.OpenSerial(d, cfg.Console.Device, cfg.Console.Baud)
		if err != nil {
			log.Fatalf("serial %s: %v", cfg.Console.Device, err)
		}
		defer s.Close()
		uart = s
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kernel := buildKernel()
	b := bus.NewBus(16)
	c := console.New(uart, platform.NewHostAlarm(d), kernel, kern.Printer{},
		demoAddresses, console.Config{
			HistoryLen: cfg.Console.HistoryLen,
			Reset:      stop,
			Bus:        b,
		})
	if err := c.Start(); err != nil {
		log.Fatalf("console: %v", err)
	}

	d.Run(ctx)
}

// buildKernel fabricates a process table with some history on it, so the
// list/process commands have something to show.
func buildKernel() *kern.Kernel {
	k := kern.New(2, 1, "a1df40e")

	sensor := kern.NewProc(1, "sensor")
	for i := 0; i < 42; i++ {
		sensor.CountSyscall()
	}
	sensor.ExpireTimeslice()
	sensor.UseGrants(2)
	k.Add(sensor)

	radio := kern.NewProc(2, "radio")
	radio.CountSyscall()
	radio.Terminate()
	radio.TryRestart()
	k.Add(radio)

	blink := kern.NewProc(3, "blink")
	blink.Stop()
	k.Add(blink)

	return k
}
