// capsules/sdcard/driver.go
package sdcard

import (
	"capsules-go/bus"
	"capsules-go/cells"
	"capsules-go/errcode"
)

// Userspace-facing command numbers.
const (
	CommandProbe       = 0
	CommandIsInstalled = 1
	CommandInitialize  = 2
	CommandReadBlock   = 3
	CommandWriteBlock  = 4
)

// Upcall event tags; the first payload word of every upcall.
const (
	UpcallCardStateChanged = 0
	UpcallInitDone         = 1
	UpcallReadDone         = 2
	UpcallWriteDone        = 3
	UpcallError            = 4
)

// Upcall is the payload published to the bound app's upcall topic.
type Upcall struct {
	Tag  uint32
	Arg1 uint32
	Arg2 uint32
}

// Driver is the userspace-facing surface of the SD card: numeric commands,
// one bound app at a time, shared buffers for block data, and completions
// delivered as tagged upcalls on the bus topic {"sdcard", "upcall", app}.
//
// The driver stages block data through its own kernel buffer so the card
// never holds an app-owned slice across an asynchronous operation.
type Driver struct {
	sd   *SDCard
	conn *bus.Connection

	app string // bound app id; empty when unbound

	kernelBuf cells.TakeCell
	readBuf   []byte // app's read-write buffer: read_block results land here
	writeBuf  []byte // app's read-only buffer: write_block data comes from here
}

// NewDriver binds the syscall surface to a card and a bus for upcall
// delivery, and arms card-detect notifications.
func NewDriver(sd *SDCard, b *bus.Bus) *Driver {
	d := &Driver{
		sd:        sd,
		conn:      b.NewConnection("sdcard-driver"),
		kernelBuf: cells.NewTakeCell(make([]byte, blockLen)),
	}
	sd.SetClient(d)
	sd.DetectChanges()
	return d
}

// Bind reserves the driver for one app. A second app binding while the
// first holds it is resource contention.
func (d *Driver) Bind(app string) error {
	if d.app != "" && d.app != app {
		return errcode.Busy
	}
	d.app = app
	return nil
}

// Unbind releases the driver and forgets the app's allowed buffers.
func (d *Driver) Unbind(app string) {
	if d.app != app {
		return
	}
	d.app = ""
	d.readBuf = nil
	d.writeBuf = nil
}

// AllowReadWrite shares a buffer the driver may write block data into.
func (d *Driver) AllowReadWrite(app string, buf []byte) error {
	if d.app != app {
		return errcode.Reserve
	}
	d.readBuf = buf
	return nil
}

// AllowReadOnly shares a buffer the driver may read block data from.
func (d *Driver) AllowReadOnly(app string, buf []byte) error {
	if d.app != app {
		return errcode.Reserve
	}
	d.writeBuf = buf
	return nil
}

// Command executes a numeric command for app. Synchronous results come
// back as the return values; asynchronous completions arrive as upcalls.
func (d *Driver) Command(app string, command int, arg uint32) (uint32, error) {
	if command == CommandProbe {
		return 0, nil
	}
	if d.app != app {
		return 0, errcode.Reserve
	}

	switch command {
	case CommandIsInstalled:
		if d.sd.IsInstalled() {
			return 1, nil
		}
		return 0, nil

	case CommandInitialize:
		return 0, d.sd.Initialize()

	case CommandReadBlock:
		if d.readBuf == nil {
			return 0, errcode.NoMem
		}
		kb, ok := d.kernelBuf.Take()
		if !ok {
			return 0, errcode.NoMem
		}
		if err := d.sd.ReadBlocks(kb, arg, 1); err != nil {
			d.kernelBuf.Replace(kb)
			return 0, err
		}
		return 0, nil

	case CommandWriteBlock:
		if d.writeBuf == nil {
			return 0, errcode.NoMem
		}
		kb, ok := d.kernelBuf.Take()
		if !ok {
			return 0, errcode.NoMem
		}
		n := copy(kb, d.writeBuf)
		for i := n; i < len(kb); i++ {
			kb[i] = 0
		}
		if err := d.sd.WriteBlocks(kb, arg, 1); err != nil {
			d.kernelBuf.Replace(kb)
			return 0, err
		}
		return 0, nil

	default:
		return 0, errcode.NoSupport
	}
}

func (d *Driver) upcall(tag, arg1, arg2 uint32) {
	if d.app == "" {
		return
	}
	d.conn.Publish(d.conn.NewMessage(
		bus.Topic{"sdcard", "upcall", d.app},
		Upcall{Tag: tag, Arg1: arg1, Arg2: arg2},
		false,
	))
}

// CardDetectionChanged implements Client.
func (d *Driver) CardDetectionChanged(installed bool) {
	v := uint32(0)
	if installed {
		v = 1
	}
	d.upcall(UpcallCardStateChanged, v, 0)
}

// InitDone implements Client. Capacity is reported in blocks so cards past
// 4 GiB still fit a 32-bit payload word.
func (d *Driver) InitDone(blockSize uint32, totalSize uint64) {
	d.upcall(UpcallInitDone, blockSize, uint32(totalSize/uint64(blockSize)))
}

// ReadDone implements Client.
func (d *Driver) ReadDone(data []byte, length int) {
	n := copy(d.readBuf, data[:length])
	d.kernelBuf.Replace(data)
	d.upcall(UpcallReadDone, uint32(n), 0)
}

// WriteDone implements Client.
func (d *Driver) WriteDone(buffer []byte) {
	d.kernelBuf.Replace(buffer)
	d.upcall(UpcallWriteDone, 0, 0)
}

// Error implements Client. A failed operation strands the staging buffer
// inside the card driver; reclaim it so the next command is not refused.
func (d *Driver) Error(code ErrorCode) {
	if buf, ok := d.sd.ReclaimClientBuffer(); ok {
		d.kernelBuf.Replace(buf)
	}
	d.upcall(UpcallError, uint32(code), 0)
}
