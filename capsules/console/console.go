// capsules/console/console.go

// Package console implements an interactive process console over a UART
// byte stream: per-keystroke line editing with escape-sequence decoding and
// command history, plus a debug-report engine that prints the kernel memory
// map, the process list and per-process detail across multiple transmit
// callbacks.
//
// The console is a single-threaded reactor. It owns a TX buffer, a queue
// buffer for backpressure while a transmission is in flight, and a RX
// buffer; all progress happens inside the UART and alarm completion
// callbacks.
package console

import (
	"strings"
	"unicode/utf8"

	"github.com/google/shlex"

	"capsules-go/bus"
	"capsules-go/cells"
	"capsules-go/errcode"
	"capsules-go/types"
	"capsules-go/x/fmtx"
	"capsules-go/x/strconvx"
)

const (
	writeBufLen = 500
	queueBufLen = 300
	readBufLen  = 4

	promptStr = "tock$ "
)

const validCommands = "help status list stop start fault boot terminate " +
	"process kernel reset panic console-start console-stop\r\n"

// Mode is the console's operational mode. Hibernating suppresses the prompt
// and ignores every command except console-start.
type Mode uint8

const (
	ModeOff Mode = iota
	ModeActive
	ModeHibernating
)

func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModeHibernating:
		return "hibernating"
	default:
		return "off"
	}
}

// Config carries the optional collaborators of a Console.
type Config struct {
	// HistoryLen is the history ring size including the scratch slot;
	// values below 2 disable history recall.
	HistoryLen int
	// Reset, when non-nil, is invoked by the reset command.
	Reset func()
	// Bus, when non-nil, receives retained console mode updates and
	// receive-anomaly events.
	Bus *bus.Bus
}

// Console is the process console capsule.
type Console struct {
	uart    types.UartDevice
	alarm   types.Alarm
	kernel  types.Kernel
	printer types.ProcessPrinter
	addrs   types.KernelAddresses
	resetFn func()
	conn    *bus.Connection

	mode Mode

	txInProgress bool
	txBuffer     cells.TakeCell
	queueBuffer  cells.TakeCell
	queueSize    int
	rxInProgress bool
	rxBuffer     cells.TakeCell

	line   Command
	cursor int

	escState     EscState
	previousByte byte
	execute      bool

	writer writerState
	cw     consoleWriter

	history *CommandHistory
}

func New(uart types.UartDevice, alarm types.Alarm, kernel types.Kernel,
	printer types.ProcessPrinter, addrs types.KernelAddresses, cfg Config) *Console {

	hlen := cfg.HistoryLen
	if hlen == 0 {
		hlen = DefaultHistoryLen
	}
	c := &Console{
		uart:        uart,
		alarm:       alarm,
		kernel:      kernel,
		printer:     printer,
		addrs:       addrs,
		resetFn:     cfg.Reset,
		txBuffer:    cells.NewTakeCell(make([]byte, writeBufLen)),
		queueBuffer: cells.NewTakeCell(make([]byte, queueBufLen)),
		rxBuffer:    cells.NewTakeCell(make([]byte, readBufLen)),
		history:     NewCommandHistory(hlen),
	}
	if cfg.Bus != nil {
		c.conn = cfg.Bus.NewConnection("process-console")
	}
	uart.SetClient(c)
	alarm.SetClient(c)
	return c
}

// Start activates the console. The welcome banner and the first receive are
// issued from a short alarm so the rest of the board has settled by the
// time the prompt appears.
func (c *Console) Start() error {
	if c.mode != ModeOff {
		return nil
	}
	c.setMode(ModeActive)
	c.alarm.SetAlarm(c.alarm.Now(), c.alarm.TicksFromMS(100))
	return nil
}

// Mode reports the current operational mode.
func (c *Console) Mode() Mode { return c.mode }

// Alarm displays the welcome banner and arms the first 1-byte receive.
func (c *Console) Alarm() {
	major, minor, build := c.kernel.Version()
	_ = c.writeString(fmtx.Sprintf("Kernel version: %d.%d (build %s)\r\n",
		major, minor, build))
	_ = c.writeString("Welcome to the process console.\r\n")
	_ = c.writeString("Valid commands are: " + validCommands)
	c.prompt()
	c.startReceive()
}

func (c *Console) setMode(m Mode) {
	c.mode = m
	if c.conn != nil {
		c.conn.Publish(c.conn.NewMessage(
			bus.Topic{"console", "mode"}, m.String(), true))
	}
}

func (c *Console) historyEnabled() bool {
	return c.history.AvailableLen() > 1
}

func (c *Console) prompt() {
	if c.mode != ModeActive {
		return
	}
	_ = c.writeString(promptStr)
}

func (c *Console) startReceive() {
	buf, ok := c.rxBuffer.Take()
	if !ok {
		return
	}
	c.rxInProgress = true
	_ = c.uart.ReceiveBuffer(buf, 1)
}

// ---------------- TX path ----------------

// writeBytes transmits bytes, or queues them (truncating silently on
// overflow) when a transmission is already in flight. The TX buffer comes
// back only through TransmittedBuffer.
func (c *Console) writeBytes(bytes []byte) error {
	if c.txInProgress {
		c.queueBuffer.Map(func(q []byte) {
			n := copy(q[c.queueSize:], bytes)
			c.queueSize += n
		})
		return errcode.Busy
	}
	buf, ok := c.txBuffer.Take()
	if !ok {
		return errcode.Fail
	}
	c.txInProgress = true
	n := copy(buf, bytes)
	if err := c.uart.TransmitBuffer(buf, n); err != nil {
		// A synchronous refusal means no completion is coming; reclaim
		// the buffer so the console is not wedged.
		c.txBuffer.Replace(buf)
		c.txInProgress = false
		return err
	}
	return nil
}

func (c *Console) writeString(s string) error {
	return c.writeBytes([]byte(s))
}

// handleQueue moves queued bytes into the TX buffer and transmits them.
// It returns the number of bytes sent; 0 means the queue was empty and the
// UART is free for the next pending state.
func (c *Console) handleQueue() (int, error) {
	if c.txInProgress {
		return 0, errcode.Busy
	}
	sent := 0
	var err error
	ok := c.queueBuffer.Map(func(q []byte) {
		if c.queueSize == 0 {
			return
		}
		buf, present := c.txBuffer.Take()
		if !present {
			err = errcode.Fail
			return
		}
		n := copy(buf, q[:c.queueSize])
		// Shift the remainder to the front for the next drain.
		copy(q, q[n:c.queueSize])
		c.queueSize -= n
		c.txInProgress = true
		if terr := c.uart.TransmitBuffer(buf, n); terr != nil {
			c.txBuffer.Replace(buf)
			c.txInProgress = false
			err = terr
			return
		}
		sent = n
	})
	if !ok {
		return 0, errcode.Fail
	}
	return sent, err
}

// TransmittedBuffer reclaims the TX buffer, drains the queue, and only once
// both are quiet resumes the report engine or dispatches a completed line.
func (c *Console) TransmittedBuffer(buf []byte, txLen int, err error) {
	c.txBuffer.Replace(buf)
	c.txInProgress = false

	sent, qerr := c.handleQueue()
	if sent != 0 && qerr == nil {
		return
	}

	if !c.writer.isEmpty() {
		c.writeState(c.writer)
		return
	}

	if c.execute {
		c.execute = false
		c.readCommand()
	}
}

// ---------------- RX path ----------------

// ReceivedBuffer processes exactly one received byte and always re-arms a
// new 1-byte receive. Receives of any other length are reported as an
// anomaly and dropped.
func (c *Console) ReceivedBuffer(buf []byte, rxLen int, err error) {
	if err == nil {
		if rxLen == 1 {
			c.handleByte(buf[0])
		} else if c.conn != nil {
			c.conn.Publish(c.conn.NewMessage(
				bus.Topic{"console", "anomaly"}, rxLen, false))
		}
	}
	c.rxBuffer.Replace(buf)
	c.startReceive()
}

func (c *Console) handleByte(b byte) {
	prev := c.previousByte
	c.previousByte = b

	c.escState = c.escState.NextState(b)
	if key, ok := c.escState.Key(); ok {
		c.handleKey(key)
		return
	}
	if c.escState.HasStarted() || c.escState.InProgress() ||
		c.escState.Unrecognized() || c.escState.JustFinished() {
		return
	}

	switch {
	case b == '\n' || b == '\r':
		if (prev == '\n' || prev == '\r') && prev != b {
			// Second half of a \r\n or \n\r pair, swallow it.
			c.previousByte = 0
			if c.historyEnabled() {
				c.history.Reset()
			}
			return
		}
		c.cursor = 0
		c.execute = true
		_ = c.writeString("\r\n")
		if c.historyEnabled() {
			c.history.Reset()
		}
	case b == asciiBS:
		c.handleKey(KeyBackspace)
	case b >= ' ' && b < asciiDEL:
		c.insertByte(b)
	}
	// Anything else (non-ASCII strays, unhandled control codes) is dropped.
}

func (c *Console) handleKey(key EscKey) {
	switch key {
	case KeyUp, KeyDown:
		if !c.historyEnabled() {
			return
		}
		h := c.history
		if h.CmdIdx == 0 {
			// Leaving the in-progress line; park it in the scratch slot.
			h.WriteToFirst(&c.line.buf)
		}
		var idx int
		var ok bool
		if key == KeyUp {
			idx, ok = h.NextCmdIdx()
		} else {
			idx, ok = h.PrevCmdIdx()
		}
		if !ok {
			return
		}
		c.recall(h.At(idx))
		h.CmdIsModified = false
	case KeyLeft:
		if c.cursor > 0 {
			_ = c.writeBytes([]byte{asciiBS})
			c.cursor--
		}
	case KeyRight:
		if c.cursor < c.line.Len() {
			_ = c.writeBytes(c.line.Bytes()[c.cursor : c.cursor+1])
			c.cursor++
		}
	case KeyHome:
		if c.cursor > 0 {
			out := make([]byte, c.cursor)
			for i := range out {
				out[i] = asciiBS
			}
			_ = c.writeBytes(out)
			c.cursor = 0
		}
	case KeyEnd:
		if c.cursor < c.line.Len() {
			_ = c.writeBytes(c.line.Bytes()[c.cursor:])
			c.cursor = c.line.Len()
		}
	case KeyBackspace:
		if c.cursor == 0 {
			return
		}
		c.cursor--
		c.line.DeleteByte(c.cursor)
		c.redrawTail(true)
		c.syncHistory()
	case KeyDelete:
		if c.cursor >= c.line.Len() {
			return
		}
		c.line.DeleteByte(c.cursor)
		c.redrawTail(false)
		c.syncHistory()
	}
}

func (c *Console) insertByte(b byte) {
	// Keep one slot for the NUL terminator.
	if c.line.Len() >= CommandBufLen-1 || c.cursor > c.line.Len() {
		return
	}
	c.line.InsertByte(b, c.cursor)

	// Echo the new byte and the shifted suffix, then walk the terminal
	// cursor back to just after the insertion point.
	out := append([]byte{}, c.line.Bytes()[c.cursor:]...)
	for i := c.line.Len() - c.cursor - 1; i > 0; i-- {
		out = append(out, asciiBS)
	}
	_ = c.writeBytes(out)
	c.cursor++
	c.syncHistory()
}

// redrawTail repaints the line after a deletion at the cursor: optionally a
// leading backspace, then the suffix, a space to erase the stale trailing
// character, and backspaces to restore the cursor position.
func (c *Console) redrawTail(backFirst bool) {
	var out []byte
	if backFirst {
		out = append(out, asciiBS)
	}
	suffix := c.line.Bytes()[c.cursor:]
	out = append(out, suffix...)
	out = append(out, ' ')
	for i := 0; i <= len(suffix); i++ {
		out = append(out, asciiBS)
	}
	_ = c.writeBytes(out)
}

// recall replaces the displayed line with a history entry: walk to the end
// of the current line, erase it, then type the recalled text.
func (c *Console) recall(cmd *Command) {
	var out []byte
	out = append(out, c.line.Bytes()[c.cursor:]...)
	for i := 0; i < c.line.Len(); i++ {
		out = append(out, asciiBS, ' ', asciiBS)
	}
	out = append(out, cmd.Bytes()...)
	_ = c.writeBytes(out)
	c.line = *cmd
	c.cursor = c.line.Len()
}

// syncHistory mirrors a local edit into the scratch slot. Editing a
// recalled entry forks it into the scratch slot first.
func (c *Console) syncHistory() {
	if !c.historyEnabled() {
		return
	}
	h := c.history
	h.CmdIdx = 0
	h.CmdIsModified = true
	h.WriteToFirst(&c.line.buf)
}

// ---------------- Command dispatch ----------------

func (c *Console) readCommand() {
	raw := c.line.buf
	term := c.line.Len()

	c.line.Clear()
	c.cursor = 0
	defer func() {
		if c.writer.isEmpty() {
			c.prompt()
		}
	}()

	if term == 0 {
		return
	}
	if !utf8.Valid(raw[:term]) {
		_ = c.writeString(fmtx.Sprintf("Invalid command: %q\r\n", raw[:term]))
		return
	}
	clean := strings.TrimSpace(string(raw[:term]))

	if c.historyEnabled() && clean != "" {
		c.history.MakeSpace(&raw)
		c.history.CmdIdx = 0
		c.history.CmdIsModified = false
	}

	switch {
	case strings.HasPrefix(clean, "console-start"):
		c.setMode(ModeActive)

	case c.mode == ModeHibernating:
		// Everything else is silently ignored while hibernating.

	case strings.HasPrefix(clean, "help"):
		_ = c.writeString("Welcome to the process console.\r\n")
		_ = c.writeString("Valid commands are: " + validCommands)

	case strings.HasPrefix(clean, "console-stop"):
		_ = c.writeString("Console in hibernation mode until console-start is run\r\n")
		c.setMode(ModeHibernating)

	case strings.HasPrefix(clean, "start"):
		if name, ok := argOf(clean); ok {
			c.eachNamed(name, func(p types.Process) {
				p.Resume()
				_ = c.writeString(fmtx.Sprintf("Process %s resumed.\r\n", name))
			})
		}

	case strings.HasPrefix(clean, "stop"):
		if name, ok := argOf(clean); ok {
			c.eachNamed(name, func(p types.Process) {
				p.Stop()
				_ = c.writeString(fmtx.Sprintf("Process %s stopped\r\n", name))
			})
		}

	case strings.HasPrefix(clean, "fault"):
		if name, ok := argOf(clean); ok {
			c.eachNamed(name, func(p types.Process) {
				p.SetFaultState()
				_ = c.writeString(fmtx.Sprintf("Process %s now faulted\r\n", name))
			})
		}

	case strings.HasPrefix(clean, "terminate"):
		if name, ok := argOf(clean); ok {
			c.eachNamed(name, func(p types.Process) {
				p.Terminate()
				_ = c.writeString(fmtx.Sprintf("Process %s terminated\r\n", name))
			})
		}

	case strings.HasPrefix(clean, "boot"):
		if name, ok := argOf(clean); ok {
			c.eachNamed(name, func(p types.Process) {
				if p.State() == types.StateTerminated {
					p.TryRestart()
				}
			})
		}

	case strings.HasPrefix(clean, "list"):
		_ = c.writeString(" PID    Name                Quanta  ")
		_ = c.writeString("Syscalls  Restarts  Grants  State\r\n")
		count := 0
		c.kernel.ProcessEach(func(p types.Process) { count++ })
		if count > 0 {
			c.writeState(writerState{tag: writerList, index: -1, total: count})
		}

	case strings.HasPrefix(clean, "status"):
		_ = c.writeString(fmtx.Sprintf("Total processes: %d\r\n",
			c.kernel.NumberLoadedProcesses()))
		_ = c.writeString(fmtx.Sprintf("Active processes: %d\r\n",
			c.kernel.NumberActiveProcesses()))
		_ = c.writeString(fmtx.Sprintf("Timeslice expirations: %d\r\n",
			c.kernel.TimesliceExpirations()))

	case strings.HasPrefix(clean, "process"):
		if name, ok := argOf(clean); ok {
			c.eachNamed(name, func(p types.Process) {
				c.cw.Reset()
				ctx := c.printer.PrintOverview(p, &c.cw, nil)
				_ = c.writeBytes(c.cw.Bytes())
				if ctx != nil {
					c.writer = writerState{
						tag:      writerProcessPrint,
						pid:      p.PID(),
						printCtx: ctx,
					}
				}
			})
		}

	case strings.HasPrefix(clean, "kernel"):
		major, minor, build := c.kernel.Version()
		_ = c.writeString(fmtx.Sprintf("Kernel version: %d.%d (build %s)\r\n",
			major, minor, build))
		// The memory map prints through the report engine.
		c.writer = writerState{tag: writerKernelStart}

	case strings.HasPrefix(clean, "reset"):
		if c.resetFn != nil {
			c.resetFn()
		} else {
			_ = c.writeString("Reset is not implemented on this board\r\n")
		}

	case strings.HasPrefix(clean, "panic"):
		panic("process console forced a kernel panic")

	default:
		_ = c.writeString("Valid commands are: " + validCommands)
	}
}

func argOf(line string) (string, bool) {
	parts, err := shlex.Split(line)
	if err != nil {
		parts = strings.Fields(line)
	}
	if len(parts) < 2 {
		return "", false
	}
	return parts[1], true
}

// eachNamed runs fn on the first process whose name matches exactly.
func (c *Console) eachNamed(name string, fn func(p types.Process)) {
	found := false
	c.kernel.ProcessEach(func(p types.Process) {
		if found || p.Name() != name {
			return
		}
		found = true
		fn(p)
	})
}

// ---------------- Debug-report engine ----------------

// writeState advances the report engine one step and renders the block for
// the new state.
func (c *Console) writeState(s writerState) {
	c.writer = s.nextState()
	c.createStateBuffer(c.writer)
}

func (c *Console) createStateBuffer(s writerState) {
	a := c.addrs
	switch s.tag {
	case writerKernelBss:
		size := int(a.BssEnd - a.BssStart)
		_ = c.writeString(
			"\r\n ╔═══════════╤══════════════════════════════╗" +
				"\r\n ║  Address  │ Region Name    Used (bytes)  ║" +
				"\r\n ╚" + hex8(a.BssEnd) + "═╪══════════════════════════════╝" +
				"\r\n             │   BSS        " + padLeft(strconvx.FormatInt(int64(size), 10), 6))
	case writerKernelInit:
		size := int(a.RelocationsEnd - a.RelocationsStart)
		_ = c.writeString(
			"\r\n  " + hex8(a.RelocationsEnd) + " ┼─────────────────────────────── S" +
				"\r\n             │   Relocate   " + padLeft(strconvx.FormatInt(int64(size), 10), 6) + "            R")
	case writerKernelStack:
		size := int(a.StackEnd - a.StackStart)
		_ = c.writeString(
			"\r\n  " + hex8(a.StackEnd) + " ┼─────────────────────────────── A" +
				"\r\n             │ ▼ Stack      " + padLeft(strconvx.FormatInt(int64(size), 10), 6) + "            M" +
				"\r\n  " + hex8(a.StackStart) + " ┼───────────────────────────────")
	case writerKernelRoData:
		size := int(a.TextEnd - a.ReadOnlyDataStart)
		_ = c.writeString(
			"\r\n             ....." +
				"\r\n  " + hex8(a.TextEnd) + " ┼─────────────────────────────── F" +
				"\r\n             │   RoData     " + padLeft(strconvx.FormatInt(int64(size), 10), 6) + "            L")
	case writerKernelText:
		size := int(a.ReadOnlyDataStart - a.TextStart)
		_ = c.writeString(
			"\r\n  " + hex8(a.ReadOnlyDataStart) + " ┼─────────────────────────────── A" +
				"\r\n             │   Code       " + padLeft(strconvx.FormatInt(int64(size), 10), 6) + "            S" +
				"\r\n  " + hex8(a.TextStart) + " ┼─────────────────────────────── H" +
				"\r\n")
	case writerProcessPrint:
		found := false
		c.kernel.ProcessEach(func(p types.Process) {
			if p.PID() != s.pid || found {
				return
			}
			found = true
			c.cw.Reset()
			ctx := c.printer.PrintOverview(p, &c.cw, s.printCtx)
			_ = c.writeBytes(c.cw.Bytes())
			if ctx != nil {
				c.writer = writerState{
					tag:      writerProcessPrint,
					pid:      s.pid,
					printCtx: ctx,
				}
			} else {
				// Empty is not re-entered before the next command, so the
				// prompt must be printed here.
				c.writer = emptyWriter()
				c.prompt()
			}
		})
		if !found {
			// The process vanished between calls; release the writer so
			// the prompt and any pending dispatch are not stalled.
			c.writer = emptyWriter()
			c.prompt()
		}
	case writerList:
		i := -1
		c.kernel.ProcessEach(func(p types.Process) {
			i++
			if i != s.index {
				return
			}
			used, total := c.kernel.GrantUsesFor(p)
			row := " " +
				padRight(strconvx.FormatInt(int64(p.PID()), 10), 7) +
				padRight(p.Name(), 20) +
				padLeft(strconvx.FormatUint(uint64(p.TimesliceExpirations()), 10), 6) +
				padLeft(strconvx.FormatUint(uint64(p.SyscallCount()), 10), 10) +
				padLeft(strconvx.FormatUint(uint64(p.RestartCount()), 10), 10) +
				"  " + padLeft(strconvx.FormatInt(int64(used), 10), 2) +
				"/" + padLeft(strconvx.FormatInt(int64(total), 10), 2) +
				"   " + p.State().String() + "\r\n"
			_ = c.writeString(row)
		})
	case writerEmpty:
		c.prompt()
	}
}
