// capsules/console/writer.go
package console

import (
	"capsules-go/types"
	"capsules-go/x/strconvx"
)

// The debug-report engine. Long-form output (kernel memory map, process
// list, process detail) cannot fit one TX buffer, so it is produced one
// block per transmit-complete callback by a small state machine that walks
// strictly forward until Empty, at which point the prompt is reprinted.

type writerTag uint8

const (
	writerEmpty writerTag = iota
	writerKernelStart
	writerKernelBss
	writerKernelInit
	writerKernelStack
	writerKernelRoData
	writerKernelText
	writerList
	writerProcessPrint
)

type writerState struct {
	tag writerTag

	// ProcessPrint leg.
	pid      int
	printCtx *types.PrinterContext

	// List leg.
	index int
	total int
}

func emptyWriter() writerState { return writerState{tag: writerEmpty} }

// nextState advances one step. ProcessPrint is a fixed point here; the
// console decides when the printer has finished and resets it explicitly.
func (s writerState) nextState() writerState {
	switch s.tag {
	case writerKernelStart:
		return writerState{tag: writerKernelBss}
	case writerKernelBss:
		return writerState{tag: writerKernelInit}
	case writerKernelInit:
		return writerState{tag: writerKernelStack}
	case writerKernelStack:
		return writerState{tag: writerKernelRoData}
	case writerKernelRoData:
		return writerState{tag: writerKernelText}
	case writerKernelText:
		return emptyWriter()
	case writerList:
		// The list leg is seeded at index -1 so the first advance lands
		// on row 0.
		if s.index+1 >= s.total {
			return emptyWriter()
		}
		return writerState{tag: writerList, index: s.index + 1, total: s.total}
	case writerProcessPrint:
		return s
	default:
		return emptyWriter()
	}
}

func (s writerState) isEmpty() bool { return s.tag == writerEmpty }

// consoleWriter is the bounded scratch the report blocks are composed into
// before being handed to the TX path. Writes past capacity are discarded;
// Write never reports an error so formatted output composes freely.
type consoleWriter struct {
	buf  [writeBufLen]byte
	size int
}

func (w *consoleWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.size:], p)
	w.size += n
	return len(p), nil
}

func (w *consoleWriter) Bytes() []byte { return w.buf[:w.size] }

func (w *consoleWriter) Reset() { w.size = 0 }

// Column padding helpers. The MCU formatter has no alignment flags, so the
// list table pads by hand and renders identically on host and target.

func padRight(s string, width int) string {
	for len(s) < width {
		s += " "
	}
	return s
}

func padLeft(s string, width int) string {
	for len(s) < width {
		s = " " + s
	}
	return s
}

// hex8 renders an address as 0x-prefixed zero-padded hex, matching the
// memory-map table column width.
func hex8(a uintptr) string {
	s := strconvx.FormatUint(uint64(a), 16)
	for len(s) < 8 {
		s = "0" + s
	}
	return "0x" + s
}
