// types/kernel.go
package types

import "io"

// Kernel-side collaborators of the process console. The console only ever
// talks to these interfaces; the concrete process table lives elsewhere.

// ProcessState mirrors the scheduler's view of a process.
type ProcessState uint8

const (
	StateRunning ProcessState = iota
	StateYielded
	StateStopped
	StateFaulted
	StateTerminated
)

func (s ProcessState) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateYielded:
		return "Yielded"
	case StateStopped:
		return "Stopped"
	case StateFaulted:
		return "Faulted"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Process is one live (or terminated-but-loaded) userspace process.
type Process interface {
	Name() string
	PID() int
	State() ProcessState

	Resume()
	Stop()
	SetFaultState()
	Terminate()
	// TryRestart restarts a terminated process; reports whether it ran.
	TryRestart() bool

	TimesliceExpirations() uint32
	SyscallCount() uint32
	RestartCount() uint32
}

// Kernel enumerates processes and answers introspection queries.
type Kernel interface {
	// ProcessEach visits every loaded process in table order.
	ProcessEach(fn func(p Process))
	GrantUsesFor(p Process) (used, total int)
	NumberLoadedProcesses() int
	NumberActiveProcesses() int
	TimesliceExpirations() uint32
	Version() (major, minor int, build string)
}

// PrinterContext is an opaque continuation for multi-call process dumps.
// A nil context means "start from the beginning"; a non-nil return means
// "call me again for more output".
type PrinterContext struct {
	Offset int
}

// ProcessPrinter renders a detailed overview of one process, possibly
// across several calls when the output exceeds the writer's capacity.
type ProcessPrinter interface {
	PrintOverview(p Process, w io.Writer, ctx *PrinterContext) *PrinterContext
}

// KernelAddresses records where the kernel image sits in memory. All "end"
// addresses are one past the last byte of the region.
type KernelAddresses struct {
	StackStart        uintptr
	StackEnd          uintptr
	TextStart         uintptr
	TextEnd           uintptr
	ReadOnlyDataStart uintptr
	RelocationsStart  uintptr
	RelocationsEnd    uintptr
	BssStart          uintptr
	BssEnd            uintptr
}
