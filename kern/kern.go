// kern/kern.go

// Package kern is an in-memory kernel collaborator: a process table with
// the lifecycle operations the console drives, introspection counters, and
// a multi-call process printer. Demos and tests use it in place of a real
// scheduler.
package kern

import (
	"io"

	"capsules-go/types"
	"capsules-go/x/fmtx"
)

// Proc is one entry in the process table.
type Proc struct {
	name  string
	pid   int
	state types.ProcessState

	timeslices uint32
	syscalls   uint32
	restarts   uint32

	grantsUsed int
}

func NewProc(pid int, name string) *Proc {
	return &Proc{name: name, pid: pid, state: types.StateRunning}
}

func (p *Proc) Name() string              { return p.name }
func (p *Proc) PID() int                  { return p.pid }
func (p *Proc) State() types.ProcessState { return p.state }

func (p *Proc) Resume() {
	if p.state == types.StateStopped || p.state == types.StateYielded {
		p.state = types.StateRunning
	}
}

func (p *Proc) Stop() {
	if p.state == types.StateRunning || p.state == types.StateYielded {
		p.state = types.StateStopped
	}
}

func (p *Proc) SetFaultState() { p.state = types.StateFaulted }

func (p *Proc) Terminate() { p.state = types.StateTerminated }

// TryRestart restarts a terminated process; reports whether it ran.
func (p *Proc) TryRestart() bool {
	if p.state != types.StateTerminated {
		return false
	}
	p.state = types.StateRunning
	p.restarts++
	return true
}

func (p *Proc) TimesliceExpirations() uint32 { return p.timeslices }
func (p *Proc) SyscallCount() uint32         { return p.syscalls }
func (p *Proc) RestartCount() uint32         { return p.restarts }

// Scheduler-side accounting hooks, used by demos to make the numbers move.
func (p *Proc) CountSyscall()         { p.syscalls++ }
func (p *Proc) ExpireTimeslice()      { p.timeslices++; p.state = types.StateYielded }
func (p *Proc) UseGrants(n int)       { p.grantsUsed = n }

// Kernel is the process table plus introspection answers.
type Kernel struct {
	procs       []*Proc
	grantsTotal int

	major int
	minor int
	build string
}

func New(major, minor int, build string) *Kernel {
	return &Kernel{grantsTotal: 8, major: major, minor: minor, build: build}
}

// Add loads a process into the table.
func (k *Kernel) Add(p *Proc) { k.procs = append(k.procs, p) }

func (k *Kernel) ProcessEach(fn func(p types.Process)) {
	for _, p := range k.procs {
		fn(p)
	}
}

func (k *Kernel) GrantUsesFor(p types.Process) (used, total int) {
	if proc, ok := p.(*Proc); ok {
		return proc.grantsUsed, k.grantsTotal
	}
	return 0, k.grantsTotal
}

func (k *Kernel) NumberLoadedProcesses() int { return len(k.procs) }

func (k *Kernel) NumberActiveProcesses() int {
	n := 0
	for _, p := range k.procs {
		if p.state == types.StateRunning || p.state == types.StateYielded {
			n++
		}
	}
	return n
}

func (k *Kernel) TimesliceExpirations() uint32 {
	var n uint32
	for _, p := range k.procs {
		n += p.timeslices
	}
	return n
}

func (k *Kernel) Version() (major, minor int, build string) {
	return k.major, k.minor, k.build
}

// Printer renders a process overview in sections, one per call, so a
// bounded output buffer can drain between them.
type Printer struct{}

func (Printer) PrintOverview(p types.Process, w io.Writer, ctx *types.PrinterContext) *types.PrinterContext {
	offset := 0
	if ctx != nil {
		offset = ctx.Offset
	}
	switch offset {
	case 0:
		fmtx.Fprintf(w, "App: %s   -   [%s]\r\n", p.Name(), p.State().String())
		return &types.PrinterContext{Offset: 1}
	case 1:
		fmtx.Fprintf(w, " Syscall Count: %d\r\n Timeslice Expirations: %d\r\n",
			int64(p.SyscallCount()), int64(p.TimesliceExpirations()))
		return &types.PrinterContext{Offset: 2}
	default:
		fmtx.Fprintf(w, " Restart Count: %d\r\n", int64(p.RestartCount()))
		return nil
	}
}
