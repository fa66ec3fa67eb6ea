package syscall

import (
	"github.com/tinyrange/riscv-os-core/internal/kernel/console"
	"github.com/tinyrange/riscv-os-core/internal/kernel/elf"
	"github.com/tinyrange/riscv-os-core/internal/kernel/fbdev"
	"github.com/tinyrange/riscv-os-core/internal/kernel/fdtable"
	"github.com/tinyrange/riscv-os-core/internal/kernel/physmem"
	"github.com/tinyrange/riscv-os-core/internal/kernel/ramfs"
	"github.com/tinyrange/riscv-os-core/internal/kernel/sbi"
	"github.com/tinyrange/riscv-os-core/internal/kernel/sv39"
	"github.com/tinyrange/riscv-os-core/internal/kernel/trapframe"
)

// UserLayout fixes the geometry every exec (including the exit-triggered
// reload of shell.elf) uses to build a fresh stack.
type UserLayout struct {
	StackTopVA  uint64
	StackBytes  int
	UserVALimit uint64 // everything below this is user address space; ClearUserMappings sweeps up to it
}

// Dispatcher owns every piece of per-process state a trap can touch: the
// filesystem, FD table, page-table root, user frame pool, program break,
// and the out-of-scope collaborators (UART, SBI timer, display).
type Dispatcher struct {
	FS       *ramfs.FS
	FDs      *fdtable.Table
	Table    *sv39.Table
	RAM      *physmem.RAM
	UserPool *physmem.UserPool
	UART     console.UART
	Timer    sbi.Firmware
	Display  fbdev.Display

	access *trapframe.Access
	loader *elf.Loader
	layout UserLayout

	userBrk    uint64
	ticks      uint64
	poweredOff bool
}

// timerGate is the TimerControl the Access helper uses; in this model
// "disabling the timer" only flips the disabled flag around each
// user-memory touch (the dispatcher's own Timer is an SBI collaborator for
// arming interrupts, a separate concern).
type timerGate struct {
	disabled bool
}

func (g *timerGate) DisableTimer() { g.disabled = true }
func (g *timerGate) EnableTimer()  { g.disabled = false }

// NewDispatcher wires a syscall dispatcher against already-constructed
// subsystems. layout fixes the stack geometry used by every exec.
func NewDispatcher(fs *ramfs.FS, fds *fdtable.Table, table *sv39.Table, ram *physmem.RAM, userPool *physmem.UserPool, uart console.UART, timer sbi.Firmware, display fbdev.Display, layout UserLayout) *Dispatcher {
	tr := newPageTableTranslator(table)
	d := &Dispatcher{
		FS: fs, FDs: fds, Table: table, RAM: ram, UserPool: userPool,
		UART: uart, Timer: timer, Display: display, layout: layout,
	}
	d.access = trapframe.NewAccess(ram, tr, &timerGate{})
	d.loader = elf.NewLoader(table, userPool, ram)
	return d
}

// Brk returns the current program break (for tests and boot wiring).
func (d *Dispatcher) Brk() uint64 { return d.userBrk }

// Ticks returns the current tick count (for gettime's initial value).
func (d *Dispatcher) Ticks() uint64 { return d.ticks }

// PoweredOff reports whether poweroff was invoked.
func (d *Dispatcher) PoweredOff() bool { return d.poweredOff }

// HandleTimerInterrupt services a supervisor timer interrupt: acknowledge
// via SBI (arm the next tick) and bump the tick counter. Continue — this
// never touches the trap frame.
func (d *Dispatcher) HandleTimerInterrupt(nextDeadline uint64) error {
	d.ticks++
	return d.Timer.SetTimer(nextDeadline)
}

// Dispatch decodes frame.A7 and runs the matching syscall, mutating frame
// in place. It owns sepc entirely: exit and a successful exec overwrite
// sepc with the new program's entry point and do not advance it; poweroff
// leaves sepc untouched since the hart never resumes; every other path,
// including a failed exec, advances sepc past the ecall.
func (d *Dispatcher) Dispatch(frame *trapframe.Frame) {
	switch frame.A7 {
	case Write:
		frame.A0 = d.sysWrite(frame.A0, frame.A1)
	case Exit:
		d.sysExit(frame)
		return
	case WriteCstr:
		frame.A0 = d.sysWriteCstr(frame.A0)
	case Open:
		frame.A0 = d.sysOpen(frame.A0)
	case Read:
		frame.A0 = d.sysRead(frame.A0, frame.A1, frame.A2)
	case WriteFD:
		frame.A0 = d.sysWriteFD(frame.A0, frame.A1, frame.A2)
	case Close:
		frame.A0 = d.sysClose(frame.A0)
	case Lseek:
		frame.A0 = d.sysLseek(frame.A0, frame.A1, frame.A2)
	case Brk:
		frame.A0 = d.sysBrk(frame.A0)
	case Gettime:
		frame.A0 = d.ticks
	case Poweroff:
		d.sysPoweroff()
		return
	case Exec:
		if d.sysExecv(frame, frame.A0, 0) {
			return
		}
	case Execv:
		if d.sysExecv(frame, frame.A0, frame.A1) {
			return
		}
	case Creat:
		frame.A0 = d.sysCreat(frame.A0)
	case Unlink:
		frame.A0 = d.sysUnlink(frame.A0)
	case Stat:
		frame.A0 = d.sysStat(frame.A0, frame.A1)
	case Chmod:
		frame.A0 = d.sysChmod(frame.A0, frame.A1)
	case Readdir:
		frame.A0 = d.sysReaddir(frame.A0, frame.A1)
	case GetFBInfo:
		frame.A0 = d.sysGetFBInfo(frame.A0)
	case FBFlush:
		frame.A0 = d.sysFBFlush(frame.A0, frame.A1)
	default:
		frame.A0 = trapframe.FailSentinel
	}
	frame.AdvancePastEcall()
}
