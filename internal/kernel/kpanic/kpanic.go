// Package kpanic implements the kernel's fatal-fault reporting path:
// anything the dispatcher cannot recover from (an unexpected trap cause, an
// exhausted page-table pool) is logged with cause/location and the
// simulated hart is parked, mirroring "abort with a kernel panic; write
// cause and location to UART; WFI loop" (spec.md §7).
package kpanic

import (
	"fmt"
	"log/slog"
)

// Halter stops the simulated hart; the real target idles with WFI in a
// loop, here it is just a named callback so tests can observe that a panic
// occurred without actually blocking forever.
type Halter func()

var (
	logger     = slog.Default()
	haltFn     Halter = func() { select {} }
	halted     bool
)

// SetLogger overrides the logger used for panic reports (tests and the boot
// driver install their own handler).
func SetLogger(l *slog.Logger) { logger = l }

// SetHalter overrides what happens after a panic is reported; tests install
// a non-blocking halter to observe Halted() rather than deadlocking.
func SetHalter(h Halter) { haltFn = h }

// Halted reports whether a panic has parked the hart.
func Halted() bool { return halted }

// Cause describes a fatal, unrecoverable trap: the scause-equivalent, the
// faulting sepc, and the faulting address (stval) where applicable.
type Cause struct {
	Reason string
	Sepc   uint64
	Stval  uint64
}

// Fatal reports cause to the log and halts. It never returns in the real
// target (WFI loop); in tests the installed Halter controls whether this
// call returns.
func Fatal(cause Cause) {
	logger.Error("kernel panic",
		slog.String("reason", cause.Reason),
		slog.String("sepc", fmt.Sprintf("%#x", cause.Sepc)),
		slog.String("stval", fmt.Sprintf("%#x", cause.Stval)),
	)
	halted = true
	haltFn()
}

// FatalString is a convenience wrapper for panics with no register context
// (boot-time sizing bugs: exhausted PT pool, SATP activated without a root).
func FatalString(reason string) {
	Fatal(Cause{Reason: reason})
}
