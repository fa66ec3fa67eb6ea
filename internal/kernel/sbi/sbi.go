// Package sbi names the firmware collaborator the core calls for timer
// control and system reset: the Supervisor Binary Interface exposed by
// OpenSBI. Only the two extensions the dispatcher actually uses are named
// here — TIME's "set next fire" and SRST's system-reset — not the full SBI
// call-dispatch table (HSM, IPI, RFENCE are out of core scope).
package sbi

// Extension/function IDs for the two SBI calls the core issues, matching
// the SBI v0.2 spec's EID/FID encoding.
const (
	ExtTime = 0x54494D45 // 'TIME'
	ExtSRST = 0x53525354 // 'SRST'

	FnTimeSetTimer = 0
	FnSRSTReset    = 0
)

// Firmware is the named collaborator: program the next timer interrupt and
// trigger a system reset. A real implementation issues `ecall` with these
// extension/function IDs; this package only defines the contract the
// dispatcher programs against.
type Firmware interface {
	// SetTimer arms the next timer interrupt to fire at absolute time
	// nextCycle (machine-time cycles).
	SetTimer(nextCycle uint64) error
	// Shutdown requests an orderly system reset/poweroff; on success it
	// never returns to the caller.
	Shutdown() error
}

// Ticker is a host-side stand-in for the SBI timer used by tests and the
// boot simulator: it just counts how many times SetTimer was called and
// records the most recently armed deadline, with no real wall-clock tie-in.
type Ticker struct {
	Ticks        uint64
	lastDeadline uint64
	ShutdownCalled bool
}

// NewTicker returns a fresh host-side timer stand-in.
func NewTicker() *Ticker { return &Ticker{} }

// SetTimer records the new deadline and counts the call as one tick
// acknowledgement, mirroring the dispatcher's "acknowledge via SBI, bump a
// tick counter" timer-interrupt path (spec.md §4.5).
func (t *Ticker) SetTimer(nextCycle uint64) error {
	t.lastDeadline = nextCycle
	t.Ticks++
	return nil
}

// Shutdown marks that a reset was requested; callers treat this as
// terminal (see syscall.Dispatcher's poweroff handling).
func (t *Ticker) Shutdown() error {
	t.ShutdownCalled = true
	return nil
}

// LastDeadline returns the most recently armed timer deadline.
func (t *Ticker) LastDeadline() uint64 { return t.lastDeadline }
