// Package trapframe defines the saved register frame for a trap into
// supervisor mode and the SUM-gated discipline for touching user memory
// from the dispatcher.
package trapframe

import (
	"encoding/binary"
	"errors"

	"github.com/tinyrange/riscv-os-core/internal/kernel/physmem"
)

// Frame is the fixed register layout saved on entry to supervisor mode:
// caller-saved integer registers plus the saved exception PC and status
// register. The entry assembly that actually populates this (CSR scratch
// swap, GPR save/restore) is out of core scope; the dispatcher only ever
// sees a filled-in Frame.
type Frame struct {
	RA      uint64
	SP      uint64
	T0, T1, T2 uint64
	A0, A1, A2, A3, A4, A5, A6, A7 uint64
	T3, T4, T5, T6 uint64
	Sepc    uint64
	Sstatus uint64
}

// SstatusSUM is the SSTATUS.SUM bit mask (bit 18).
const SstatusSUM = 1 << 18

// ecallWidth is the byte length of the ecall instruction; on a normal
// syscall return sepc advances past it.
const ecallWidth = 4

// AdvancePastEcall moves sepc past the ecall instruction that trapped here.
func (f *Frame) AdvancePastEcall() { f.Sepc += ecallWidth }

// FailSentinel is the value syscalls return in a0 on failure: the RISC-V
// ABI's usize::MAX equivalent for a 64-bit register.
const FailSentinel = ^uint64(0)

// ErrUnmapped is returned when a user VA does not resolve to a U=1 leaf
// with the required permission.
var ErrUnmapped = errors.New("trapframe: user address unmapped or lacks permission")

// Translator resolves a user VA to a physical address, enforcing that the
// underlying PTE is valid, carries U=1, and (for writes) W=1.
type Translator interface {
	// ResolveUser returns the physical address backing va, erroring if the
	// page is unmapped, not user-accessible, or (for write) not writable.
	ResolveUser(va uint64, write bool) (pa uint64, err error)
}

// TimerControl lets the SUM-gated access scope disable/re-enable the
// supervisor timer interrupt, closing the re-entrant-SUM window described
// in the dispatcher's safety contract.
type TimerControl interface {
	DisableTimer()
	EnableTimer()
}

// Access performs SUM-gated, page-capped copies between the kernel and a
// single user address space. It owns no state of its own: every copy is
// bounded to the page containing the current address, matching the "bounded
// copy discipline" — one bad pointer can never walk off into unmapped
// memory.
type Access struct {
	ram  *physmem.RAM
	tr   Translator
	tctl TimerControl
}

// NewAccess binds an Access to the physical RAM, VA translator, and timer
// control the dispatcher uses for a single address space.
func NewAccess(ram *physmem.RAM, tr Translator, tctl TimerControl) *Access {
	return &Access{ram: ram, tr: tr, tctl: tctl}
}

func capToPage(va uint64, length int) int {
	pageEnd := (va + physmem.PageSize) &^ (physmem.PageSize - 1)
	remaining := pageEnd - va
	if uint64(length) > remaining {
		return int(remaining)
	}
	return length
}

func (a *Access) withSUM(f func() error) error {
	a.tctl.DisableTimer()
	defer a.tctl.EnableTimer()
	return f()
}

// ReadBounded copies at most len(out) bytes from user VA va into out,
// truncating the copy at the end of va's containing page. Returns the
// number of bytes actually copied.
func (a *Access) ReadBounded(va uint64, out []byte) (n int, err error) {
	n = capToPage(va, len(out))
	err = a.withSUM(func() error {
		pa, err := a.tr.ResolveUser(va, false)
		if err != nil {
			return err
		}
		data, err := a.ram.ReadAt(pa, n)
		if err != nil {
			return err
		}
		copy(out, data)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// WriteBounded copies at most len(data) bytes into user VA va, truncating
// at the end of va's containing page. Returns the number of bytes written.
func (a *Access) WriteBounded(va uint64, data []byte) (n int, err error) {
	n = capToPage(va, len(data))
	err = a.withSUM(func() error {
		pa, err := a.tr.ResolveUser(va, true)
		if err != nil {
			return err
		}
		return a.ram.WriteAt(pa, data[:n])
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ReadCString reads a NUL-terminated string starting at va, capped at
// maxLen bytes and at the end of va's page (a string may never straddle
// into the next, possibly-unmapped, page in one call).
func (a *Access) ReadCString(va uint64, maxLen int) (string, error) {
	limit := capToPage(va, maxLen)
	var out []byte
	err := a.withSUM(func() error {
		pa, err := a.tr.ResolveUser(va, false)
		if err != nil {
			return err
		}
		buf, err := a.ram.ReadAt(pa, limit)
		if err != nil {
			return err
		}
		for i, b := range buf {
			if b == 0 {
				out = buf[:i]
				return nil
			}
		}
		return errors.New("trapframe: string exceeds page-bounded read limit")
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ReadUint64 reads one little-endian uint64 from user VA va (used to walk
// argv/envp pointer vectors).
func (a *Access) ReadUint64(va uint64) (uint64, error) {
	var buf [8]byte
	n, err := a.ReadBounded(va, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, ErrUnmapped
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
