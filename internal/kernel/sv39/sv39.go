// Package sv39 builds and walks RISC-V Sv39 page tables: a three-level,
// 512-entry-per-level radix trie mapping 39-bit virtual addresses to
// physical frames.
package sv39

import (
	"errors"
	"fmt"

	"github.com/tinyrange/riscv-os-core/internal/kernel/physmem"
)

// PTE flag bits, bits 0..7 of a page table entry.
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User-accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

// Convenience flag combinations used by callers throughout the core.
const (
	RWX  = PteV | PteR | PteW | PteX
	RW   = PteV | PteR | PteW
	URWX = PteV | PteU | PteR | PteW | PteX
	URW  = PteV | PteU | PteR | PteW
	URX  = PteV | PteU | PteR | PteX
)

const (
	pageBits = 12
	vpnBits  = 9
	vpnMask  = (1 << vpnBits) - 1

	// Size4K, Size2M, Size1G are the three Sv39 leaf page sizes.
	Size4K = 1 << 12
	Size2M = 1 << 21
	Size1G = 1 << 30

	// SatpModeSv39 is the SATP.MODE field value selecting Sv39.
	SatpModeSv39 = 8

	// ppnShift is the bit position of the PPN field inside a PTE.
	ppnShift = 10
)

// UART0 is the fixed MMIO base of the 16550 UART on the QEMU virt machine.
const UART0 = 0x1000_0000

var (
	// ErrUnaligned is returned when a superpage mapping's VA or PA is not
	// aligned to the requested leaf size.
	ErrUnaligned = errors.New("sv39: address not aligned to leaf size")
)

// VPNIndices splits a virtual address into its three 9-bit VPN fields,
// highest level first: VPN[2], VPN[1], VPN[0].
func VPNIndices(va uint64) [3]uint64 {
	return [3]uint64{
		(va >> 30) & vpnMask,
		(va >> 21) & vpnMask,
		(va >> 12) & vpnMask,
	}
}

// PPN extracts the physical page number encoded in a PTE.
func PPN(pte uint64) uint64 { return pte >> ppnShift }

// pteFor builds a PTE word from a physical address and flag bits.
func pteFor(pa uint64, flags uint64) uint64 {
	return ((pa >> pageBits) << ppnShift) | flags
}

// IsLeaf reports whether a valid PTE is a leaf (carries at least one of
// R/W/X) as opposed to a pointer to the next table level.
func IsLeaf(pte uint64) bool {
	return pte&(PteR|PteW|PteX) != 0
}

// Table is a page-table engine bound to a simulated physical RAM and a
// page-table frame pool. The same Table instance backs the identity-mapped
// kernel root used throughout a boot.
type Table struct {
	ram  *physmem.RAM
	pool *physmem.PTPool
	root uint64
}

// NewTable constructs a page-table engine; the root is allocated lazily by
// EnableSv39 or NewRoot.
func NewTable(ram *physmem.RAM, pool *physmem.PTPool) *Table {
	return &Table{ram: ram, pool: pool}
}

// Root returns the current root page-table physical address, or 0 if none
// has been established yet (the "SATP not set" precondition used by the
// ELF loader).
func (t *Table) Root() uint64 { return t.root }

// NewRoot allocates a fresh root page-table frame and records it as the
// active root.
func (t *Table) NewRoot() (uint64, error) {
	pa, err := t.pool.Alloc()
	if err != nil {
		return 0, fmt.Errorf("sv39: allocating root: %w", err)
	}
	t.root = pa
	return pa, nil
}

func (t *Table) readPTE(tablePA uint64, index uint64) (uint64, error) {
	raw, err := t.ram.ReadAt(tablePA+index*8, 8)
	if err != nil {
		return 0, err
	}
	return leToU64(raw), nil
}

func (t *Table) writePTE(tablePA uint64, index uint64, pte uint64) error {
	return t.ram.WriteAt(tablePA+index*8, u64ToLE(pte))
}

func leToU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func u64ToLE(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// walkToLevel walks from the root to the table at the given level (0 = L2,
// 1 = L1, 2 = L0 is never itself a "table to descend into"), allocating
// interior page-table frames as needed. stopLevel is the VPN index level at
// which the caller wants to install a leaf: 0 installs at L2 (1 GiB), 1 at
// L1 (2 MiB), 2 at L0 (4 KiB).
func (t *Table) walkToLevel(va uint64, stopLevel int) (tablePA uint64, index uint64, err error) {
	if t.root == 0 {
		return 0, 0, fmt.Errorf("sv39: root not established")
	}
	idx := VPNIndices(va)
	table := t.root
	for level := 0; level < stopLevel; level++ {
		pte, err := t.readPTE(table, idx[level])
		if err != nil {
			return 0, 0, err
		}
		if pte&PteV == 0 {
			childPA, err := t.pool.Alloc()
			if err != nil {
				return 0, 0, fmt.Errorf("sv39: allocating interior table: %w", err)
			}
			pte = pteFor(childPA, PteV)
			if err := t.writePTE(table, idx[level], pte); err != nil {
				return 0, 0, err
			}
			table = childPA
			continue
		}
		if IsLeaf(pte) {
			return 0, 0, fmt.Errorf("sv39: va %#x: superpage already installed at level %d", va, level)
		}
		table = PPN(pte) << pageBits
	}
	return table, idx[stopLevel], nil
}

// MapPage installs a 4 KiB leaf mapping va -> pa with the given flags,
// allocating any missing interior page-table frames along the way.
// Overwrites any existing leaf at that VA: last-writer-wins, no refcounting.
func (t *Table) MapPage(va, pa, flags uint64) error {
	if va%Size4K != 0 || pa%Size4K != 0 {
		return ErrUnaligned
	}
	tablePA, index, err := t.walkToLevel(va, 2)
	if err != nil {
		return err
	}
	return t.writePTE(tablePA, index, pteFor(pa, flags|PteV))
}

// Map2M installs a 2 MiB leaf mapping at L1; va and pa must be 2 MiB aligned.
func (t *Table) Map2M(va, pa, flags uint64) error {
	if va%Size2M != 0 || pa%Size2M != 0 {
		return ErrUnaligned
	}
	tablePA, index, err := t.walkToLevel(va, 1)
	if err != nil {
		return err
	}
	return t.writePTE(tablePA, index, pteFor(pa, flags|PteV))
}

// Map1G installs a 1 GiB leaf mapping at L2; va and pa must be 1 GiB aligned.
func (t *Table) Map1G(va, pa, flags uint64) error {
	if va%Size1G != 0 || pa%Size1G != 0 {
		return ErrUnaligned
	}
	tablePA, index, err := t.walkToLevel(va, 0)
	if err != nil {
		return err
	}
	return t.writePTE(tablePA, index, pteFor(pa, flags|PteV))
}

// Translate walks the page table for va and returns the resolved leaf PTE,
// for tests and diagnostics.
func (t *Table) Translate(va uint64) (pte uint64, leafSize uint64, err error) {
	if t.root == 0 {
		return 0, 0, fmt.Errorf("sv39: root not established")
	}
	idx := VPNIndices(va)
	table := t.root
	sizes := [3]uint64{Size1G, Size2M, Size4K}
	for level := 0; level < 3; level++ {
		pte, err := t.readPTE(table, idx[level])
		if err != nil {
			return 0, 0, err
		}
		if pte&PteV == 0 {
			return 0, 0, fmt.Errorf("sv39: va %#x: unmapped at level %d", va, level)
		}
		if IsLeaf(pte) {
			return pte, sizes[level], nil
		}
		table = PPN(pte) << pageBits
	}
	return 0, 0, fmt.Errorf("sv39: va %#x: walk terminated without a leaf", va)
}

// IDMapRegion identity-maps [base, base+len) using the largest page size
// that aligns at each step: unaligned head/tail bytes get 4 KiB pages, the
// 2 MiB-aligned middle gets 2 MiB pages.
func (t *Table) IDMapRegion(base, length, flags2M, flags4K uint64) error {
	end := base + length
	cur := base

	alignUp := func(x, align uint64) uint64 { return (x + align - 1) &^ (align - 1) }
	alignDown := func(x, align uint64) uint64 { return x &^ (align - 1) }

	midStart := alignUp(cur, Size2M)
	midEnd := alignDown(end, Size2M)
	if midStart > end {
		midStart = end
	}
	if midEnd < midStart {
		midEnd = midStart
	}

	for cur < midStart {
		if err := t.MapPage(cur, cur, flags4K); err != nil {
			return err
		}
		cur += Size4K
	}
	for cur < midEnd {
		if err := t.Map2M(cur, cur, flags2M); err != nil {
			return err
		}
		cur += Size2M
	}
	for cur < end {
		if err := t.MapPage(cur, cur, flags4K); err != nil {
			return err
		}
		cur += Size4K
	}
	return nil
}

// EnableSv39 builds the kernel's root page table: identity-maps the whole
// DRAM window RWX (kernel text/data/heap and the user pool all live in this
// window) and maps the UART MMIO page RW (no X). Returns the SATP value the
// boot sequence would program into the satp CSR, and the root PA.
func (t *Table) EnableSv39() (satp uint64, root uint64, err error) {
	root, err = t.NewRoot()
	if err != nil {
		return 0, 0, err
	}
	if err := t.IDMapRegion(physmem.DRAMBase, physmem.DRAMSize, RWX, RWX); err != nil {
		return 0, 0, fmt.Errorf("sv39: identity-mapping DRAM: %w", err)
	}
	if err := t.MapPage(UART0, UART0, RW); err != nil {
		return 0, 0, fmt.Errorf("sv39: mapping UART: %w", err)
	}
	satp = (uint64(SatpModeSv39) << 60) | (root >> pageBits)
	return satp, root, nil
}

// ClearUserMappings zeros every L2 entry below the kernel's identity-mapped
// region, dropping the entire user half of the address space in one pass
// (interior L1/L0 frames leaked this way are never reused — the PT pool is
// a pure bump allocator, matching the "no free list" design). Callers must
// follow with a full TLB flush.
func (t *Table) ClearUserMappings(userVALimit uint64) error {
	if t.root == 0 {
		return fmt.Errorf("sv39: root not established")
	}
	limitIdx := VPNIndices(userVALimit)[0]
	for i := uint64(0); i < limitIdx; i++ {
		if err := t.writePTE(t.root, i, 0); err != nil {
			return err
		}
	}
	return nil
}
