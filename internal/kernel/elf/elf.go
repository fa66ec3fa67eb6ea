// Package elf loads position-dependent RV64 ELF64 executables into a user
// address space: it maps PT_LOAD segments, zeros BSS, and constructs the
// initial user stack with argc/argv/envp.
package elf

import (
	"encoding/binary"
	"errors"

	"github.com/tinyrange/riscv-os-core/internal/kernel/sv39"
)

const (
	ptLoad   = 1
	emRiscv  = 243
	pageSize = 4096

	ehdrSize = 64
	phdrSize = 56

	maxPointerVec = 32 // argv/envp pointer vectors share this capacity
	stackGuard    = 16
)

// Validation errors, one per distinct failure kind named by the spec.
var (
	ErrShort           = errors.New("elf: image shorter than ELF header")
	ErrBadMagic        = errors.New("elf: bad magic")
	ErrNot64LE         = errors.New("elf: not ELFCLASS64 little-endian")
	ErrNotRiscv        = errors.New("elf: not EM_RISCV")
	ErrPhOutOfBounds   = errors.New("elf: program header out of bounds")
	ErrSatpNotSet      = errors.New("elf: page table root not established")
	ErrSegmentOverflow = errors.New("elf: argv/envp pointer vector overflow")
)

// Loaded is the outcome of successfully loading an ELF64 image: everything
// the syscall dispatcher needs to seed a fresh trap frame and program break.
type Loaded struct {
	EntryVA uint64
	UserSP  uint64
	Argc    uint64
	ArgvVA  uint64
	EnvpVA  uint64
	Brk     uint64
}

// Mapper is the subset of the page-table engine the loader needs: mapping
// 4 KiB pages with given flags.
type Mapper interface {
	MapPage(va, pa, flags uint64) error
	Root() uint64
}

// FrameAllocator hands out fresh physical user pages.
type FrameAllocator interface {
	Alloc() (uint64, error)
}

// Memory is the physical-memory access the loader needs to copy file bytes
// and zero BSS into newly-mapped frames, and to write the user stack.
type Memory interface {
	WriteAt(pa uint64, data []byte) error
	Zero(pa uint64, n int) error
}

type ehdr struct {
	ident     [16]byte
	etype     uint16
	emachine  uint16
	eversion  uint32
	entry     uint64
	phoff     uint64
	shoff     uint64
	eflags    uint32
	ehsize    uint16
	phentsize uint16
	phnum     uint16
	shentsize uint16
	shnum     uint16
	shstrndx  uint16
}

type phdr struct {
	ptype  uint32
	pflags uint32
	offset uint64
	vaddr  uint64
	paddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

func parseEhdr(image []byte) (ehdr, error) {
	var h ehdr
	if len(image) < ehdrSize {
		return h, ErrShort
	}
	copy(h.ident[:], image[0:16])
	h.etype = binary.LittleEndian.Uint16(image[16:18])
	h.emachine = binary.LittleEndian.Uint16(image[18:20])
	h.eversion = binary.LittleEndian.Uint32(image[20:24])
	h.entry = binary.LittleEndian.Uint64(image[24:32])
	h.phoff = binary.LittleEndian.Uint64(image[32:40])
	h.shoff = binary.LittleEndian.Uint64(image[40:48])
	h.eflags = binary.LittleEndian.Uint32(image[48:52])
	h.ehsize = binary.LittleEndian.Uint16(image[52:54])
	h.phentsize = binary.LittleEndian.Uint16(image[54:56])
	h.phnum = binary.LittleEndian.Uint16(image[56:58])
	h.shentsize = binary.LittleEndian.Uint16(image[58:60])
	h.shnum = binary.LittleEndian.Uint16(image[60:62])
	h.shstrndx = binary.LittleEndian.Uint16(image[62:64])
	return h, nil
}

func parsePhdr(image []byte, off int) phdr {
	var p phdr
	p.ptype = binary.LittleEndian.Uint32(image[off : off+4])
	p.pflags = binary.LittleEndian.Uint32(image[off+4 : off+8])
	p.offset = binary.LittleEndian.Uint64(image[off+8 : off+16])
	p.vaddr = binary.LittleEndian.Uint64(image[off+16 : off+24])
	p.paddr = binary.LittleEndian.Uint64(image[off+24 : off+32])
	p.filesz = binary.LittleEndian.Uint64(image[off+32 : off+40])
	p.memsz = binary.LittleEndian.Uint64(image[off+40 : off+48])
	p.align = binary.LittleEndian.Uint64(image[off+48 : off+56])
	return p
}

// PTEFlagsFromPF maps ELF PF_R/PF_W/PF_X bits to PTE flags: always V|U|A;
// R iff PF_R, W|D iff PF_W, X iff PF_X.
func PTEFlagsFromPF(pf uint32) uint64 {
	f := uint64(sv39.PteV | sv39.PteU | sv39.PteA)
	if pf&0x4 != 0 {
		f |= sv39.PteR
	}
	if pf&0x2 != 0 {
		f |= sv39.PteW | sv39.PteD
	}
	if pf&0x1 != 0 {
		f |= sv39.PteX
	}
	return f
}

// Loader maps PT_LOAD segments and builds the user stack against a given
// page-table/frame-allocator/memory backend.
type Loader struct {
	mapper Mapper
	frames FrameAllocator
	mem    Memory
}

// NewLoader binds a loader to the page-table engine, user frame allocator,
// and physical memory it will mutate.
func NewLoader(mapper Mapper, frames FrameAllocator, mem Memory) *Loader {
	return &Loader{mapper: mapper, frames: frames, mem: mem}
}

func (l *Loader) mapUserPage(va, flags uint64) (pa uint64, err error) {
	pa, err = l.frames.Alloc()
	if err != nil {
		return 0, err
	}
	if err := l.mapper.MapPage(va, pa, flags); err != nil {
		return 0, err
	}
	return pa, nil
}

// Load validates image, maps its PT_LOAD segments, and builds a user stack
// at userStackTopVA sized userStackBytes, seeded with argv/envp.
func (l *Loader) Load(image []byte, userStackTopVA uint64, userStackBytes int, argv, envp []string) (Loaded, error) {
	if l.mapper.Root() == 0 {
		return Loaded{}, ErrSatpNotSet
	}
	h, err := parseEhdr(image)
	if err != nil {
		return Loaded{}, err
	}
	if h.ident[0] != 0x7F || h.ident[1] != 'E' || h.ident[2] != 'L' || h.ident[3] != 'F' {
		return Loaded{}, ErrBadMagic
	}
	if h.ident[4] != 2 || h.ident[5] != 1 {
		return Loaded{}, ErrNot64LE
	}
	if h.emachine != emRiscv {
		return Loaded{}, ErrNotRiscv
	}
	if int(h.phentsize) != phdrSize && h.phnum != 0 {
		return Loaded{}, ErrPhOutOfBounds
	}

	var brk uint64
	for i := 0; i < int(h.phnum); i++ {
		off := int(h.phoff) + i*phdrSize
		if off+phdrSize > len(image) {
			return Loaded{}, ErrPhOutOfBounds
		}
		ph := parsePhdr(image, off)
		if ph.ptype != ptLoad {
			continue
		}
		if err := l.mapSegment(image, ph); err != nil {
			return Loaded{}, err
		}
		if top := ph.vaddr + ph.memsz; top > brk {
			brk = top
		}
	}

	sp, argvVA, envpVA, argc, err := l.setupUserStack(userStackTopVA, userStackBytes, argv, envp)
	if err != nil {
		return Loaded{}, err
	}

	return Loaded{
		EntryVA: h.entry,
		UserSP:  sp,
		Argc:    argc,
		ArgvVA:  argvVA,
		EnvpVA:  envpVA,
		Brk:     brk,
	}, nil
}

func (l *Loader) mapSegment(image []byte, ph phdr) error {
	vaStart := ph.vaddr
	filesz := ph.filesz
	memsz := ph.memsz
	fileoff := ph.offset
	flags := PTEFlagsFromPF(ph.pflags)

	va0 := vaStart &^ (pageSize - 1)
	head := vaStart - va0
	vaEnd := (vaStart + memsz + pageSize - 1) &^ (pageSize - 1)

	curVA := va0
	var copied uint64
	for curVA < vaEnd {
		pa, err := l.mapUserPage(curVA, flags)
		if err != nil {
			return err
		}

		pageOff := uint64(0)
		if curVA == va0 {
			pageOff = head
		}
		pageSpace := uint64(pageSize) - pageOff

		fileLeft := uint64(0)
		if filesz > copied {
			fileLeft = filesz - copied
		}
		fileChunk := fileLeft
		if fileChunk > pageSpace {
			fileChunk = pageSpace
		}

		if fileChunk > 0 {
			if fileoff+copied+fileChunk > uint64(len(image)) {
				return ErrPhOutOfBounds
			}
			src := image[fileoff+copied : fileoff+copied+fileChunk]
			if err := l.mem.WriteAt(pa+pageOff, src); err != nil {
				return err
			}
			copied += fileChunk
		}

		memCovered := uint64(pageSize)
		if curVA+pageSize > vaStart+memsz {
			if vaStart+memsz > curVA {
				memCovered = vaStart + memsz - curVA
			} else {
				memCovered = 0
			}
		}
		if memCovered > pageOff+fileChunk {
			zeroLen := memCovered - (pageOff + fileChunk)
			if err := l.mem.Zero(pa+pageOff+fileChunk, int(zeroLen)); err != nil {
				return err
			}
		}

		curVA += pageSize
	}
	return nil
}

func (l *Loader) setupUserStack(userStackTopVA uint64, userStackBytes int, argv, envp []string) (sp, argvVA, envpVA, argc uint64, err error) {
	stackPages := (userStackBytes + pageSize - 1) / pageSize
	va := (userStackTopVA - uint64(stackPages*pageSize)) &^ (pageSize - 1)
	stackBase, stackPAs := va, make([]uint64, 0, stackPages)
	for i := 0; i < stackPages; i++ {
		pa, err := l.mapUserPage(va, sv39.URW|sv39.PteA|sv39.PteD)
		if err != nil {
			return 0, 0, 0, 0, err
		}
		stackPAs = append(stackPAs, pa)
		va += pageSize
	}

	sp = userStackTopVA
	sp -= stackGuard

	// writeVA copies data to stack VA va through the frames mapped above.
	writeVA := func(va uint64, data []byte) error {
		for i, b := range data {
			off := va + uint64(i) - stackBase
			if off/pageSize >= uint64(len(stackPAs)) {
				return ErrSegmentOverflow
			}
			if err := l.mem.WriteAt(stackPAs[off/pageSize]+off%pageSize, []byte{b}); err != nil {
				return err
			}
		}
		return nil
	}
	writeStr := func(s string) (uint64, error) {
		b := []byte(s)
		sp -= uint64(len(b) + 1)
		if err := writeVA(sp, b); err != nil {
			return 0, err
		}
		if err := writeVA(sp+uint64(len(b)), []byte{0}); err != nil {
			return 0, err
		}
		return sp, nil
	}
	writeUsize := func(v uint64) error {
		sp -= 8
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return writeVA(sp, b[:])
	}

	if len(envp)+len(argv) > maxPointerVec {
		return 0, 0, 0, 0, ErrSegmentOverflow
	}

	envPtrs := make([]uint64, 0, len(envp))
	for _, s := range envp {
		p, err := writeStr(s)
		if err != nil {
			return 0, 0, 0, 0, err
		}
		envPtrs = append(envPtrs, p)
	}

	argPtrs := make([]uint64, 0, len(argv))
	for _, s := range argv {
		p, err := writeStr(s)
		if err != nil {
			return 0, 0, 0, 0, err
		}
		argPtrs = append(argPtrs, p)
	}

	sp &^= 15

	if err := writeUsize(0); err != nil {
		return 0, 0, 0, 0, err
	}
	for i := len(envPtrs) - 1; i >= 0; i-- {
		if err := writeUsize(envPtrs[i]); err != nil {
			return 0, 0, 0, 0, err
		}
	}
	envpVA = sp

	if err := writeUsize(0); err != nil {
		return 0, 0, 0, 0, err
	}
	for i := len(argPtrs) - 1; i >= 0; i-- {
		if err := writeUsize(argPtrs[i]); err != nil {
			return 0, 0, 0, 0, err
		}
	}
	argvVA = sp

	argc = uint64(len(argPtrs))
	if err := writeUsize(argc); err != nil {
		return 0, 0, 0, 0, err
	}
	sp &^= 15

	return sp, argvVA, envpVA, argc, nil
}
