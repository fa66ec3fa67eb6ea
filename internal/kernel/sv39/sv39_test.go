package sv39

import (
	"testing"

	"github.com/tinyrange/riscv-os-core/internal/kernel/physmem"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	ram := physmem.NewRAM(physmem.DRAMBase, physmem.DRAMSize)
	pool := physmem.NewPTPool(ram, physmem.DRAMBase, physmem.PTPoolPages)
	tbl := NewTable(ram, pool)
	if _, err := tbl.NewRoot(); err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	return tbl
}

func TestVPNIndicesReconstructVA(t *testing.T) {
	cases := []uint64{0, 0x1000, 0x4000_0000, 0x8020_0000, 0x3f_ffff_f000}
	for _, va := range cases {
		idx := VPNIndices(va)
		got := (idx[0] << 30) | (idx[1] << 21) | (idx[2] << 12)
		want := va &^ 0xFFF
		if got != want {
			t.Errorf("va=%#x: reconstructed %#x, want %#x", va, got, want)
		}
	}
}

func TestMapPageRoundTrip(t *testing.T) {
	tbl := newTestTable(t)
	va := uint64(0x4000_1000)
	pa := uint64(physmem.DRAMBase + 0x10_0000)
	if err := tbl.MapPage(va, pa, URW); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	pte, size, err := tbl.Translate(va)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if size != Size4K {
		t.Fatalf("leaf size = %#x, want 4K", size)
	}
	if PPN(pte) != pa>>12 {
		t.Fatalf("PPN = %#x, want %#x", PPN(pte), pa>>12)
	}
	if pte&(URW) != URW {
		t.Fatalf("flags missing: pte=%#x", pte)
	}
}

func TestMap2MRequiresAlignment(t *testing.T) {
	tbl := newTestTable(t)
	if err := tbl.Map2M(0x1000, physmem.DRAMBase, RW); err == nil {
		t.Fatal("expected alignment error for unaligned va")
	}
}

func TestIDMapRegionHeadMiddleTail(t *testing.T) {
	tbl := newTestTable(t)
	base := uint64(physmem.DRAMBase + 0x1000) // 4K past a 2M boundary start
	length := uint64(3 * Size2M)
	if err := tbl.IDMapRegion(base, length, RWX, RWX); err != nil {
		t.Fatalf("IDMapRegion: %v", err)
	}
	// Spot-check a page in the unaligned head and one well inside the middle.
	if _, _, err := tbl.Translate(base); err != nil {
		t.Fatalf("head page not mapped: %v", err)
	}
	mid := (base + Size2M - 1) &^ (Size2M - 1)
	pte, size, err := tbl.Translate(mid)
	if err != nil {
		t.Fatalf("middle page not mapped: %v", err)
	}
	if size != Size2M {
		t.Fatalf("middle leaf size = %#x, want 2M", size)
	}
	_ = pte
}

func TestEnableSv39SatpEncoding(t *testing.T) {
	ram := physmem.NewRAM(physmem.DRAMBase, physmem.DRAMSize)
	pool := physmem.NewPTPool(ram, physmem.DRAMBase, physmem.PTPoolPages)
	tbl := NewTable(ram, pool)
	satp, root, err := tbl.EnableSv39()
	if err != nil {
		t.Fatalf("EnableSv39: %v", err)
	}
	if satp>>60 != SatpModeSv39 {
		t.Fatalf("SATP mode = %d, want %d", satp>>60, SatpModeSv39)
	}
	if satp&0xFFF_FFFF_FFFF != root>>12 {
		t.Fatalf("SATP PPN = %#x, want %#x", satp&0xFFF_FFFF_FFFF, root>>12)
	}
	if _, _, err := tbl.Translate(UART0); err != nil {
		t.Fatalf("UART not mapped after EnableSv39: %v", err)
	}
}

func TestClearUserMappingsDropsBelowLimit(t *testing.T) {
	tbl := newTestTable(t)
	userVA := uint64(0x4000_0000)
	pa := uint64(physmem.DRAMBase + 0x20_0000)
	if err := tbl.MapPage(userVA, pa, URW); err != nil {
		t.Fatal(err)
	}
	if err := tbl.ClearUserMappings(physmem.DRAMBase); err != nil {
		t.Fatalf("ClearUserMappings: %v", err)
	}
	if _, _, err := tbl.Translate(userVA); err == nil {
		t.Fatal("expected user mapping to be cleared")
	}
}

func TestPteFlagBitPositions(t *testing.T) {
	// Pins the PTE permission bit positions that elf.PTEFlagsFromPF builds
	// its flags from; the PF -> PTE mapping itself lives in the elf package.
	if PteR != 1<<1 || PteW != 1<<2 || PteX != 1<<3 || PteU != 1<<4 {
		t.Fatal("PTE flag bit positions drifted from the Sv39 spec layout")
	}
}
