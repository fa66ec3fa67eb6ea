package syscall

import (
	"github.com/tinyrange/riscv-os-core/internal/kernel/sv39"
	"github.com/tinyrange/riscv-os-core/internal/kernel/trapframe"
)

// pageTableTranslator adapts an sv39.Table to trapframe.Translator,
// enforcing that the resolved leaf carries U=1 (and W=1 for writes) before
// handing back a physical address — the one gate every user-memory touch
// in the dispatcher passes through.
type pageTableTranslator struct {
	table *sv39.Table
}

func newPageTableTranslator(table *sv39.Table) *pageTableTranslator {
	return &pageTableTranslator{table: table}
}

func (p *pageTableTranslator) ResolveUser(va uint64, write bool) (uint64, error) {
	pte, _, err := p.table.Translate(va)
	if err != nil {
		return 0, trapframe.ErrUnmapped
	}
	if pte&sv39.PteU == 0 {
		return 0, trapframe.ErrUnmapped
	}
	if write && pte&sv39.PteW == 0 {
		return 0, trapframe.ErrUnmapped
	}
	pageOff := va & (sv39.Size4K - 1)
	return (sv39.PPN(pte) << 12) | pageOff, nil
}
