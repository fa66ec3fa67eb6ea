package console

import (
	"fmt"
	"io"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// ANSIBackend renders a Memory UART's guest output into a real host
// terminal via a charm vt.Emulator: the guest's raw byte stream (including
// any escape sequences the shell program emits) is parsed into a cell
// grid, then redrawn on demand — the same vt-based rendering the teacher's
// internal/term.View does, minus the graphics-window layer this kernel
// core has no use for.
type ANSIBackend struct {
	emu        *vt.SafeEmulator
	cols, rows int
}

// NewANSIBackend returns a backend with a cols x rows cell grid.
func NewANSIBackend(cols, rows int) *ANSIBackend {
	emu := vt.NewSafeEmulator(cols, rows)
	suppressTerminalQueries(emu)
	return &ANSIBackend{emu: emu, cols: cols, rows: rows}
}

// Feed parses newly-written guest bytes, as drained from a Memory UART's
// output buffer, into the emulator's cell grid.
func (b *ANSIBackend) Feed(p []byte) {
	_, _ = b.emu.Write(p)
}

// Render redraws the full cell grid to w: clear-and-home, then every row's
// content, then the cursor repositioned to match the emulator's state.
func (b *ANSIBackend) Render(w io.Writer) error {
	if _, err := io.WriteString(w, "\x1b[2J\x1b[H"); err != nil {
		return err
	}
	for y := 0; y < b.rows; y++ {
		for x := 0; x < b.cols; {
			cell := b.emu.CellAt(x, y)
			width := 1
			content := " "
			if cell != nil {
				if cell.Content != "" {
					content = cell.Content
				}
				if cell.Width > 1 {
					width = cell.Width
				}
			}
			if _, err := io.WriteString(w, content); err != nil {
				return err
			}
			x += width
		}
		if y < b.rows-1 {
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return err
			}
		}
	}
	cur := b.emu.CursorPosition()
	_, err := fmt.Fprintf(w, "\x1b[%d;%dH", cur.Y+1, cur.X+1)
	return err
}

// suppressTerminalQueries swallows the device-status and device-attribute
// CSI queries a guest shell program might emit, mirroring the teacher's
// disableVTQueriesThatBreakGuests so a probing program's own terminal
// queries never echo back in as bogus keyboard input.
func suppressTerminalQueries(emu *vt.SafeEmulator) {
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		return n == 5 || n == 6
	})
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

// Close releases the underlying emulator.
func (b *ANSIBackend) Close() error {
	return b.emu.Close()
}
