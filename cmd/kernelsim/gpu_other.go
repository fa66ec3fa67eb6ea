//go:build !linux

package main

import (
	"fmt"

	"github.com/tinyrange/riscv-os-core/internal/kernel/fbdev"
)

// newGPUDisplay has no native backend outside linux; display=gpu falls
// back to the text-only console with a logged warning.
func newGPUDisplay(width, height uint32) (fbdev.Display, error) {
	return nil, fmt.Errorf("kernelsim: display=gpu has no backend on this platform")
}
