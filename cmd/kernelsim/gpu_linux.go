//go:build linux

package main

import "github.com/tinyrange/riscv-os-core/internal/kernel/fbdev"

// newGPUDisplay opens the native X11-backed framebuffer presentation
// window; only wired on linux, where the teacher's own purego/X11
// bindings (internal/gowin/window/clipboard_linux.go) apply.
func newGPUDisplay(width, height uint32) (fbdev.Display, error) {
	return fbdev.NewGPUBackend(width, height, defaultFBUserVA)
}
