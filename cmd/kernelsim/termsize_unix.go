//go:build linux || darwin

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// terminalSize reports stdout's current window size via TIOCGWINSZ,
// grounded on the teacher's own ioctl-based winsize plumbing
// (internal/cmd/term/pty_darwin.go's unix.IoctlSetWinsize call).
func terminalSize() (cols, rows int, ok bool) {
	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil || ws.Col == 0 || ws.Row == 0 {
		return 0, 0, false
	}
	return int(ws.Col), int(ws.Row), true
}
