//go:build linux

package fbdev

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// GPUBackend is the display=gpu bootarg's Display: it owns a bare X11
// window via libX11 (dlopen'd through purego, same FFI pattern the
// teacher's window/clipboard_linux.go uses for its own X11 bindings) and
// presents the simulated framebuffer by drawing it pixel-by-pixel with
// XDrawPoint, rather than marshalling a full XImage.
type GPUBackend struct {
	info FBInfo

	mu     sync.Mutex
	buffer []byte

	dpy uintptr
	win uintptr
	gc  uintptr

	xOpenDisplay        func(*byte) uintptr
	xDefaultRootWindow  func(uintptr) uintptr
	xDefaultScreen      func(uintptr) int32
	xCreateSimpleWindow func(uintptr, uintptr, int32, int32, uint32, uint32, uint32, uint64, uint64) uintptr
	xMapWindow          func(uintptr, uintptr) int32
	xCreateGC           func(uintptr, uintptr, uint64, uintptr) uintptr
	xSetForeground      func(uintptr, uintptr, uint64) int32
	xDrawPoint          func(uintptr, uintptr, uintptr, int32, int32) int32
	xFlush              func(uintptr) int32
	xPending            func(uintptr) int32
	xNextEvent          func(uintptr, unsafe.Pointer) int32
	xCloseDisplay      func(uintptr) int32
	xDestroyWindow     func(uintptr, uintptr) int32
}

// NewGPUBackend opens the default X11 display and creates a window sized to
// width x height, reporting geometry for get_fb_info at the given user VA.
func NewGPUBackend(width, height uint32, userVA uint64) (*GPUBackend, error) {
	lib, err := purego.Dlopen("libX11.so.6", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("fbdev: opening libX11: %w", err)
	}

	g := &GPUBackend{}
	purego.RegisterLibFunc(&g.xOpenDisplay, lib, "XOpenDisplay")
	purego.RegisterLibFunc(&g.xDefaultRootWindow, lib, "XDefaultRootWindow")
	purego.RegisterLibFunc(&g.xDefaultScreen, lib, "XDefaultScreen")
	purego.RegisterLibFunc(&g.xCreateSimpleWindow, lib, "XCreateSimpleWindow")
	purego.RegisterLibFunc(&g.xMapWindow, lib, "XMapWindow")
	purego.RegisterLibFunc(&g.xCreateGC, lib, "XCreateGC")
	purego.RegisterLibFunc(&g.xSetForeground, lib, "XSetForeground")
	purego.RegisterLibFunc(&g.xDrawPoint, lib, "XDrawPoint")
	purego.RegisterLibFunc(&g.xFlush, lib, "XFlush")
	purego.RegisterLibFunc(&g.xPending, lib, "XPending")
	purego.RegisterLibFunc(&g.xNextEvent, lib, "XNextEvent")
	purego.RegisterLibFunc(&g.xCloseDisplay, lib, "XCloseDisplay")
	purego.RegisterLibFunc(&g.xDestroyWindow, lib, "XDestroyWindow")

	g.dpy = g.xOpenDisplay(nil)
	if g.dpy == 0 {
		return nil, fmt.Errorf("fbdev: XOpenDisplay returned NULL (no X server?)")
	}

	root := g.xDefaultRootWindow(g.dpy)
	g.win = g.xCreateSimpleWindow(g.dpy, root, 0, 0, width, height, 1, 0, 0)
	g.xMapWindow(g.dpy, g.win)
	g.gc = g.xCreateGC(g.dpy, g.win, 0, 0)
	g.xFlush(g.dpy)

	stride := width * 4
	g.info = FBInfo{
		Width: width, Height: height, Stride: stride,
		UserVA: userVA, UserSize: uint64(stride) * uint64(height),
	}
	g.buffer = make([]byte, g.info.UserSize)

	return g, nil
}

func (g *GPUBackend) GetFBInfo() (FBInfo, error) { return g.info, nil }

// Flush copies region into the backing buffer and redraws every pixel onto
// the X11 window; region is RGBA8888 rows of Stride bytes, matching the
// layout get_fb_info describes to the guest.
func (g *GPUBackend) Flush(region []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	copy(g.buffer, region)

	stride := int(g.info.Stride)
	for y := 0; y < int(g.info.Height); y++ {
		row := g.buffer[y*stride:]
		for x := 0; x < int(g.info.Width); x++ {
			off := x * 4
			if off+3 >= len(row) {
				break
			}
			r, gr, b := row[off], row[off+1], row[off+2]
			pixel := uint64(r)<<16 | uint64(gr)<<8 | uint64(b)
			g.xSetForeground(g.dpy, g.gc, pixel)
			g.xDrawPoint(g.dpy, g.win, g.gc, int32(x), int32(y))
		}
	}
	g.xFlush(g.dpy)
	return nil
}

// PollInput drains pending X11 events, reporting key presses only (the
// VirtIO input device this stands in for exposes keyboard/pointer events;
// this backend only wires the keyboard half).
func (g *GPUBackend) PollInput() ([]InputEvent, error) {
	var events []InputEvent
	var raw [192]byte
	for g.xPending(g.dpy) > 0 {
		g.xNextEvent(g.dpy, unsafe.Pointer(&raw[0]))
		eventType := *(*int32)(unsafe.Pointer(&raw[0]))
		const keyPress = 2
		if eventType != keyPress {
			continue
		}
		keycode := *(*uint32)(unsafe.Pointer(&raw[6*8]))
		events = append(events, InputEvent{Type: 1, Code: uint16(keycode), Value: 1})
	}
	return events, nil
}

// Close tears down the window and display connection.
func (g *GPUBackend) Close() error {
	g.xDestroyWindow(g.dpy, g.win)
	g.xCloseDisplay(g.dpy)
	return nil
}
