// Package fbdev names the VirtIO GPU/input collaborator the core depends on
// for the get_fb_info/fb_flush syscalls: reporting the framebuffer's
// geometry and user VA and flushing it to the display, plus polling
// VirtIO input events. The MMIO negotiation, virtqueue plumbing, and GPU
// command encoding that a real driver needs are out of core scope — this
// package is the thin named interface the dispatcher calls, grounded on
// the device-identification shape (width/height/stride, a user-mapped
// buffer) a VirtIO GPU/input probe would hand back.
package fbdev

// FBInfo describes the framebuffer that get_fb_info reports to the user
// program. The dispatcher only copies these fields out; it does not map
// any pages at UserVA into the user address space.
type FBInfo struct {
	Width    uint32
	Height   uint32
	Stride   uint32
	UserVA   uint64
	UserSize uint64
}

// InputEvent is one polled VirtIO input event (key/button/motion); the
// encoding of Code/Value follows the Linux input-event-codes convention a
// VirtIO input device reports, but no full event queue is modeled here.
type InputEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

// Display is the named collaborator: learn the framebuffer's geometry and
// mapping, and request a flush (present) of whatever the user program
// wrote into it.
type Display interface {
	GetFBInfo() (FBInfo, error)
	Flush(region []byte) error
	PollInput() ([]InputEvent, error)
}

// Null is a Display that reports no framebuffer present, used when boot
// selects a text-only console (the default "display=ansi" bootarg) and the
// get_fb_info/fb_flush syscalls should simply fail.
type Null struct{}

// ErrNoDisplay is returned by Null for every operation.
var ErrNoDisplay = errNoDisplay{}

type errNoDisplay struct{}

func (errNoDisplay) Error() string { return "fbdev: no display backend configured" }

func (Null) GetFBInfo() (FBInfo, error)       { return FBInfo{}, ErrNoDisplay }
func (Null) Flush(region []byte) error        { return ErrNoDisplay }
func (Null) PollInput() ([]InputEvent, error) { return nil, ErrNoDisplay }

// Simulated is a Display backed by an in-memory buffer, used by tests.
type Simulated struct {
	info   FBInfo
	buffer []byte
}

// NewSimulated returns a Display reporting the given geometry, with an
// in-memory buffer sized width*height*4 (RGBA8888).
func NewSimulated(width, height uint32, userVA uint64) *Simulated {
	stride := width * 4
	size := uint64(stride) * uint64(height)
	return &Simulated{
		info: FBInfo{
			Width: width, Height: height, Stride: stride,
			UserVA: userVA, UserSize: size,
		},
		buffer: make([]byte, size),
	}
}

func (s *Simulated) GetFBInfo() (FBInfo, error) { return s.info, nil }

// Flush copies region into the backing buffer, simulating a GPU transfer.
func (s *Simulated) Flush(region []byte) error {
	n := copy(s.buffer, region)
	_ = n
	return nil
}

func (s *Simulated) PollInput() ([]InputEvent, error) { return nil, nil }

// Buffer returns the current contents of the simulated framebuffer.
func (s *Simulated) Buffer() []byte { return s.buffer }
