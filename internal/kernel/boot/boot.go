// Package boot wires together every kernel subsystem in the order spec.md
// §4.7 fixes: trap plumbing, Sv39 activation, the frame pools, the RAM
// filesystem, display-backend selection, and the first ELF load — handing
// back a syscall dispatcher and the trap frame to enter user mode with.
package boot

import (
	"fmt"
	"log/slog"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/riscv-os-core/internal/config"
	"github.com/tinyrange/riscv-os-core/internal/kernel/console"
	"github.com/tinyrange/riscv-os-core/internal/kernel/fbdev"
	"github.com/tinyrange/riscv-os-core/internal/kernel/fdtable"
	"github.com/tinyrange/riscv-os-core/internal/kernel/kpanic"
	"github.com/tinyrange/riscv-os-core/internal/kernel/physmem"
	"github.com/tinyrange/riscv-os-core/internal/kernel/ramfs"
	"github.com/tinyrange/riscv-os-core/internal/kernel/sbi"
	"github.com/tinyrange/riscv-os-core/internal/kernel/sv39"
	"github.com/tinyrange/riscv-os-core/internal/kernel/syscall"
	"github.com/tinyrange/riscv-os-core/internal/kernel/trapframe"
)

// Default user-space geometry: code/data load from 0x4000_0000 and the
// 16 KiB stack occupies [0x4000_4000, 0x4000_8000) directly above, so an
// image or heap reaching past 0x4000_4000 runs into the stack. All of it
// sits well clear of the identity-mapped DRAM window the kernel lives in.
const (
	defaultStackTopVA  = 0x4000_8000
	defaultStackBytes  = 16 * 1024
	defaultUserVALimit = 0x8000_0000
	defaultUserPages   = 4096 // 16 MiB of user frames
)

// Params is everything the boot sequence needs from its caller: the
// embedded file set (decoded by the caller, so boot itself never depends on
// the build-time manifest format), the bootarg string, and the out-of-scope
// collaborators (UART, SBI timer, optional GPU display) the core only ever
// calls through a named interface.
type Params struct {
	Bootargs   string
	Records    []ramfs.Record
	UART       console.UART
	Timer      sbi.Firmware
	GPUDisplay fbdev.Display // used only when the bootarg selects display=gpu

	// CalibrationIterations, when non-zero, runs boot step 5's optional
	// BogoMIPS-style calibration loop. Zero skips the step entirely.
	CalibrationIterations int

	Logger *slog.Logger
}

// Result is everything a host driver (cmd/kernelsim) needs after boot
// completes: the dispatcher ready to service traps, the frame to enter
// user mode with, and the parsed config (so the driver knows which display
// backend to actually render).
type Result struct {
	Dispatcher *syscall.Dispatcher
	Frame      *trapframe.Frame
	Config     config.Config
}

func (p Params) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Boot runs the 10-step sequence and returns the dispatcher/frame pair
// ready for the host driver's trap loop. shell.elf failing to load is a
// boot-order bug (the embedded record set should always carry it) and
// halts via kpanic rather than returning a user-facing error.
func Boot(p Params) (*Result, error) {
	log := p.logger()

	// Steps 1-2: install the trap stack pointer and trap vector, enable
	// supervisor interrupts and the timer. There is no real CSR file in
	// this software model; the dispatcher and HandleTimerInterrupt are
	// the standing equivalent, so these two steps are purely narrative.
	log.Info("boot: trap stack pointer installed")
	log.Info("boot: trap vector installed, interrupts enabled")

	ram := physmem.NewRAM(physmem.DRAMBase, physmem.DRAMSize)
	ptPool := physmem.NewPTPool(ram, physmem.DRAMBase, physmem.PTPoolPages)
	table := sv39.NewTable(ram, ptPool)
	satp, root, err := table.EnableSv39() // step 3
	if err != nil {
		return nil, fmt.Errorf("boot: activating sv39: %w", err)
	}
	log.Info("boot: sv39 activated", "satp", fmt.Sprintf("%#x", satp), "root", fmt.Sprintf("%#x", root))

	userBase := uint64(physmem.DRAMBase + physmem.DRAMSize - defaultUserPages*physmem.PageSize)
	userPool := physmem.NewUserPool(ram, userBase, defaultUserPages) // step 4
	log.Info("boot: user frame pool initialized", "base", fmt.Sprintf("%#x", userBase), "pages", defaultUserPages)

	if p.CalibrationIterations > 0 { // step 5, optional
		calibrate(p.CalibrationIterations)
		log.Info("boot: bogomips calibration complete", "iterations", p.CalibrationIterations)
	}

	fs := ramfs.New()
	fs.Init(p.Records) // step 6
	log.Info("boot: writable filesystem seeded", "files", len(p.Records))

	cfg := config.Parse(p.Bootargs) // step 7
	display := selectDisplay(cfg, p.GPUDisplay)
	log.Info("boot: display backend selected", "mode", cfg.Display)

	if _, err := display.PollInput(); err != nil { // step 8, out of scope
		log.Debug("boot: virtio input probe found no device", "err", err)
	}

	fds := fdtable.New()
	layout := syscall.UserLayout{
		StackTopVA:  defaultStackTopVA,
		StackBytes:  defaultStackBytes,
		UserVALimit: defaultUserVALimit,
	}
	dispatcher := syscall.NewDispatcher(fs, fds, table, ram, userPool, p.UART, p.Timer, display, layout)

	frame, err := dispatcher.Boot("shell.elf", []string{"shell"}, []string{"PATH=/"}) // steps 9-10
	if err != nil {
		kpanic.FatalString("boot: failed to load shell.elf: " + err.Error())
		return nil, fmt.Errorf("boot: loading shell.elf: %w", err)
	}
	log.Info("boot: entering user mode", "entry", fmt.Sprintf("%#x", frame.Sepc))

	return &Result{Dispatcher: dispatcher, Frame: frame, Config: cfg}, nil
}

func selectDisplay(cfg config.Config, gpu fbdev.Display) fbdev.Display {
	if cfg.Display == config.DisplayGPU && gpu != nil {
		return gpu
	}
	return fbdev.Null{}
}

// calibrate busy-loops iterations times, advancing a progress bar, as a
// stand-in for a real BogoMIPS-style timing loop (there is no real clock to
// calibrate against in this software model).
func calibrate(iterations int) {
	bar := progressbar.Default(int64(iterations), "calibrating boot loop")
	var acc uint64
	for i := 0; i < iterations; i++ {
		acc += uint64(i) * uint64(i)
		bar.Add(1)
	}
	_ = acc
}
