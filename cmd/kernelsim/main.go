// Command kernelsim drives the boot sequence (internal/kernel/boot) against
// a real host terminal: it puts stdin into raw mode, relays typed bytes
// into the simulated UART, and renders UART output back out through the
// ansi console backend; a display=gpu bootarg additionally hands the GPU
// backend to boot for the framebuffer syscalls. This is glue only — no RV64 instruction is ever decoded or executed here; the
// kernel core this drives is a software model, not a CPU emulator.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/tinyrange/riscv-os-core"
	"github.com/tinyrange/riscv-os-core/internal/config"
	"github.com/tinyrange/riscv-os-core/internal/kernel/boot"
	"github.com/tinyrange/riscv-os-core/internal/kernel/console"
	"github.com/tinyrange/riscv-os-core/internal/kernel/fbdev"
	"github.com/tinyrange/riscv-os-core/internal/kernel/sbi"
)

const defaultFBUserVA = 0x5000_0000

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kernelsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	bootargs := ""
	calibrate := 0
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "-bootargs" && i+1 < len(os.Args):
			i++
			bootargs = os.Args[i]
		case os.Args[i] == "-calibrate" && i+1 < len(os.Args):
			i++
			fmt.Sscanf(os.Args[i], "%d", &calibrate)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{AddSource: true}))
	slog.SetDefault(logger)

	records, err := riscvoscore.LoadRecords()
	if err != nil {
		return fmt.Errorf("loading embedded file set: %w", err)
	}

	cfg := config.Parse(bootargs)
	uart := console.NewMemory()

	var gpu fbdev.Display
	if cfg.Display == config.DisplayGPU {
		gpu, err = newGPUDisplay(640, 480)
		if err != nil {
			logger.Warn("display=gpu requested but unavailable, falling back to text console", "err", err)
			gpu = nil
		}
	}

	result, err := boot.Boot(boot.Params{
		Bootargs:              bootargs,
		Records:               records,
		UART:                  uart,
		Timer:                 sbi.NewTicker(),
		GPUDisplay:            gpu,
		CalibrationIterations: calibrate,
		Logger:                logger,
	})
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	logger.Info("kernelsim: boot complete", "entry", fmt.Sprintf("%#x", result.Frame.Sepc), "display", result.Config.Display)

	cols, rows, ok := terminalSize()
	if !ok {
		cols, rows = 80, 24
	}
	ansiBackend := console.NewANSIBackend(cols, rows)
	defer ansiBackend.Close()

	isTerminal := term.IsTerminal(int(os.Stdin.Fd()))
	var oldState *term.State
	if isTerminal {
		oldState, err = term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enabling raw terminal mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	fmt.Fprintf(os.Stdout, "riscv-os-core kernelsim — shell.elf entry %#x, stack %#x\r\n",
		result.Frame.Sepc, result.Frame.SP)
	fmt.Fprintf(os.Stdout, "press ctrl-d to power off\r\n")

	return driveConsole(result, uart, ansiBackend)
}

// driveConsole relays stdin into the UART and renders the UART's output
// buffer back to the host terminal until the dispatcher reports poweroff,
// ctrl-d is typed, or stdin closes. Stdin is read on its own goroutine;
// relaying and rendering share the loop below, as there is no concurrent
// guest activity to race against in this software model.
func driveConsole(result *boot.Result, uart *console.Memory, backend *console.ANSIBackend) error {
	input := make(chan byte, 256)
	go func() {
		defer close(input)
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				input <- buf[0]
			}
			if err != nil {
				return
			}
		}
	}()

	lastRendered := 0
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case b, more := <-input:
			if !more {
				return nil
			}
			const ctrlD = 0x04
			if b == ctrlD {
				return nil
			}
			uart.EnqueueInput([]byte{b})
		case <-ticker.C:
			if result.Dispatcher.PoweredOff() {
				return nil
			}
			out := uart.Output()
			if len(out) > lastRendered {
				backend.Feed(out[lastRendered:])
				lastRendered = len(out)
				if err := backend.Render(os.Stdout); err != nil {
					return err
				}
			}
		}
	}
}
