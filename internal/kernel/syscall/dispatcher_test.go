package syscall

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/riscv-os-core/internal/kernel/console"
	"github.com/tinyrange/riscv-os-core/internal/kernel/fbdev"
	"github.com/tinyrange/riscv-os-core/internal/kernel/fdtable"
	"github.com/tinyrange/riscv-os-core/internal/kernel/physmem"
	"github.com/tinyrange/riscv-os-core/internal/kernel/ramfs"
	"github.com/tinyrange/riscv-os-core/internal/kernel/sbi"
	"github.com/tinyrange/riscv-os-core/internal/kernel/sv39"
	"github.com/tinyrange/riscv-os-core/internal/kernel/trapframe"
)

// buildMinimalELF assembles a zero-segment RV64 ELF64 image: enough for the
// loader to succeed and report entry as EntryVA, never actually stepped
// through as instructions in this model.
func buildMinimalELF(entry uint64) []byte {
	buf := make([]byte, 64)
	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4] = 2
	buf[5] = 1
	binary.LittleEndian.PutUint16(buf[18:20], 243) // EM_RISCV
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], 64)
	binary.LittleEndian.PutUint16(buf[54:56], 56)
	binary.LittleEndian.PutUint16(buf[56:58], 0)
	return buf
}

const testUserVALimit = 0x8000_0000

func newTestDispatcher(t *testing.T) (*Dispatcher, *console.Memory, *sbi.Ticker, *physmem.RAM, *sv39.Table, *physmem.UserPool) {
	t.Helper()
	ram := physmem.NewRAM(physmem.DRAMBase, physmem.DRAMSize)
	ptPool := physmem.NewPTPool(ram, physmem.DRAMBase, physmem.PTPoolPages)
	table := sv39.NewTable(ram, ptPool)
	if _, err := table.NewRoot(); err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	userBase := uint64(physmem.DRAMBase + physmem.PTPoolPages*physmem.PageSize)
	userPool := physmem.NewUserPool(ram, userBase, 128)

	fs := ramfs.New()
	fs.Init([]ramfs.Record{
		{Name: "shell.elf", Data: buildMinimalELF(0x4000_0000)},
		{Name: "hello.txt", Data: []byte("Hello from RAMFS!\n")},
	})

	fds := fdtable.New()
	uart := console.NewMemory()
	timer := sbi.NewTicker()
	display := fbdev.Null{}

	layout := UserLayout{
		StackTopVA:  0x4000_8000,
		StackBytes:  16 * 1024,
		UserVALimit: testUserVALimit,
	}
	d := NewDispatcher(fs, fds, table, ram, userPool, uart, timer, display, layout)
	return d, uart, timer, ram, table, userPool
}

// mapUserBuffer allocates a fresh user frame and maps it URW at va, for
// tests that need a scratch buffer the dispatcher's Access can touch.
func mapUserBuffer(t *testing.T, table *sv39.Table, userPool *physmem.UserPool, va uint64) uint64 {
	t.Helper()
	pa, err := userPool.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := table.MapPage(va, pa, sv39.URW|sv39.PteA|sv39.PteD); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	return pa
}

func writeCString(t *testing.T, ram *physmem.RAM, pa uint64, s string) {
	t.Helper()
	if err := ram.WriteAt(pa, append([]byte(s), 0)); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchWriteRewritesNewlineToCRLF(t *testing.T) {
	d, uart, _, ram, table, userPool := newTestDispatcher(t)
	va := uint64(0x5000_0000)
	pa := mapUserBuffer(t, table, userPool, va)
	msg := []byte("hi\nthere")
	if err := ram.WriteAt(pa, msg); err != nil {
		t.Fatal(err)
	}

	frame := &trapframe.Frame{A7: Write, A0: va, A1: uint64(len(msg))}
	d.Dispatch(frame)

	if frame.A0 != uint64(len(msg)) {
		t.Fatalf("a0 = %d, want %d", frame.A0, len(msg))
	}
	want := "hi\r\nthere"
	if string(uart.Output()) != want {
		t.Fatalf("console output = %q, want %q", uart.Output(), want)
	}
	if frame.Sepc != 4 {
		t.Fatalf("sepc = %d, want 4", frame.Sepc)
	}
}

func TestDispatchWriteCstrStopsAtNUL(t *testing.T) {
	d, uart, _, ram, table, userPool := newTestDispatcher(t)
	va := uint64(0x5000_0000)
	pa := mapUserBuffer(t, table, userPool, va)
	writeCString(t, ram, pa, "ready")

	frame := &trapframe.Frame{A7: WriteCstr, A0: va}
	d.Dispatch(frame)

	if frame.A0 != 5 {
		t.Fatalf("a0 = %d, want 5", frame.A0)
	}
	if string(uart.Output()) != "ready" {
		t.Fatalf("console output = %q", uart.Output())
	}
}

func TestDispatchCreatWriteReadRoundTrip(t *testing.T) {
	d, _, _, ram, table, userPool := newTestDispatcher(t)
	pathVA := uint64(0x5000_0000)
	pathPA := mapUserBuffer(t, table, userPool, pathVA)
	writeCString(t, ram, pathPA, "note.txt")

	creatFrame := &trapframe.Frame{A7: Creat, A0: pathVA}
	d.Dispatch(creatFrame)
	fd := creatFrame.A0
	if fd == trapframe.FailSentinel {
		t.Fatal("creat failed")
	}

	bufVA := uint64(0x5000_1000)
	bufPA := mapUserBuffer(t, table, userPool, bufVA)
	payload := []byte("payload")
	if err := ram.WriteAt(bufPA, payload); err != nil {
		t.Fatal(err)
	}

	writeFrame := &trapframe.Frame{A7: WriteFD, A0: fd, A1: bufVA, A2: uint64(len(payload))}
	d.Dispatch(writeFrame)
	if writeFrame.A0 != uint64(len(payload)) {
		t.Fatalf("write returned %d, want %d", writeFrame.A0, len(payload))
	}

	seekFrame := &trapframe.Frame{A7: Lseek, A0: fd, A1: 0, A2: SeekSet}
	d.Dispatch(seekFrame)
	if seekFrame.A0 != 0 {
		t.Fatalf("lseek returned %d, want 0", seekFrame.A0)
	}

	readBufVA := uint64(0x5000_2000)
	readBufPA := mapUserBuffer(t, table, userPool, readBufVA)
	readFrame := &trapframe.Frame{A7: Read, A0: fd, A1: readBufVA, A2: uint64(len(payload))}
	d.Dispatch(readFrame)
	if readFrame.A0 != uint64(len(payload)) {
		t.Fatalf("read returned %d, want %d", readFrame.A0, len(payload))
	}
	got, err := ram.ReadAt(readBufPA, len(payload))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("round-tripped data = %q, want %q", got, payload)
	}
}

func TestDispatchLseekCurZeroIsIdentity(t *testing.T) {
	d, _, _, ram, table, userPool := newTestDispatcher(t)
	pathVA := uint64(0x5000_0000)
	pathPA := mapUserBuffer(t, table, userPool, pathVA)
	writeCString(t, ram, pathPA, "hello.txt")

	openFrame := &trapframe.Frame{A7: Open, A0: pathVA}
	d.Dispatch(openFrame)
	fd := openFrame.A0

	seek1 := &trapframe.Frame{A7: Lseek, A0: fd, A1: 5, A2: SeekSet}
	d.Dispatch(seek1)
	seek2 := &trapframe.Frame{A7: Lseek, A0: fd, A1: 0, A2: SeekCur}
	d.Dispatch(seek2)
	if seek2.A0 != 5 {
		t.Fatalf("lseek(cur, 0) = %d, want 5 (identity)", seek2.A0)
	}
}

func TestDispatchCloseThenOperationFails(t *testing.T) {
	d, _, _, ram, table, userPool := newTestDispatcher(t)
	pathVA := uint64(0x5000_0000)
	pathPA := mapUserBuffer(t, table, userPool, pathVA)
	writeCString(t, ram, pathPA, "hello.txt")

	openFrame := &trapframe.Frame{A7: Open, A0: pathVA}
	d.Dispatch(openFrame)
	fd := openFrame.A0

	closeFrame := &trapframe.Frame{A7: Close, A0: fd}
	d.Dispatch(closeFrame)
	if closeFrame.A0 != 0 {
		t.Fatalf("close = %d, want 0", closeFrame.A0)
	}

	readFrame := &trapframe.Frame{A7: Read, A0: fd, A1: pathVA, A2: 4}
	d.Dispatch(readFrame)
	if readFrame.A0 != trapframe.FailSentinel {
		t.Fatalf("read on closed fd = %d, want FailSentinel", readFrame.A0)
	}
}

func TestDispatchUnlinkThenStatFails(t *testing.T) {
	d, _, _, ram, table, userPool := newTestDispatcher(t)
	pathVA := uint64(0x5000_0000)
	pathPA := mapUserBuffer(t, table, userPool, pathVA)
	writeCString(t, ram, pathPA, "hello.txt")

	unlinkFrame := &trapframe.Frame{A7: Unlink, A0: pathVA}
	d.Dispatch(unlinkFrame)
	if unlinkFrame.A0 != 0 {
		t.Fatalf("unlink = %d, want 0", unlinkFrame.A0)
	}

	statBufVA := uint64(0x5000_1000)
	mapUserBuffer(t, table, userPool, statBufVA)
	statFrame := &trapframe.Frame{A7: Stat, A0: pathVA, A1: statBufVA}
	d.Dispatch(statFrame)
	if statFrame.A0 != trapframe.FailSentinel {
		t.Fatalf("stat of unlinked file = %d, want FailSentinel", statFrame.A0)
	}
}

func TestDispatchBrkGrowthMapsPages(t *testing.T) {
	d, _, _, _, table, _ := newTestDispatcher(t)
	d.userBrk = 0x4100_0000

	frame := &trapframe.Frame{A7: Brk, A0: 0x4100_2000}
	d.Dispatch(frame)
	if frame.A0 != 0x4100_2000 {
		t.Fatalf("brk = %#x, want %#x", frame.A0, 0x4100_2000)
	}
	if _, _, err := table.Translate(0x4100_1000); err != nil {
		t.Fatalf("expected newly grown page mapped: %v", err)
	}

	shrink := &trapframe.Frame{A7: Brk, A0: 0x4100_0000}
	d.Dispatch(shrink)
	if shrink.A0 != 0x4100_0000 {
		t.Fatalf("brk after shrink = %#x, want %#x", shrink.A0, 0x4100_0000)
	}
	if d.Brk() != 0x4100_0000 {
		t.Fatalf("Brk() = %#x, want %#x", d.Brk(), 0x4100_0000)
	}
}

func TestDispatchExecMissingFileReturnsSentinelAndAdvancesSepc(t *testing.T) {
	d, _, _, ram, table, userPool := newTestDispatcher(t)
	pathVA := uint64(0x5000_0000)
	pathPA := mapUserBuffer(t, table, userPool, pathVA)
	writeCString(t, ram, pathPA, "does-not-exist")

	frame := &trapframe.Frame{A7: Exec, A0: pathVA, Sepc: 0x4000_1000}
	d.Dispatch(frame)

	if frame.A0 != trapframe.FailSentinel {
		t.Fatalf("a0 = %d, want FailSentinel", frame.A0)
	}
	if frame.Sepc != 0x4000_1004 {
		t.Fatalf("sepc = %#x, want old sepc + 4", frame.Sepc)
	}
}

func TestDispatchExecSuccessInstallsNewProgram(t *testing.T) {
	d, _, _, ram, table, userPool := newTestDispatcher(t)
	pathVA := uint64(0x5000_0000)
	pathPA := mapUserBuffer(t, table, userPool, pathVA)
	writeCString(t, ram, pathPA, "shell.elf")

	frame := &trapframe.Frame{A7: Exec, A0: pathVA, Sepc: 0x4000_1000}
	d.Dispatch(frame)

	if frame.Sepc != 0x4000_0000 {
		t.Fatalf("sepc = %#x, want entry 0x4000_0000", frame.Sepc)
	}
	if frame.SP == 0 {
		t.Fatal("expected non-zero user sp after exec")
	}
	if frame.A0 != 1 {
		t.Fatalf("argc = %d, want 1", frame.A0)
	}
}

func TestDispatchExitReloadsShellAndClearsFDs(t *testing.T) {
	d, _, _, ram, table, userPool := newTestDispatcher(t)
	pathVA := uint64(0x5000_0000)
	pathPA := mapUserBuffer(t, table, userPool, pathVA)
	writeCString(t, ram, pathPA, "hello.txt")

	openFrame := &trapframe.Frame{A7: Open, A0: pathVA}
	d.Dispatch(openFrame)
	fd := openFrame.A0
	if fd == trapframe.FailSentinel {
		t.Fatal("open failed")
	}

	exitFrame := &trapframe.Frame{A7: Exit, Sepc: 0x4000_1000}
	d.Dispatch(exitFrame)
	if exitFrame.Sepc != 0x4000_0000 {
		t.Fatalf("sepc after exit = %#x, want shell entry 0x4000_0000", exitFrame.Sepc)
	}

	closeFrame := &trapframe.Frame{A7: Close, A0: fd}
	d.Dispatch(closeFrame)
	if closeFrame.A0 != trapframe.FailSentinel {
		t.Fatal("expected fd table cleared by exit")
	}
}

func TestDispatchPoweroffSetsStateAndCallsShutdown(t *testing.T) {
	d, _, timer, _, _, _ := newTestDispatcher(t)
	frame := &trapframe.Frame{A7: Poweroff, Sepc: 0x4000_1000}
	d.Dispatch(frame)
	if !d.PoweredOff() {
		t.Fatal("expected PoweredOff() true")
	}
	if !timer.ShutdownCalled {
		t.Fatal("expected Firmware.Shutdown to be called")
	}
	if frame.Sepc != 0x4000_1000 {
		t.Fatal("poweroff must not advance sepc; the hart should never resume")
	}
}

func TestDispatchReaddirListsWritableEntries(t *testing.T) {
	d, _, _, ram, table, userPool := newTestDispatcher(t)
	bufVA := uint64(0x5000_0000)
	bufPA := mapUserBuffer(t, table, userPool, bufVA)

	frame := &trapframe.Frame{A7: Readdir, A0: bufVA, A1: physmem.PageSize}
	d.Dispatch(frame)
	if frame.A0 != 2 {
		t.Fatalf("readdir count = %d, want 2", frame.A0)
	}
	got, err := ram.ReadAt(bufPA, 32)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] == 0 {
		t.Fatal("expected first directory entry name written")
	}
}

func TestDispatchGetFBInfoFailsWithoutDisplay(t *testing.T) {
	d, _, _, _, table, userPool := newTestDispatcher(t)
	bufVA := uint64(0x5000_0000)
	mapUserBuffer(t, table, userPool, bufVA)
	frame := &trapframe.Frame{A7: GetFBInfo, A0: bufVA}
	d.Dispatch(frame)
	if frame.A0 != trapframe.FailSentinel {
		t.Fatalf("get_fb_info with Null display = %d, want FailSentinel", frame.A0)
	}
}

func TestDispatchUnknownSyscallReturnsSentinel(t *testing.T) {
	d, _, _, _, _, _ := newTestDispatcher(t)
	frame := &trapframe.Frame{A7: 999}
	d.Dispatch(frame)
	if frame.A0 != trapframe.FailSentinel {
		t.Fatalf("a0 = %d, want FailSentinel", frame.A0)
	}
	if frame.Sepc != 4 {
		t.Fatalf("sepc = %d, want 4", frame.Sepc)
	}
}
