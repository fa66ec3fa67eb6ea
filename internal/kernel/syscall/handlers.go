package syscall

import (
	"encoding/binary"

	"github.com/tinyrange/riscv-os-core/internal/kernel/elf"
	"github.com/tinyrange/riscv-os-core/internal/kernel/fdtable"
	"github.com/tinyrange/riscv-os-core/internal/kernel/kpanic"
	"github.com/tinyrange/riscv-os-core/internal/kernel/physmem"
	"github.com/tinyrange/riscv-os-core/internal/kernel/sv39"
	"github.com/tinyrange/riscv-os-core/internal/kernel/trapframe"
)

// maxArgv bounds the argv pointer vector execv will walk, matching the
// loader's own maxPointerVec.
const maxArgv = 32

// readUserBytes copies length bytes from user VA va into a freshly
// allocated slice, looping ReadBounded across as many pages as needed.
func (d *Dispatcher) readUserBytes(va, length uint64) ([]byte, error) {
	out := make([]byte, 0, length)
	chunk := make([]byte, physmem.PageSize)
	var total uint64
	for total < length {
		remain := length - total
		want := remain
		if want > uint64(len(chunk)) {
			want = uint64(len(chunk))
		}
		n, err := d.access.ReadBounded(va+total, chunk[:want])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		out = append(out, chunk[:n]...)
		total += uint64(n)
	}
	return out, nil
}

// writeUserBytes copies all of data into user VA va, looping WriteBounded
// across as many pages as needed.
func (d *Dispatcher) writeUserBytes(va uint64, data []byte) error {
	var total uint64
	for total < uint64(len(data)) {
		n, err := d.access.WriteBounded(va+total, data[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return trapframe.ErrUnmapped
		}
		total += uint64(n)
	}
	return nil
}

func (d *Dispatcher) writeConsoleBytes(data []byte) {
	for _, b := range data {
		if b == '\n' {
			d.UART.WriteByte('\r')
		}
		d.UART.WriteByte(b)
	}
}

// readStringVec walks a NULL-terminated vector of user string pointers
// starting at va, reading each as a bounded C string.
func (d *Dispatcher) readStringVec(va uint64) ([]string, error) {
	var out []string
	for i := 0; i < maxArgv; i++ {
		ptr, err := d.access.ReadUint64(va + uint64(i)*8)
		if err != nil {
			return nil, err
		}
		if ptr == 0 {
			return out, nil
		}
		s, err := d.access.ReadCString(ptr, cstrMax)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return nil, elf.ErrSegmentOverflow
}

// resetAndExec tears down the current user address space and FD table, then
// loads path fresh. Shared by execv and the exit-triggered shell reload.
func (d *Dispatcher) resetAndExec(path string, argv, envp []string) (elf.Loaded, error) {
	image, err := d.FS.GetFileData(path)
	if err != nil {
		return elf.Loaded{}, err
	}
	if err := d.Table.ClearUserMappings(d.layout.UserVALimit); err != nil {
		return elf.Loaded{}, err
	}
	d.UserPool.Reset()
	loaded, err := d.loader.Load(image, d.layout.StackTopVA, d.layout.StackBytes, argv, envp)
	if err != nil {
		return elf.Loaded{}, err
	}
	d.FDs.ClearAll()
	return loaded, nil
}

// Boot loads path (the initial program, normally "shell.elf") into a fresh
// address space and returns the trap frame to enter user mode with. Shares
// resetAndExec/installLoaded with the runtime exec path since the boot
// sequence's steps 9-10 are the same operation run once, before any trap
// has ever been taken.
func (d *Dispatcher) Boot(path string, argv, envp []string) (*trapframe.Frame, error) {
	loaded, err := d.resetAndExec(path, argv, envp)
	if err != nil {
		return nil, err
	}
	frame := &trapframe.Frame{}
	d.installLoaded(frame, loaded)
	return frame, nil
}

func (d *Dispatcher) installLoaded(frame *trapframe.Frame, loaded elf.Loaded) {
	frame.Sepc = loaded.EntryVA
	frame.SP = loaded.UserSP
	frame.A0 = loaded.Argc
	frame.A1 = loaded.ArgvVA
	frame.A2 = loaded.EnvpVA
	d.userBrk = loaded.Brk
}

// sysWrite writes length bytes from user VA va to the console, rewriting
// '\n' to "\r\n". Returns the byte count written, or FailSentinel (with
// nothing written) if any page of the range is not readable user memory.
func (d *Dispatcher) sysWrite(va, length uint64) uint64 {
	data, err := d.readUserBytes(va, length)
	if err != nil {
		return trapframe.FailSentinel
	}
	d.writeConsoleBytes(data)
	return uint64(len(data))
}

// sysExit resets the FD table and reloads shell.elf fresh, never returning
// to the exiting program. shell.elf failing to load is a boot-time
// invariant violation, not a user error, so it halts the hart.
func (d *Dispatcher) sysExit(frame *trapframe.Frame) {
	loaded, err := d.resetAndExec("shell.elf", []string{"shell"}, []string{"PATH=/"})
	if err != nil {
		kpanic.FatalString("exit: failed to reload shell.elf: " + err.Error())
		return
	}
	d.installLoaded(frame, loaded)
}

// sysWriteCstr writes a NUL-terminated user string to the console.
func (d *Dispatcher) sysWriteCstr(va uint64) uint64 {
	s, err := d.access.ReadCString(va, cstrMax)
	if err != nil {
		return trapframe.FailSentinel
	}
	d.writeConsoleBytes([]byte(s))
	return uint64(len(s))
}

// sysOpen opens an existing writable-layer file for read/write, returning a
// descriptor or FailSentinel if the name does not exist or the table is full.
func (d *Dispatcher) sysOpen(pathVA uint64) uint64 {
	path, err := d.access.ReadCString(pathVA, cstrMax)
	if err != nil {
		return trapframe.FailSentinel
	}
	idx, ok := d.FS.Lookup(path)
	if !ok {
		return trapframe.FailSentinel
	}
	fd, err := d.FDs.Alloc(fdtable.Entry{Kind: fdtable.KindWritable, Index: idx, Writable: true})
	if err != nil {
		return trapframe.FailSentinel
	}
	return uint64(fd)
}

// sysRead services reads against fd 0 (block-then-drain console input) or a
// regular open file, advancing its offset.
func (d *Dispatcher) sysRead(fd, bufVA, length uint64) uint64 {
	switch fd {
	case 0:
		return d.readStdin(bufVA, length)
	case 1, 2:
		return trapframe.FailSentinel
	}
	entry, err := d.FDs.Get(int(fd))
	if err != nil {
		return trapframe.FailSentinel
	}
	readLen := length
	if readLen > physmem.PageSize {
		readLen = physmem.PageSize
	}
	buf := make([]byte, readLen)
	n, err := d.FS.Read(entry.Index, entry.Offset, buf)
	if err != nil {
		return trapframe.FailSentinel
	}
	if n > 0 {
		if err := d.writeUserBytes(bufVA, buf[:n]); err != nil {
			return trapframe.FailSentinel
		}
	}
	if _, err := d.FDs.Advance(int(fd), n); err != nil {
		return trapframe.FailSentinel
	}
	return uint64(n)
}

func (d *Dispatcher) readStdin(bufVA, length uint64) uint64 {
	if length == 0 {
		return 0
	}
	first, err := d.UART.ReadByte()
	if err != nil {
		return trapframe.FailSentinel
	}
	buf := make([]byte, 1, length)
	buf[0] = first
	for uint64(len(buf)) < length {
		b, ok := d.UART.TryReadByte()
		if !ok {
			break
		}
		buf = append(buf, b)
	}
	if err := d.writeUserBytes(bufVA, buf); err != nil {
		return trapframe.FailSentinel
	}
	return uint64(len(buf))
}

// sysWriteFD writes to fd 1/2 (console) or a regular writable file,
// advancing its offset.
func (d *Dispatcher) sysWriteFD(fd, bufVA, length uint64) uint64 {
	switch fd {
	case 0:
		return trapframe.FailSentinel
	case 1, 2:
		data, err := d.readUserBytes(bufVA, length)
		if err != nil {
			return trapframe.FailSentinel
		}
		d.writeConsoleBytes(data)
		return uint64(len(data))
	}
	entry, err := d.FDs.Get(int(fd))
	if err != nil || !entry.Writable {
		return trapframe.FailSentinel
	}
	data, err := d.readUserBytes(bufVA, length)
	if err != nil {
		return trapframe.FailSentinel
	}
	n, err := d.FS.Write(entry.Index, entry.Offset, data)
	if err != nil {
		return trapframe.FailSentinel
	}
	if _, err := d.FDs.Advance(int(fd), n); err != nil {
		return trapframe.FailSentinel
	}
	return uint64(n)
}

func (d *Dispatcher) sysClose(fd uint64) uint64 {
	if err := d.FDs.Close(int(fd)); err != nil {
		return trapframe.FailSentinel
	}
	return 0
}

// sysLseek repositions fd's offset per whence, rejecting any result that
// would go negative.
func (d *Dispatcher) sysLseek(fd, offset, whence uint64) uint64 {
	entry, err := d.FDs.Get(int(fd))
	if err != nil {
		return trapframe.FailSentinel
	}
	size, err := d.FS.Size(entry.Index)
	if err != nil {
		return trapframe.FailSentinel
	}
	var base int
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = entry.Offset
	case SeekEnd:
		base = size
	default:
		return trapframe.FailSentinel
	}
	newOff := base + int(int64(offset))
	if newOff < 0 {
		return trapframe.FailSentinel
	}
	if err := d.FDs.SetOffset(int(fd), newOff); err != nil {
		return trapframe.FailSentinel
	}
	return uint64(newOff)
}

// sysBrk queries (newBrk==0), shrinks (record-only), or grows (allocate and
// map fresh user pages) the program break.
func (d *Dispatcher) sysBrk(newBrk uint64) uint64 {
	if newBrk == 0 {
		return d.userBrk
	}
	if newBrk <= d.userBrk {
		d.userBrk = newBrk
		return newBrk
	}
	curTop := (d.userBrk + physmem.PageSize - 1) &^ (physmem.PageSize - 1)
	newTop := (newBrk + physmem.PageSize - 1) &^ (physmem.PageSize - 1)
	for va := curTop; va < newTop; va += physmem.PageSize {
		pa, err := d.UserPool.Alloc()
		if err != nil {
			return trapframe.FailSentinel
		}
		if err := d.Table.MapPage(va, pa, sv39.URW|sv39.PteA|sv39.PteD); err != nil {
			return trapframe.FailSentinel
		}
	}
	d.userBrk = newBrk
	return newBrk
}

func (d *Dispatcher) sysPoweroff() {
	d.poweredOff = true
	_ = d.Timer.Shutdown()
}

// sysExecv loads path (and, if argvVA is non-zero, the argv pointer vector
// at argvVA; otherwise argv is just [path]) in place of the running
// program. On success it installs the new entry/stack/argc/argv/envp into
// frame and reports true, signaling Dispatch not to advance sepc again. On
// failure it sets FailSentinel in a0 and reports false, leaving the old
// program's sepc to be advanced normally past the failed ecall.
func (d *Dispatcher) sysExecv(frame *trapframe.Frame, pathVA, argvVA uint64) bool {
	path, err := d.access.ReadCString(pathVA, cstrMax)
	if err != nil {
		frame.A0 = trapframe.FailSentinel
		return false
	}
	argv := []string{path}
	if argvVA != 0 {
		argv, err = d.readStringVec(argvVA)
		if err != nil {
			frame.A0 = trapframe.FailSentinel
			return false
		}
	}
	loaded, err := d.resetAndExec(path, argv, []string{"PATH=/"})
	if err != nil {
		frame.A0 = trapframe.FailSentinel
		return false
	}
	d.installLoaded(frame, loaded)
	return true
}

func (d *Dispatcher) sysCreat(pathVA uint64) uint64 {
	path, err := d.access.ReadCString(pathVA, cstrMax)
	if err != nil {
		return trapframe.FailSentinel
	}
	idx, err := d.FS.Create(path)
	if err != nil {
		return trapframe.FailSentinel
	}
	fd, err := d.FDs.Alloc(fdtable.Entry{Kind: fdtable.KindWritable, Index: idx, Writable: true})
	if err != nil {
		return trapframe.FailSentinel
	}
	return uint64(fd)
}

func (d *Dispatcher) sysUnlink(pathVA uint64) uint64 {
	path, err := d.access.ReadCString(pathVA, cstrMax)
	if err != nil {
		return trapframe.FailSentinel
	}
	if err := d.FS.Unlink(path); err != nil {
		return trapframe.FailSentinel
	}
	return 0
}

// statLayout is the fixed 16-byte {size u64, mode u32, is_writable u8, pad}
// wire layout sysStat writes into user memory.
const statLayout = 16

func (d *Dispatcher) sysStat(pathVA, statVA uint64) uint64 {
	path, err := d.access.ReadCString(pathVA, cstrMax)
	if err != nil {
		return trapframe.FailSentinel
	}
	st, err := d.FS.StatByName(path)
	if err != nil {
		return trapframe.FailSentinel
	}
	buf := make([]byte, statLayout)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(st.Size))
	binary.LittleEndian.PutUint32(buf[8:12], st.Mode)
	if st.IsWritable {
		buf[12] = 1
	}
	if err := d.writeUserBytes(statVA, buf); err != nil {
		return trapframe.FailSentinel
	}
	return 0
}

func (d *Dispatcher) sysChmod(pathVA, mode uint64) uint64 {
	path, err := d.access.ReadCString(pathVA, cstrMax)
	if err != nil {
		return trapframe.FailSentinel
	}
	if err := d.FS.Chmod(path, uint32(mode)); err != nil {
		return trapframe.FailSentinel
	}
	return 0
}

// sysReaddir serializes writable-layer names as NUL-terminated strings into
// the user buffer at bufVA (capped at bufLen and at one page of kernel
// staging space), returning the entry count.
func (d *Dispatcher) sysReaddir(bufVA, bufLen uint64) uint64 {
	stageLen := bufLen
	if stageLen > physmem.PageSize {
		stageLen = physmem.PageSize
	}
	staging := make([]byte, stageLen)
	count, written := d.FS.ListDir(staging)
	if written > 0 {
		if err := d.writeUserBytes(bufVA, staging[:written]); err != nil {
			return trapframe.FailSentinel
		}
	}
	return uint64(count)
}

// fbInfoLayout is the fixed 32-byte {width,height,stride u32, pad, user_va,
// user_size u64} wire layout sysGetFBInfo writes into user memory.
const fbInfoLayout = 32

func (d *Dispatcher) sysGetFBInfo(infoVA uint64) uint64 {
	info, err := d.Display.GetFBInfo()
	if err != nil {
		return trapframe.FailSentinel
	}
	buf := make([]byte, fbInfoLayout)
	binary.LittleEndian.PutUint32(buf[0:4], info.Width)
	binary.LittleEndian.PutUint32(buf[4:8], info.Height)
	binary.LittleEndian.PutUint32(buf[8:12], info.Stride)
	binary.LittleEndian.PutUint64(buf[16:24], info.UserVA)
	binary.LittleEndian.PutUint64(buf[24:32], info.UserSize)
	if err := d.writeUserBytes(infoVA, buf); err != nil {
		return trapframe.FailSentinel
	}
	return 0
}

func (d *Dispatcher) sysFBFlush(regionVA, length uint64) uint64 {
	data, err := d.readUserBytes(regionVA, length)
	if err != nil {
		return trapframe.FailSentinel
	}
	if err := d.Display.Flush(data); err != nil {
		return trapframe.FailSentinel
	}
	return 0
}
