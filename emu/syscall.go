// Package emu provides functional AMD64 emulation.
package emu

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/sarchlab/amd64sim/insts"
)

// x86-64 Linux syscall numbers.
const (
	SyscallRead          uint64 = 0   // read(fd, buf, count)
	SyscallWrite         uint64 = 1   // write(fd, buf, count)
	SyscallClose         uint64 = 3   // close(fd)
	SyscallFstat         uint64 = 5   // fstat(fd, statbuf)
	SyscallLseek         uint64 = 8   // lseek(fd, offset, whence)
	SyscallMmap          uint64 = 9   // mmap(addr, len, prot, flags, fd, off)
	SyscallMprotect      uint64 = 10  // mprotect(addr, len, prot)
	SyscallMunmap        uint64 = 11  // munmap(addr, len)
	SyscallBrk           uint64 = 12  // brk(addr)
	SyscallRtSigaction   uint64 = 13  // rt_sigaction(sig, act, oact, size)
	SyscallRtSigprocmask uint64 = 14  // rt_sigprocmask(how, set, oset, size)
	SyscallIoctl         uint64 = 16  // ioctl(fd, request, arg)
	SyscallWritev        uint64 = 20  // writev(fd, iov, iovcnt)
	SyscallGetpid        uint64 = 39  // getpid()
	SyscallExit          uint64 = 60  // exit(status)
	SyscallUname         uint64 = 63  // uname(buf)
	SyscallArchPrctl     uint64 = 158 // arch_prctl(code, addr)
	SyscallGettid        uint64 = 186 // gettid()
	SyscallSetTidAddress uint64 = 218 // set_tid_address(tidptr)
	SyscallExitGroup     uint64 = 231 // exit_group(status)
	SyscallOpenat        uint64 = 257 // openat(dirfd, path, flags, mode)
)

// Linux error codes.
const (
	ENOENT = 2  // No such file or directory
	EIO    = 5  // I/O error
	EBADF  = 9  // Bad file descriptor
	ENOMEM = 12 // Out of memory
	EACCES = 13 // Permission denied
	EFAULT = 14 // Bad address
	EINVAL = 22 // Invalid argument
	ENOTTY = 25 // Not a typewriter
	ESPIPE = 29 // Illegal seek
	ENOSYS = 38 // Function not implemented
)

// arch_prctl codes.
const (
	archSetGS = 0x1001
	archSetFS = 0x1002
	archGetFS = 0x1003
	archGetGS = 0x1004
)

// Linux open(2) and mmap(2) flag bits.
const (
	linuxOWronly    = 0x1
	linuxORdwr      = 0x2
	linuxOCreat     = 0x40
	linuxOExcl      = 0x80
	linuxOTrunc     = 0x200
	linuxOAppend    = 0x400
	linuxATFdcwd    = -100
	linuxMapFixed   = 0x10
	linuxMapAnon    = 0x20
	statSize        = 144
	utsnameField    = 65
	maxIOVecs       = 1024
	maxPathLen      = 4096
	defaultMmapBase = 0x7f0000000000
)

// SyscallResult represents the result of a syscall execution.
type SyscallResult struct {
	// Exited is true if the syscall caused program termination.
	Exited bool

	// ExitCode is the exit status if Exited is true.
	ExitCode int64

	// Err is set when the syscall cannot be emulated at all. Guest-visible
	// failures are reported in RAX instead.
	Err error
}

// SyscallHandler is the interface for handling AMD64 syscalls.
type SyscallHandler interface {
	// Handle executes the syscall indicated by the register file state.
	// x86-64 Linux convention:
	//   - Syscall number in RAX
	//   - Arguments in RDI, RSI, RDX, R10, R8, R9
	//   - Return value in RAX
	Handle() SyscallResult
}

// DefaultSyscallHandler emulates the Linux syscalls a statically linked
// program needs to start, allocate memory and do file I/O.
type DefaultSyscallHandler struct {
	regFile *RegFile
	memory  *Memory
	fds     *FDTable

	brkStart uint64
	brk      uint64
	mmapBase uint64
	tidAddr  uint64
	pid      uint64
}

// NewDefaultSyscallHandler creates a default syscall handler.
func NewDefaultSyscallHandler(regFile *RegFile, memory *Memory, fds *FDTable) *DefaultSyscallHandler {
	return &DefaultSyscallHandler{
		regFile:  regFile,
		memory:   memory,
		fds:      fds,
		mmapBase: defaultMmapBase,
		pid:      uint64(os.Getpid()),
	}
}

// SetBrk sets the initial program break, normally the page-aligned end of
// the loaded image.
func (h *DefaultSyscallHandler) SetBrk(addr uint64) {
	h.brkStart = addr
	h.brk = addr
}

// Brk returns the current program break.
func (h *DefaultSyscallHandler) Brk() uint64 {
	return h.brk
}

// FDTable returns the descriptor table.
func (h *DefaultSyscallHandler) FDTable() *FDTable {
	return h.fds
}

func (h *DefaultSyscallHandler) arg(n int) uint64 {
	regs := [...]insts.Reg{insts.RDI, insts.RSI, insts.RDX, insts.R10, insts.R8, insts.R9}
	return h.regFile.ReadReg(regs[n])
}

// Handle executes the syscall indicated by the register file state.
func (h *DefaultSyscallHandler) Handle() SyscallResult {
	num := h.regFile.ReadReg(insts.RAX)

	switch num {
	case SyscallRead:
		return h.handleRead()
	case SyscallWrite:
		return h.handleWrite()
	case SyscallWritev:
		return h.handleWritev()
	case SyscallOpenat:
		return h.handleOpenat()
	case SyscallClose:
		return h.handleClose()
	case SyscallLseek:
		return h.handleLseek()
	case SyscallFstat:
		return h.handleFstat()
	case SyscallIoctl:
		return h.setError(ENOTTY)
	case SyscallExit, SyscallExitGroup:
		return SyscallResult{Exited: true, ExitCode: int64(int32(h.arg(0)))}
	case SyscallBrk:
		return h.handleBrk()
	case SyscallMmap:
		return h.handleMmap()
	case SyscallMunmap:
		return h.handleMunmap()
	case SyscallMprotect:
		return h.handleMprotect()
	case SyscallArchPrctl:
		return h.handleArchPrctl()
	case SyscallSetTidAddress:
		h.tidAddr = h.arg(0)
		return h.setResult(h.pid)
	case SyscallGetpid, SyscallGettid:
		return h.setResult(h.pid)
	case SyscallUname:
		return h.handleUname()
	case SyscallRtSigaction, SyscallRtSigprocmask:
		return h.handleSignalStub()
	default:
		return SyscallResult{Err: &UnimplementedError{Kind: "syscall", ID: num}}
	}
}

func (h *DefaultSyscallHandler) handleRead() SyscallResult {
	fd, bufPtr, count := h.arg(0), h.arg(1), h.arg(2)
	if !h.fds.IsOpen(fd) {
		return h.setError(EBADF)
	}

	buf := make([]byte, count)
	n, err := h.fds.Read(fd, buf)
	if err != nil && !errors.Is(err, io.EOF) && n == 0 {
		return h.setError(EIO)
	}
	if err := h.memory.WriteBytes(bufPtr, buf[:n]); err != nil {
		return h.setError(EFAULT)
	}
	return h.setResult(uint64(n))
}

func (h *DefaultSyscallHandler) handleWrite() SyscallResult {
	fd, bufPtr, count := h.arg(0), h.arg(1), h.arg(2)
	if !h.fds.IsOpen(fd) {
		return h.setError(EBADF)
	}

	buf := make([]byte, count)
	if err := h.memory.ReadBytes(bufPtr, buf); err != nil {
		return h.setError(EFAULT)
	}
	n, err := h.fds.Write(fd, buf)
	if err != nil && n == 0 {
		return h.setError(EIO)
	}
	return h.setResult(uint64(n))
}

// handleWritev gathers struct iovec {base, len} entries.
func (h *DefaultSyscallHandler) handleWritev() SyscallResult {
	fd, iov, iovcnt := h.arg(0), h.arg(1), h.arg(2)
	if !h.fds.IsOpen(fd) {
		return h.setError(EBADF)
	}
	if iovcnt > maxIOVecs {
		return h.setError(EINVAL)
	}

	var out []byte
	for i := uint64(0); i < iovcnt; i++ {
		base, err := h.memory.Read64(iov + 16*i)
		if err != nil {
			return h.setError(EFAULT)
		}
		length, err := h.memory.Read64(iov + 16*i + 8)
		if err != nil {
			return h.setError(EFAULT)
		}
		chunk := make([]byte, length)
		if err := h.memory.ReadBytes(base, chunk); err != nil {
			return h.setError(EFAULT)
		}
		out = append(out, chunk...)
	}

	n, err := h.fds.Write(fd, out)
	if err != nil && n == 0 {
		return h.setError(EIO)
	}
	return h.setResult(uint64(n))
}

func hostOpenFlags(flags uint64) int {
	var out int
	switch flags & 3 {
	case linuxOWronly:
		out = os.O_WRONLY
	case linuxORdwr:
		out = os.O_RDWR
	default:
		out = os.O_RDONLY
	}
	if flags&linuxOCreat != 0 {
		out |= os.O_CREATE
	}
	if flags&linuxOExcl != 0 {
		out |= os.O_EXCL
	}
	if flags&linuxOTrunc != 0 {
		out |= os.O_TRUNC
	}
	if flags&linuxOAppend != 0 {
		out |= os.O_APPEND
	}
	return out
}

// handleOpenat opens paths relative to the host working directory only.
func (h *DefaultSyscallHandler) handleOpenat() SyscallResult {
	dirfd, pathPtr, flags, mode := int64(int32(h.arg(0))), h.arg(1), h.arg(2), h.arg(3)

	path, err := h.memory.ReadCString(pathPtr, maxPathLen)
	if err != nil {
		return h.setError(EFAULT)
	}
	if dirfd != linuxATFdcwd && (path == "" || path[0] != '/') {
		return h.setError(EINVAL)
	}

	fd, err := h.fds.Open(path, hostOpenFlags(flags), os.FileMode(mode&0o7777))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return h.setError(ENOENT)
	case errors.Is(err, os.ErrPermission):
		return h.setError(EACCES)
	case err != nil:
		return h.setError(EIO)
	}
	return h.setResult(fd)
}

func (h *DefaultSyscallHandler) handleClose() SyscallResult {
	if err := h.fds.Close(h.arg(0)); err != nil {
		return h.setError(EBADF)
	}
	return h.setResult(0)
}

func (h *DefaultSyscallHandler) handleLseek() SyscallResult {
	fd, off, whence := h.arg(0), int64(h.arg(1)), int(h.arg(2))
	entry, ok := h.fds.Get(fd)
	if !ok {
		return h.setError(EBADF)
	}
	if entry.IsStream() {
		return h.setError(ESPIPE)
	}
	pos, err := h.fds.Seek(fd, off, whence)
	if err != nil {
		return h.setError(EINVAL)
	}
	return h.setResult(uint64(pos))
}

// handleFstat fills the x86-64 struct stat.
func (h *DefaultSyscallHandler) handleFstat() SyscallResult {
	fd, statPtr := h.arg(0), h.arg(1)
	info, err := h.fds.Stat(fd)
	if err != nil {
		return h.setError(EBADF)
	}

	var st [statSize]byte
	mode := uint32(info.Mode().Perm())
	switch {
	case info.Mode()&os.ModeCharDevice != 0:
		mode |= 0o020000
	case info.IsDir():
		mode |= 0o040000
	default:
		mode |= 0o100000
	}
	size := info.Size()
	binary.LittleEndian.PutUint64(st[16:], 1) // st_nlink
	binary.LittleEndian.PutUint32(st[24:], mode)
	binary.LittleEndian.PutUint64(st[48:], uint64(size))
	binary.LittleEndian.PutUint64(st[56:], PageSize)
	binary.LittleEndian.PutUint64(st[64:], uint64((size+511)/512))
	if mt := info.ModTime(); !mt.IsZero() {
		for _, off := range []int{72, 88, 104} {
			binary.LittleEndian.PutUint64(st[off:], uint64(mt.Unix()))
			binary.LittleEndian.PutUint64(st[off+8:], uint64(mt.Nanosecond()))
		}
	}

	if err := h.memory.WriteBytes(statPtr, st[:]); err != nil {
		return h.setError(EFAULT)
	}
	return h.setResult(0)
}

// handleBrk grows or shrinks the heap. Failure returns the old break.
func (h *DefaultSyscallHandler) handleBrk() SyscallResult {
	want := h.arg(0)
	if want == 0 || want < h.brkStart {
		return h.setResult(h.brk)
	}

	oldEnd := (h.brk + pageMask) &^ uint64(pageMask)
	newEnd := (want + pageMask) &^ uint64(pageMask)
	switch {
	case newEnd > oldEnd:
		if h.memory.FindFree(oldEnd, newEnd-oldEnd) != oldEnd {
			return h.setResult(h.brk)
		}
		if err := h.memory.Map(oldEnd, newEnd-oldEnd, ProtRW); err != nil {
			return h.setResult(h.brk)
		}
	case newEnd < oldEnd:
		if err := h.memory.Unmap(newEnd, oldEnd-newEnd); err != nil {
			return h.setResult(h.brk)
		}
	}
	h.brk = want
	return h.setResult(h.brk)
}

// handleMmap supports anonymous and private file mappings.
func (h *DefaultSyscallHandler) handleMmap() SyscallResult {
	addr, length, prot, flags, fd, off := h.arg(0), h.arg(1), int(h.arg(2)), h.arg(3), h.arg(4), h.arg(5)
	if length == 0 || addr&pageMask != 0 && flags&linuxMapFixed != 0 {
		return h.setError(EINVAL)
	}
	size := (length + pageMask) &^ uint64(pageMask)

	switch {
	case flags&linuxMapFixed != 0:
	case addr != 0 && h.memory.FindFree(addr, size) == addr&^uint64(pageMask):
		addr &^= pageMask
	default:
		addr = h.memory.FindFree(h.mmapBase, size)
		h.mmapBase = addr + size
	}

	if err := h.memory.Map(addr, size, ProtRW); err != nil {
		return h.setError(ENOMEM)
	}

	if flags&linuxMapAnon == 0 {
		buf := make([]byte, length)
		n, err := h.fds.ReadAt(fd, buf, int64(off))
		if err != nil && !errors.Is(err, io.EOF) {
			_ = h.memory.Unmap(addr, size)
			return h.setError(EBADF)
		}
		if err := h.memory.LoadBytes(addr, buf[:n]); err != nil {
			return h.setError(EFAULT)
		}
	}

	if err := h.memory.Protect(addr, size, prot); err != nil {
		return h.setError(ENOMEM)
	}
	return h.setResult(addr)
}

func (h *DefaultSyscallHandler) handleMunmap() SyscallResult {
	addr, length := h.arg(0), h.arg(1)
	if addr&pageMask != 0 || length == 0 {
		return h.setError(EINVAL)
	}
	if err := h.memory.Unmap(addr, length); err != nil {
		return h.setError(EINVAL)
	}
	return h.setResult(0)
}

func (h *DefaultSyscallHandler) handleMprotect() SyscallResult {
	addr, length, prot := h.arg(0), h.arg(1), int(h.arg(2))
	if addr&pageMask != 0 {
		return h.setError(EINVAL)
	}
	if err := h.memory.Protect(addr, length, prot); err != nil {
		return h.setError(ENOMEM)
	}
	return h.setResult(0)
}

func (h *DefaultSyscallHandler) handleArchPrctl() SyscallResult {
	code, addr := h.arg(0), h.arg(1)
	switch code {
	case archSetFS:
		h.regFile.FSBase = addr
	case archSetGS:
		h.regFile.GSBase = addr
	case archGetFS:
		if err := h.memory.Write64(addr, h.regFile.FSBase); err != nil {
			return h.setError(EFAULT)
		}
	case archGetGS:
		if err := h.memory.Write64(addr, h.regFile.GSBase); err != nil {
			return h.setError(EFAULT)
		}
	default:
		return h.setError(EINVAL)
	}
	return h.setResult(0)
}

// handleUname fills struct utsname: six NUL-padded 65-byte fields.
func (h *DefaultSyscallHandler) handleUname() SyscallResult {
	fields := []string{"Linux", "amd64sim", "6.1.0", "#1 SMP", "x86_64", "(none)"}
	buf := make([]byte, len(fields)*utsnameField)
	for i, f := range fields {
		copy(buf[i*utsnameField:], f)
	}
	if err := h.memory.WriteBytes(h.arg(0), buf); err != nil {
		return h.setError(EFAULT)
	}
	return h.setResult(0)
}

// handleSignalStub accepts signal setup and reports an empty old state.
func (h *DefaultSyscallHandler) handleSignalStub() SyscallResult {
	old, size := h.arg(2), h.arg(3)
	if h.regFile.ReadReg(insts.RAX) == SyscallRtSigaction {
		size = 32 // sa_handler, sa_flags, sa_restorer, sa_mask
	}
	if old != 0 && size <= 128 {
		if err := h.memory.WriteBytes(old, make([]byte, size)); err != nil {
			return h.setError(EFAULT)
		}
	}
	return h.setResult(0)
}

func (h *DefaultSyscallHandler) setResult(v uint64) SyscallResult {
	h.regFile.WriteReg(insts.RAX, v)
	return SyscallResult{}
}

// setError stores -errno in RAX.
func (h *DefaultSyscallHandler) setError(errno int) SyscallResult {
	h.regFile.WriteReg(insts.RAX, uint64(-int64(errno)))
	return SyscallResult{}
}
