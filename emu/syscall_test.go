package emu_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/amd64sim/emu"
	"github.com/sarchlab/amd64sim/insts"
)

var syscallArgRegs = []insts.Reg{insts.RDI, insts.RSI, insts.RDX, insts.R10, insts.R8, insts.R9}

// sys issues a SYSCALL and returns RAX as a signed value.
func sys(e *emu.Emulator, num uint64, args ...uint64) (int64, emu.Transfer) {
	regs := e.RegFile()
	regs.GPR[insts.RAX] = num
	for i, a := range args {
		regs.GPR[syscallArgRegs[i]] = a
	}
	t := execInst(e, insts.New(insts.OpSYSCALL, insts.W64).At(codeBase, 2))
	return int64(regs.GPR[insts.RAX]), t
}

func putString(e *emu.Emulator, addr uint64, s string) {
	Expect(e.Memory().WriteBytes(addr, append([]byte(s), 0))).To(Succeed())
}

var _ = Describe("Syscalls", func() {
	var (
		e      *emu.Emulator
		stdout *bytes.Buffer
		stderr *bytes.Buffer
	)

	BeforeEach(func() {
		stdout = &bytes.Buffer{}
		stderr = &bytes.Buffer{}
		e = newEmulator(
			emu.WithStdout(stdout),
			emu.WithStderr(stderr),
			emu.WithStdin(strings.NewReader("input")),
		)
	})

	Describe("exit", func() {
		It("should exit with the low 32 bits of the status as a signed value", func() {
			_, t := sys(e, emu.SyscallExitGroup, 0xFFFFFFFF)
			Expect(t.Kind).To(Equal(emu.TransferExit))
			Expect(t.ExitCode).To(Equal(int64(-1)))

			_, t = sys(e, emu.SyscallExit, 3)
			Expect(t.ExitCode).To(Equal(int64(3)))
		})
	})

	Describe("standard streams", func() {
		It("should write to stdout and stderr", func() {
			putString(e, dataBase, "hello")
			ret, _ := sys(e, emu.SyscallWrite, 1, dataBase, 5)
			Expect(ret).To(Equal(int64(5)))
			Expect(stdout.String()).To(Equal("hello"))

			ret, _ = sys(e, emu.SyscallWrite, 2, dataBase, 4)
			Expect(ret).To(Equal(int64(4)))
			Expect(stderr.String()).To(Equal("hell"))
		})

		It("should gather writev buffers in order", func() {
			putString(e, dataBase+0x100, "foo")
			putString(e, dataBase+0x200, "barbaz")
			Expect(e.Memory().Write64(dataBase, dataBase+0x100)).To(Succeed())
			Expect(e.Memory().Write64(dataBase+8, 3)).To(Succeed())
			Expect(e.Memory().Write64(dataBase+16, dataBase+0x200)).To(Succeed())
			Expect(e.Memory().Write64(dataBase+24, 6)).To(Succeed())

			ret, _ := sys(e, emu.SyscallWritev, 1, dataBase, 2)
			Expect(ret).To(Equal(int64(9)))
			Expect(stdout.String()).To(Equal("foobarbaz"))
		})

		It("should read stdin and then report end of file", func() {
			ret, _ := sys(e, emu.SyscallRead, 0, dataBase, 64)
			Expect(ret).To(Equal(int64(5)))
			Expect(e.Memory().ReadCString(dataBase, 64)).To(Equal("input"))

			ret, _ = sys(e, emu.SyscallRead, 0, dataBase, 64)
			Expect(ret).To(BeZero())
		})

		It("should report errors as negative errno values", func() {
			ret, _ := sys(e, emu.SyscallWrite, 42, dataBase, 1)
			Expect(ret).To(Equal(int64(-emu.EBADF)))

			ret, _ = sys(e, emu.SyscallWrite, 1, 0x10, 1)
			Expect(ret).To(Equal(int64(-emu.EFAULT)))

			ret, _ = sys(e, emu.SyscallLseek, 1, 0, 0)
			Expect(ret).To(Equal(int64(-emu.ESPIPE)))

			ret, _ = sys(e, emu.SyscallIoctl, 1, 0x5401, dataBase)
			Expect(ret).To(Equal(int64(-emu.ENOTTY)))
		})

		It("should describe a stream as a character device", func() {
			ret, _ := sys(e, emu.SyscallFstat, 1, dataBase)
			Expect(ret).To(BeZero())
			mode, _ := e.Memory().Read32(dataBase + 24)
			Expect(mode & 0o170000).To(Equal(uint32(0o020000)))
		})
	})

	Describe("files", func() {
		var path string

		BeforeEach(func() {
			path = filepath.Join(GinkgoT().TempDir(), "data.txt")
			Expect(os.WriteFile(path, []byte("0123456789"), 0o644)).To(Succeed())
			putString(e, dataBase+0x800, path)
		})

		It("should open, seek, read, stat and close a file", func() {
			fd, _ := sys(e, emu.SyscallOpenat, uint64(0xFFFFFFFFFFFFFF9C), dataBase+0x800, 0, 0)
			Expect(fd).To(BeNumerically(">=", 3))

			ret, _ := sys(e, emu.SyscallLseek, uint64(fd), 4, 0)
			Expect(ret).To(Equal(int64(4)))

			ret, _ = sys(e, emu.SyscallRead, uint64(fd), dataBase, 3)
			Expect(ret).To(Equal(int64(3)))
			Expect(e.Memory().ReadCString(dataBase, 3)).To(Equal("456"))

			ret, _ = sys(e, emu.SyscallFstat, uint64(fd), dataBase+0x100)
			Expect(ret).To(BeZero())
			Expect(e.Memory().Read64(dataBase + 0x100 + 48)).To(Equal(uint64(10)))
			mode, _ := e.Memory().Read32(dataBase + 0x100 + 24)
			Expect(mode & 0o170000).To(Equal(uint32(0o100000)))

			ret, _ = sys(e, emu.SyscallClose, uint64(fd))
			Expect(ret).To(BeZero())
			ret, _ = sys(e, emu.SyscallClose, uint64(fd))
			Expect(ret).To(Equal(int64(-emu.EBADF)))
		})

		It("should create files for writing", func() {
			out := filepath.Join(GinkgoT().TempDir(), "out.txt")
			putString(e, dataBase+0x400, out)
			putString(e, dataBase, "written")

			fd, _ := sys(e, emu.SyscallOpenat, uint64(0xFFFFFFFFFFFFFF9C), dataBase+0x400, 0x1|0x40|0x200, 0o600)
			Expect(fd).To(BeNumerically(">=", 3))
			ret, _ := sys(e, emu.SyscallWrite, uint64(fd), dataBase, 7)
			Expect(ret).To(Equal(int64(7)))
			sys(e, emu.SyscallClose, uint64(fd))

			Expect(os.ReadFile(out)).To(Equal([]byte("written")))
		})

		It("should report a missing file as ENOENT", func() {
			putString(e, dataBase, "/does/not/exist")
			ret, _ := sys(e, emu.SyscallOpenat, uint64(0xFFFFFFFFFFFFFF9C), dataBase, 0, 0)
			Expect(ret).To(Equal(int64(-emu.ENOENT)))
		})

		It("should map a file privately", func() {
			fd, _ := sys(e, emu.SyscallOpenat, uint64(0xFFFFFFFFFFFFFF9C), dataBase+0x800, 0, 0)
			addr, _ := sys(e, emu.SyscallMmap, 0, 10, emu.ProtRead, 0x2, uint64(fd), 0)
			Expect(addr).To(BeNumerically(">", 0))
			Expect(e.Memory().ReadCString(uint64(addr), 64)).To(Equal("0123456789"))
			Expect(e.Memory().Write8(uint64(addr), 1)).To(MatchError(emu.ErrInvalidAddress))
		})
	})

	Describe("memory management", func() {
		var h *emu.DefaultSyscallHandler

		BeforeEach(func() {
			var ok bool
			h, ok = e.SyscallHandler().(*emu.DefaultSyscallHandler)
			Expect(ok).To(BeTrue())
			h.SetBrk(0x800000)
		})

		It("should grow and shrink the program break", func() {
			ret, _ := sys(e, emu.SyscallBrk, 0)
			Expect(uint64(ret)).To(Equal(uint64(0x800000)))

			ret, _ = sys(e, emu.SyscallBrk, 0x802010)
			Expect(uint64(ret)).To(Equal(uint64(0x802010)))
			Expect(e.Memory().Write8(0x802000, 1)).To(Succeed())

			ret, _ = sys(e, emu.SyscallBrk, 0x801000)
			Expect(uint64(ret)).To(Equal(uint64(0x801000)))
			Expect(e.Memory().IsMapped(0x801000)).To(BeFalse())
			Expect(e.Memory().IsMapped(0x800000)).To(BeTrue())
			Expect(h.Brk()).To(Equal(uint64(0x801000)))
		})

		It("should refuse to move the break below its start", func() {
			ret, _ := sys(e, emu.SyscallBrk, 0x100)
			Expect(uint64(ret)).To(Equal(uint64(0x800000)))
		})

		It("should not grow the break over an existing mapping", func() {
			Expect(e.Memory().Map(0x801000, emu.PageSize, emu.ProtRead)).To(Succeed())
			ret, _ := sys(e, emu.SyscallBrk, 0x803000)
			Expect(uint64(ret)).To(Equal(uint64(0x800000)))
		})

		It("should map, protect and unmap anonymous memory", func() {
			addr, _ := sys(e, emu.SyscallMmap, 0, 3*emu.PageSize, emu.ProtRW, 0x22, ^uint64(0), 0)
			Expect(uint64(addr) & (emu.PageSize - 1)).To(BeZero())
			Expect(e.Memory().Write64(uint64(addr)+2*emu.PageSize, 5)).To(Succeed())

			next, _ := sys(e, emu.SyscallMmap, 0, 1, emu.ProtRW, 0x22, ^uint64(0), 0)
			Expect(next).NotTo(Equal(addr))

			ret, _ := sys(e, emu.SyscallMprotect, uint64(addr), emu.PageSize, emu.ProtRead)
			Expect(ret).To(BeZero())
			Expect(e.Memory().Write8(uint64(addr), 1)).NotTo(Succeed())

			ret, _ = sys(e, emu.SyscallMunmap, uint64(addr), 3*emu.PageSize)
			Expect(ret).To(BeZero())
			Expect(e.Memory().IsMapped(uint64(addr))).To(BeFalse())
		})

		It("should honour MAP_FIXED", func() {
			addr, _ := sys(e, emu.SyscallMmap, 0x900000, emu.PageSize, emu.ProtRW, 0x32, ^uint64(0), 0)
			Expect(uint64(addr)).To(Equal(uint64(0x900000)))

			ret, _ := sys(e, emu.SyscallMmap, 0x900010, emu.PageSize, emu.ProtRW, 0x32, ^uint64(0), 0)
			Expect(ret).To(Equal(int64(-emu.EINVAL)))
		})

		It("should reject zero-length and unaligned requests", func() {
			ret, _ := sys(e, emu.SyscallMmap, 0, 0, emu.ProtRW, 0x22, ^uint64(0), 0)
			Expect(ret).To(Equal(int64(-emu.EINVAL)))
			ret, _ = sys(e, emu.SyscallMunmap, 0x900001, emu.PageSize)
			Expect(ret).To(Equal(int64(-emu.EINVAL)))
		})
	})

	Describe("process state", func() {
		It("should set and get the FS and GS bases", func() {
			ret, _ := sys(e, emu.SyscallArchPrctl, 0x1002, 0x7000)
			Expect(ret).To(BeZero())
			Expect(e.RegFile().FSBase).To(Equal(uint64(0x7000)))

			sys(e, emu.SyscallArchPrctl, 0x1001, 0x9000)
			Expect(e.RegFile().GSBase).To(Equal(uint64(0x9000)))

			sys(e, emu.SyscallArchPrctl, 0x1003, dataBase)
			Expect(e.Memory().Read64(dataBase)).To(Equal(uint64(0x7000)))

			ret, _ = sys(e, emu.SyscallArchPrctl, 0x9999, 0)
			Expect(ret).To(Equal(int64(-emu.EINVAL)))
		})

		It("should fill utsname", func() {
			ret, _ := sys(e, emu.SyscallUname, dataBase)
			Expect(ret).To(BeZero())
			Expect(e.Memory().ReadCString(dataBase, 65)).To(Equal("Linux"))
			Expect(e.Memory().ReadCString(dataBase+4*65, 65)).To(Equal("x86_64"))
		})

		It("should report the same id for getpid, gettid and set_tid_address", func() {
			pid, _ := sys(e, emu.SyscallGetpid)
			tid, _ := sys(e, emu.SyscallGettid)
			ret, _ := sys(e, emu.SyscallSetTidAddress, dataBase)
			Expect(pid).To(BeNumerically(">", 0))
			Expect(tid).To(Equal(pid))
			Expect(ret).To(Equal(pid))
		})

		It("should accept signal setup and clear the old state", func() {
			Expect(e.Memory().WriteBytes(dataBase, bytes.Repeat([]byte{0xFF}, 64))).To(Succeed())
			ret, _ := sys(e, emu.SyscallRtSigaction, 2, 0, dataBase, 8)
			Expect(ret).To(BeZero())
			Expect(e.Memory().Read64(dataBase + 24)).To(BeZero())
			Expect(e.Memory().Read64(dataBase + 32)).To(Equal(^uint64(0)))

			ret, _ = sys(e, emu.SyscallRtSigprocmask, 0, 0, dataBase+40, 8)
			Expect(ret).To(BeZero())
			Expect(e.Memory().Read64(dataBase + 40)).To(BeZero())
		})
	})
})
