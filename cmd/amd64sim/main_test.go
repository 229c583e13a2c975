package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/amd64sim/emu"
)

const textBase = 0x401000

// staticELF returns a one-segment read-execute ELF64 executable whose
// entry point is the start of code.
func staticELF(code []byte) []byte {
	const ehsize, phentsize = 64, 56
	out := make([]byte, ehsize+phentsize)

	copy(out, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	binary.LittleEndian.PutUint16(out[16:], 2)  // ET_EXEC
	binary.LittleEndian.PutUint16(out[18:], 62) // EM_X86_64
	binary.LittleEndian.PutUint32(out[20:], 1)
	binary.LittleEndian.PutUint64(out[24:], textBase)
	binary.LittleEndian.PutUint64(out[32:], ehsize)
	binary.LittleEndian.PutUint16(out[52:], ehsize)
	binary.LittleEndian.PutUint16(out[54:], phentsize)
	binary.LittleEndian.PutUint16(out[56:], 1)

	ph := out[ehsize:]
	binary.LittleEndian.PutUint32(ph[0:], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:], 5) // R+X
	binary.LittleEndian.PutUint64(ph[8:], uint64(len(out)))
	binary.LittleEndian.PutUint64(ph[16:], textBase)
	binary.LittleEndian.PutUint64(ph[24:], textBase)
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(code)))
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(code)))
	binary.LittleEndian.PutUint64(ph[48:], 0x1000)

	return append(out, code...)
}

var (
	// exit42 is mov edi, 42; mov eax, 60; syscall.
	exit42 = []byte{
		0xBF, 0x2A, 0x00, 0x00, 0x00,
		0xB8, 0x3C, 0x00, 0x00, 0x00,
		0x0F, 0x05,
	}

	// sayHi writes "hi\n" to stdout and exits 0.
	sayHi = []byte{
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xBF, 0x01, 0x00, 0x00, 0x00, // mov edi, 1
		0x48, 0x8D, 0x35, 0x13, 0x00, 0x00, 0x00, // lea rsi, [rip+0x13]
		0xBA, 0x03, 0x00, 0x00, 0x00, // mov edx, 3
		0x0F, 0x05, // syscall
		0xBF, 0x00, 0x00, 0x00, 0x00, // mov edi, 0
		0xB8, 0x3C, 0x00, 0x00, 0x00, // mov eax, 60
		0x0F, 0x05, // syscall
		'h', 'i', '\n',
	}

	// exitArgc is mov rdi, [rsp]; mov eax, 60; syscall.
	exitArgc = []byte{
		0x48, 0x8B, 0x3C, 0x24,
		0xB8, 0x3C, 0x00, 0x00, 0x00,
		0x0F, 0x05,
	}
)

var _ = Describe("amd64sim", func() {
	var (
		dir    string
		a      *app
		stdout *bytes.Buffer
		stderr *bytes.Buffer
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		stdout = &bytes.Buffer{}
		stderr = &bytes.Buffer{}
		a = &app{stdin: strings.NewReader(""), stdout: stdout, stderr: stderr}
	})

	write := func(name string, code []byte) string {
		path := filepath.Join(dir, name)
		Expect(os.WriteFile(path, staticELF(code), 0o755)).To(Succeed())
		return path
	}

	execute := func(args ...string) error {
		cmd := newRootCmd(a)
		cmd.SetArgs(args)
		return cmd.Execute()
	}

	Describe("run", func() {
		It("should return the guest exit status", func() {
			Expect(execute("run", write("exit.elf", exit42))).To(Succeed())
			Expect(a.exitCode).To(Equal(42))
		})

		It("should connect guest stdout", func() {
			Expect(execute("run", write("hi.elf", sayHi))).To(Succeed())
			Expect(stdout.String()).To(Equal("hi\n"))
			Expect(a.exitCode).To(BeZero())
		})

		It("should pass the remaining arguments to the guest", func() {
			path := write("argc.elf", exitArgc)
			Expect(execute("run", path, "-x", "y")).To(Succeed())
			Expect(a.exitCode).To(Equal(3))
		})

		It("should print a timing report", func() {
			Expect(execute("run", "--timing", write("exit.elf", exit42))).To(Succeed())
			Expect(a.exitCode).To(Equal(42))
			Expect(stderr.String()).To(ContainSubstring("Total Instructions: 3"))
			Expect(stderr.String()).To(ContainSubstring("CPI:"))
		})

		It("should load a timing config", func() {
			config := filepath.Join(dir, "timing.json")
			Expect(os.WriteFile(config, []byte(`{"syscall_latency": 10}`), 0o644)).To(Succeed())

			Expect(execute("run", "--timing", "--config", config, write("exit.elf", exit42))).To(Succeed())
			Expect(stderr.String()).To(ContainSubstring("Total Cycles: 12"))
		})

		It("should load an emulator config", func() {
			config := filepath.Join(dir, "emu.json")
			cfg := emu.DefaultConfig()
			cfg.CallMode = emu.CallNested
			Expect(cfg.SaveConfig(config)).To(Succeed())

			Expect(execute("run", "--emu-config", config, write("exit.elf", exit42))).To(Succeed())
			Expect(a.exitCode).To(Equal(42))
		})

		It("should stop at the instruction limit", func() {
			err := execute("run", "--max-insts", "1", write("exit.elf", exit42))
			Expect(errors.Is(err, emu.ErrMaxInstructions)).To(BeTrue())
		})

		It("should log at debug level when verbose", func() {
			Expect(execute("run", "-v", write("exit.elf", exit42))).To(Succeed())
			Expect(stderr.String()).To(ContainSubstring("loaded program"))
		})

		It("should report a missing program", func() {
			err := execute("run", filepath.Join(dir, "missing"))
			Expect(err).To(MatchError(ContainSubstring("error loading program")))
		})

		It("should require a program", func() {
			Expect(execute("run")).NotTo(Succeed())
		})
	})

	Describe("disasm", func() {
		It("should disassemble from the entry point", func() {
			Expect(execute("disasm", write("exit.elf", exit42))).To(Succeed())

			lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
			Expect(lines).To(HaveLen(3))
			Expect(lines[0]).To(HavePrefix("0x401000:"))
			Expect(lines[0]).To(ContainSubstring("mov edi, 0x2a"))
			Expect(lines[2]).To(ContainSubstring("syscall"))
		})

		It("should honour the count and start address", func() {
			Expect(execute("disasm", "-n", "1", "--addr", "0x401005", write("exit.elf", exit42))).To(Succeed())
			Expect(stdout.String()).To(HavePrefix("0x401005:"))
			Expect(strings.Count(stdout.String(), "\n")).To(Equal(1))
		})

		It("should reject an address outside the image", func() {
			err := execute("disasm", "--addr", "0x1000", write("exit.elf", exit42))
			Expect(err).To(MatchError(ContainSubstring("not in a loaded segment")))
		})
	})

	Describe("bench", func() {
		It("should print the quick set as CSV", func() {
			Expect(execute("bench", "--quick", "--format", "csv")).To(Succeed())
			lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
			Expect(lines).To(HaveLen(4))
			Expect(lines[0]).To(HavePrefix("name,cycles"))
		})

		It("should reject an unknown format", func() {
			Expect(execute("bench", "--quick", "--format", "xml")).To(MatchError(ContainSubstring("unknown format")))
		})
	})

	Describe("cpuid", func() {
		It("should print one leaf", func() {
			Expect(execute("cpuid", "0")).To(Succeed())
			Expect(stdout.String()).To(HavePrefix("leaf 0x00000000: eax=0x00000007"))
		})

		It("should print the default leaves and the vendor", func() {
			Expect(execute("cpuid")).To(Succeed())
			Expect(strings.Count(stdout.String(), "leaf ")).To(Equal(len(defaultLeaves)))
			Expect(stdout.String()).To(ContainSubstring("vendor: VMX86onGraal"))
		})

		It("should reject a malformed leaf", func() {
			Expect(execute("cpuid", "nope")).To(MatchError(ContainSubstring("invalid leaf")))
		})
	})
})
