package insts_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/amd64sim/insts"
)

var _ = Describe("Decoder", func() {
	var decoder *insts.Decoder

	BeforeEach(func() {
		decoder = insts.NewDecoder()
	})

	decode := func(addr uint64, code ...byte) *insts.Instruction {
		inst, err := decoder.Decode(code, addr)
		Expect(err).NotTo(HaveOccurred())
		return inst
	}

	Describe("Integer arithmetic", func() {
		// 48 01 d8: add rax, rbx
		It("should decode ADD RAX, RBX", func() {
			inst := decode(0x1000, 0x48, 0x01, 0xd8)

			Expect(inst.Op).To(Equal(insts.OpADD))
			Expect(inst.Width).To(Equal(insts.W64))
			Expect(inst.Length).To(Equal(3))
			Expect(inst.Next()).To(Equal(uint64(0x1003)))
			Expect(inst.Operands).To(Equal([]insts.Operand{
				insts.RegOp(insts.RAX, insts.W64),
				insts.RegOp(insts.RBX, insts.W64),
			}))
		})

		// 00 c0: add al, al
		It("should decode ADD AL, AL", func() {
			inst := decode(0, 0x00, 0xc0)

			Expect(inst.Op).To(Equal(insts.OpADD))
			Expect(inst.Width).To(Equal(insts.W8))
			Expect(inst.Operands[0]).To(Equal(insts.RegOp(insts.RAX, insts.W8)))
		})

		// 39 d8: cmp eax, ebx
		It("should decode CMP EAX, EBX", func() {
			inst := decode(0, 0x39, 0xd8)

			Expect(inst.Op).To(Equal(insts.OpCMP))
			Expect(inst.Width).To(Equal(insts.W32))
			Expect(inst.Operands[1]).To(Equal(insts.RegOp(insts.RBX, insts.W32)))
		})

		// 48 05 10 00 00 00: add rax, 0x10
		It("should decode immediates at the operation width", func() {
			inst := decode(0, 0x48, 0x05, 0x10, 0x00, 0x00, 0x00)

			Expect(inst.Operands[1].Kind).To(Equal(insts.KindImm))
			Expect(inst.Operands[1].Imm).To(Equal(int64(0x10)))
			Expect(inst.Operands[1].Width).To(Equal(insts.W64))
		})

		// 48 f7 f1: div rcx
		It("should decode DIV RCX", func() {
			inst := decode(0, 0x48, 0xf7, 0xf1)

			Expect(inst.Op).To(Equal(insts.OpDIV))
			Expect(inst.Width).To(Equal(insts.W64))
			Expect(inst.Operands).To(HaveLen(1))
		})

		// d0 d0: rcl al, 1
		It("should decode RCL with an implicit count of one", func() {
			inst := decode(0, 0xd0, 0xd0)

			Expect(inst.Op).To(Equal(insts.OpRCL))
			Expect(inst.Width).To(Equal(insts.W8))
			Expect(inst.Operands[0]).To(Equal(insts.RegOp(insts.RAX, insts.W8)))
			Expect(inst.Operands[1].Kind).To(Equal(insts.KindImm))
			Expect(inst.Operands[1].Width).To(Equal(insts.W8))
		})

		// d3 d8: rcr eax, cl
		It("should decode RCR by CL", func() {
			inst := decode(0, 0xd3, 0xd8)

			Expect(inst.Op).To(Equal(insts.OpRCR))
			Expect(inst.Width).To(Equal(insts.W32))
			Expect(inst.Operands[1]).To(Equal(insts.RegOp(insts.RCX, insts.W8)))
		})

		// 88 e0: mov al, ah
		It("should decode high-byte registers", func() {
			inst := decode(0, 0x88, 0xe0)

			Expect(inst.Operands[0]).To(Equal(insts.RegOp(insts.RAX, insts.W8)))
			Expect(inst.Operands[1]).To(Equal(insts.HighByteOp(insts.RAX)))
		})

		// 0f b6 c1: movzx eax, cl
		It("should take the destination width for MOVZX", func() {
			inst := decode(0, 0x0f, 0xb6, 0xc1)

			Expect(inst.Op).To(Equal(insts.OpMOVZX))
			Expect(inst.Width).To(Equal(insts.W32))
			Expect(inst.Operands[1].Width).To(Equal(insts.W8))
		})
	})

	Describe("Memory operands", func() {
		// 48 8d 04 8b: lea rax, [rbx+rcx*4]
		It("should decode SIB addressing", func() {
			inst := decode(0, 0x48, 0x8d, 0x04, 0x8b)

			Expect(inst.Op).To(Equal(insts.OpLEA))
			mem := inst.Operands[1].Mem
			Expect(mem.Base).To(Equal(insts.RBX))
			Expect(mem.Index).To(Equal(insts.RCX))
			Expect(mem.Scale).To(Equal(uint8(4)))
			Expect(mem.AddrSize).To(Equal(insts.W64))
		})

		// 48 8b 05 10 00 00 00: mov rax, [rip+0x10]
		It("should decode RIP-relative addressing", func() {
			inst := decode(0x2000, 0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00)

			mem := inst.Operands[1].Mem
			Expect(mem.Base).To(Equal(insts.RIP))
			Expect(mem.Disp).To(Equal(int64(0x10)))
			Expect(inst.Operands[1].Width).To(Equal(insts.W64))
		})

		// 64 48 8b 04 25 28 00 00 00: mov rax, fs:[0x28]
		It("should decode FS segment overrides", func() {
			inst := decode(0, 0x64, 0x48, 0x8b, 0x04, 0x25, 0x28, 0x00, 0x00, 0x00)

			mem := inst.Operands[1].Mem
			Expect(mem.Seg).To(Equal(insts.SegFS))
			Expect(mem.Base).To(Equal(insts.RegNone))
			Expect(mem.Index).To(Equal(insts.RegNone))
			Expect(mem.Disp).To(Equal(int64(0x28)))
		})

		// f0 48 ff 00: lock inc qword ptr [rax]
		It("should decode the LOCK prefix", func() {
			inst := decode(0, 0xf0, 0x48, 0xff, 0x00)

			Expect(inst.Op).To(Equal(insts.OpINC))
			Expect(inst.Locked()).To(BeTrue())
			Expect(inst.Operands[0].Kind).To(Equal(insts.KindMem))
			Expect(inst.Operands[0].Width).To(Equal(insts.W64))
		})
	})

	Describe("Strings", func() {
		// f3 aa: rep stosb
		It("should decode REP STOSB with implicit operands", func() {
			inst := decode(0, 0xf3, 0xaa)

			Expect(inst.Op).To(Equal(insts.OpSTOS))
			Expect(inst.Width).To(Equal(insts.W8))
			Expect(inst.Prefix).To(Equal(insts.PrefixRep))
			Expect(inst.Operands).To(BeEmpty())
		})

		// f3 48 a7: repe cmpsq
		It("should decode REPE CMPSQ", func() {
			inst := decode(0, 0xf3, 0x48, 0xa7)

			Expect(inst.Op).To(Equal(insts.OpCMPS))
			Expect(inst.Width).To(Equal(insts.W64))
			Expect(inst.Prefix).To(Equal(insts.PrefixRepZ))
		})

		// f2 ae: repne scasb
		It("should decode REPNE SCASB", func() {
			inst := decode(0, 0xf2, 0xae)

			Expect(inst.Op).To(Equal(insts.OpSCAS))
			Expect(inst.Prefix).To(Equal(insts.PrefixRepNZ))
		})
	})

	Describe("Control transfer", func() {
		// 74 05: je +5
		It("should decode Jcc with a decode-time target", func() {
			inst := decode(0x1000, 0x74, 0x05)

			Expect(inst.Op).To(Equal(insts.OpJCC))
			Expect(inst.Cond).To(Equal(insts.CondE))
			target, ok := inst.Target()
			Expect(ok).To(BeTrue())
			Expect(target).To(Equal(uint64(0x1007)))
		})

		// e8 10 00 00 00: call +0x10
		It("should decode relative CALL", func() {
			inst := decode(0x1000, 0xe8, 0x10, 0x00, 0x00, 0x00)

			Expect(inst.Op).To(Equal(insts.OpCALL))
			target, _ := inst.Target()
			Expect(target).To(Equal(uint64(0x1015)))
		})

		// ff d0: call rax
		It("should decode indirect CALL", func() {
			inst := decode(0, 0xff, 0xd0)

			Expect(inst.Op).To(Equal(insts.OpCALL))
			Expect(inst.Operands[0]).To(Equal(insts.RegOp(insts.RAX, insts.W64)))
		})

		It("should decode RET", func() {
			Expect(decode(0, 0xc3).Op).To(Equal(insts.OpRET))
		})
	})

	Describe("System and vector", func() {
		It("should decode CPUID, SYSCALL and NOP", func() {
			Expect(decode(0, 0x0f, 0xa2).Op).To(Equal(insts.OpCPUID))
			Expect(decode(0, 0x0f, 0x05).Op).To(Equal(insts.OpSYSCALL))
			Expect(decode(0, 0x90).Op).To(Equal(insts.OpNOP))
		})

		It("should decode the INT1 interop gate", func() {
			inst := decode(0, 0xf1)
			Expect(inst.Op).To(Equal(insts.OpINT1))
			Expect(inst.Length).To(Equal(1))
		})

		It("should treat ENDBR64 as a NOP", func() {
			inst := decode(0, 0xf3, 0x0f, 0x1e, 0xfa)
			Expect(inst.Op).To(Equal(insts.OpNOP))
			Expect(inst.Length).To(Equal(4))
		})

		// 66 0f ef c0: pxor xmm0, xmm0
		It("should decode PXOR", func() {
			inst := decode(0, 0x66, 0x0f, 0xef, 0xc0)
			Expect(inst.Op).To(Equal(insts.OpPXOR))
			Expect(inst.Operands[0]).To(Equal(insts.VecOp(0, insts.W128)))
		})

		// 66 0f fe c1: paddd xmm0, xmm1
		It("should decode packed lane widths", func() {
			inst := decode(0, 0x66, 0x0f, 0xfe, 0xc1)
			Expect(inst.Op).To(Equal(insts.OpPADD))
			Expect(inst.Lane).To(Equal(insts.W32))
		})

		// f2 0f 58 c1: addsd xmm0, xmm1
		It("should decode ADDSD", func() {
			inst := decode(0, 0xf2, 0x0f, 0x58, 0xc1)
			Expect(inst.Op).To(Equal(insts.OpADDSD))
			Expect(inst.Operands[1]).To(Equal(insts.VecOp(1, insts.W128)))
		})
	})

	Describe("Errors", func() {
		It("should reject empty input", func() {
			_, err := decoder.Decode(nil, 0x10)
			Expect(errors.Is(err, insts.ErrTruncated)).To(BeTrue())
		})

		It("should report unsupported instructions", func() {
			// d9 c0: fld st0
			_, err := decoder.Decode([]byte{0xd9, 0xc0}, 0x10)
			Expect(err).To(HaveOccurred())

			var decErr *insts.DecodeError
			Expect(errors.As(err, &decErr)).To(BeTrue())
			Expect(decErr.Addr).To(Equal(uint64(0x10)))
		})
	})
})
