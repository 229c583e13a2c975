package emu_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/amd64sim/emu"
	"github.com/sarchlab/amd64sim/insts"
)

var _ = Describe("Integer ALU", func() {
	var (
		e    *emu.Emulator
		regs *emu.RegFile
	)

	BeforeEach(func() {
		e = newEmulator()
		regs = e.RegFile()
	})

	Describe("Decoded scenarios", func() {
		It("should add AL to itself with AL=0xFF", func() {
			// mov al, 0xff; add al, al
			runCode(e, 0xB0, 0xFF, 0x00, 0xC0)

			Expect(regs.GPR[insts.RAX] & 0xFF).To(Equal(uint64(0xFE)))
			Expect(regs.Flags.CF).To(BeTrue())
			Expect(regs.Flags.OF).To(BeFalse())
			Expect(regs.Flags.SF).To(BeTrue())
			Expect(regs.Flags.ZF).To(BeFalse())
			// 0xFE has seven set bits.
			Expect(regs.Flags.PF).To(BeFalse())
			Expect(regs.Flags.AF).To(BeTrue())
		})

		It("should compare EAX=0 with EBX=1", func() {
			// xor eax, eax; mov ebx, 1; cmp eax, ebx
			runCode(e, 0x31, 0xC0, 0xBB, 0x01, 0x00, 0x00, 0x00, 0x39, 0xD8)

			Expect(regs.Flags.CF).To(BeTrue())
			Expect(regs.Flags.ZF).To(BeFalse())
			Expect(regs.Flags.SF).To(BeTrue())
			Expect(regs.Flags.OF).To(BeFalse())
			Expect(regs.GPR[insts.RAX]).To(BeZero())
		})

		It("should divide RDX:RAX = 0:10 by 3", func() {
			// xor edx, edx; mov eax, 10; mov ecx, 3; div rcx
			runCode(e,
				0x31, 0xD2,
				0xB8, 0x0A, 0x00, 0x00, 0x00,
				0xB9, 0x03, 0x00, 0x00, 0x00,
				0x48, 0xF7, 0xF1)

			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(3)))
			Expect(regs.GPR[insts.RDX]).To(Equal(uint64(1)))
		})

		It("should set bit 5 with BTS", func() {
			// xor eax, eax; bts eax, 5
			runCode(e, 0x31, 0xC0, 0x0F, 0xBA, 0xE8, 0x05)

			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0x20)))
			Expect(regs.Flags.CF).To(BeFalse())
		})
	})

	Describe("Width wrap", func() {
		DescribeTable("ADD wraps at the operand width and preserves the rest",
			func(w insts.Width, before, addend, want uint64) {
				regs.GPR[insts.RAX] = before
				execInst(e, insts.New(insts.OpADD, w, reg(insts.RAX, w), imm(int64(addend), w)))
				Expect(regs.GPR[insts.RAX]).To(Equal(want))
				Expect(regs.Flags.CF).To(BeTrue())
				Expect(regs.Flags.ZF).To(BeTrue())
			},
			Entry("8-bit keeps bits 8-63", insts.W8, uint64(0x12345678_9ABCDEFF), uint64(1), uint64(0x12345678_9ABCDE00)),
			Entry("16-bit keeps bits 16-63", insts.W16, uint64(0x12345678_9ABCFFFF), uint64(1), uint64(0x12345678_9ABC0000)),
			Entry("32-bit zeroes bits 32-63", insts.W32, uint64(0x12345678_FFFFFFFF), uint64(1), uint64(0)),
			Entry("64-bit", insts.W64, ^uint64(0), uint64(1), uint64(0)),
		)

		It("should write AH without touching AL", func() {
			regs.GPR[insts.RAX] = 0x11FF
			execInst(e, insts.New(insts.OpADD, insts.W8, insts.HighByteOp(insts.RAX), imm(1, insts.W8)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0x12FF)))
		})
	})

	Describe("Flag preservation", func() {
		It("should keep CF across INC and DEC", func() {
			regs.Flags.CF = true
			regs.GPR[insts.RCX] = 0xFF
			execInst(e, insts.New(insts.OpINC, insts.W8, reg(insts.RCX, insts.W8)))
			Expect(regs.Flags.CF).To(BeTrue())
			Expect(regs.Flags.ZF).To(BeTrue())

			execInst(e, insts.New(insts.OpDEC, insts.W8, reg(insts.RCX, insts.W8)))
			Expect(regs.Flags.CF).To(BeTrue())
			Expect(regs.Flags.SF).To(BeTrue())
		})

		It("should keep AF across logic operations", func() {
			regs.Flags.AF = true
			regs.GPR[insts.RAX] = 0xF0
			execInst(e, insts.New(insts.OpAND, insts.W32, reg(insts.RAX, insts.W32), imm(0x0F, insts.W32)))
			Expect(regs.Flags.AF).To(BeTrue())
			Expect(regs.Flags.ZF).To(BeTrue())
		})

		It("should leave every flag alone for NOT", func() {
			regs.Flags = emu.Flags{CF: true, OF: true, ZF: true}
			regs.GPR[insts.RDX] = 0
			execInst(e, insts.New(insts.OpNOT, insts.W64, reg(insts.RDX, insts.W64)))
			Expect(regs.GPR[insts.RDX]).To(Equal(^uint64(0)))
			Expect(regs.Flags).To(Equal(emu.Flags{CF: true, OF: true, ZF: true}))
		})
	})

	Describe("ADC and SBB", func() {
		It("should chain a 128-bit addition", func() {
			regs.GPR[insts.RAX] = ^uint64(0)
			regs.GPR[insts.RDX] = 1
			execInst(e, insts.New(insts.OpADD, insts.W64, reg(insts.RAX, insts.W64), imm(1, insts.W64)))
			execInst(e, insts.New(insts.OpADC, insts.W64, reg(insts.RDX, insts.W64), imm(0, insts.W64)))
			Expect(regs.GPR[insts.RAX]).To(BeZero())
			Expect(regs.GPR[insts.RDX]).To(Equal(uint64(2)))
		})

		It("should borrow through SBB", func() {
			regs.Flags.CF = true
			regs.GPR[insts.RBX] = 0
			execInst(e, insts.New(insts.OpSBB, insts.W32, reg(insts.RBX, insts.W32), imm(0, insts.W32)))
			Expect(regs.GPR[insts.RBX]).To(Equal(uint64(0xFFFFFFFF)))
			Expect(regs.Flags.CF).To(BeTrue())
		})
	})

	Describe("Memory operands", func() {
		It("should read-modify-write a memory destination", func() {
			Expect(e.Memory().Write32(dataBase, 40)).To(Succeed())
			regs.GPR[insts.RBX] = 2
			execInst(e, insts.New(insts.OpADD, insts.W32, mem(insts.W32, dataBase), reg(insts.RBX, insts.W32)))
			Expect(e.Memory().Read32(dataBase)).To(Equal(uint32(42)))
		})

		It("should not write back for CMP and TEST", func() {
			Expect(e.Memory().Write64(dataBase, 7)).To(Succeed())
			execInst(e, insts.New(insts.OpCMP, insts.W64, mem(insts.W64, dataBase), imm(7, insts.W64)))
			Expect(regs.Flags.ZF).To(BeTrue())
			execInst(e, insts.New(insts.OpTEST, insts.W64, mem(insts.W64, dataBase), imm(8, insts.W64)))
			Expect(regs.Flags.ZF).To(BeTrue())
			Expect(e.Memory().Read64(dataBase)).To(Equal(uint64(7)))
		})

		It("should address through base, index and scale", func() {
			Expect(e.Memory().Write16(dataBase+0x10+3*4, 0xBEEF)).To(Succeed())
			regs.GPR[insts.RSI] = dataBase
			regs.GPR[insts.RCX] = 3
			src := insts.MemOp(insts.W16, insts.SIB(insts.RSI, insts.RCX, 4, 0x10))
			execInst(e, insts.New(insts.OpMOVZX, insts.W32, reg(insts.RAX, insts.W32), src))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0xBEEF)))
		})

		It("should fault on an unmapped address", func() {
			err := execErr(e, insts.New(insts.OpMOV, insts.W64, reg(insts.RAX, insts.W64), mem(insts.W64, 0x10)))
			Expect(errors.Is(err, emu.ErrInvalidAddress)).To(BeTrue())

			var pf *emu.PageFault
			Expect(errors.As(err, &pf)).To(BeTrue())
			Expect(pf.Addr).To(Equal(uint64(0x10)))
		})
	})

	Describe("Moves and extensions", func() {
		It("should round-trip MOVZX and MOVSX", func() {
			for _, v := range []uint64{0, 1, 0x7F, 0x80, 0xFF} {
				regs.GPR[insts.RBX] = v
				execInst(e, insts.New(insts.OpMOVZX, insts.W64, reg(insts.RAX, insts.W64), reg(insts.RBX, insts.W8)))
				Expect(regs.GPR[insts.RAX]).To(Equal(v))

				execInst(e, insts.New(insts.OpMOVSX, insts.W64, reg(insts.RCX, insts.W64), reg(insts.RBX, insts.W8)))
				Expect(uint8(regs.GPR[insts.RCX])).To(Equal(uint8(v)))
				Expect(int64(regs.GPR[insts.RCX])).To(Equal(int64(int8(v))))
			}
		})

		It("should sign-extend with MOVSXD", func() {
			regs.GPR[insts.RDX] = 0x80000000
			execInst(e, insts.New(insts.OpMOVSXD, insts.W64, reg(insts.RAX, insts.W64), reg(insts.RDX, insts.W32)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0xFFFFFFFF80000000)))
		})

		It("should widen with CDQE and CQO", func() {
			regs.GPR[insts.RAX] = 0xFFFFFFFE
			execInst(e, insts.New(insts.OpCXE, insts.W64))
			Expect(int64(regs.GPR[insts.RAX])).To(Equal(int64(-2)))
			execInst(e, insts.New(insts.OpCWD, insts.W64))
			Expect(regs.GPR[insts.RDX]).To(Equal(^uint64(0)))
		})

		It("should compute LEA without touching memory", func() {
			regs.GPR[insts.RBX] = 0x1000
			regs.GPR[insts.RCX] = 0x10
			src := insts.MemOp(insts.W64, insts.SIB(insts.RBX, insts.RCX, 8, -8))
			execInst(e, insts.New(insts.OpLEA, insts.W64, reg(insts.RAX, insts.W64), src))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0x1078)))
		})

		It("should resolve RIP-relative operands against the next instruction", func() {
			Expect(e.Memory().Write64(dataBase, 0x55)).To(Succeed())
			ref := insts.MemRef{Base: insts.RIP, Index: insts.RegNone, Scale: 1,
				Disp: int64(dataBase - (codeBase + 7)), AddrSize: insts.W64}
			inst := insts.New(insts.OpMOV, insts.W64, reg(insts.RAX, insts.W64), insts.MemOp(insts.W64, ref)).At(codeBase, 7)
			execInst(e, inst)
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0x55)))
		})

		It("should add the FS base to fs: operands", func() {
			regs.FSBase = dataBase
			Expect(e.Memory().Write64(dataBase+0x28, 0xC0FFEE)).To(Succeed())
			ref := insts.BaseDisp(insts.RegNone, 0x28)
			ref.Seg = insts.SegFS
			execInst(e, insts.New(insts.OpMOV, insts.W64, reg(insts.RAX, insts.W64), insts.MemOp(insts.W64, ref)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0xC0FFEE)))
		})
	})

	Describe("Exchange and compare", func() {
		It("should exchange a register with memory", func() {
			Expect(e.Memory().Write32(dataBase, 1)).To(Succeed())
			regs.GPR[insts.RAX] = 2
			execInst(e, insts.New(insts.OpXCHG, insts.W32, mem(insts.W32, dataBase), reg(insts.RAX, insts.W32)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(1)))
			Expect(e.Memory().Read32(dataBase)).To(Equal(uint32(2)))
		})

		It("should fetch and add with XADD", func() {
			Expect(e.Memory().Write64(dataBase, 10)).To(Succeed())
			regs.GPR[insts.RCX] = 5
			execInst(e, insts.New(insts.OpXADD, insts.W64, mem(insts.W64, dataBase), reg(insts.RCX, insts.W64)).WithPrefix(insts.PrefixLock))
			Expect(regs.GPR[insts.RCX]).To(Equal(uint64(10)))
			Expect(e.Memory().Read64(dataBase)).To(Equal(uint64(15)))
		})

		It("should leave the sum when XADD names one register twice", func() {
			regs.GPR[insts.RAX] = 5
			execInst(e, insts.New(insts.OpXADD, insts.W64, reg(insts.RAX, insts.W64), reg(insts.RAX, insts.W64)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(10)))
		})

		It("should swap and add two registers with XADD", func() {
			regs.GPR[insts.RAX] = 3
			regs.GPR[insts.RBX] = 4
			execInst(e, insts.New(insts.OpXADD, insts.W32, reg(insts.RAX, insts.W32), reg(insts.RBX, insts.W32)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(7)))
			Expect(regs.GPR[insts.RBX]).To(Equal(uint64(3)))
		})

		It("should store on a CMPXCHG match and load on a mismatch", func() {
			Expect(e.Memory().Write64(dataBase, 7)).To(Succeed())
			regs.GPR[insts.RAX] = 7
			regs.GPR[insts.RBX] = 9
			cmpxchg := func() *insts.Instruction {
				return insts.New(insts.OpCMPXCHG, insts.W64, mem(insts.W64, dataBase), reg(insts.RBX, insts.W64)).
					WithPrefix(insts.PrefixLock)
			}

			execInst(e, cmpxchg())
			Expect(regs.Flags.ZF).To(BeTrue())
			Expect(e.Memory().Read64(dataBase)).To(Equal(uint64(9)))

			regs.GPR[insts.RAX] = 7
			execInst(e, cmpxchg())
			Expect(regs.Flags.ZF).To(BeFalse())
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(9)))
		})

		It("should move on a true CMOV predicate only", func() {
			regs.GPR[insts.RAX] = 1
			regs.GPR[insts.RBX] = 2
			regs.Flags.ZF = false
			execInst(e, insts.New(insts.OpCMOV, insts.W64, reg(insts.RAX, insts.W64), reg(insts.RBX, insts.W64)).WithCond(insts.CondE))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(1)))

			regs.Flags.ZF = true
			execInst(e, insts.New(insts.OpCMOV, insts.W64, reg(insts.RAX, insts.W64), reg(insts.RBX, insts.W64)).WithCond(insts.CondE))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(2)))
		})

		It("should zero-extend a 32-bit CMOV even when the predicate is false", func() {
			regs.GPR[insts.RAX] = 0xFFFFFFFF_00000001
			execInst(e, insts.New(insts.OpCMOV, insts.W32, reg(insts.RAX, insts.W32), reg(insts.RBX, insts.W32)).WithCond(insts.CondO))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(1)))
		})

		It("should materialize a condition with SETcc", func() {
			regs.Flags.SF, regs.Flags.OF = true, false
			regs.GPR[insts.RCX] = 0xFF00
			execInst(e, insts.New(insts.OpSET, insts.W8, reg(insts.RCX, insts.W8)).WithCond(insts.CondL))
			Expect(regs.GPR[insts.RCX]).To(Equal(uint64(0xFF01)))
		})
	})

	Describe("Bit operations", func() {
		It("should test, reset and complement bits", func() {
			regs.GPR[insts.RAX] = 0b1010
			execInst(e, insts.New(insts.OpBT, insts.W32, reg(insts.RAX, insts.W32), imm(1, insts.W8)))
			Expect(regs.Flags.CF).To(BeTrue())
			execInst(e, insts.New(insts.OpBTR, insts.W32, reg(insts.RAX, insts.W32), imm(3, insts.W8)))
			Expect(regs.Flags.CF).To(BeTrue())
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0b0010)))
			execInst(e, insts.New(insts.OpBTC, insts.W32, reg(insts.RAX, insts.W32), imm(33, insts.W8)))
			Expect(regs.Flags.CF).To(BeTrue())
			Expect(regs.GPR[insts.RAX]).To(BeZero())
		})

		It("should scan for the lowest and highest set bits", func() {
			regs.GPR[insts.RBX] = 0x00F0
			execInst(e, insts.New(insts.OpBSF, insts.W64, reg(insts.RAX, insts.W64), reg(insts.RBX, insts.W64)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(4)))
			execInst(e, insts.New(insts.OpBSR, insts.W64, reg(insts.RAX, insts.W64), reg(insts.RBX, insts.W64)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(7)))
			Expect(regs.Flags.ZF).To(BeFalse())
		})

		It("should leave the BSF destination alone for a zero source", func() {
			regs.GPR[insts.RAX] = 99
			regs.GPR[insts.RBX] = 0
			execInst(e, insts.New(insts.OpBSF, insts.W64, reg(insts.RAX, insts.W64), reg(insts.RBX, insts.W64)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(99)))
			Expect(regs.Flags.ZF).To(BeTrue())
		})

		It("should count with TZCNT and POPCNT", func() {
			regs.GPR[insts.RBX] = 0
			execInst(e, insts.New(insts.OpTZCNT, insts.W32, reg(insts.RAX, insts.W32), reg(insts.RBX, insts.W32)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(32)))
			Expect(regs.Flags.CF).To(BeTrue())

			regs.GPR[insts.RBX] = 0xF0F0
			execInst(e, insts.New(insts.OpPOPCNT, insts.W64, reg(insts.RAX, insts.W64), reg(insts.RBX, insts.W64)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(8)))
		})
	})

	Describe("Shifts and rotates", func() {
		It("should leave flags alone for a zero count", func() {
			regs.Flags = emu.Flags{CF: true, ZF: true}
			regs.GPR[insts.RAX] = 5
			execInst(e, insts.New(insts.OpSHL, insts.W32, reg(insts.RAX, insts.W32), imm(32, insts.W8)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(5)))
			Expect(regs.Flags).To(Equal(emu.Flags{CF: true, ZF: true}))
		})

		It("should shift out into CF", func() {
			regs.GPR[insts.RAX] = 0x81
			execInst(e, insts.New(insts.OpSHL, insts.W8, reg(insts.RAX, insts.W8), imm(1, insts.W8)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0x02)))
			Expect(regs.Flags.CF).To(BeTrue())
			Expect(regs.Flags.OF).To(BeTrue())
		})

		It("should shift arithmetically with SAR", func() {
			regs.GPR[insts.RAX] = 0x80000000
			regs.GPR[insts.RCX] = 4
			execInst(e, insts.New(insts.OpSAR, insts.W32, reg(insts.RAX, insts.W32), reg(insts.RCX, insts.W8)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0xF8000000)))
		})

		It("should rotate and touch only CF and OF", func() {
			regs.Flags.ZF = true
			regs.GPR[insts.RAX] = 0x80
			execInst(e, insts.New(insts.OpROL, insts.W8, reg(insts.RAX, insts.W8), imm(1, insts.W8)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0x01)))
			Expect(regs.Flags.CF).To(BeTrue())
			Expect(regs.Flags.ZF).To(BeTrue())
		})

		It("should rotate through the carry flag with RCL", func() {
			regs.Flags.CF = true
			regs.Flags.ZF = true
			regs.GPR[insts.RAX] = 0x80
			execInst(e, insts.New(insts.OpRCL, insts.W8, reg(insts.RAX, insts.W8), imm(1, insts.W8)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0x01)))
			Expect(regs.Flags.CF).To(BeTrue())
			Expect(regs.Flags.OF).To(BeTrue())
			Expect(regs.Flags.ZF).To(BeTrue())
		})

		It("should rotate through the carry flag with RCR", func() {
			regs.GPR[insts.RAX] = 0x01
			execInst(e, insts.New(insts.OpRCR, insts.W8, reg(insts.RAX, insts.W8), imm(1, insts.W8)))
			Expect(regs.GPR[insts.RAX]).To(BeZero())
			Expect(regs.Flags.CF).To(BeTrue())
			Expect(regs.Flags.OF).To(BeFalse())

			execInst(e, insts.New(insts.OpRCR, insts.W8, reg(insts.RAX, insts.W8), imm(1, insts.W8)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0x80)))
			Expect(regs.Flags.CF).To(BeFalse())
			Expect(regs.Flags.OF).To(BeTrue())
		})

		It("should reduce 8-bit RCL counts modulo 9", func() {
			regs.GPR[insts.RAX] = 0x5A
			regs.GPR[insts.RCX] = 9
			execInst(e, insts.New(insts.OpRCL, insts.W8, reg(insts.RAX, insts.W8), reg(insts.RCX, insts.W8)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0x5A)))
			Expect(regs.Flags.CF).To(BeFalse())
		})

		It("should carry across the full width of a 64-bit RCR", func() {
			regs.Flags.CF = true
			regs.GPR[insts.RAX] = 0x3
			execInst(e, insts.New(insts.OpRCR, insts.W64, reg(insts.RAX, insts.W64), imm(2, insts.W8)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0xC000000000000000)))
			Expect(regs.Flags.CF).To(BeTrue())
		})

		It("should shift a double word with SHLD", func() {
			regs.GPR[insts.RAX] = 0x0000FFFF
			regs.GPR[insts.RBX] = 0xF0000000
			execInst(e, insts.New(insts.OpSHLD, insts.W32,
				reg(insts.RAX, insts.W32), reg(insts.RBX, insts.W32), imm(4, insts.W8)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(0x000FFFFF)))
		})
	})

	Describe("LOCK validation", func() {
		It("should reject LOCK on a register destination", func() {
			err := execErr(e, insts.New(insts.OpADD, insts.W64, reg(insts.RAX, insts.W64), imm(1, insts.W64)).
				WithPrefix(insts.PrefixLock))
			Expect(errors.Is(err, emu.ErrIllegalInstruction)).To(BeTrue())
		})

		It("should reject LOCK on MOV", func() {
			err := execErr(e, insts.New(insts.OpMOV, insts.W64, mem(insts.W64, dataBase), imm(1, insts.W64)).
				WithPrefix(insts.PrefixLock))
			Expect(errors.Is(err, emu.ErrIllegalInstruction)).To(BeTrue())
		})
	})
})
