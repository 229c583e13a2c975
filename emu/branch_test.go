package emu_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/amd64sim/emu"
	"github.com/sarchlab/amd64sim/insts"
)

// callProgram calls a function that sets EAX=42, then sets EBX=7.
var callProgram = []byte{
	0xE8, 0x07, 0x00, 0x00, 0x00, // call f
	0xBB, 0x07, 0x00, 0x00, 0x00, // mov ebx, 7
	0xEB, 0x06, // jmp end
	0xB8, 0x2A, 0x00, 0x00, 0x00, // f: mov eax, 42
	0xC3, // ret
}

// skipProgram calls a function that bumps its return address past
// "mov eax, 1" before returning.
var skipProgram = []byte{
	0xE8, 0x0C, 0x00, 0x00, 0x00, // call f
	0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
	0xBB, 0x02, 0x00, 0x00, 0x00, // mov ebx, 2
	0xEB, 0x06, // jmp end
	0x48, 0x83, 0x04, 0x24, 0x05, // f: add qword [rsp], 5
	0xC3, // ret
}

func nestedConfig() *emu.Config {
	cfg := emu.DefaultConfig()
	cfg.StackSize = 64 << 10
	cfg.CallMode = emu.CallNested
	return cfg
}

var _ = Describe("Branches", func() {
	var (
		e    *emu.Emulator
		regs *emu.RegFile
	)

	BeforeEach(func() {
		e = newEmulator()
		regs = e.RegFile()
	})

	Describe("Jcc", func() {
		It("should branch when the condition holds", func() {
			regs.Flags.ZF = true
			t := execInst(e, insts.New(insts.OpJCC, insts.W64, insts.RelOp(0x20)).WithCond(insts.CondE).At(codeBase, 2))
			Expect(t).To(Equal(emu.Completed(codeBase + 0x22)))
		})

		It("should fall through otherwise", func() {
			t := execInst(e, insts.New(insts.OpJCC, insts.W64, insts.RelOp(-2)).WithCond(insts.CondE).At(codeBase, 2))
			Expect(t.PC).To(Equal(codeBase + 2))
		})

		It("should loop a decoded countdown", func() {
			// mov ecx, 10; xor eax, eax; add eax, 3; dec ecx; jnz -7
			runCode(e, 0xB9, 0x0A, 0x00, 0x00, 0x00, 0x31, 0xC0, 0x83, 0xC0, 0x03, 0xFF, 0xC9, 0x75, 0xF9)
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(30)))
			Expect(e.InstructionCount()).To(Equal(uint64(2 + 10*3)))
		})
	})

	Describe("JRCXZ", func() {
		jrcxz := func() *insts.Instruction {
			return insts.New(insts.OpJRCXZ, insts.W64, insts.RelOp(0x10)).At(codeBase, 2)
		}

		It("should test RCX by default", func() {
			regs.GPR[insts.RAX] = 0
			regs.GPR[insts.RCX] = 1
			Expect(execInst(e, jrcxz()).PC).To(Equal(codeBase + 2))
			regs.GPR[insts.RCX] = 0
			Expect(execInst(e, jrcxz()).PC).To(Equal(codeBase + 0x12))
		})

		It("should test RAX when configured", func() {
			cfg := emu.DefaultConfig()
			cfg.StackSize = 64 << 10
			cfg.JRCXZRegister = "rax"
			e = newEmulator(emu.WithConfig(cfg))
			regs = e.RegFile()

			regs.GPR[insts.RCX] = 0
			regs.GPR[insts.RAX] = 5
			Expect(execInst(e, jrcxz()).PC).To(Equal(codeBase + 2))
			regs.GPR[insts.RAX] = 0
			Expect(execInst(e, jrcxz()).PC).To(Equal(codeBase + 0x12))
		})

		It("should only test ECX at 32 bits", func() {
			regs.GPR[insts.RCX] = 1 << 32
			inst := insts.New(insts.OpJRCXZ, insts.W32, insts.RelOp(0x10)).At(codeBase, 3)
			Expect(execInst(e, inst).PC).To(Equal(codeBase + 0x13))
		})
	})

	Describe("JMP", func() {
		It("should jump through a register", func() {
			regs.GPR[insts.RAX] = 0x401234
			t := execInst(e, insts.New(insts.OpJMP, insts.W64, reg(insts.RAX, insts.W64)))
			Expect(t.PC).To(Equal(uint64(0x401234)))
		})

		It("should jump through memory", func() {
			Expect(e.Memory().Write64(dataBase, 0x405000)).To(Succeed())
			t := execInst(e, insts.New(insts.OpJMP, insts.W64, mem(insts.W64, dataBase)))
			Expect(t.PC).To(Equal(uint64(0x405000)))
		})
	})

	Describe("CALL and RET", func() {
		It("should push the return address and pop it back", func() {
			sp := regs.GPR[insts.RSP]
			t := execInst(e, insts.New(insts.OpCALL, insts.W64, insts.RelOp(0x100)).At(codeBase, 5))
			Expect(t.PC).To(Equal(codeBase + 0x105))
			Expect(regs.GPR[insts.RSP]).To(Equal(sp - 8))
			Expect(e.Memory().Read64(sp - 8)).To(Equal(codeBase + 5))

			t = execInst(e, insts.New(insts.OpRET, insts.W64).At(codeBase+0x105, 1))
			Expect(t.PC).To(Equal(codeBase + 5))
			Expect(regs.GPR[insts.RSP]).To(Equal(sp))
		})

		It("should release extra stack on RET imm16", func() {
			sp := regs.GPR[insts.RSP]
			Expect(e.Memory().Write64(sp-8, 0x401000)).To(Succeed())
			regs.GPR[insts.RSP] = sp - 8
			t := execInst(e, insts.New(insts.OpRET, insts.W64, imm(16, insts.W16)))
			Expect(t.PC).To(Equal(uint64(0x401000)))
			Expect(regs.GPR[insts.RSP]).To(Equal(sp + 16))
		})

		It("should run a decoded call in interpret mode", func() {
			runCode(e, callProgram...)
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(42)))
			Expect(regs.GPR[insts.RBX]).To(Equal(uint64(7)))
			Expect(e.Executor().Stats().NestedCalls).To(BeZero())
		})

		It("should end a block at CALL only in interpret mode", func() {
			call := insts.New(insts.OpCALL, insts.W64, insts.RelOp(0))
			Expect(emu.IsControlFlow(call, emu.DefaultConfig())).To(BeTrue())
			Expect(emu.IsControlFlow(call, nestedConfig())).To(BeFalse())
			Expect(emu.IsControlFlow(insts.New(insts.OpRET, insts.W64), nestedConfig())).To(BeTrue())
			Expect(emu.IsControlFlow(insts.New(insts.OpADD, insts.W64), nil)).To(BeFalse())
		})
	})

	Describe("Nested calls", func() {
		BeforeEach(func() {
			e = newEmulator(emu.WithConfig(nestedConfig()))
			regs = e.RegFile()
		})

		It("should run the callee to completion inside CALL", func() {
			Expect(e.LoadProgram(codeBase, callProgram)).To(Succeed())
			r := e.Step()
			Expect(r.Err).NotTo(HaveOccurred())
			Expect(r.Transfer).To(Equal(emu.Completed(codeBase + 5)))
			Expect(regs.GPR[insts.RAX]).To(Equal(uint64(42)))
			Expect(e.Executor().Stats().NestedCalls).To(Equal(uint64(1)))

			Expect(e.Step().Err).NotTo(HaveOccurred())
			Expect(e.Step().Err).NotTo(HaveOccurred())
			Expect(regs.RIP).To(Equal(codeBase + uint64(len(callProgram))))
			Expect(regs.GPR[insts.RBX]).To(Equal(uint64(7)))
		})

		It("should report a return to an unexpected address as non-local", func() {
			Expect(e.LoadProgram(codeBase, skipProgram)).To(Succeed())
			r := e.Step()
			Expect(r.Err).NotTo(HaveOccurred())
			Expect(r.Transfer.Kind).To(Equal(emu.TransferNonLocal))
			Expect(regs.RIP).To(Equal(codeBase + 10))

			e.Step()
			Expect(regs.GPR[insts.RAX]).To(BeZero())
			Expect(regs.GPR[insts.RBX]).To(Equal(uint64(2)))
		})

		It("should pass an exit from the callee through", func() {
			Expect(e.LoadProgram(codeBase, []byte{
				0xE8, 0x00, 0x00, 0x00, 0x00, // call next
				0xB8, 0x3C, 0x00, 0x00, 0x00, // mov eax, 60
				0xBF, 0x09, 0x00, 0x00, 0x00, // mov edi, 9
				0x0F, 0x05, // syscall
			})).To(Succeed())
			r := e.Step()
			Expect(r.Exited).To(BeTrue())
			Expect(r.ExitCode).To(Equal(int64(9)))
		})

		It("should stop runaway recursion", func() {
			cfg := nestedConfig()
			cfg.MaxNestingDepth = 4
			e = newEmulator(emu.WithConfig(cfg))

			Expect(e.LoadProgram(codeBase, []byte{0xE8, 0xFB, 0xFF, 0xFF, 0xFF})).To(Succeed()) // call self
			r := e.Step()
			Expect(errors.Is(r.Err, emu.ErrNestingTooDeep)).To(BeTrue())
			Expect(e.Executor().Stats().NestedCalls).To(Equal(uint64(4)))
		})
	})

	Describe("BranchTargets", func() {
		It("should list both successors of a conditional branch", func() {
			jcc := insts.New(insts.OpJCC, insts.W64, insts.RelOp(0x10)).WithCond(insts.CondNE).At(codeBase, 2)
			Expect(emu.BranchTargets(jcc)).To(ConsistOf(codeBase+0x12, codeBase+2))
		})

		It("should list the target of a direct jump or call", func() {
			jmp := insts.New(insts.OpJMP, insts.W64, insts.RelOp(-2)).At(codeBase, 2)
			Expect(emu.BranchTargets(jmp)).To(Equal([]uint64{codeBase}))
		})

		It("should list nothing for indirect transfers", func() {
			Expect(emu.BranchTargets(insts.New(insts.OpJMP, insts.W64, reg(insts.RAX, insts.W64)))).To(BeEmpty())
			Expect(emu.BranchTargets(insts.New(insts.OpRET, insts.W64))).To(BeEmpty())
		})
	})
})
