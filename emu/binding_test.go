package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/amd64sim/emu"
	"github.com/sarchlab/amd64sim/insts"
)

var _ = Describe("Operand bindings", func() {
	var (
		e    *emu.Emulator
		regs *emu.RegFile
	)

	BeforeEach(func() {
		e = newEmulator()
		regs = e.RegFile()
	})

	It("should bind lazily on first execution and reuse the binding", func() {
		inst := insts.New(insts.OpADD, insts.W64, reg(insts.RAX, insts.W64), imm(1, insts.W8)).At(codeBase, 4)
		Expect(e.Executor().BindingOf(inst)).To(BeNil())

		execInst(e, inst)
		b := e.Executor().BindingOf(inst)
		Expect(b).NotTo(BeNil())
		Expect(b.State()).To(Equal(emu.BindBound))
		Expect(b.Len()).To(Equal(2))

		execInst(e, inst)
		Expect(e.Executor().BindingOf(inst)).To(BeIdenticalTo(b))
		Expect(regs.GPR[insts.RAX]).To(Equal(uint64(2)))
		Expect(e.Executor().Stats().Rebinds).To(BeZero())
	})

	It("should rebind after the instruction is respecialized", func() {
		inst := insts.New(insts.OpMOV, insts.W64, reg(insts.RAX, insts.W64), reg(insts.RBX, insts.W64)).At(codeBase, 3)
		regs.GPR[insts.RBX] = 11
		regs.GPR[insts.RCX] = 22

		execInst(e, inst)
		Expect(regs.GPR[insts.RAX]).To(Equal(uint64(11)))
		gen := e.Executor().BindingOf(inst).Generation()

		inst.Respecialize([]insts.Operand{reg(insts.RAX, insts.W64), reg(insts.RCX, insts.W64)})
		execInst(e, inst)

		Expect(regs.GPR[insts.RAX]).To(Equal(uint64(22)))
		Expect(e.Executor().BindingOf(inst).Generation()).To(Equal(gen + 1))
		Expect(e.Executor().Stats().Rebinds).To(Equal(uint64(1)))
	})

	It("should turn a register operand into a memory operand on respecialization", func() {
		inst := insts.New(insts.OpINC, insts.W32, reg(insts.RDX, insts.W32)).At(codeBase, 2)
		execInst(e, inst)
		Expect(regs.GPR[insts.RDX]).To(Equal(uint64(1)))

		inst.Respecialize([]insts.Operand{mem(insts.W32, dataBase)})
		execInst(e, inst)
		execInst(e, inst)
		Expect(e.Memory().Read32(dataBase)).To(Equal(uint32(2)))
		Expect(regs.GPR[insts.RDX]).To(Equal(uint64(1)))
	})

	It("should keep bindings per executor", func() {
		other := newEmulator()
		inst := insts.New(insts.OpMOV, insts.W64, reg(insts.RAX, insts.W64), imm(5, insts.W32)).At(codeBase, 7)
		execInst(e, inst)
		execInst(other, inst)
		Expect(e.Executor().BindingOf(inst)).NotTo(BeIdenticalTo(other.Executor().BindingOf(inst)))
		Expect(other.RegFile().GPR[insts.RAX]).To(Equal(uint64(5)))
	})

	It("should name its states", func() {
		Expect(emu.BindUnbound.String()).To(Equal("unbound"))
		Expect(emu.BindBound.String()).To(Equal("bound"))
	})
})
