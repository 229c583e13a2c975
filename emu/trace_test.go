package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/amd64sim/emu"
	"github.com/sarchlab/amd64sim/insts"
)

var _ = Describe("TraceRegistry", func() {
	var (
		m *emu.Memory
		r *emu.TraceRegistry
	)

	// mov eax, 1; add eax, 2; jne start; ud2
	code := []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0x83, 0xC0, 0x02, 0x75, 0xF6, 0x0F, 0x0B}

	BeforeEach(func() {
		m = emu.NewMemory()
		DeferCleanup(m.Close)
		Expect(m.Map(codeBase, emu.PageSize, emu.ProtRX)).To(Succeed())
		Expect(m.LoadBytes(codeBase, code)).To(Succeed())
		r = emu.NewTraceRegistry(nil, nil)
	})

	It("should decode a block up to the first control transfer", func() {
		b, err := r.Discover(m, codeBase)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Start).To(Equal(codeBase))
		Expect(b.End).To(Equal(codeBase + 10))
		Expect(b.Insts).To(HaveLen(3))
		Expect(b.Insts[2].Op).To(Equal(insts.OpJCC))
		Expect(b.Succs).To(ConsistOf(codeBase, codeBase+10))
	})

	It("should return the same instruction for repeated fetches", func() {
		a, err := r.Instruction(m, codeBase+5)
		Expect(err).NotTo(HaveOccurred())
		b, err := r.Instruction(m, codeBase+5)
		Expect(err).NotTo(HaveOccurred())
		Expect(a).To(BeIdenticalTo(b))
		Expect(r.Len()).To(Equal(1))
	})

	It("should serve instructions inside a known block without a new block", func() {
		_, err := r.Discover(m, codeBase)
		Expect(err).NotTo(HaveOccurred())
		inst, err := r.Instruction(m, codeBase+5)
		Expect(err).NotTo(HaveOccurred())
		Expect(inst.Op).To(Equal(insts.OpADD))
		Expect(r.Len()).To(Equal(1))
	})

	It("should end a block before undecodable bytes", func() {
		// nop; mov eax, imm32 cut off by the end of executable memory
		Expect(m.LoadBytes(codeBase+0xFFE, []byte{0x90, 0xB8})).To(Succeed())
		b, err := r.Discover(m, codeBase+0xFFE)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Insts).To(HaveLen(1))

		_, err = r.Discover(m, codeBase+0xFFF)
		Expect(err).To(HaveOccurred())
	})

	It("should fail to fetch from non-executable memory", func() {
		Expect(m.Map(dataBase, emu.PageSize, emu.ProtRW)).To(Succeed())
		_, err := r.Instruction(m, dataBase)
		Expect(err).To(MatchError(emu.ErrInvalidAddress))
	})

	It("should keep CALL inside a block in nested mode", func() {
		Expect(m.LoadBytes(codeBase+0x200, []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0xC3})).To(Succeed())

		b, err := r.Discover(m, codeBase+0x200)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Insts).To(HaveLen(1))

		nested := emu.NewTraceRegistry(nestedConfig(), nil)
		b, err = nested.Discover(m, codeBase+0x200)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Insts).To(HaveLen(2))
	})

	It("should drop every block on an invalidated page", func() {
		_, err := r.Discover(m, codeBase)
		Expect(err).NotTo(HaveOccurred())
		_, err = r.Discover(m, codeBase+5)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Covers(codeBase + 0x800)).To(BeTrue())
		Expect(r.Covers(dataBase)).To(BeFalse())

		Expect(r.Invalidate(codeBase + 1)).To(Equal(2))
		Expect(r.Len()).To(BeZero())
		Expect(r.Covers(codeBase)).To(BeFalse())
		_, ok := r.Lookup(codeBase)
		Expect(ok).To(BeFalse())
		Expect(r.Invalidate(codeBase)).To(BeZero())
	})

	It("should re-decode code that the guest rewrote", func() {
		e := newEmulator()
		// mov byte [rip+1], 0x07; mov al, 0x05 (immediate patched to 7)
		prog := []byte{0xC6, 0x05, 0x01, 0x00, 0x00, 0x00, 0x07, 0xB0, 0x05}
		runCode(e, prog...)
		Expect(e.RegFile().GPR[insts.RAX] & 0xFF).To(Equal(uint64(7)))
	})
})
