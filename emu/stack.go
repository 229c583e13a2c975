// Package emu provides functional AMD64 emulation.
package emu

import "github.com/sarchlab/amd64sim/insts"

// stackWidth is the push/pop size: 64-bit unless overridden to 16.
func stackWidth(inst *insts.Instruction) insts.Width {
	if inst.Width == insts.W16 {
		return insts.W16
	}
	return insts.W64
}

// execPush performs PUSH. The source is read before RSP moves, so PUSH RSP
// stores the old value.
func (x *Executor) execPush(inst *insts.Instruction, b *Binding) error {
	w := stackWidth(inst)
	v, err := b.Operand(0).Read(w)
	if err != nil {
		return err
	}
	return x.push(w, v)
}

// execPop performs POP. RSP is incremented before the destination is
// written, so POP RSP keeps the loaded value.
func (x *Executor) execPop(inst *insts.Instruction, b *Binding) error {
	w := stackWidth(inst)
	v, err := x.pop(w)
	if err != nil {
		return err
	}
	return b.Operand(0).Write(w, v)
}

// execPushf performs PUSHF/PUSHFQ.
func (x *Executor) execPushf(inst *insts.Instruction, b *Binding) error {
	return x.push(stackWidth(inst), x.regs.Flags.Word())
}

// execPopf performs POPF/POPFQ. The 16-bit form keeps the upper flag bits.
func (x *Executor) execPopf(inst *insts.Instruction, b *Binding) error {
	w := stackWidth(inst)
	v, err := x.pop(w)
	if err != nil {
		return err
	}
	if w == insts.W16 {
		v = x.regs.Flags.Word()&^0xFFFF | v
	}
	x.regs.Flags.SetWord(v)
	return nil
}

// execLeave performs LEAVE: RSP = RBP; RBP = pop.
func (x *Executor) execLeave(inst *insts.Instruction, b *Binding) error {
	x.regs.GPR[insts.RSP] = x.regs.GPR[insts.RBP]
	v, err := x.pop(insts.W64)
	if err != nil {
		return err
	}
	x.regs.GPR[insts.RBP] = v
	return nil
}

const lahfMask = 1<<FlagBitSF | 1<<FlagBitZF | 1<<FlagBitAF | 1<<FlagBitPF | 1<<FlagBitCF

// execLahf performs LAHF: AH = SF:ZF:0:AF:0:PF:1:CF.
func (x *Executor) execLahf(inst *insts.Instruction, b *Binding) error {
	ah := x.regs.Flags.Word()&lahfMask | rflagsFixed
	x.regs.Write(insts.RAX, insts.W8, true, ah)
	return nil
}

// execSahf performs SAHF: load SF, ZF, AF, PF and CF from AH.
func (x *Executor) execSahf(inst *insts.Instruction, b *Binding) error {
	ah := x.regs.Read(insts.RAX, insts.W8, true)
	for _, bit := range []uint{FlagBitSF, FlagBitZF, FlagBitAF, FlagBitPF, FlagBitCF} {
		x.regs.Flags.Set(bit, ah&(1<<bit) != 0)
	}
	return nil
}
