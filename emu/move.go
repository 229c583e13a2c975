// Package emu provides functional AMD64 emulation.
package emu

import "github.com/sarchlab/amd64sim/insts"

// execMov performs MOV: dst = src.
func (x *Executor) execMov(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	v, err := b.Operand(1).Read(w)
	if err != nil {
		return err
	}
	return b.Operand(0).Write(w, v)
}

// execMovzx performs MOVZX: dst = zero-extended src.
func (x *Executor) execMovzx(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	v, err := b.Operand(1).Read(inst.Operand(1).Width)
	if err != nil {
		return err
	}
	return b.Operand(0).Write(w, v)
}

// execMovsx performs MOVSX and MOVSXD: dst = sign-extended src.
func (x *Executor) execMovsx(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	sw := inst.Operand(1).Width
	v, err := b.Operand(1).Read(sw)
	if err != nil {
		return err
	}
	return b.Operand(0).Write(w, signExtend(v, sw))
}

// execCxe performs CBW, CWDE and CDQE: rAX = sign-extended lower half.
func (x *Executor) execCxe(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	half := w / 2
	v := x.regs.Read(insts.RAX, half, false)
	x.regs.Write(insts.RAX, w, false, signExtend(v, half))
	return nil
}

// execCwd performs CWD, CDQ and CQO: rDX = sign of rAX.
func (x *Executor) execCwd(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	var v uint64
	if signBit(w, x.regs.Read(insts.RAX, w, false)) {
		v = w.Mask()
	}
	x.regs.Write(insts.RDX, w, false, v)
	return nil
}

// execLea performs LEA: dst = effective address, truncated to the operand
// width.
func (x *Executor) execLea(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	mem, ok := b.Operand(1).(*memAccessor)
	if !ok {
		return illegal(inst, "lea source must be memory")
	}
	return b.Operand(0).Write(w, mem.Address())
}

// execXchg performs XCHG. A memory operand makes it implicitly locked.
func (x *Executor) execXchg(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}

	a, c := b.Operand(0), b.Operand(1)
	if inst.Operand(1).IsMem() {
		a, c = c, a
	}

	if inst.Operand(0).IsMem() || inst.Operand(1).IsMem() {
		rv, err := c.Read(w)
		if err != nil {
			return err
		}
		old, err := x.lockedRMW(a, w, func(uint64) (uint64, FlagResult) {
			return rv, FlagResult{}
		})
		if err != nil {
			return err
		}
		return c.Write(w, old)
	}

	av, err := a.Read(w)
	if err != nil {
		return err
	}
	cv, err := c.Read(w)
	if err != nil {
		return err
	}
	if err := a.Write(w, cv); err != nil {
		return err
	}
	return c.Write(w, av)
}

// execXadd performs XADD: tmp = dst + src; src = dst; dst = tmp. The
// source is written first so that XADD of a register with itself leaves
// the sum.
func (x *Executor) execXadd(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	dst, src := b.Operand(0), b.Operand(1)
	sv, err := src.Read(w)
	if err != nil {
		return err
	}

	compute := func(a uint64) (uint64, FlagResult) {
		return AddFlags(w, a, sv)
	}

	if inst.Locked() {
		old, err := x.lockedRMW(dst, w, compute)
		if err != nil {
			return err
		}
		return src.Write(w, old)
	}

	old, err := dst.Read(w)
	if err != nil {
		return err
	}
	r, f := compute(old)
	if err := src.Write(w, old); err != nil {
		return err
	}
	if err := dst.Write(w, r); err != nil {
		return err
	}
	f.Apply(&x.regs.Flags)
	return nil
}

// execCmpxchg performs CMPXCHG. If rAX equals dst, ZF is set and src is
// stored; otherwise dst is rewritten with its own value and loaded into
// rAX. Flags are those of CMP rAX, dst.
func (x *Executor) execCmpxchg(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	dst := b.Operand(0)
	sv, err := b.Operand(1).Read(w)
	if err != nil {
		return err
	}
	acc := x.regs.Read(insts.RAX, w, false)

	compute := func(cur uint64) (uint64, FlagResult) {
		_, f := SubFlags(w, acc, cur)
		if cur == acc {
			return sv, f
		}
		return cur, f
	}

	var cur uint64
	if inst.Locked() {
		if cur, err = x.lockedRMW(dst, w, compute); err != nil {
			return err
		}
	} else {
		if cur, err = dst.Read(w); err != nil {
			return err
		}
		r, f := compute(cur)
		if err := dst.Write(w, r); err != nil {
			return err
		}
		f.Apply(&x.regs.Flags)
	}

	if cur != acc {
		x.regs.Write(insts.RAX, w, false, cur)
	}
	return nil
}

// execCmov performs CMOVcc. The source is always read. A false predicate
// rewrites the destination with its own value.
func (x *Executor) execCmov(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	dst := b.Operand(0)
	v, err := b.Operand(1).Read(w)
	if err != nil {
		return err
	}
	if !Condition(inst.Cond, &x.regs.Flags) {
		if v, err = dst.Read(w); err != nil {
			return err
		}
	}
	return dst.Write(w, v)
}

// execSet performs SETcc: dst8 = predicate ? 1 : 0.
func (x *Executor) execSet(inst *insts.Instruction, b *Binding) error {
	var v uint64
	if Condition(inst.Cond, &x.regs.Flags) {
		v = 1
	}
	return b.Operand(0).Write(insts.W8, v)
}
