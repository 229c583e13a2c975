// Package emu provides functional AMD64 emulation.
package emu

import "github.com/sarchlab/amd64sim/insts"

// binaryOp computes one two-operand ALU operation. It reports whether the
// result is written back (CMP and TEST only set flags).
func binaryOp(op insts.Op, w insts.Width, a, b uint64, cf bool) (uint64, FlagResult, bool) {
	switch op {
	case insts.OpADD:
		r, f := AddFlags(w, a, b)
		return r, f, true
	case insts.OpADC:
		r, f := AddCarryFlags(w, a, b, cf)
		return r, f, true
	case insts.OpSUB:
		r, f := SubFlags(w, a, b)
		return r, f, true
	case insts.OpSBB:
		r, f := SubBorrowFlags(w, a, b, cf)
		return r, f, true
	case insts.OpCMP:
		r, f := SubFlags(w, a, b)
		return r, f, false
	case insts.OpAND:
		r := a & b & w.Mask()
		return r, LogicFlags(w, r), true
	case insts.OpOR:
		r := (a | b) & w.Mask()
		return r, LogicFlags(w, r), true
	case insts.OpXOR:
		r := (a ^ b) & w.Mask()
		return r, LogicFlags(w, r), true
	case insts.OpTEST:
		r := a & b & w.Mask()
		return r, LogicFlags(w, r), false
	}
	return 0, FlagResult{}, false
}

// execBinary performs ADD, ADC, SUB, SBB, CMP, AND, OR, XOR and TEST:
// dst = dst op src.
func (x *Executor) execBinary(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}

	dst, src := b.Operand(0), b.Operand(1)
	sv, err := src.Read(w)
	if err != nil {
		return err
	}

	cf := x.regs.Flags.CF
	compute := func(a uint64) (uint64, FlagResult) {
		r, f, _ := binaryOp(inst.Op, w, a, sv, cf)
		return r, f
	}

	if inst.Locked() {
		_, err := x.lockedRMW(dst, w, compute)
		return err
	}

	dv, err := dst.Read(w)
	if err != nil {
		return err
	}
	r, f, writeBack := binaryOp(inst.Op, w, dv, sv, cf)
	if writeBack {
		if err := dst.Write(w, r); err != nil {
			return err
		}
	}
	f.Apply(&x.regs.Flags)
	return nil
}

func unaryOp(op insts.Op, w insts.Width, a uint64) (uint64, FlagResult) {
	switch op {
	case insts.OpINC:
		return IncFlags(w, a)
	case insts.OpDEC:
		return DecFlags(w, a)
	case insts.OpNEG:
		return NegFlags(w, a)
	default: // NOT
		return ^a & w.Mask(), FlagResult{}
	}
}

// execUnary performs INC, DEC, NEG and NOT in place.
func (x *Executor) execUnary(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}

	dst := b.Operand(0)
	compute := func(a uint64) (uint64, FlagResult) {
		return unaryOp(inst.Op, w, a)
	}

	if inst.Locked() {
		_, err := x.lockedRMW(dst, w, compute)
		return err
	}

	a, err := dst.Read(w)
	if err != nil {
		return err
	}
	r, f := compute(a)
	if err := dst.Write(w, r); err != nil {
		return err
	}
	f.Apply(&x.regs.Flags)
	return nil
}
