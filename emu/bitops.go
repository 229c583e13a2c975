// Package emu provides functional AMD64 emulation.
package emu

import (
	"math/bits"

	"github.com/sarchlab/amd64sim/insts"
)

// execBitTest performs BT, BTS, BTR and BTC. The bit offset is masked to
// the operand width; CF receives the selected bit before modification.
func (x *Executor) execBitTest(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	off, err := b.Operand(1).Read(w)
	if err != nil {
		return err
	}
	bit := uint64(1) << (off & uint64(w-1))

	compute := func(a uint64) (uint64, FlagResult) {
		var f FlagResult
		f.Set(MaskCF, a&bit != 0)
		switch inst.Op {
		case insts.OpBTS:
			a |= bit
		case insts.OpBTR:
			a &^= bit
		case insts.OpBTC:
			a ^= bit
		}
		return a, f
	}

	dst := b.Operand(0)
	if inst.Locked() {
		_, err := x.lockedRMW(dst, w, compute)
		return err
	}

	a, err := dst.Read(w)
	if err != nil {
		return err
	}
	r, f := compute(a)
	if inst.Op != insts.OpBT {
		if err := dst.Write(w, r); err != nil {
			return err
		}
	}
	f.Apply(&x.regs.Flags)
	return nil
}

// execBitScan performs BSF and BSR. A zero source sets ZF and leaves the
// destination unchanged.
func (x *Executor) execBitScan(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	src, err := b.Operand(1).Read(w)
	if err != nil {
		return err
	}

	var f FlagResult
	if src == 0 {
		f.Set(MaskZF, true)
		f.Apply(&x.regs.Flags)
		return nil
	}

	idx := uint64(bits.TrailingZeros64(src))
	if inst.Op == insts.OpBSR {
		idx = uint64(63 - bits.LeadingZeros64(src))
	}
	if err := b.Operand(0).Write(w, idx); err != nil {
		return err
	}
	f.Set(MaskZF, false)
	f.Apply(&x.regs.Flags)
	return nil
}

// execTzcnt performs TZCNT. A zero source yields the operand width and
// sets CF.
func (x *Executor) execTzcnt(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	src, err := b.Operand(1).Read(w)
	if err != nil {
		return err
	}

	n := uint64(w)
	if src != 0 {
		n = uint64(bits.TrailingZeros64(src))
	}
	if err := b.Operand(0).Write(w, n); err != nil {
		return err
	}

	var f FlagResult
	f.Set(MaskCF, src == 0)
	f.Set(MaskZF, n == 0)
	f.Apply(&x.regs.Flags)
	return nil
}

// execPopcnt performs POPCNT. ZF reports a zero source; OF, SF, AF, CF
// and PF are cleared.
func (x *Executor) execPopcnt(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	src, err := b.Operand(1).Read(w)
	if err != nil {
		return err
	}
	if err := b.Operand(0).Write(w, uint64(bits.OnesCount64(src))); err != nil {
		return err
	}

	var f FlagResult
	f.Set(MaskOF, false)
	f.Set(MaskSF, false)
	f.Set(MaskAF, false)
	f.Set(MaskCF, false)
	f.Set(MaskPF, false)
	f.Set(MaskZF, src == 0)
	f.Apply(&x.regs.Flags)
	return nil
}
