// Package emu provides functional AMD64 emulation.
package emu

import "github.com/sarchlab/amd64sim/insts"

// shiftCountMask returns the hardware count mask for width w.
func shiftCountMask(w insts.Width) uint64 {
	if w == insts.W64 {
		return 0x3F
	}
	return 0x1F
}

func bitOf(v uint64, n uint) bool {
	return n < 64 && (v>>n)&1 != 0
}

// ShiftFlags computes SHL/SHR/SAR/ROL/ROR of a by the masked count c. Flags
// are only written when c is non-zero and OF only when c is one. Rotates
// write CF and OF alone.
func ShiftFlags(op insts.Op, w insts.Width, a, c uint64) (uint64, FlagResult) {
	m := w.Mask()
	a &= m
	if c == 0 {
		return a, FlagResult{}
	}

	n := uint(w)
	var r uint64
	var f FlagResult

	switch op {
	case insts.OpSHL:
		if c < 64 {
			r = (a << c) & m
		}
		cf := c <= uint64(n) && bitOf(a, n-uint(c))
		f = ResultFlags(w, r)
		f.Set(MaskCF, cf)
		if c == 1 {
			f.Set(MaskOF, signBit(w, r) != cf)
		}

	case insts.OpSHR:
		if c < 64 {
			r = a >> c
		}
		f = ResultFlags(w, r)
		f.Set(MaskCF, bitOf(a, uint(c)-1))
		if c == 1 {
			f.Set(MaskOF, signBit(w, a))
		}

	case insts.OpSAR:
		s := int64(signExtend(a, w))
		sc := c
		if sc > 63 {
			sc = 63
		}
		r = uint64(s>>sc) & m
		f = ResultFlags(w, r)
		f.Set(MaskCF, (s>>(sc-1))&1 != 0)
		if c == 1 {
			f.Set(MaskOF, false)
		}

	case insts.OpROL:
		k := uint(c % uint64(n))
		r = (a<<k | a>>(n-k)) & m
		if k == 0 {
			r = a
		}
		cf := r&1 != 0
		f.Set(MaskCF, cf)
		if c == 1 {
			f.Set(MaskOF, signBit(w, r) != cf)
		}

	case insts.OpROR:
		k := uint(c % uint64(n))
		r = (a>>k | a<<(n-k)) & m
		if k == 0 {
			r = a
		}
		f.Set(MaskCF, signBit(w, r))
		if c == 1 {
			f.Set(MaskOF, signBit(w, r) != bitOf(r, n-2))
		}
	}
	return r, f
}

// RotateCarryFlags computes RCL (left) or RCR of a through the carry flag
// cf by the masked count c. The rotation spans w+1 bits, so 8- and 16-bit
// counts are reduced modulo 9 and 17. Only CF and OF are written.
func RotateCarryFlags(left bool, w insts.Width, a, c uint64, cf bool) (uint64, FlagResult) {
	m := w.Mask()
	a &= m
	if c == 0 {
		return a, FlagResult{}
	}

	n := uint(w)
	if n < 32 {
		c %= uint64(n + 1)
	}

	r := a
	for i := uint64(0); i < c; i++ {
		if left {
			out := signBit(w, r)
			r = (r << 1) & m
			if cf {
				r |= 1
			}
			cf = out
		} else {
			out := r&1 != 0
			r >>= 1
			if cf {
				r |= w.SignBit()
			}
			cf = out
		}
	}

	var f FlagResult
	f.Set(MaskCF, cf)
	if c == 1 {
		if left {
			f.Set(MaskOF, signBit(w, r) != cf)
		} else {
			f.Set(MaskOF, signBit(w, r) != bitOf(r, n-2))
		}
	}
	return r, f
}

// execShift performs SHL, SHR, SAR, ROL, ROR, RCL and RCR. The count comes
// from an immediate or CL and is masked to 5 bits (6 for 64-bit operands).
func (x *Executor) execShift(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}

	c := uint64(1)
	if b.Len() > 1 {
		if c, err = b.Operand(1).Read(insts.W8); err != nil {
			return err
		}
	}
	c &= shiftCountMask(w)

	dst := b.Operand(0)
	a, err := dst.Read(w)
	if err != nil {
		return err
	}
	var r uint64
	var f FlagResult
	switch inst.Op {
	case insts.OpRCL, insts.OpRCR:
		r, f = RotateCarryFlags(inst.Op == insts.OpRCL, w, a, c, x.regs.Flags.CF)
	default:
		r, f = ShiftFlags(inst.Op, w, a, c)
	}
	if err := dst.Write(w, r); err != nil {
		return err
	}
	f.Apply(&x.regs.Flags)
	return nil
}

// DoubleShiftFlags computes SHLD (left) or SHRD (right) of dst filled from
// src by the masked count c. For 16-bit operands a count above 16 is taken
// modulo 16.
func DoubleShiftFlags(left bool, w insts.Width, dst, src, c uint64) (uint64, FlagResult) {
	m := w.Mask()
	dst &= m
	src &= m
	n := uint64(w)
	if c > n {
		c %= n
	}
	if c == 0 {
		return dst, FlagResult{}
	}

	var r uint64
	var cf bool
	if left {
		r = dst << c
		if c < n {
			r |= src >> (n - c)
		}
		r &= m
		cf = bitOf(dst, uint(n-c))
	} else {
		r = dst >> c
		if c < n {
			r |= src << (n - c)
		}
		r &= m
		cf = bitOf(dst, uint(c-1))
	}

	f := ResultFlags(w, r)
	f.Set(MaskCF, cf)
	if c == 1 {
		f.Set(MaskOF, signBit(w, r) != signBit(w, dst))
	}
	return r, f
}

// execDoubleShift performs SHLD and SHRD: dst = dst:src shifted by count.
func (x *Executor) execDoubleShift(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}

	dst := b.Operand(0)
	src, err := b.Operand(1).Read(w)
	if err != nil {
		return err
	}
	c, err := b.Operand(2).Read(insts.W8)
	if err != nil {
		return err
	}
	c &= shiftCountMask(w)

	a, err := dst.Read(w)
	if err != nil {
		return err
	}
	r, f := DoubleShiftFlags(inst.Op == insts.OpSHLD, w, a, src, c)
	if err := dst.Write(w, r); err != nil {
		return err
	}
	f.Apply(&x.regs.Flags)
	return nil
}
