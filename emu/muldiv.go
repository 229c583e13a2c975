// Package emu provides functional AMD64 emulation.
package emu

import (
	"math/bits"

	"github.com/sarchlab/amd64sim/insts"
)

// Div128By64 divides hi:lo by d with shift-subtract long division. ok is
// false when d is zero or the quotient does not fit in 64 bits.
func Div128By64(hi, lo, d uint64) (q, r uint64, ok bool) {
	if d == 0 || hi >= d {
		return 0, 0, false
	}

	r = hi
	for i := 63; i >= 0; i-- {
		carry := r >> 63
		r = r<<1 | (lo>>uint(i))&1
		q <<= 1
		if carry != 0 || r >= d {
			r -= d
			q |= 1
		}
	}
	return q, r, true
}

// IDiv128By64 is the signed form of Div128By64. The quotient truncates
// toward zero and the remainder takes the sign of the dividend.
func IDiv128By64(hi, lo uint64, d int64) (q, r int64, ok bool) {
	if d == 0 {
		return 0, 0, false
	}

	negDividend := int64(hi) < 0
	if negDividend {
		hi, lo = neg128(hi, lo)
	}
	ud := uint64(d)
	if d < 0 {
		ud = -ud
	}

	uq, ur, ok := Div128By64(hi, lo, ud)
	if !ok {
		return 0, 0, false
	}

	negQuotient := negDividend != (d < 0)
	switch {
	case negQuotient && uq > 1<<63:
		return 0, 0, false
	case !negQuotient && uq > 1<<63-1:
		return 0, 0, false
	}

	q, r = int64(uq), int64(ur)
	if negQuotient {
		q = -q
	}
	if negDividend {
		r = -r
	}
	return q, r, true
}

func neg128(hi, lo uint64) (uint64, uint64) {
	lo = ^lo + 1
	hi = ^hi
	if lo == 0 {
		hi++
	}
	return hi, lo
}

// accumulator halves for widths 16-64 (rDX:rAX); 8-bit uses AH:AL.
func (x *Executor) readWide(w insts.Width) (hi, lo uint64) {
	if w == insts.W8 {
		ax := x.regs.Read(insts.RAX, insts.W16, false)
		return ax >> 8, ax & 0xFF
	}
	return x.regs.Read(insts.RDX, w, false), x.regs.Read(insts.RAX, w, false)
}

func (x *Executor) writeWide(w insts.Width, hi, lo uint64) {
	if w == insts.W8 {
		x.regs.Write(insts.RAX, insts.W16, false, (hi&0xFF)<<8|lo&0xFF)
		return
	}
	x.regs.Write(insts.RAX, w, false, lo)
	x.regs.Write(insts.RDX, w, false, hi)
}

// mulFull returns the 2W-bit unsigned product split into W-bit halves.
func mulFull(w insts.Width, a, b uint64) (hi, lo uint64) {
	if w == insts.W64 {
		return bits.Mul64(a, b)
	}
	p := a * b
	return (p >> uint(w)) & w.Mask(), p & w.Mask()
}

// imulFull returns the signed 2W-bit product split into W-bit halves.
func imulFull(w insts.Width, a, b uint64) (hi, lo uint64) {
	if w == insts.W64 {
		hi, lo = bits.Mul64(a, b)
		if int64(a) < 0 {
			hi -= b
		}
		if int64(b) < 0 {
			hi -= a
		}
		return hi, lo
	}
	p := int64(signExtend(a, w)) * int64(signExtend(b, w))
	return (uint64(p) >> uint(w)) & w.Mask(), uint64(p) & w.Mask()
}

// imulOverflow reports whether hi:lo differs from the sign extension of lo.
func imulOverflow(w insts.Width, hi, lo uint64) bool {
	ext := uint64(0)
	if signBit(w, lo) {
		ext = w.Mask()
	}
	return hi != ext
}

// execMul performs unsigned MUL: rDX:rAX = rAX * src (AX = AL * src for
// bytes).
func (x *Executor) execMul(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	src, err := b.Operand(0).Read(w)
	if err != nil {
		return err
	}

	_, a := x.readWide(w)
	hi, lo := mulFull(w, a, src)
	x.writeWide(w, hi, lo)

	var f FlagResult
	f.Set(MaskCF, hi != 0)
	f.Set(MaskOF, hi != 0)
	f.Set(MaskSF, signBit(w, lo))
	f.Set(MaskPF, parity(lo))
	f.Apply(&x.regs.Flags)
	return nil
}

// execIMul performs signed IMUL in its one-, two- and three-operand forms.
func (x *Executor) execIMul(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}

	var hi, lo uint64
	switch b.Len() {
	case 1:
		src, err := b.Operand(0).Read(w)
		if err != nil {
			return err
		}
		_, a := x.readWide(w)
		hi, lo = imulFull(w, a, src)
		x.writeWide(w, hi, lo)
	case 2, 3:
		l, r := b.Operand(0), b.Operand(1)
		if b.Len() == 3 {
			l, r = b.Operand(1), b.Operand(2)
		}
		a, err := l.Read(w)
		if err != nil {
			return err
		}
		c, err := r.Read(w)
		if err != nil {
			return err
		}
		hi, lo = imulFull(w, a, c)
		if err := b.Operand(0).Write(w, lo); err != nil {
			return err
		}
	default:
		return illegal(inst, "imul with %d operands", b.Len())
	}

	var f FlagResult
	ovf := imulOverflow(w, hi, lo)
	f.Set(MaskCF, ovf)
	f.Set(MaskOF, ovf)
	f.Apply(&x.regs.Flags)
	return nil
}

// execDiv performs unsigned DIV: rAX = rDX:rAX / src, rDX = remainder.
func (x *Executor) execDiv(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	d, err := b.Operand(0).Read(w)
	if err != nil {
		return err
	}
	if d == 0 {
		return &ArithmeticFault{PC: inst.Addr, Reason: "divide by zero"}
	}

	hi, lo := x.readWide(w)
	var q, r uint64
	if w == insts.W64 {
		var ok bool
		if q, r, ok = Div128By64(hi, lo, d); !ok {
			return &ArithmeticFault{PC: inst.Addr, Reason: "quotient overflow"}
		}
	} else {
		n := hi<<uint(w) | lo
		q, r = n/d, n%d
		if q > w.Mask() {
			return &ArithmeticFault{PC: inst.Addr, Reason: "quotient overflow"}
		}
	}

	x.writeWide(w, r, q)
	return nil
}

// execIDiv performs signed IDIV. The quotient truncates toward zero.
func (x *Executor) execIDiv(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	dv, err := b.Operand(0).Read(w)
	if err != nil {
		return err
	}
	if dv == 0 {
		return &ArithmeticFault{PC: inst.Addr, Reason: "divide by zero"}
	}
	d := int64(signExtend(dv, w))

	hi, lo := x.readWide(w)
	var q, r int64
	if w == insts.W64 {
		var ok bool
		if q, r, ok = IDiv128By64(hi, lo, d); !ok {
			return &ArithmeticFault{PC: inst.Addr, Reason: "quotient overflow"}
		}
	} else {
		n := int64(signExtend(hi<<uint(w)|lo, 2*w))
		q, r = n/d, n%d
		lim := int64(1) << (uint(w) - 1)
		if q < -lim || q >= lim {
			return &ArithmeticFault{PC: inst.Addr, Reason: "quotient overflow"}
		}
	}

	x.writeWide(w, uint64(r)&w.Mask(), uint64(q)&w.Mask())
	return nil
}
