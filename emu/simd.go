// Package emu provides functional AMD64 emulation.
package emu

import (
	"github.com/sarchlab/amd64sim/insts"
)

// execMovdq performs MOVD and MOVQ between xmm, general registers and
// memory. Loads into xmm zero the upper bits.
func (x *Executor) execMovdq(inst *insts.Instruction, b *Binding) error {
	w := insts.W32
	if inst.Op == insts.OpMOVQ {
		w = insts.W64
	}
	v, err := b.Operand(1).Read(w)
	if err != nil {
		return err
	}
	if inst.Operand(0).Kind == insts.KindVec {
		return b.Operand(0).WriteVec(Vec128{Lo: v})
	}
	return b.Operand(0).Write(w, v)
}

// execMovVec performs the full-width moves MOVDQA, MOVDQU, MOVAPS, MOVAPD,
// MOVUPS and MOVUPD.
func (x *Executor) execMovVec(inst *insts.Instruction, b *Binding) error {
	v, err := b.Operand(1).ReadVec()
	if err != nil {
		return err
	}
	return b.Operand(0).WriteVec(v)
}

// execMovScalar performs MOVSS and MOVSD. Register to register merges the
// low lane; a load from memory zeroes the rest of the destination.
func (x *Executor) execMovScalar(inst *insts.Instruction, b *Binding) error {
	w := insts.W32
	if inst.Op == insts.OpMOVSD {
		w = insts.W64
	}
	v, err := b.Operand(1).Read(w)
	if err != nil {
		return err
	}
	if inst.Operand(0).Kind == insts.KindVec && inst.Operand(1).IsMem() {
		return b.Operand(0).WriteVec(Vec128{Lo: v})
	}
	return b.Operand(0).Write(w, v)
}

// execMovHalf performs MOVHPS/MOVHPD (high quadword) and MOVLPS/MOVLPD
// (low quadword) between xmm and memory.
func (x *Executor) execMovHalf(inst *insts.Instruction, b *Binding) error {
	high := inst.Op == insts.OpMOVHPS || inst.Op == insts.OpMOVHPD
	dst, src := b.Operand(0), b.Operand(1)

	if inst.Operand(0).Kind == insts.KindVec {
		v, err := src.Read(insts.W64)
		if err != nil {
			return err
		}
		cur, _ := dst.ReadVec()
		if high {
			cur.Hi = v
		} else {
			cur.Lo = v
		}
		return dst.WriteVec(cur)
	}

	v, err := src.ReadVec()
	if err != nil {
		return err
	}
	if high {
		return dst.Write(insts.W64, v.Hi)
	}
	return dst.Write(insts.W64, v.Lo)
}

// vecOperands reads both packed operands.
func vecOperands(b *Binding) (Vec128, Vec128, error) {
	a, err := b.Operand(0).ReadVec()
	if err != nil {
		return Vec128{}, Vec128{}, err
	}
	c, err := b.Operand(1).ReadVec()
	if err != nil {
		return Vec128{}, Vec128{}, err
	}
	return a, c, nil
}

func laneWidth(inst *insts.Instruction) (insts.Width, error) {
	if !inst.Lane.IsInteger() {
		return 0, illegal(inst, "invalid lane width %d", inst.Lane)
	}
	return inst.Lane, nil
}

// execPackedArith performs PADD, PSUB, PCMPEQ and PCMPGT per lane.
func (x *Executor) execPackedArith(inst *insts.Instruction, b *Binding) error {
	lw, err := laneWidth(inst)
	if err != nil {
		return err
	}
	a, c, err := vecOperands(b)
	if err != nil {
		return err
	}

	var out Vec128
	for i := 0; i < Lanes(lw); i++ {
		p, q := a.Lane(lw, i), c.Lane(lw, i)
		var r uint64
		switch inst.Op {
		case insts.OpPADD:
			r = p + q
		case insts.OpPSUB:
			r = p - q
		case insts.OpPCMPEQ:
			if p == q {
				r = lw.Mask()
			}
		case insts.OpPCMPGT:
			if int64(signExtend(p, lw)) > int64(signExtend(q, lw)) {
				r = lw.Mask()
			}
		}
		out = out.WithLane(lw, i, r)
	}
	return b.Operand(0).WriteVec(out)
}

// execPackedShift performs PSLL, PSRL and PSRA. The count is an imm8 or the
// low quadword of an xmm/m128 operand; counts past the lane width zero the
// lane (or fill it with the sign for PSRA).
func (x *Executor) execPackedShift(inst *insts.Instruction, b *Binding) error {
	lw, err := laneWidth(inst)
	if err != nil {
		return err
	}
	a, err := b.Operand(0).ReadVec()
	if err != nil {
		return err
	}

	var count uint64
	if inst.Operand(1).Kind == insts.KindImm {
		count, err = b.Operand(1).Read(insts.W8)
	} else {
		var v Vec128
		v, err = b.Operand(1).ReadVec()
		count = v.Lo
	}
	if err != nil {
		return err
	}

	var out Vec128
	for i := 0; i < Lanes(lw); i++ {
		p := a.Lane(lw, i)
		var r uint64
		switch inst.Op {
		case insts.OpPSLL:
			if count < uint64(lw) {
				r = p << count
			}
		case insts.OpPSRL:
			if count < uint64(lw) {
				r = p >> count
			}
		case insts.OpPSRA:
			c := count
			if c > uint64(lw)-1 {
				c = uint64(lw) - 1
			}
			r = uint64(int64(signExtend(p, lw)) >> c)
		}
		out = out.WithLane(lw, i, r)
	}
	return b.Operand(0).WriteVec(out)
}

// execByteShift performs PSLLDQ and PSRLDQ by imm8 bytes.
func (x *Executor) execByteShift(inst *insts.Instruction, b *Binding) error {
	a, err := b.Operand(0).ReadVec()
	if err != nil {
		return err
	}
	n, err := b.Operand(1).Read(insts.W8)
	if err != nil {
		return err
	}
	if n > 15 {
		return b.Operand(0).WriteVec(Vec128{})
	}

	var out Vec128
	for i := 0; i < 16; i++ {
		src := i - int(n)
		if inst.Op == insts.OpPSRLDQ {
			src = i + int(n)
		}
		if src >= 0 && src < 16 {
			out = out.WithLane(insts.W8, i, a.Lane(insts.W8, src))
		}
	}
	return b.Operand(0).WriteVec(out)
}

// execShuffle performs PSHUFD, PSHUFHW and PSHUFLW.
func (x *Executor) execShuffle(inst *insts.Instruction, b *Binding) error {
	src, err := b.Operand(1).ReadVec()
	if err != nil {
		return err
	}
	imm, err := b.Operand(2).Read(insts.W8)
	if err != nil {
		return err
	}

	var out Vec128
	switch inst.Op {
	case insts.OpPSHUFD:
		for i := 0; i < 4; i++ {
			sel := int(imm>>(2*i)) & 3
			out = out.WithLane(insts.W32, i, src.Lane(insts.W32, sel))
		}
	case insts.OpPSHUFHW:
		out.Lo = src.Lo
		for i := 0; i < 4; i++ {
			sel := int(imm>>(2*i)) & 3
			out = out.WithLane(insts.W16, 4+i, src.Lane(insts.W16, 4+sel))
		}
	case insts.OpPSHUFLW:
		out.Hi = src.Hi
		for i := 0; i < 4; i++ {
			sel := int(imm>>(2*i)) & 3
			out = out.WithLane(insts.W16, i, src.Lane(insts.W16, sel))
		}
	}
	return b.Operand(0).WriteVec(out)
}

// execUnpack performs PUNPCKL and PUNPCKH: interleave the lanes of the low
// (or high) halves of dst and src.
func (x *Executor) execUnpack(inst *insts.Instruction, b *Binding) error {
	lw, err := laneWidth(inst)
	if err != nil {
		return err
	}
	a, c, err := vecOperands(b)
	if err != nil {
		return err
	}

	half := Lanes(lw) / 2
	base := 0
	if inst.Op == insts.OpPUNPCKH {
		base = half
	}
	var out Vec128
	for i := 0; i < half; i++ {
		out = out.WithLane(lw, 2*i, a.Lane(lw, base+i))
		out = out.WithLane(lw, 2*i+1, c.Lane(lw, base+i))
	}
	return b.Operand(0).WriteVec(out)
}

func saturate(v int64, w insts.Width) uint64 {
	hi := int64(1)<<(uint(w)-1) - 1
	lo := -hi - 1
	switch {
	case v > hi:
		v = hi
	case v < lo:
		v = lo
	}
	return uint64(v) & w.Mask()
}

// execPack performs PACKSSWB and PACKSSDW with signed saturation: dst
// supplies the low half of the result and src the high half.
func (x *Executor) execPack(inst *insts.Instruction, b *Binding) error {
	a, c, err := vecOperands(b)
	if err != nil {
		return err
	}
	from, to := insts.W16, insts.W8
	if inst.Op == insts.OpPACKSSDW {
		from, to = insts.W32, insts.W16
	}

	n := Lanes(from)
	var out Vec128
	for i := 0; i < n; i++ {
		out = out.WithLane(to, i, saturate(int64(signExtend(a.Lane(from, i), from)), to))
		out = out.WithLane(to, n+i, saturate(int64(signExtend(c.Lane(from, i), from)), to))
	}
	return b.Operand(0).WriteVec(out)
}

// execPackedLogic performs PAND, PANDN, POR and PXOR and their
// floating-point aliases.
func (x *Executor) execPackedLogic(inst *insts.Instruction, b *Binding) error {
	a, c, err := vecOperands(b)
	if err != nil {
		return err
	}
	var out Vec128
	switch inst.Op {
	case insts.OpPAND:
		out = Vec128{Lo: a.Lo & c.Lo, Hi: a.Hi & c.Hi}
	case insts.OpPANDN:
		out = Vec128{Lo: ^a.Lo & c.Lo, Hi: ^a.Hi & c.Hi}
	case insts.OpPOR:
		out = Vec128{Lo: a.Lo | c.Lo, Hi: a.Hi | c.Hi}
	case insts.OpPXOR:
		out = Vec128{Lo: a.Lo ^ c.Lo, Hi: a.Hi ^ c.Hi}
	}
	return b.Operand(0).WriteVec(out)
}

// execPmovmskb performs PMOVMSKB: gather the sign bit of each byte.
func (x *Executor) execPmovmskb(inst *insts.Instruction, b *Binding) error {
	v, err := b.Operand(1).ReadVec()
	if err != nil {
		return err
	}
	var mask uint64
	for i := 0; i < 16; i++ {
		if v.Lane(insts.W8, i)&0x80 != 0 {
			mask |= 1 << i
		}
	}
	w := inst.Width
	if !w.IsInteger() || w < insts.W32 {
		w = insts.W32
	}
	return b.Operand(0).Write(w, mask)
}

// execShufp performs SHUFPS and SHUFPD: the low result lanes come from
// dst and the high lanes from src, selected by imm8.
func (x *Executor) execShufp(inst *insts.Instruction, b *Binding) error {
	a, c, err := vecOperands(b)
	if err != nil {
		return err
	}
	imm, err := b.Operand(2).Read(insts.W8)
	if err != nil {
		return err
	}

	var out Vec128
	if inst.Op == insts.OpSHUFPD {
		out.Lo = a.Lane(insts.W64, int(imm&1))
		out.Hi = c.Lane(insts.W64, int(imm>>1)&1)
		return b.Operand(0).WriteVec(out)
	}
	for i := 0; i < 4; i++ {
		sel := int(imm>>(2*i)) & 3
		from := a
		if i >= 2 {
			from = c
		}
		out = out.WithLane(insts.W32, i, from.Lane(insts.W32, sel))
	}
	return b.Operand(0).WriteVec(out)
}
