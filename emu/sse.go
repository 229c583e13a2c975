// Package emu provides functional AMD64 emulation.
package emu

import (
	"math"

	"github.com/sarchlab/amd64sim/insts"
)

// Default quiet NaNs produced by invalid operations.
const (
	DefaultNaN64 = 0xFFF8000000000000
	DefaultNaN32 = 0xFFC00000
)

func isNaN64(b uint64) bool {
	return b&0x7FF0000000000000 == 0x7FF0000000000000 && b&0x000FFFFFFFFFFFFF != 0
}

func isNaN32(b uint32) bool {
	return b&0x7F800000 == 0x7F800000 && b&0x007FFFFF != 0
}

func quiet64(b uint64) uint64 { return b | 1<<51 }
func quiet32(b uint32) uint32 { return b | 1<<22 }

// FPBinary64 applies op to two float64 bit patterns with SSE NaN rules: a
// NaN first operand wins, then a NaN second operand; an invalid operation
// on non-NaN inputs yields the default NaN.
func FPBinary64(a, b uint64, op func(x, y float64) float64) uint64 {
	switch {
	case isNaN64(a):
		return quiet64(a)
	case isNaN64(b):
		return quiet64(b)
	}
	r := op(math.Float64frombits(a), math.Float64frombits(b))
	if math.IsNaN(r) {
		return DefaultNaN64
	}
	return math.Float64bits(r)
}

// FPBinary32 is FPBinary64 for float32.
func FPBinary32(a, b uint32, op func(x, y float32) float32) uint32 {
	switch {
	case isNaN32(a):
		return quiet32(a)
	case isNaN32(b):
		return quiet32(b)
	}
	r := op(math.Float32frombits(a), math.Float32frombits(b))
	if r != r {
		return DefaultNaN32
	}
	return math.Float32bits(r)
}

var (
	f64Ops = map[insts.Op]func(x, y float64) float64{
		insts.OpADDSD: func(x, y float64) float64 { return x + y },
		insts.OpSUBSD: func(x, y float64) float64 { return x - y },
		insts.OpMULSD: func(x, y float64) float64 { return x * y },
		insts.OpDIVSD: func(x, y float64) float64 { return x / y },
	}
	f32Ops = map[insts.Op]func(x, y float32) float32{
		insts.OpADDSS: func(x, y float32) float32 { return x + y },
		insts.OpSUBSS: func(x, y float32) float32 { return x - y },
		insts.OpMULSS: func(x, y float32) float32 { return x * y },
		insts.OpDIVSS: func(x, y float32) float32 { return x / y },
	}
)

func needVecDst(inst *insts.Instruction) error {
	if inst.Operand(0).Kind != insts.KindVec {
		return illegal(inst, "destination must be an xmm register")
	}
	return nil
}

// execScalarArith performs ADDSD/SS, SUBSD/SS, MULSD/SS and DIVSD/SS on
// the low lane; the upper bits of the destination are preserved.
func (x *Executor) execScalarArith(inst *insts.Instruction, b *Binding) error {
	if err := needVecDst(inst); err != nil {
		return err
	}
	dst, src := b.Operand(0), b.Operand(1)

	if op, ok := f64Ops[inst.Op]; ok {
		a, _ := dst.Read(insts.W64)
		c, err := src.Read(insts.W64)
		if err != nil {
			return err
		}
		return dst.Write(insts.W64, FPBinary64(a, c, op))
	}

	op := f32Ops[inst.Op]
	a, _ := dst.Read(insts.W32)
	c, err := src.Read(insts.W32)
	if err != nil {
		return err
	}
	return dst.Write(insts.W32, uint64(FPBinary32(uint32(a), uint32(c), op)))
}

func sqrt64(b uint64) uint64 {
	if isNaN64(b) {
		return quiet64(b)
	}
	r := math.Sqrt(math.Float64frombits(b))
	if math.IsNaN(r) {
		return DefaultNaN64
	}
	return math.Float64bits(r)
}

func sqrt32(b uint32) uint32 {
	if isNaN32(b) {
		return quiet32(b)
	}
	r := math.Sqrt(float64(math.Float32frombits(b)))
	if math.IsNaN(r) {
		return DefaultNaN32
	}
	return math.Float32bits(float32(r))
}

// execScalarSqrt performs SQRTSD and SQRTSS.
func (x *Executor) execScalarSqrt(inst *insts.Instruction, b *Binding) error {
	if err := needVecDst(inst); err != nil {
		return err
	}
	dst, src := b.Operand(0), b.Operand(1)
	if inst.Op == insts.OpSQRTSD {
		c, err := src.Read(insts.W64)
		if err != nil {
			return err
		}
		return dst.Write(insts.W64, sqrt64(c))
	}
	c, err := src.Read(insts.W32)
	if err != nil {
		return err
	}
	return dst.Write(insts.W32, uint64(sqrt32(uint32(c))))
}

// CompareFlags returns the COMIS/UCOMIS flag setting: ZF, PF, CF all set
// when unordered; OF, SF and AF always cleared.
func CompareFlags(unordered, less, equal bool) FlagResult {
	var f FlagResult
	f.Set(MaskZF, unordered || equal)
	f.Set(MaskPF, unordered)
	f.Set(MaskCF, unordered || less)
	f.Set(MaskOF, false)
	f.Set(MaskSF, false)
	f.Set(MaskAF, false)
	return f
}

// scalarOperands reads the low lanes of both operands as float64. Single
// precision values are widened exactly.
func scalarOperands(single bool, b *Binding) (float64, float64, error) {
	if single {
		a, _ := b.Operand(0).Read(insts.W32)
		c, err := b.Operand(1).Read(insts.W32)
		if err != nil {
			return 0, 0, err
		}
		return float64(math.Float32frombits(uint32(a))), float64(math.Float32frombits(uint32(c))), nil
	}
	a, _ := b.Operand(0).Read(insts.W64)
	c, err := b.Operand(1).Read(insts.W64)
	if err != nil {
		return 0, 0, err
	}
	return math.Float64frombits(a), math.Float64frombits(c), nil
}

// execComis performs COMISD, COMISS, UCOMISD and UCOMISS.
func (x *Executor) execComis(inst *insts.Instruction, b *Binding) error {
	single := inst.Op == insts.OpCOMISS || inst.Op == insts.OpUCOMISS
	a, c, err := scalarOperands(single, b)
	if err != nil {
		return err
	}
	unordered := math.IsNaN(a) || math.IsNaN(c)
	f := CompareFlags(unordered, !unordered && a < c, !unordered && a == c)
	f.Apply(&x.regs.Flags)
	return nil
}

// fpPredicate evaluates a CMPxx predicate (imm8 bits 0-2).
func fpPredicate(imm uint64, a, c float64) bool {
	unordered := math.IsNaN(a) || math.IsNaN(c)
	switch imm & 7 {
	case 0:
		return a == c
	case 1:
		return a < c
	case 2:
		return a <= c
	case 3:
		return unordered
	case 4:
		return !(a == c)
	case 5:
		return !(a < c)
	case 6:
		return !(a <= c)
	default:
		return !unordered
	}
}

// execFPCompare performs CMPSD, CMPSS, CMPPD and CMPPS, producing all-ones
// or all-zeros lane masks.
func (x *Executor) execFPCompare(inst *insts.Instruction, b *Binding) error {
	if err := needVecDst(inst); err != nil {
		return err
	}
	imm, err := b.Operand(2).Read(insts.W8)
	if err != nil {
		return err
	}
	dst, src := b.Operand(0), b.Operand(1)

	lane := insts.W64
	if inst.Op == insts.OpCMPSS || inst.Op == insts.OpCMPPS {
		lane = insts.W32
	}
	toFloat := func(v uint64) float64 {
		if lane == insts.W32 {
			return float64(math.Float32frombits(uint32(v)))
		}
		return math.Float64frombits(v)
	}

	if inst.Op == insts.OpCMPSD || inst.Op == insts.OpCMPSS {
		a, _ := dst.Read(lane)
		c, err := src.Read(lane)
		if err != nil {
			return err
		}
		var r uint64
		if fpPredicate(imm, toFloat(a), toFloat(c)) {
			r = lane.Mask()
		}
		return dst.Write(lane, r)
	}

	av, _ := dst.ReadVec()
	cv, err := src.ReadVec()
	if err != nil {
		return err
	}
	var out Vec128
	for i := 0; i < Lanes(lane); i++ {
		if fpPredicate(imm, toFloat(av.Lane(lane, i)), toFloat(cv.Lane(lane, i))) {
			out = out.WithLane(lane, i, lane.Mask())
		}
	}
	return dst.WriteVec(out)
}

// execCvtIntToFloat performs CVTSI2SD and CVTSI2SS from a signed 32- or
// 64-bit integer.
func (x *Executor) execCvtIntToFloat(inst *insts.Instruction, b *Binding) error {
	if err := needVecDst(inst); err != nil {
		return err
	}
	sw := inst.Operand(1).Width
	if !sw.IsInteger() || sw < insts.W32 {
		sw = insts.W32
	}
	v, err := b.Operand(1).Read(sw)
	if err != nil {
		return err
	}
	n := int64(signExtend(v, sw))

	if inst.Op == insts.OpCVTSI2SD {
		return b.Operand(0).Write(insts.W64, math.Float64bits(float64(n)))
	}
	return b.Operand(0).Write(insts.W32, uint64(math.Float32bits(float32(n))))
}

// FloatToInt converts f to a w-bit signed integer, truncating or rounding
// to nearest even. NaN and out-of-range values give the integer indefinite
// value 1<<(w-1).
func FloatToInt(f float64, w insts.Width, truncate bool) uint64 {
	indefinite := w.SignBit()
	if math.IsNaN(f) {
		return indefinite
	}
	if truncate {
		f = math.Trunc(f)
	} else {
		f = math.RoundToEven(f)
	}
	lim := math.Ldexp(1, int(w)-1)
	if f >= lim || f < -lim {
		return indefinite
	}
	return uint64(int64(f)) & w.Mask()
}

// execCvtFloatToInt performs CVTSD2SI, CVTSS2SI, CVTTSD2SI and CVTTSS2SI.
func (x *Executor) execCvtFloatToInt(inst *insts.Instruction, b *Binding) error {
	w := inst.Width
	if w != insts.W32 && w != insts.W64 {
		return illegal(inst, "invalid destination width %d", w)
	}

	var f float64
	switch inst.Op {
	case insts.OpCVTSS2SI, insts.OpCVTTSS2SI:
		v, err := b.Operand(1).Read(insts.W32)
		if err != nil {
			return err
		}
		f = float64(math.Float32frombits(uint32(v)))
	default:
		v, err := b.Operand(1).Read(insts.W64)
		if err != nil {
			return err
		}
		f = math.Float64frombits(v)
	}

	truncate := inst.Op == insts.OpCVTTSD2SI || inst.Op == insts.OpCVTTSS2SI
	return b.Operand(0).Write(w, FloatToInt(f, w, truncate))
}

// Float64To32 narrows a float64 bit pattern, keeping NaN payloads.
func Float64To32(b uint64) uint32 {
	if isNaN64(b) {
		sign := uint32(b>>32) & 0x80000000
		return sign | 0x7FC00000 | uint32(b>>29)&0x7FFFFF
	}
	return math.Float32bits(float32(math.Float64frombits(b)))
}

// Float32To64 widens a float32 bit pattern, keeping NaN payloads.
func Float32To64(b uint32) uint64 {
	if isNaN32(b) {
		sign := uint64(b&0x80000000) << 32
		return sign | 0x7FF8000000000000 | uint64(b&0x7FFFFF)<<29
	}
	return math.Float64bits(float64(math.Float32frombits(b)))
}

// execCvtFloat performs CVTSD2SS and CVTSS2SD.
func (x *Executor) execCvtFloat(inst *insts.Instruction, b *Binding) error {
	if err := needVecDst(inst); err != nil {
		return err
	}
	if inst.Op == insts.OpCVTSD2SS {
		v, err := b.Operand(1).Read(insts.W64)
		if err != nil {
			return err
		}
		return b.Operand(0).Write(insts.W32, uint64(Float64To32(v)))
	}
	v, err := b.Operand(1).Read(insts.W32)
	if err != nil {
		return err
	}
	return b.Operand(0).Write(insts.W64, Float32To64(uint32(v)))
}

func rsqrt32(b uint32) uint32 {
	if isNaN32(b) {
		return quiet32(b)
	}
	f := float64(math.Float32frombits(b))
	switch {
	case f == 0:
		return b&0x80000000 | 0x7F800000
	case f < 0:
		return DefaultNaN32
	}
	return math.Float32bits(float32(1 / math.Sqrt(f)))
}

// execRsqrtps performs RSQRTPS on four single-precision lanes.
func (x *Executor) execRsqrtps(inst *insts.Instruction, b *Binding) error {
	if err := needVecDst(inst); err != nil {
		return err
	}
	v, err := b.Operand(1).ReadVec()
	if err != nil {
		return err
	}
	var out Vec128
	for i := 0; i < 4; i++ {
		out = out.WithLane(insts.W32, i, uint64(rsqrt32(uint32(v.Lane(insts.W32, i)))))
	}
	return b.Operand(0).WriteVec(out)
}
