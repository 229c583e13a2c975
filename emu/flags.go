// Package emu provides functional AMD64 emulation.
package emu

import (
	"math/bits"

	"github.com/sarchlab/amd64sim/insts"
)

// FlagMask selects a subset of the modelled flags.
type FlagMask uint16

// Flag masks, at their RFLAGS bit positions.
const (
	MaskCF FlagMask = 1 << FlagBitCF
	MaskPF FlagMask = 1 << FlagBitPF
	MaskAF FlagMask = 1 << FlagBitAF
	MaskZF FlagMask = 1 << FlagBitZF
	MaskSF FlagMask = 1 << FlagBitSF
	MaskOF FlagMask = 1 << FlagBitOF

	MaskSZP   = MaskSF | MaskZF | MaskPF
	MaskArith = MaskCF | MaskPF | MaskAF | MaskZF | MaskSF | MaskOF
	MaskLogic = MaskCF | MaskPF | MaskZF | MaskSF | MaskOF
)

// FlagResult is a partial flag update: Values is only meaningful for bits in
// Written, and flags outside Written are never touched.
type FlagResult struct {
	Written FlagMask
	Values  FlagMask
}

// Set records flag m with value v.
func (r *FlagResult) Set(m FlagMask, v bool) {
	r.Written |= m
	if v {
		r.Values |= m
	} else {
		r.Values &^= m
	}
}

// Drop removes m from the written set.
func (r *FlagResult) Drop(m FlagMask) {
	r.Written &^= m
	r.Values &^= m
}

// Has reports whether m was written.
func (r FlagResult) Has(m FlagMask) bool {
	return r.Written&m == m
}

// Value returns the recorded value of m.
func (r FlagResult) Value(m FlagMask) bool {
	return r.Values&m != 0
}

// Apply writes the recorded flags into f.
func (r FlagResult) Apply(f *Flags) {
	for _, bit := range flagBits {
		m := FlagMask(1) << bit
		if r.Written&m != 0 {
			f.Set(bit, r.Values&m != 0)
		}
	}
}

func signBit(w insts.Width, v uint64) bool {
	return v&w.SignBit() != 0
}

func parity(v uint64) bool {
	return bits.OnesCount8(uint8(v))%2 == 0
}

// ResultFlags sets SF, ZF and PF from a w-bit result.
func ResultFlags(w insts.Width, r uint64) FlagResult {
	var f FlagResult
	r &= w.Mask()
	f.Set(MaskZF, r == 0)
	f.Set(MaskSF, signBit(w, r))
	f.Set(MaskPF, parity(r))
	return f
}

// AddFlags returns r = a+b with its flags.
func AddFlags(w insts.Width, a, b uint64) (uint64, FlagResult) {
	return AddCarryFlags(w, a, b, false)
}

// AddCarryFlags returns r = a+b+c. CF is the carry out of either partial
// sum.
func AddCarryFlags(w insts.Width, a, b uint64, c bool) (uint64, FlagResult) {
	m := w.Mask()
	a &= m
	b &= m
	s := (a + b) & m
	cf := s < a
	r := s
	if c {
		r = (s + 1) & m
		cf = cf || r < s
	}

	f := ResultFlags(w, r)
	f.Set(MaskCF, cf)
	f.Set(MaskOF, signBit(w, (a^r)&(b^r)))
	f.Set(MaskAF, (a^b^r)&0x10 != 0)
	return r, f
}

// SubFlags returns r = a-b with its flags. CMP uses it too.
func SubFlags(w insts.Width, a, b uint64) (uint64, FlagResult) {
	return SubBorrowFlags(w, a, b, false)
}

// SubBorrowFlags returns r = a-b-c. CF is the borrow out of either partial
// difference.
func SubBorrowFlags(w insts.Width, a, b uint64, c bool) (uint64, FlagResult) {
	m := w.Mask()
	a &= m
	b &= m
	d := (a - b) & m
	cf := a < b
	r := d
	if c {
		r = (d - 1) & m
		cf = cf || d == 0
	}

	f := ResultFlags(w, r)
	f.Set(MaskCF, cf)
	f.Set(MaskOF, signBit(w, (a^b)&(a^r)))
	f.Set(MaskAF, (a^b^r)&0x10 != 0)
	return r, f
}

// LogicFlags clears CF and OF and sets SF, ZF, PF from r. AF is left alone.
func LogicFlags(w insts.Width, r uint64) FlagResult {
	f := ResultFlags(w, r)
	f.Set(MaskCF, false)
	f.Set(MaskOF, false)
	return f
}

// IncFlags is AddFlags(a, 1) with CF untouched.
func IncFlags(w insts.Width, a uint64) (uint64, FlagResult) {
	r, f := AddFlags(w, a, 1)
	f.Drop(MaskCF)
	return r, f
}

// DecFlags is SubFlags(a, 1) with CF untouched.
func DecFlags(w insts.Width, a uint64) (uint64, FlagResult) {
	r, f := SubFlags(w, a, 1)
	f.Drop(MaskCF)
	return r, f
}

// NegFlags returns 0-v with CF = v != 0.
func NegFlags(w insts.Width, v uint64) (uint64, FlagResult) {
	r, f := SubFlags(w, 0, v)
	f.Set(MaskCF, v&w.Mask() != 0)
	return r, f
}

// Condition evaluates an AMD64 condition code against f.
func Condition(c insts.Cond, f *Flags) bool {
	var v bool
	switch c &^ 1 {
	case insts.CondO:
		v = f.OF
	case insts.CondB:
		v = f.CF
	case insts.CondE:
		v = f.ZF
	case insts.CondBE:
		v = f.CF || f.ZF
	case insts.CondS:
		v = f.SF
	case insts.CondP:
		v = f.PF
	case insts.CondL:
		v = f.SF != f.OF
	case insts.CondLE:
		v = f.ZF || f.SF != f.OF
	}
	// Odd codes are the negation of the preceding even code.
	if c&1 != 0 {
		return !v
	}
	return v
}
