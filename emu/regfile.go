// Package emu provides functional AMD64 emulation.
package emu

import "github.com/sarchlab/amd64sim/insts"

// RFLAGS bit positions.
const (
	FlagBitCF = 0
	FlagBitPF = 2
	FlagBitAF = 4
	FlagBitZF = 6
	FlagBitSF = 7
	FlagBitTF = 8
	FlagBitIF = 9
	FlagBitDF = 10
	FlagBitOF = 11
)

// rflagsFixed is bit 1 of RFLAGS, which always reads as one.
const rflagsFixed = 1 << 1

// RegFile represents the AMD64 user-mode register file of one hardware
// thread: 16 general-purpose registers, the flags, RIP, the FS/GS bases and
// MXCSR.
type RegFile struct {
	// GPR holds RAX..R15 in encoding order.
	GPR [insts.NumGPRs]uint64

	// RIP is the program counter.
	RIP uint64

	// Flags holds the status and control flags.
	Flags Flags

	// FSBase and GSBase are the segment bases used by fs: and gs: operands.
	FSBase uint64
	GSBase uint64

	// MXCSR is the SSE control and status register.
	MXCSR uint32
}

// DefaultMXCSR masks all SSE exceptions and selects round-to-nearest.
const DefaultMXCSR = 0x1F80

// NewRegFile creates a register file in the reset state.
func NewRegFile() *RegFile {
	return &RegFile{MXCSR: DefaultMXCSR}
}

// Flags represents the architectural flags.
type Flags struct {
	CF bool // carry
	PF bool // parity of the low byte
	AF bool // auxiliary carry out of bit 3
	ZF bool // zero
	SF bool // sign
	TF bool // trap
	IF bool // interrupt enable
	DF bool // direction
	OF bool // overflow
}

// ReadReg reads a full 64-bit register.
func (r *RegFile) ReadReg(reg insts.Reg) uint64 {
	return r.GPR[reg]
}

// WriteReg writes a full 64-bit register.
func (r *RegFile) WriteReg(reg insts.Reg, value uint64) {
	r.GPR[reg] = value
}

// Read reads a register sub-view. high selects AH/CH/DH/BH.
func (r *RegFile) Read(reg insts.Reg, w insts.Width, high bool) uint64 {
	v := r.GPR[reg]
	if high {
		return (v >> 8) & 0xFF
	}
	return v & w.Mask()
}

// Write writes a register sub-view with AMD64 merge rules: 32-bit writes
// zero the upper half, 8- and 16-bit writes preserve the remaining bits.
func (r *RegFile) Write(reg insts.Reg, w insts.Width, high bool, value uint64) {
	switch {
	case high:
		r.GPR[reg] = (r.GPR[reg] &^ 0xFF00) | ((value & 0xFF) << 8)
	case w == insts.W32:
		r.GPR[reg] = value & 0xFFFFFFFF
	case w == insts.W64:
		r.GPR[reg] = value
	default:
		m := w.Mask()
		r.GPR[reg] = (r.GPR[reg] &^ m) | (value & m)
	}
}

// Get returns the flag at the given RFLAGS bit position.
func (f *Flags) Get(bit uint) bool {
	switch bit {
	case FlagBitCF:
		return f.CF
	case FlagBitPF:
		return f.PF
	case FlagBitAF:
		return f.AF
	case FlagBitZF:
		return f.ZF
	case FlagBitSF:
		return f.SF
	case FlagBitTF:
		return f.TF
	case FlagBitIF:
		return f.IF
	case FlagBitDF:
		return f.DF
	case FlagBitOF:
		return f.OF
	}
	return false
}

// Set sets the flag at the given RFLAGS bit position. Unknown bits are
// ignored.
func (f *Flags) Set(bit uint, v bool) {
	switch bit {
	case FlagBitCF:
		f.CF = v
	case FlagBitPF:
		f.PF = v
	case FlagBitAF:
		f.AF = v
	case FlagBitZF:
		f.ZF = v
	case FlagBitSF:
		f.SF = v
	case FlagBitTF:
		f.TF = v
	case FlagBitIF:
		f.IF = v
	case FlagBitDF:
		f.DF = v
	case FlagBitOF:
		f.OF = v
	}
}

var flagBits = [...]uint{FlagBitCF, FlagBitPF, FlagBitAF, FlagBitZF, FlagBitSF,
	FlagBitTF, FlagBitIF, FlagBitDF, FlagBitOF}

// Word packs the flags into RFLAGS layout.
func (f *Flags) Word() uint64 {
	w := uint64(rflagsFixed)
	for _, bit := range flagBits {
		if f.Get(bit) {
			w |= 1 << bit
		}
	}
	return w
}

// SetWord unpacks an RFLAGS value. Only the modelled flags are kept.
func (f *Flags) SetWord(w uint64) {
	for _, bit := range flagBits {
		f.Set(bit, w&(1<<bit) != 0)
	}
}

// Vec128 is a 128-bit XMM register value.
type Vec128 struct {
	Lo uint64
	Hi uint64
}

// Lane returns the i-th lane of width w.
func (v Vec128) Lane(w insts.Width, i int) uint64 {
	bits := int(w)
	off := i * bits
	if off >= 64 {
		return (v.Hi >> (off - 64)) & w.Mask()
	}
	return (v.Lo >> off) & w.Mask()
}

// WithLane returns v with the i-th lane of width w replaced.
func (v Vec128) WithLane(w insts.Width, i int, x uint64) Vec128 {
	bits := int(w)
	off := i * bits
	m := w.Mask()
	if off >= 64 {
		off -= 64
		v.Hi = (v.Hi &^ (m << off)) | ((x & m) << off)
	} else {
		v.Lo = (v.Lo &^ (m << off)) | ((x & m) << off)
	}
	return v
}

// Lanes returns the number of lanes of width w.
func Lanes(w insts.Width) int {
	return 128 / int(w)
}

// VecRegFile holds the 16 XMM registers.
type VecRegFile struct {
	X [insts.NumVecRegs]Vec128
}

// NewVecRegFile creates a zeroed XMM register file.
func NewVecRegFile() *VecRegFile {
	return &VecRegFile{}
}

// Read returns XMMn.
func (v *VecRegFile) Read(n uint8) Vec128 {
	return v.X[n]
}

// Write sets XMMn.
func (v *VecRegFile) Write(n uint8, val Vec128) {
	v.X[n] = val
}

// ReadLow returns the low w bits of XMMn.
func (v *VecRegFile) ReadLow(n uint8, w insts.Width) uint64 {
	return v.X[n].Lo & w.Mask()
}

// WriteLow replaces the low w bits of XMMn and preserves the rest.
func (v *VecRegFile) WriteLow(n uint8, w insts.Width, x uint64) {
	m := w.Mask()
	v.X[n].Lo = (v.X[n].Lo &^ m) | (x & m)
}
