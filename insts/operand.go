package insts

import (
	"fmt"
	"strings"
)

// Reg identifies a general-purpose register storage cell in encoding order.
type Reg uint8

// General-purpose registers.
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	// RIP is only valid as a memory base (RIP-relative addressing).
	RIP Reg = 0xFE
	// RegNone marks an absent base or index.
	RegNone Reg = 0xFF
)

// NumGPRs is the number of general-purpose registers.
const NumGPRs = 16

// NumVecRegs is the number of XMM registers.
const NumVecRegs = 16

var (
	gpr64Names = [NumGPRs]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
	gpr32Names = [NumGPRs]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
		"r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}
	gpr16Names = [NumGPRs]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
		"r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"}
	gpr8Names = [NumGPRs]string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil",
		"r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"}
	highNames = [4]string{"ah", "ch", "dh", "bh"}
)

// Name returns the register name at width w.
func (r Reg) Name(w Width) string {
	switch {
	case r == RIP:
		return "rip"
	case r >= NumGPRs:
		return "?"
	}
	switch w {
	case W8:
		return gpr8Names[r]
	case W16:
		return gpr16Names[r]
	case W32:
		return gpr32Names[r]
	default:
		return gpr64Names[r]
	}
}

func (r Reg) String() string {
	return r.Name(W64)
}

// Seg is a segment override. Only FS and GS have a non-zero base in long mode.
type Seg uint8

// Segment overrides.
const (
	SegNone Seg = iota
	SegFS
	SegGS
)

func (s Seg) String() string {
	switch s {
	case SegFS:
		return "fs"
	case SegGS:
		return "gs"
	default:
		return ""
	}
}

// OperandKind tags the Operand variant.
type OperandKind uint8

// Operand kinds.
const (
	KindNone OperandKind = iota
	KindReg              // general-purpose register sub-view
	KindMem              // memory reference
	KindImm              // immediate (read-only)
	KindVec              // XMM register
	KindRel              // branch displacement relative to the next instruction
)

// MemRef describes a memory addressing mode:
// seg:[base + index*scale + disp].
type MemRef struct {
	Base     Reg
	Index    Reg
	Scale    uint8
	Disp     int64
	Seg      Seg
	AddrSize Width
}

// Operand is a decoded operand descriptor.
type Operand struct {
	Kind  OperandKind
	Width Width

	// Reg is the GPR for KindReg and the XMM index for KindVec.
	Reg Reg
	// High selects AH/CH/DH/BH for 8-bit KindReg operands.
	High bool

	Mem MemRef

	// Imm is the immediate for KindImm and the displacement for KindRel.
	Imm int64
}

// RegOp returns a register operand.
func RegOp(r Reg, w Width) Operand {
	return Operand{Kind: KindReg, Reg: r, Width: w}
}

// HighByteOp returns one of AH, CH, DH, BH. r must be RAX..RBX.
func HighByteOp(r Reg) Operand {
	return Operand{Kind: KindReg, Reg: r, Width: W8, High: true}
}

// MemOp returns a memory operand of width w.
func MemOp(w Width, m MemRef) Operand {
	if m.AddrSize == WidthNone {
		m.AddrSize = W64
	}
	return Operand{Kind: KindMem, Width: w, Mem: m}
}

// ImmOp returns an immediate operand. v is kept sign-extended.
func ImmOp(v int64, w Width) Operand {
	return Operand{Kind: KindImm, Imm: v, Width: w}
}

// VecOp returns an XMM register operand accessed at width w.
func VecOp(idx uint8, w Width) Operand {
	return Operand{Kind: KindVec, Reg: Reg(idx), Width: w}
}

// RelOp returns a relative branch displacement.
func RelOp(disp int64) Operand {
	return Operand{Kind: KindRel, Imm: disp, Width: W64}
}

// BaseDisp returns [base + disp].
func BaseDisp(base Reg, disp int64) MemRef {
	return MemRef{Base: base, Index: RegNone, Scale: 1, Disp: disp, AddrSize: W64}
}

// SIB returns [base + index*scale + disp].
func SIB(base, index Reg, scale uint8, disp int64) MemRef {
	return MemRef{Base: base, Index: index, Scale: scale, Disp: disp, AddrSize: W64}
}

// Absolute returns [disp] with no base or index.
func Absolute(addr uint64) MemRef {
	return MemRef{Base: RegNone, Index: RegNone, Scale: 1, Disp: int64(addr), AddrSize: W64}
}

// IsMem reports whether the operand references memory.
func (o Operand) IsMem() bool {
	return o.Kind == KindMem
}

var sizeNames = map[Width]string{
	W8: "byte", W16: "word", W32: "dword", W64: "qword", W128: "xmmword",
}

func (m MemRef) String() string {
	var sb strings.Builder
	if m.Seg != SegNone {
		sb.WriteString(m.Seg.String())
		sb.WriteByte(':')
	}
	sb.WriteByte('[')

	terms := 0
	if m.Base != RegNone {
		sb.WriteString(m.Base.Name(m.AddrSize))
		terms++
	}
	if m.Index != RegNone {
		if terms > 0 {
			sb.WriteByte('+')
		}
		sb.WriteString(m.Index.Name(m.AddrSize))
		if m.Scale > 1 {
			fmt.Fprintf(&sb, "*%d", m.Scale)
		}
		terms++
	}
	switch {
	case terms == 0:
		fmt.Fprintf(&sb, "%#x", uint64(m.Disp))
	case m.Disp > 0:
		fmt.Fprintf(&sb, "+%#x", m.Disp)
	case m.Disp < 0:
		fmt.Fprintf(&sb, "-%#x", -m.Disp)
	}
	sb.WriteByte(']')
	return sb.String()
}

func (o Operand) String() string {
	switch o.Kind {
	case KindReg:
		if o.High {
			return highNames[o.Reg&3]
		}
		return o.Reg.Name(o.Width)
	case KindMem:
		if name, ok := sizeNames[o.Width]; ok {
			return name + " ptr " + o.Mem.String()
		}
		return o.Mem.String()
	case KindImm:
		return fmt.Sprintf("%#x", uint64(o.Imm)&o.Width.Mask())
	case KindVec:
		return fmt.Sprintf("xmm%d", o.Reg)
	case KindRel:
		if o.Imm < 0 {
			return fmt.Sprintf(".-%#x", -o.Imm)
		}
		return fmt.Sprintf(".+%#x", o.Imm)
	default:
		return ""
	}
}
