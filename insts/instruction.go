package insts

// Instruction is a decoded AMD64 instruction.
//
// Instructions are created once and may be executed many times. The operand
// shapes never change after decode except through Respecialize, which bumps
// the generation so that cached operand bindings are explicitly invalidated.
type Instruction struct {
	Addr   uint64 // Address of the first byte
	Bytes  []byte // Raw encoding (nil for synthesized instructions)
	Length int    // Encoded length in bytes

	Op    Op
	Width Width // Operation width class
	Lane  Width // Lane width for packed integer ops
	Cond  Cond  // Predicate for Jcc/CMOVcc/SETcc

	Prefix   Prefix
	AddrSize Width // W64, or W32 with the address-size override

	Operands []Operand

	generation uint64
}

// New creates a synthesized instruction. The address and length default to
// zero and can be set with At.
func New(op Op, w Width, operands ...Operand) *Instruction {
	return &Instruction{
		Op:       op,
		Width:    w,
		AddrSize: W64,
		Operands: operands,
	}
}

// At sets the address and encoded length.
func (i *Instruction) At(addr uint64, length int) *Instruction {
	i.Addr = addr
	i.Length = length
	return i
}

// WithCond sets the condition code.
func (i *Instruction) WithCond(c Cond) *Instruction {
	i.Cond = c
	return i
}

// WithPrefix adds prefixes.
func (i *Instruction) WithPrefix(p Prefix) *Instruction {
	i.Prefix |= p
	return i
}

// WithLane sets the packed lane width.
func (i *Instruction) WithLane(w Width) *Instruction {
	i.Lane = w
	return i
}

// WithAddrSize sets the address size used by implicit string operands.
func (i *Instruction) WithAddrSize(w Width) *Instruction {
	i.AddrSize = w
	return i
}

// Next returns the address of the following instruction.
func (i *Instruction) Next() uint64 {
	return i.Addr + uint64(i.Length)
}

// Target returns the decode-time branch target for relative branches.
func (i *Instruction) Target() (uint64, bool) {
	if len(i.Operands) == 0 || i.Operands[0].Kind != KindRel {
		return 0, false
	}
	return i.Next() + uint64(i.Operands[0].Imm), true
}

// Locked reports whether the LOCK prefix is present.
func (i *Instruction) Locked() bool {
	return i.Prefix&PrefixLock != 0
}

// Generation identifies the current operand specialization.
func (i *Instruction) Generation() uint64 {
	return i.generation
}

// Respecialize replaces the operand list and invalidates every binding made
// against the previous operands. It must not race with execution of i.
func (i *Instruction) Respecialize(operands []Operand) {
	i.Operands = operands
	i.generation++
}

// Operand returns the n-th operand, or a KindNone operand.
func (i *Instruction) Operand(n int) Operand {
	if n < len(i.Operands) {
		return i.Operands[n]
	}
	return Operand{}
}

// HasMemOperand reports whether any operand references memory.
func (i *Instruction) HasMemOperand() bool {
	for _, op := range i.Operands {
		if op.Kind == KindMem {
			return true
		}
	}
	return false
}
