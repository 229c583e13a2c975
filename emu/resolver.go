// Package emu provides functional AMD64 emulation.
package emu

import "github.com/sarchlab/amd64sim/insts"

// Resolver binds decoded operands to accessors over one architectural
// state. Binding has no side effects and performs no bounds checks; faults
// come from Memory when an access is made.
type Resolver struct {
	regs *RegFile
	vecs *VecRegFile
	port *dataPort
}

// NewResolver creates a resolver over the given state.
func NewResolver(regs *RegFile, vecs *VecRegFile, mem *Memory) *Resolver {
	return &Resolver{regs: regs, vecs: vecs, port: &dataPort{mem: mem}}
}

// Bind returns an accessor for op as it appears in inst.
func (r *Resolver) Bind(inst *insts.Instruction, op insts.Operand) Accessor {
	switch op.Kind {
	case insts.KindReg:
		return &regAccessor{regs: r.regs, reg: op.Reg, high: op.High}
	case insts.KindMem:
		return &memAccessor{res: r, ref: op.Mem, next: inst.Next()}
	case insts.KindImm:
		return &immAccessor{v: op.Imm}
	case insts.KindVec:
		return &vecAccessor{vecs: r.vecs, idx: uint8(op.Reg)}
	case insts.KindRel:
		return &immAccessor{v: int64(inst.Next()) + op.Imm}
	default:
		return noneAccessor{}
	}
}

// EffectiveAddress computes seg:[base + index*scale + disp]. next is the
// address used for RIP-relative operands.
func (r *Resolver) EffectiveAddress(next uint64, m insts.MemRef) uint64 {
	var addr uint64
	switch m.Base {
	case insts.RegNone:
	case insts.RIP:
		addr = next
	default:
		addr = r.regs.GPR[m.Base]
	}
	if m.Index != insts.RegNone {
		addr += r.regs.GPR[m.Index] * uint64(m.Scale)
	}
	addr += uint64(m.Disp)

	if m.AddrSize == insts.W32 {
		addr &= 0xFFFFFFFF
	}

	switch m.Seg {
	case insts.SegFS:
		addr += r.regs.FSBase
	case insts.SegGS:
		addr += r.regs.GSBase
	}
	return addr
}
