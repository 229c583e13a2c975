// Package emu provides functional AMD64 emulation.
package emu

import "github.com/sarchlab/amd64sim/insts"

// BindState is the state of an operand Binding.
type BindState uint8

// Binding states.
const (
	BindUnbound BindState = iota
	BindBound
)

func (s BindState) String() string {
	if s == BindBound {
		return "bound"
	}
	return "unbound"
}

// Binding holds the accessors for one instruction's operands. It is bound
// lazily on first execution and rebound when the instruction's generation
// changes.
type Binding struct {
	state      BindState
	generation uint64
	ops        []Accessor
}

// State returns the current binding state.
func (b *Binding) State() BindState {
	return b.state
}

// Generation returns the instruction generation the binding was made for.
func (b *Binding) Generation() uint64 {
	return b.generation
}

// Operand returns the accessor for operand n. Missing operands read as zero.
func (b *Binding) Operand(n int) Accessor {
	if n < len(b.ops) {
		return b.ops[n]
	}
	return noneAccessor{}
}

// Len returns the number of bound operands.
func (b *Binding) Len() int {
	return len(b.ops)
}

func (b *Binding) bind(r *Resolver, inst *insts.Instruction) {
	b.ops = make([]Accessor, len(inst.Operands))
	for i, op := range inst.Operands {
		b.ops[i] = r.Bind(inst, op)
	}
	b.generation = inst.Generation()
	b.state = BindBound
}

func (b *Binding) unbind() {
	b.ops = nil
	b.state = BindUnbound
}

// stale reports whether a bound binding no longer matches inst.
func (b *Binding) stale(inst *insts.Instruction) bool {
	return b.state == BindBound && b.generation != inst.Generation()
}
