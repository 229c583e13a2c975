// Package emu provides functional AMD64 emulation.
package emu

import "github.com/sarchlab/amd64sim/insts"

// target resolves the destination of JMP and CALL: the decode-time target
// for relative forms, otherwise the 64-bit value of the operand.
func (x *Executor) target(inst *insts.Instruction, b *Binding) (uint64, error) {
	if t, ok := inst.Target(); ok {
		return t, nil
	}
	return b.Operand(0).Read(insts.W64)
}

// execJmp performs JMP.
func (x *Executor) execJmp(inst *insts.Instruction, b *Binding) (Transfer, error) {
	t, err := x.target(inst, b)
	if err != nil {
		return Transfer{}, err
	}
	return Completed(t), nil
}

// execJcc performs Jcc: branch to Addr+Len+rel if the condition holds.
func (x *Executor) execJcc(inst *insts.Instruction, b *Binding) (Transfer, error) {
	t, ok := inst.Target()
	if !ok {
		return Transfer{}, illegal(inst, "conditional jump without displacement")
	}
	if Condition(inst.Cond, &x.regs.Flags) {
		return Completed(t), nil
	}
	return Completed(inst.Next()), nil
}

// execJrcxz performs JRCXZ/JECXZ on the configured count register.
func (x *Executor) execJrcxz(inst *insts.Instruction, b *Binding) (Transfer, error) {
	t, ok := inst.Target()
	if !ok {
		return Transfer{}, illegal(inst, "jrcxz without displacement")
	}
	w := insts.W64
	if inst.Width == insts.W32 {
		w = insts.W32
	}
	if x.regs.Read(x.jrcxz, w, false) == 0 {
		return Completed(t), nil
	}
	return Completed(inst.Next()), nil
}

// execCall performs CALL: push the return address and transfer to the
// target. In CallNested mode the callee runs to completion first.
func (x *Executor) execCall(inst *insts.Instruction, b *Binding) (Transfer, error) {
	t, err := x.target(inst, b)
	if err != nil {
		return Transfer{}, err
	}
	ret := inst.Next()
	if err := x.push(insts.W64, ret); err != nil {
		return Transfer{}, err
	}

	if x.config.CallMode != CallNested || x.nested == nil {
		return Completed(t), nil
	}

	if x.depth >= x.config.MaxNestingDepth {
		return Transfer{}, ErrNestingTooDeep
	}
	x.depth++
	x.stats.NestedCalls++
	x.logger.Debug("nested call", "target", t, "ret", ret, "depth", x.depth)

	res, err := x.nested.RunNested(t, ret)
	x.depth--
	if err != nil {
		return Transfer{}, err
	}

	x.logger.Debug("nested return", "kind", res.Kind.String(), "pc", res.PC, "depth", x.depth)
	return res, nil
}

// execRet performs RET: pop the return address, then release imm16 extra
// bytes of stack.
func (x *Executor) execRet(inst *insts.Instruction, b *Binding) (Transfer, error) {
	ret, err := x.pop(insts.W64)
	if err != nil {
		return Transfer{}, err
	}
	if b.Len() > 0 {
		n, err := b.Operand(0).Read(insts.W16)
		if err != nil {
			return Transfer{}, err
		}
		x.regs.GPR[insts.RSP] += n
	}
	return Completed(ret), nil
}

// IsControlFlow reports whether inst ends a basic block. CALL only ends a
// block in CallInterpret mode; in CallNested mode it returns to the next
// instruction.
func IsControlFlow(inst *insts.Instruction, cfg *Config) bool {
	switch inst.Op {
	case insts.OpJMP, insts.OpJCC, insts.OpJRCXZ, insts.OpRET,
		insts.OpHLT, insts.OpUD2:
		return true
	case insts.OpCALL:
		return cfg == nil || cfg.CallMode != CallNested
	}
	return false
}

// BranchTargets returns the statically known successors of a control
// transfer. Indirect forms and RET have none.
func BranchTargets(inst *insts.Instruction) []uint64 {
	t, ok := inst.Target()
	if !ok {
		return nil
	}
	switch inst.Op {
	case insts.OpJCC, insts.OpJRCXZ:
		return []uint64{t, inst.Next()}
	case insts.OpJMP, insts.OpCALL:
		return []uint64{t}
	}
	return nil
}
