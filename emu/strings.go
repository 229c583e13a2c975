// Package emu provides functional AMD64 emulation.
package emu

import "github.com/sarchlab/amd64sim/insts"

// stringRegs reads and updates the implicit string registers, honouring the
// address-size override (ESI/EDI/ECX, zero-extended on write).
type stringRegs struct {
	regs *RegFile
	size insts.Width
}

func (s stringRegs) get(r insts.Reg) uint64 {
	return s.regs.Read(r, s.size, false)
}

func (s stringRegs) set(r insts.Reg, v uint64) {
	s.regs.Write(r, s.size, false, v)
}

// step advances r by one element in the direction selected by DF.
func (s stringRegs) step(r insts.Reg, w insts.Width) {
	d := uint64(w.Bytes())
	if s.regs.Flags.DF {
		s.set(r, s.get(r)-d)
	} else {
		s.set(r, s.get(r)+d)
	}
}

// stringUnit performs one element of MOVS, CMPS, SCAS, LODS or STOS.
func (x *Executor) stringUnit(op insts.Op, w insts.Width, s stringRegs) error {
	port := x.res.port

	switch op {
	case insts.OpMOVS:
		v, err := port.load(s.get(insts.RSI), w)
		if err != nil {
			return err
		}
		if err := port.store(s.get(insts.RDI), w, v); err != nil {
			return err
		}
		s.step(insts.RSI, w)
		s.step(insts.RDI, w)

	case insts.OpCMPS:
		a, err := port.load(s.get(insts.RSI), w)
		if err != nil {
			return err
		}
		c, err := port.load(s.get(insts.RDI), w)
		if err != nil {
			return err
		}
		_, f := SubFlags(w, a, c)
		f.Apply(&x.regs.Flags)
		s.step(insts.RSI, w)
		s.step(insts.RDI, w)

	case insts.OpSCAS:
		c, err := port.load(s.get(insts.RDI), w)
		if err != nil {
			return err
		}
		_, f := SubFlags(w, x.regs.Read(insts.RAX, w, false), c)
		f.Apply(&x.regs.Flags)
		s.step(insts.RDI, w)

	case insts.OpLODS:
		v, err := port.load(s.get(insts.RSI), w)
		if err != nil {
			return err
		}
		x.regs.Write(insts.RAX, w, false, v)
		s.step(insts.RSI, w)

	case insts.OpSTOS:
		if err := port.store(s.get(insts.RDI), w, x.regs.Read(insts.RAX, w, false)); err != nil {
			return err
		}
		s.step(insts.RDI, w)
	}
	return nil
}

// execString performs a string instruction, repeating it under REP, REPZ
// or REPNZ. The count register, ZF and DF are read afresh on every
// iteration.
func (x *Executor) execString(inst *insts.Instruction, b *Binding) error {
	w, err := intWidth(inst)
	if err != nil {
		return err
	}
	s := stringRegs{regs: x.regs, size: insts.W64}
	if inst.AddrSize == insts.W32 {
		s.size = insts.W32
	}

	if !inst.Prefix.Repeated() {
		return x.stringUnit(inst.Op, w, s)
	}

	for {
		n := s.get(insts.RCX)
		if n == 0 {
			return nil
		}
		if err := x.stringUnit(inst.Op, w, s); err != nil {
			return err
		}
		s.set(insts.RCX, n-1)
		x.stats.StringIterations++

		switch {
		case inst.Prefix&insts.PrefixRepZ != 0 && !x.regs.Flags.ZF:
			return nil
		case inst.Prefix&insts.PrefixRepNZ != 0 && x.regs.Flags.ZF:
			return nil
		}
	}
}
