// Package emu provides functional AMD64 emulation.
package emu

import (
	"encoding/binary"
	"errors"

	"github.com/sarchlab/amd64sim/insts"
)

// FXSAVE area layout.
const (
	FXSaveSize       = 512
	fxsaveFCW        = 0
	fxsaveMXCSR      = 24
	fxsaveMXCSRMask  = 28
	fxsaveXMM        = 160
	defaultFCW       = 0x037F
	defaultMXCSRMask = 0xFFFF

	mxcsrRoundingControl = 0x6000
)

func (x *Executor) execNop(inst *insts.Instruction, b *Binding) error {
	return nil
}

// execCpuid performs CPUID for the leaf in EAX.
func (x *Executor) execCpuid(inst *insts.Instruction, b *Binding) error {
	leaf := uint32(x.regs.GPR[insts.RAX])
	eax, ebx, ecx, edx := x.config.CPUID.Query(leaf)
	x.regs.Write(insts.RAX, insts.W32, false, uint64(eax))
	x.regs.Write(insts.RBX, insts.W32, false, uint64(ebx))
	x.regs.Write(insts.RCX, insts.W32, false, uint64(ecx))
	x.regs.Write(insts.RDX, insts.W32, false, uint64(edx))
	return nil
}

// execRdtsc performs RDTSC: EDX:EAX = time stamp.
func (x *Executor) execRdtsc(inst *insts.Instruction, b *Binding) error {
	var v uint64
	if x.config.RDTSCFromInstructionCount {
		v = x.stats.Executed
	} else {
		v = x.tsc()
	}
	x.regs.Write(insts.RAX, insts.W32, false, v&0xFFFFFFFF)
	x.regs.Write(insts.RDX, insts.W32, false, v>>32)
	return nil
}

// execSyscall performs SYSCALL: RCX = next RIP, R11 = RFLAGS, then the
// syscall handler runs with the number in RAX.
func (x *Executor) execSyscall(inst *insts.Instruction, b *Binding) (Transfer, error) {
	num := x.regs.GPR[insts.RAX]
	x.regs.GPR[insts.RCX] = inst.Next()
	x.regs.GPR[insts.R11] = x.regs.Flags.Word()
	x.stats.Syscalls++

	if x.syscalls == nil {
		return Transfer{}, &UnimplementedError{Kind: "syscall", ID: num}
	}

	res := x.syscalls.Handle()
	if res.Err != nil {
		if num>>16 == InteropMagic && x.interop != nil && errors.Is(res.Err, ErrUnimplemented) {
			r := &x.regs.GPR
			args := [6]uint64{r[insts.RDI], r[insts.RSI], r[insts.RDX], r[insts.R10], r[insts.R8], r[insts.R9]}
			return x.callInterop(inst, uint16(num), args)
		}
		return Transfer{}, res.Err
	}

	x.logger.Debug("syscall", "num", num, "result", int64(x.regs.GPR[insts.RAX]))
	if res.Exited {
		return Transfer{Kind: TransferExit, ExitCode: res.ExitCode}, nil
	}
	return Completed(inst.Next()), nil
}

// execInt1 performs the INT1 interop gate: id in AX, arguments in RDI, RSI,
// RDX, RCX, R8 and R9.
func (x *Executor) execInt1(inst *insts.Instruction, b *Binding) (Transfer, error) {
	r := &x.regs.GPR
	id := uint16(r[insts.RAX])
	args := [6]uint64{r[insts.RDI], r[insts.RSI], r[insts.RDX], r[insts.RCX], r[insts.R8], r[insts.R9]}
	return x.callInterop(inst, id, args)
}

func (x *Executor) callInterop(inst *insts.Instruction, id uint16, args [6]uint64) (Transfer, error) {
	if x.interop == nil {
		return Transfer{}, &UnimplementedError{Kind: "interop", ID: uint64(id)}
	}

	res, err := x.interop.Call(id, args)
	if err != nil {
		return Transfer{}, err
	}
	x.logger.Debug("interop", "id", id, "value", res.Value, "float", res.Float)

	if res.Exited {
		return Transfer{Kind: TransferExit, ExitCode: res.ExitCode}, nil
	}
	if res.Float {
		x.vecs.Write(0, Vec128{Lo: res.Value})
	} else {
		x.regs.GPR[insts.RAX] = res.Value
	}
	return Completed(inst.Next()), nil
}

// execFault raises HLT and UD2, which are not permitted in user mode.
func (x *Executor) execFault(inst *insts.Instruction, b *Binding) (Transfer, error) {
	return Transfer{}, illegal(inst, "%s in user mode", inst.Op)
}

// execLdmxcsr performs LDMXCSR. Rounding control is recorded but results
// are always rounded to nearest.
func (x *Executor) execLdmxcsr(inst *insts.Instruction, b *Binding) error {
	v, err := b.Operand(0).Read(insts.W32)
	if err != nil {
		return err
	}
	if v&mxcsrRoundingControl != 0 {
		x.logger.Warn("ldmxcsr: rounding control ignored", "pc", inst.Addr, "mxcsr", v)
	}
	x.regs.MXCSR = uint32(v)
	return nil
}

// execStmxcsr performs STMXCSR.
func (x *Executor) execStmxcsr(inst *insts.Instruction, b *Binding) error {
	return b.Operand(0).Write(insts.W32, uint64(x.regs.MXCSR))
}

func (x *Executor) fxArea(inst *insts.Instruction, b *Binding) (uint64, error) {
	mem, ok := b.Operand(0).(*memAccessor)
	if !ok {
		return 0, illegal(inst, "%s needs a memory operand", inst.Op)
	}
	return mem.Address(), nil
}

// execFxsave performs FXSAVE with an empty x87 state.
func (x *Executor) execFxsave(inst *insts.Instruction, b *Binding) error {
	addr, err := x.fxArea(inst, b)
	if err != nil {
		return err
	}

	var head [fxsaveXMM]byte
	binary.LittleEndian.PutUint16(head[fxsaveFCW:], defaultFCW)
	binary.LittleEndian.PutUint32(head[fxsaveMXCSR:], x.regs.MXCSR)
	binary.LittleEndian.PutUint32(head[fxsaveMXCSRMask:], defaultMXCSRMask)
	if err := x.res.port.storeBytes(addr, head[:]); err != nil {
		return err
	}

	for i := 0; i < insts.NumVecRegs; i++ {
		if err := x.res.port.storeVec(addr+fxsaveXMM+uint64(16*i), x.vecs.Read(uint8(i))); err != nil {
			return err
		}
	}
	return nil
}

// execFxrstor performs FXRSTOR of MXCSR and the XMM registers.
func (x *Executor) execFxrstor(inst *insts.Instruction, b *Binding) error {
	addr, err := x.fxArea(inst, b)
	if err != nil {
		return err
	}

	mxcsr, err := x.res.port.load(addr+fxsaveMXCSR, insts.W32)
	if err != nil {
		return err
	}
	var xmm [insts.NumVecRegs]Vec128
	for i := range xmm {
		if xmm[i], err = x.res.port.loadVec(addr + fxsaveXMM + uint64(16*i)); err != nil {
			return err
		}
	}

	x.regs.MXCSR = uint32(mxcsr)
	for i, v := range xmm {
		x.vecs.Write(uint8(i), v)
	}
	return nil
}
