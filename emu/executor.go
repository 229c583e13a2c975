// Package emu provides functional AMD64 emulation.
package emu

import (
	"log/slog"
	"time"

	"github.com/sarchlab/amd64sim/insts"
)

// TransferKind tags a Transfer.
type TransferKind uint8

// Transfer kinds.
const (
	// TransferCompleted continues at PC.
	TransferCompleted TransferKind = iota

	// TransferNonLocal leaves every nested call level and resumes at PC in
	// the outermost driver.
	TransferNonLocal

	// TransferExit terminates the guest with ExitCode.
	TransferExit
)

func (k TransferKind) String() string {
	switch k {
	case TransferNonLocal:
		return "non-local"
	case TransferExit:
		return "exit"
	default:
		return "completed"
	}
}

// Transfer is the outcome of executing one instruction.
type Transfer struct {
	Kind     TransferKind
	PC       uint64
	ExitCode int64
}

// Completed returns a transfer that continues at pc.
func Completed(pc uint64) Transfer {
	return Transfer{Kind: TransferCompleted, PC: pc}
}

// NestedRunner runs a callee until it returns. It is used by CALL in
// CallNested mode. The callee returning to ret yields Completed(ret); any
// other return address yields NonLocal.
type NestedRunner interface {
	RunNested(target, ret uint64) (Transfer, error)
}

// Stats counts executor events.
type Stats struct {
	Executed         uint64
	CASRetries       uint64
	StringIterations uint64
	Syscalls         uint64
	NestedCalls      uint64
	Rebinds          uint64
}

// maxBindings bounds the binding cache. Instructions that come from a
// TraceRegistry are long-lived, so the limit is only reached by drivers that
// decode afresh for every step.
const maxBindings = 1 << 16

// Executor applies decoded instructions to one architectural state.
type Executor struct {
	regs *RegFile
	vecs *VecRegFile
	mem  *Memory
	res  *Resolver

	config *Config
	jrcxz  insts.Reg

	logger   *slog.Logger
	syscalls SyscallHandler
	interop  InteropHandler
	nested   NestedRunner
	tsc      func() uint64

	depth    int
	bindings map[*insts.Instruction]*Binding
	stats    Stats
}

// NewExecutor creates an executor over the given state. A nil cfg selects
// DefaultConfig.
func NewExecutor(regs *RegFile, vecs *VecRegFile, mem *Memory, cfg *Config) (*Executor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	jrcxz, _ := cfg.jrcxzReg()

	start := time.Now()
	return &Executor{
		regs:     regs,
		vecs:     vecs,
		mem:      mem,
		res:      NewResolver(regs, vecs, mem),
		config:   cfg,
		jrcxz:    jrcxz,
		logger:   slog.New(slog.DiscardHandler),
		tsc:      func() uint64 { return uint64(time.Since(start).Nanoseconds()) },
		bindings: make(map[*insts.Instruction]*Binding),
	}, nil
}

// SetLogger sets the logger for debug records.
func (x *Executor) SetLogger(l *slog.Logger) {
	x.logger = l
}

// SetSyscallHandler sets the handler for SYSCALL.
func (x *Executor) SetSyscallHandler(h SyscallHandler) {
	x.syscalls = h
}

// SetInteropHandler sets the handler for INT1 and magic SYSCALLs.
func (x *Executor) SetInteropHandler(h InteropHandler) {
	x.interop = h
}

// SetNestedRunner sets the runner used by CALL in CallNested mode.
func (x *Executor) SetNestedRunner(r NestedRunner) {
	x.nested = r
}

// SetAccessObserver sets the observer of data memory accesses.
func (x *Executor) SetAccessObserver(o AccessObserver) {
	x.res.port.observer = o
}

// Config returns the executor configuration.
func (x *Executor) Config() *Config {
	return x.config
}

type handler func(x *Executor, inst *insts.Instruction, b *Binding) (Transfer, error)

// plain adapts a handler that always falls through to the next instruction.
func plain(f func(x *Executor, inst *insts.Instruction, b *Binding) error) handler {
	return func(x *Executor, inst *insts.Instruction, b *Binding) (Transfer, error) {
		if err := f(x, inst, b); err != nil {
			return Transfer{}, err
		}
		return Completed(inst.Next()), nil
	}
}

var handlers = [insts.NumOps]handler{
	insts.OpADD:  plain((*Executor).execBinary),
	insts.OpADC:  plain((*Executor).execBinary),
	insts.OpSUB:  plain((*Executor).execBinary),
	insts.OpSBB:  plain((*Executor).execBinary),
	insts.OpCMP:  plain((*Executor).execBinary),
	insts.OpAND:  plain((*Executor).execBinary),
	insts.OpOR:   plain((*Executor).execBinary),
	insts.OpXOR:  plain((*Executor).execBinary),
	insts.OpTEST: plain((*Executor).execBinary),
	insts.OpINC:  plain((*Executor).execUnary),
	insts.OpDEC:  plain((*Executor).execUnary),
	insts.OpNEG:  plain((*Executor).execUnary),
	insts.OpNOT:  plain((*Executor).execUnary),

	insts.OpMUL:  plain((*Executor).execMul),
	insts.OpIMUL: plain((*Executor).execIMul),
	insts.OpDIV:  plain((*Executor).execDiv),
	insts.OpIDIV: plain((*Executor).execIDiv),

	insts.OpSHL:  plain((*Executor).execShift),
	insts.OpSHR:  plain((*Executor).execShift),
	insts.OpSAR:  plain((*Executor).execShift),
	insts.OpROL:  plain((*Executor).execShift),
	insts.OpROR:  plain((*Executor).execShift),
	insts.OpRCL:  plain((*Executor).execShift),
	insts.OpRCR:  plain((*Executor).execShift),
	insts.OpSHLD: plain((*Executor).execDoubleShift),
	insts.OpSHRD: plain((*Executor).execDoubleShift),

	insts.OpBT:     plain((*Executor).execBitTest),
	insts.OpBTS:    plain((*Executor).execBitTest),
	insts.OpBTR:    plain((*Executor).execBitTest),
	insts.OpBTC:    plain((*Executor).execBitTest),
	insts.OpBSF:    plain((*Executor).execBitScan),
	insts.OpBSR:    plain((*Executor).execBitScan),
	insts.OpTZCNT:  plain((*Executor).execTzcnt),
	insts.OpPOPCNT: plain((*Executor).execPopcnt),

	insts.OpMOV:     plain((*Executor).execMov),
	insts.OpMOVZX:   plain((*Executor).execMovzx),
	insts.OpMOVSX:   plain((*Executor).execMovsx),
	insts.OpMOVSXD:  plain((*Executor).execMovsx),
	insts.OpCXE:     plain((*Executor).execCxe),
	insts.OpCWD:     plain((*Executor).execCwd),
	insts.OpLEA:     plain((*Executor).execLea),
	insts.OpXCHG:    plain((*Executor).execXchg),
	insts.OpXADD:    plain((*Executor).execXadd),
	insts.OpCMPXCHG: plain((*Executor).execCmpxchg),
	insts.OpCMOV:    plain((*Executor).execCmov),
	insts.OpSET:     plain((*Executor).execSet),

	insts.OpPUSH:  plain((*Executor).execPush),
	insts.OpPOP:   plain((*Executor).execPop),
	insts.OpPUSHF: plain((*Executor).execPushf),
	insts.OpPOPF:  plain((*Executor).execPopf),
	insts.OpLEAVE: plain((*Executor).execLeave),
	insts.OpLAHF:  plain((*Executor).execLahf),
	insts.OpSAHF:  plain((*Executor).execSahf),

	insts.OpJMP:   (*Executor).execJmp,
	insts.OpJCC:   (*Executor).execJcc,
	insts.OpJRCXZ: (*Executor).execJrcxz,
	insts.OpCALL:  (*Executor).execCall,
	insts.OpRET:   (*Executor).execRet,

	insts.OpNOP:     plain((*Executor).execNop),
	insts.OpCPUID:   plain((*Executor).execCpuid),
	insts.OpRDTSC:   plain((*Executor).execRdtsc),
	insts.OpSYSCALL: (*Executor).execSyscall,
	insts.OpINT1:    (*Executor).execInt1,
	insts.OpHLT:     (*Executor).execFault,
	insts.OpUD2:     (*Executor).execFault,

	insts.OpMOVS: plain((*Executor).execString),
	insts.OpCMPS: plain((*Executor).execString),
	insts.OpSCAS: plain((*Executor).execString),
	insts.OpLODS: plain((*Executor).execString),
	insts.OpSTOS: plain((*Executor).execString),

	insts.OpADDSD:     plain((*Executor).execScalarArith),
	insts.OpADDSS:     plain((*Executor).execScalarArith),
	insts.OpSUBSD:     plain((*Executor).execScalarArith),
	insts.OpSUBSS:     plain((*Executor).execScalarArith),
	insts.OpMULSD:     plain((*Executor).execScalarArith),
	insts.OpMULSS:     plain((*Executor).execScalarArith),
	insts.OpDIVSD:     plain((*Executor).execScalarArith),
	insts.OpDIVSS:     plain((*Executor).execScalarArith),
	insts.OpSQRTSD:    plain((*Executor).execScalarSqrt),
	insts.OpSQRTSS:    plain((*Executor).execScalarSqrt),
	insts.OpUCOMISD:   plain((*Executor).execComis),
	insts.OpUCOMISS:   plain((*Executor).execComis),
	insts.OpCOMISD:    plain((*Executor).execComis),
	insts.OpCOMISS:    plain((*Executor).execComis),
	insts.OpCMPSD:     plain((*Executor).execFPCompare),
	insts.OpCMPSS:     plain((*Executor).execFPCompare),
	insts.OpCMPPD:     plain((*Executor).execFPCompare),
	insts.OpCMPPS:     plain((*Executor).execFPCompare),
	insts.OpCVTSI2SD:  plain((*Executor).execCvtIntToFloat),
	insts.OpCVTSI2SS:  plain((*Executor).execCvtIntToFloat),
	insts.OpCVTSD2SI:  plain((*Executor).execCvtFloatToInt),
	insts.OpCVTSS2SI:  plain((*Executor).execCvtFloatToInt),
	insts.OpCVTTSD2SI: plain((*Executor).execCvtFloatToInt),
	insts.OpCVTTSS2SI: plain((*Executor).execCvtFloatToInt),
	insts.OpCVTSD2SS:  plain((*Executor).execCvtFloat),
	insts.OpCVTSS2SD:  plain((*Executor).execCvtFloat),
	insts.OpRSQRTPS:   plain((*Executor).execRsqrtps),

	insts.OpMOVD:   plain((*Executor).execMovdq),
	insts.OpMOVQ:   plain((*Executor).execMovdq),
	insts.OpMOVDQA: plain((*Executor).execMovVec),
	insts.OpMOVDQU: plain((*Executor).execMovVec),
	insts.OpMOVAPS: plain((*Executor).execMovVec),
	insts.OpMOVAPD: plain((*Executor).execMovVec),
	insts.OpMOVUPS: plain((*Executor).execMovVec),
	insts.OpMOVUPD: plain((*Executor).execMovVec),
	insts.OpMOVSS:  plain((*Executor).execMovScalar),
	insts.OpMOVSD:  plain((*Executor).execMovScalar),
	insts.OpMOVHPS: plain((*Executor).execMovHalf),
	insts.OpMOVHPD: plain((*Executor).execMovHalf),
	insts.OpMOVLPS: plain((*Executor).execMovHalf),
	insts.OpMOVLPD: plain((*Executor).execMovHalf),

	insts.OpPADD:     plain((*Executor).execPackedArith),
	insts.OpPSUB:     plain((*Executor).execPackedArith),
	insts.OpPCMPEQ:   plain((*Executor).execPackedArith),
	insts.OpPCMPGT:   plain((*Executor).execPackedArith),
	insts.OpPSLL:     plain((*Executor).execPackedShift),
	insts.OpPSRL:     plain((*Executor).execPackedShift),
	insts.OpPSRA:     plain((*Executor).execPackedShift),
	insts.OpPSLLDQ:   plain((*Executor).execByteShift),
	insts.OpPSRLDQ:   plain((*Executor).execByteShift),
	insts.OpPSHUFD:   plain((*Executor).execShuffle),
	insts.OpPSHUFHW:  plain((*Executor).execShuffle),
	insts.OpPSHUFLW:  plain((*Executor).execShuffle),
	insts.OpPUNPCKL:  plain((*Executor).execUnpack),
	insts.OpPUNPCKH:  plain((*Executor).execUnpack),
	insts.OpPACKSSWB: plain((*Executor).execPack),
	insts.OpPACKSSDW: plain((*Executor).execPack),
	insts.OpPAND:     plain((*Executor).execPackedLogic),
	insts.OpPANDN:    plain((*Executor).execPackedLogic),
	insts.OpPOR:      plain((*Executor).execPackedLogic),
	insts.OpPXOR:     plain((*Executor).execPackedLogic),
	insts.OpPMOVMSKB: plain((*Executor).execPmovmskb),
	insts.OpSHUFPS:   plain((*Executor).execShufp),
	insts.OpSHUFPD:   plain((*Executor).execShufp),

	insts.OpLDMXCSR: plain((*Executor).execLdmxcsr),
	insts.OpSTMXCSR: plain((*Executor).execStmxcsr),
	insts.OpFXSAVE:  plain((*Executor).execFxsave),
	insts.OpFXRSTOR: plain((*Executor).execFxrstor),
}

// lockable lists the ops that accept a LOCK prefix on a memory destination.
var lockable = map[insts.Op]bool{
	insts.OpADD: true, insts.OpADC: true, insts.OpSUB: true, insts.OpSBB: true,
	insts.OpAND: true, insts.OpOR: true, insts.OpXOR: true,
	insts.OpINC: true, insts.OpDEC: true, insts.OpNEG: true, insts.OpNOT: true,
	insts.OpXADD: true, insts.OpCMPXCHG: true, insts.OpXCHG: true,
	insts.OpBTS: true, insts.OpBTR: true, insts.OpBTC: true,
}

// Execute applies inst to the state and returns where execution continues.
// RIP is not updated; that is the driver's job.
func (x *Executor) Execute(inst *insts.Instruction) (Transfer, error) {
	if inst.Op >= insts.NumOps || handlers[inst.Op] == nil {
		return Transfer{}, illegal(inst, "no handler for %s", inst.Op)
	}
	if inst.Locked() && (!lockable[inst.Op] || !inst.Operand(0).IsMem()) {
		return Transfer{}, illegal(inst, "LOCK prefix not allowed")
	}

	b := x.binding(inst)
	t, err := handlers[inst.Op](x, inst, b)
	if err != nil {
		return Transfer{}, err
	}
	x.stats.Executed++
	return t, nil
}

// binding returns the operand binding of inst, rebinding it if inst has
// been respecialized since it was last bound.
func (x *Executor) binding(inst *insts.Instruction) *Binding {
	b, ok := x.bindings[inst]
	if !ok {
		if len(x.bindings) >= maxBindings {
			x.bindings = make(map[*insts.Instruction]*Binding)
		}
		b = &Binding{}
		x.bindings[inst] = b
	}

	if b.stale(inst) {
		x.logger.Debug("operand binding invalidated",
			"pc", inst.Addr, "op", inst.Op.String(),
			"from_generation", b.generation, "to_generation", inst.Generation())
		b.unbind()
		x.stats.Rebinds++
	}
	if b.State() == BindUnbound {
		b.bind(x.res, inst)
	}
	return b
}

// BindingOf exposes the cached binding of inst, or nil.
func (x *Executor) BindingOf(inst *insts.Instruction) *Binding {
	return x.bindings[inst]
}

// Stats returns a snapshot of the executor counters.
func (x *Executor) Stats() Stats {
	return x.stats
}

// intWidth rejects non-integer operation widths.
func intWidth(inst *insts.Instruction) (insts.Width, error) {
	if !inst.Width.IsInteger() {
		return 0, illegal(inst, "invalid width %d", inst.Width)
	}
	return inst.Width, nil
}

func signExtend(v uint64, w insts.Width) uint64 {
	if w >= insts.W64 {
		return v
	}
	shift := 64 - uint(w)
	return uint64(int64(v<<shift) >> shift)
}

func (x *Executor) push(w insts.Width, v uint64) error {
	sp := x.regs.GPR[insts.RSP] - uint64(w.Bytes())
	if err := x.res.port.store(sp, w, v); err != nil {
		return err
	}
	x.regs.GPR[insts.RSP] = sp
	return nil
}

func (x *Executor) pop(w insts.Width) (uint64, error) {
	sp := x.regs.GPR[insts.RSP]
	v, err := x.res.port.load(sp, w)
	if err != nil {
		return 0, err
	}
	x.regs.GPR[insts.RSP] = sp + uint64(w.Bytes())
	return v, nil
}
