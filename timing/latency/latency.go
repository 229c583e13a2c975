// Package latency provides instruction timing models for the AMD64 timing
// mode.
//
// Instructions are grouped into classes whose latencies come from
// TimingConfig. The defaults approximate a recent x86-64 core.
package latency

import (
	"github.com/sarchlab/amd64sim/insts"
)

// Class is an instruction latency class.
type Class int

// Latency classes.
const (
	ClassALU Class = iota
	ClassMultiply
	ClassDivide
	ClassBranch
	ClassAtomic
	ClassString
	ClassFP
	ClassFPDivide
	ClassSIMD
	ClassSystem
	ClassSyscall
)

var classNames = map[Class]string{
	ClassALU:      "alu",
	ClassMultiply: "multiply",
	ClassDivide:   "divide",
	ClassBranch:   "branch",
	ClassAtomic:   "atomic",
	ClassString:   "string",
	ClassFP:       "fp",
	ClassFPDivide: "fp-divide",
	ClassSIMD:     "simd",
	ClassSystem:   "system",
	ClassSyscall:  "syscall",
}

func (c Class) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return "unknown"
}

var opClasses = map[insts.Op]Class{
	insts.OpMUL: ClassMultiply, insts.OpIMUL: ClassMultiply,
	insts.OpDIV: ClassDivide, insts.OpIDIV: ClassDivide,

	insts.OpJMP: ClassBranch, insts.OpJCC: ClassBranch, insts.OpJRCXZ: ClassBranch,
	insts.OpCALL: ClassBranch, insts.OpRET: ClassBranch,

	insts.OpCMPXCHG: ClassAtomic,

	insts.OpMOVS: ClassString, insts.OpSTOS: ClassString, insts.OpLODS: ClassString,
	insts.OpCMPS: ClassString, insts.OpSCAS: ClassString,

	insts.OpADDSD: ClassFP, insts.OpADDSS: ClassFP, insts.OpSUBSD: ClassFP, insts.OpSUBSS: ClassFP,
	insts.OpMULSD: ClassFP, insts.OpMULSS: ClassFP,
	insts.OpCOMISD: ClassFP, insts.OpCOMISS: ClassFP, insts.OpUCOMISD: ClassFP, insts.OpUCOMISS: ClassFP,
	insts.OpCMPSD: ClassFP, insts.OpCMPSS: ClassFP, insts.OpCMPPD: ClassFP, insts.OpCMPPS: ClassFP,
	insts.OpCVTSI2SD: ClassFP, insts.OpCVTSI2SS: ClassFP, insts.OpCVTSD2SI: ClassFP, insts.OpCVTSS2SI: ClassFP,
	insts.OpCVTTSD2SI: ClassFP, insts.OpCVTTSS2SI: ClassFP, insts.OpCVTSD2SS: ClassFP, insts.OpCVTSS2SD: ClassFP,
	insts.OpRSQRTPS: ClassFP,

	insts.OpDIVSD: ClassFPDivide, insts.OpDIVSS: ClassFPDivide,
	insts.OpSQRTSD: ClassFPDivide, insts.OpSQRTSS: ClassFPDivide,

	insts.OpPADD: ClassSIMD, insts.OpPSUB: ClassSIMD, insts.OpPCMPEQ: ClassSIMD, insts.OpPCMPGT: ClassSIMD,
	insts.OpPSLL: ClassSIMD, insts.OpPSRL: ClassSIMD, insts.OpPSRA: ClassSIMD,
	insts.OpPSLLDQ: ClassSIMD, insts.OpPSRLDQ: ClassSIMD,
	insts.OpPSHUFD: ClassSIMD, insts.OpPSHUFHW: ClassSIMD, insts.OpPSHUFLW: ClassSIMD,
	insts.OpPUNPCKL: ClassSIMD, insts.OpPUNPCKH: ClassSIMD,
	insts.OpPACKSSWB: ClassSIMD, insts.OpPACKSSDW: ClassSIMD,
	insts.OpPAND: ClassSIMD, insts.OpPANDN: ClassSIMD, insts.OpPOR: ClassSIMD, insts.OpPXOR: ClassSIMD,
	insts.OpPMOVMSKB: ClassSIMD, insts.OpSHUFPS: ClassSIMD, insts.OpSHUFPD: ClassSIMD,

	insts.OpCPUID: ClassSystem, insts.OpRDTSC: ClassSystem,
	insts.OpFXSAVE: ClassSystem, insts.OpFXRSTOR: ClassSystem,
	insts.OpLDMXCSR: ClassSystem, insts.OpSTMXCSR: ClassSystem,

	insts.OpSYSCALL: ClassSyscall, insts.OpINT1: ClassSyscall,
}

// Classify returns the latency class of inst. LOCK-prefixed instructions
// and XCHG with memory are atomic regardless of their operation.
func Classify(inst *insts.Instruction) Class {
	if inst.Locked() || (inst.Op == insts.OpXCHG && inst.HasMemOperand()) {
		return ClassAtomic
	}
	if c, ok := opClasses[inst.Op]; ok {
		return c
	}
	return ClassALU
}

// Table provides instruction latency lookups.
type Table struct {
	config *TimingConfig
}

// NewTable creates a new latency table with default timing values.
func NewTable() *Table {
	return &Table{
		config: DefaultTimingConfig(),
	}
}

// NewTableWithConfig creates a new latency table with custom timing configuration.
func NewTableWithConfig(config *TimingConfig) *Table {
	return &Table{
		config: config,
	}
}

// GetLatency returns the execution latency in cycles for the given
// instruction. Divides return the typical latency for their width. String
// instructions return the cost of one iteration.
func (t *Table) GetLatency(inst *insts.Instruction) uint64 {
	if inst == nil {
		return 1
	}

	switch Classify(inst) {
	case ClassMultiply:
		return t.config.MultiplyLatency
	case ClassDivide:
		return t.divideLatency(inst.Width)
	case ClassBranch:
		return t.config.BranchLatency
	case ClassAtomic:
		return t.config.AtomicLatency
	case ClassString:
		return t.config.StringLatency
	case ClassFP:
		return t.config.FPLatency
	case ClassFPDivide:
		return t.config.FPDivideLatency
	case ClassSIMD:
		return t.config.SIMDLatency
	case ClassSystem:
		return t.config.SystemLatency
	case ClassSyscall:
		return t.config.SyscallLatency
	default:
		return t.config.ALULatency
	}
}

// divideLatency scales between the configured bounds by operand width.
func (t *Table) divideLatency(w insts.Width) uint64 {
	lo, hi := t.config.DivideLatencyMin, t.config.DivideLatencyMax
	switch w {
	case insts.W8, insts.W16:
		return lo
	case insts.W32:
		return lo + (hi-lo)/2
	default:
		return hi
	}
}

// GetMinLatency returns the minimum execution latency for variable-latency operations.
func (t *Table) GetMinLatency(inst *insts.Instruction) uint64 {
	if inst != nil && Classify(inst) == ClassDivide {
		return t.config.DivideLatencyMin
	}
	return t.GetLatency(inst)
}

// GetMaxLatency returns the maximum execution latency for variable-latency operations.
func (t *Table) GetMaxLatency(inst *insts.Instruction) uint64 {
	if inst != nil && Classify(inst) == ClassDivide {
		return t.config.DivideLatencyMax
	}
	return t.GetLatency(inst)
}

// IsMemoryOp returns true if the instruction accesses memory through an
// explicit operand or implicitly (stack, string and atomic operations).
func (t *Table) IsMemoryOp(inst *insts.Instruction) bool {
	if inst == nil || inst.Op == insts.OpLEA || inst.Op == insts.OpNOP {
		return false
	}
	if inst.HasMemOperand() {
		return true
	}
	switch inst.Op {
	case insts.OpPUSH, insts.OpPOP, insts.OpPUSHF, insts.OpPOPF,
		insts.OpCALL, insts.OpRET, insts.OpLEAVE:
		return true
	}
	return Classify(inst) == ClassString
}

// IsBranchOp returns true if the instruction is a branch operation.
func (t *Table) IsBranchOp(inst *insts.Instruction) bool {
	if inst == nil {
		return false
	}
	return Classify(inst) == ClassBranch
}

// Config returns the current timing configuration.
func (t *Table) Config() *TimingConfig {
	return t.config
}
