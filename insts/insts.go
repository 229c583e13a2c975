// Package insts provides AMD64 instruction definitions and decoding.
//
// An Instruction is an immutable record produced once by the Decoder and
// executed many times by the emulator. Operands are tagged variants
// (register, memory, immediate, vector register, relative displacement)
// whose shapes are decode-time constants.
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	inst, err := decoder.Decode([]byte{0x48, 0x01, 0xd8}, 0x401000) // add rax, rbx
//	fmt.Println(insts.Format(inst))
package insts

// Op represents an AMD64 mnemonic family.
type Op uint16

// AMD64 mnemonic families. Condition-code families (Jcc, CMOVcc, SETcc)
// carry their predicate in Instruction.Cond; packed integer families carry
// their lane width in Instruction.Lane.
const (
	OpUnknown Op = iota

	// Integer arithmetic and logic.
	OpADD
	OpADC
	OpSUB
	OpSBB
	OpCMP
	OpAND
	OpOR
	OpXOR
	OpTEST
	OpINC
	OpDEC
	OpNEG
	OpNOT

	// Multiply and divide.
	OpMUL
	OpIMUL
	OpDIV
	OpIDIV

	// Shifts and rotates.
	OpSHL
	OpSHR
	OpSAR
	OpROL
	OpROR
	OpRCL
	OpRCR
	OpSHLD
	OpSHRD

	// Bit operations.
	OpBT
	OpBTS
	OpBTR
	OpBTC
	OpBSF
	OpBSR
	OpTZCNT
	OpPOPCNT

	// Data movement.
	OpMOV
	OpMOVZX
	OpMOVSX
	OpMOVSXD
	OpCXE // CBW/CWDE/CDQE
	OpCWD // CWD/CDQ/CQO
	OpLEA
	OpXCHG
	OpXADD
	OpCMPXCHG
	OpCMOV
	OpSET

	// Stack.
	OpPUSH
	OpPOP
	OpPUSHF
	OpPOPF
	OpLEAVE
	OpLAHF
	OpSAHF

	// Control transfer.
	OpJMP
	OpJCC
	OpJRCXZ
	OpCALL
	OpRET

	// System.
	OpNOP
	OpCPUID
	OpRDTSC
	OpSYSCALL
	OpINT1
	OpHLT
	OpUD2

	// Strings.
	OpMOVS
	OpCMPS
	OpSCAS
	OpLODS
	OpSTOS

	// Scalar and packed floating point.
	OpADDSD
	OpADDSS
	OpSUBSD
	OpSUBSS
	OpMULSD
	OpMULSS
	OpDIVSD
	OpDIVSS
	OpSQRTSD
	OpSQRTSS
	OpUCOMISD
	OpUCOMISS
	OpCOMISD
	OpCOMISS
	OpCMPSD
	OpCMPSS
	OpCMPPD
	OpCMPPS
	OpCVTSI2SD
	OpCVTSI2SS
	OpCVTSD2SI
	OpCVTSS2SI
	OpCVTTSD2SI
	OpCVTTSS2SI
	OpCVTSD2SS
	OpCVTSS2SD
	OpRSQRTPS

	// Vector moves.
	OpMOVD
	OpMOVQ
	OpMOVDQA
	OpMOVDQU
	OpMOVAPS
	OpMOVAPD
	OpMOVUPS
	OpMOVUPD
	OpMOVSS
	OpMOVSD
	OpMOVHPS
	OpMOVHPD
	OpMOVLPS
	OpMOVLPD

	// Packed integer.
	OpPADD
	OpPSUB
	OpPCMPEQ
	OpPCMPGT
	OpPSLL
	OpPSRL
	OpPSRA
	OpPSLLDQ
	OpPSRLDQ
	OpPSHUFD
	OpPSHUFHW
	OpPSHUFLW
	OpPUNPCKL
	OpPUNPCKH
	OpPACKSSWB
	OpPACKSSDW
	OpPAND
	OpPANDN
	OpPOR
	OpPXOR
	OpPMOVMSKB
	OpSHUFPS
	OpSHUFPD

	// Processor state.
	OpLDMXCSR
	OpSTMXCSR
	OpFXSAVE
	OpFXRSTOR

	// NumOps is the size of per-op dispatch tables.
	NumOps
)

var opNames = [NumOps]string{
	OpUnknown: "(bad)",
	OpADD:     "add", OpADC: "adc", OpSUB: "sub", OpSBB: "sbb", OpCMP: "cmp",
	OpAND: "and", OpOR: "or", OpXOR: "xor", OpTEST: "test",
	OpINC: "inc", OpDEC: "dec", OpNEG: "neg", OpNOT: "not",
	OpMUL: "mul", OpIMUL: "imul", OpDIV: "div", OpIDIV: "idiv",
	OpSHL: "shl", OpSHR: "shr", OpSAR: "sar", OpROL: "rol", OpROR: "ror",
	OpRCL: "rcl", OpRCR: "rcr",
	OpSHLD: "shld", OpSHRD: "shrd",
	OpBT: "bt", OpBTS: "bts", OpBTR: "btr", OpBTC: "btc",
	OpBSF: "bsf", OpBSR: "bsr", OpTZCNT: "tzcnt", OpPOPCNT: "popcnt",
	OpMOV: "mov", OpMOVZX: "movzx", OpMOVSX: "movsx", OpMOVSXD: "movsxd",
	OpCXE: "cxe", OpCWD: "cwd", OpLEA: "lea", OpXCHG: "xchg", OpXADD: "xadd",
	OpCMPXCHG: "cmpxchg", OpCMOV: "cmov", OpSET: "set",
	OpPUSH: "push", OpPOP: "pop", OpPUSHF: "pushf", OpPOPF: "popf",
	OpLEAVE: "leave", OpLAHF: "lahf", OpSAHF: "sahf",
	OpJMP: "jmp", OpJCC: "j", OpJRCXZ: "jrcxz", OpCALL: "call", OpRET: "ret",
	OpNOP: "nop", OpCPUID: "cpuid", OpRDTSC: "rdtsc", OpSYSCALL: "syscall",
	OpINT1: "int1", OpHLT: "hlt", OpUD2: "ud2",
	OpMOVS: "movs", OpCMPS: "cmps", OpSCAS: "scas", OpLODS: "lods", OpSTOS: "stos",
	OpADDSD: "addsd", OpADDSS: "addss", OpSUBSD: "subsd", OpSUBSS: "subss",
	OpMULSD: "mulsd", OpMULSS: "mulss", OpDIVSD: "divsd", OpDIVSS: "divss",
	OpSQRTSD: "sqrtsd", OpSQRTSS: "sqrtss",
	OpUCOMISD: "ucomisd", OpUCOMISS: "ucomiss", OpCOMISD: "comisd", OpCOMISS: "comiss",
	OpCMPSD: "cmpsd", OpCMPSS: "cmpss", OpCMPPD: "cmppd", OpCMPPS: "cmpps",
	OpCVTSI2SD: "cvtsi2sd", OpCVTSI2SS: "cvtsi2ss", OpCVTSD2SI: "cvtsd2si",
	OpCVTSS2SI: "cvtss2si", OpCVTTSD2SI: "cvttsd2si", OpCVTTSS2SI: "cvttss2si",
	OpCVTSD2SS: "cvtsd2ss", OpCVTSS2SD: "cvtss2sd", OpRSQRTPS: "rsqrtps",
	OpMOVD: "movd", OpMOVQ: "movq", OpMOVDQA: "movdqa", OpMOVDQU: "movdqu",
	OpMOVAPS: "movaps", OpMOVAPD: "movapd", OpMOVUPS: "movups", OpMOVUPD: "movupd",
	OpMOVSS: "movss", OpMOVSD: "movsd", OpMOVHPS: "movhps", OpMOVHPD: "movhpd",
	OpMOVLPS: "movlps", OpMOVLPD: "movlpd",
	OpPADD: "padd", OpPSUB: "psub", OpPCMPEQ: "pcmpeq", OpPCMPGT: "pcmpgt",
	OpPSLL: "psll", OpPSRL: "psrl", OpPSRA: "psra", OpPSLLDQ: "pslldq", OpPSRLDQ: "psrldq",
	OpPSHUFD: "pshufd", OpPSHUFHW: "pshufhw", OpPSHUFLW: "pshuflw",
	OpPUNPCKL: "punpckl", OpPUNPCKH: "punpckh",
	OpPACKSSWB: "packsswb", OpPACKSSDW: "packssdw",
	OpPAND: "pand", OpPANDN: "pandn", OpPOR: "por", OpPXOR: "pxor",
	OpPMOVMSKB: "pmovmskb", OpSHUFPS: "shufps", OpSHUFPD: "shufpd",
	OpLDMXCSR: "ldmxcsr", OpSTMXCSR: "stmxcsr", OpFXSAVE: "fxsave", OpFXRSTOR: "fxrstor",
}

// String returns the base mnemonic of the op family.
func (op Op) String() string {
	if op < NumOps && opNames[op] != "" {
		return opNames[op]
	}
	return opNames[OpUnknown]
}

// Cond represents an AMD64 condition code, in encoding order.
type Cond uint8

// AMD64 condition codes.
const (
	CondO  Cond = 0x0 // Overflow (OF)
	CondNO Cond = 0x1 // No overflow (!OF)
	CondB  Cond = 0x2 // Below / carry (CF)
	CondAE Cond = 0x3 // Above or equal (!CF)
	CondE  Cond = 0x4 // Equal (ZF)
	CondNE Cond = 0x5 // Not equal (!ZF)
	CondBE Cond = 0x6 // Below or equal (CF || ZF)
	CondA  Cond = 0x7 // Above (!CF && !ZF)
	CondS  Cond = 0x8 // Sign (SF)
	CondNS Cond = 0x9 // No sign (!SF)
	CondP  Cond = 0xA // Parity even (PF)
	CondNP Cond = 0xB // Parity odd (!PF)
	CondL  Cond = 0xC // Less (SF != OF)
	CondGE Cond = 0xD // Greater or equal (SF == OF)
	CondLE Cond = 0xE // Less or equal (ZF || SF != OF)
	CondG  Cond = 0xF // Greater (!ZF && SF == OF)
)

var condNames = [16]string{
	"o", "no", "b", "ae", "e", "ne", "be", "a",
	"s", "ns", "p", "np", "l", "ge", "le", "g",
}

func (c Cond) String() string {
	return condNames[c&0xF]
}

// Width is an operand or lane width in bits.
type Width uint8

// Operand widths.
const (
	WidthNone Width = 0
	W8        Width = 8
	W16       Width = 16
	W32       Width = 32
	W64       Width = 64
	W128      Width = 128
)

// Bytes returns the width in bytes.
func (w Width) Bytes() int {
	return int(w) / 8
}

// Mask returns a mask covering the low w bits. W128 and wider return all ones.
func (w Width) Mask() uint64 {
	if w >= W64 {
		return ^uint64(0)
	}
	return (uint64(1) << w) - 1
}

// SignBit returns the most significant bit of a w-bit integer.
func (w Width) SignBit() uint64 {
	if w > W64 {
		return 1 << 63
	}
	return uint64(1) << (w - 1)
}

// IsInteger reports whether w is a general-purpose integer width.
func (w Width) IsInteger() bool {
	return w == W8 || w == W16 || w == W32 || w == W64
}

// Prefix is a set of execution-relevant legacy prefixes.
type Prefix uint8

// Legacy prefixes.
const (
	PrefixLock  Prefix = 1 << iota // F0
	PrefixRep                      // F3 on MOVS/LODS/STOS
	PrefixRepZ                     // F3 on CMPS/SCAS
	PrefixRepNZ                    // F2 on CMPS/SCAS
)

// Repeated reports whether any repeat prefix is present.
func (p Prefix) Repeated() bool {
	return p&(PrefixRep|PrefixRepZ|PrefixRepNZ) != 0
}
