package insts

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Decoding errors.
var (
	// ErrTruncated is returned when the byte stream ends inside an instruction.
	ErrTruncated = errors.New("truncated instruction")
	// ErrUnsupported is returned for instructions outside the supported subset.
	ErrUnsupported = errors.New("unsupported instruction")
)

// DecodeError reports a failure to decode the bytes at Addr.
type DecodeError struct {
	Addr  uint64
	Bytes []byte
	What  string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.What != "" {
		return fmt.Sprintf("decode at %#x (% x): %s: %v", e.Addr, e.Bytes, e.What, e.Err)
	}
	return fmt.Sprintf("decode at %#x (% x): %v", e.Addr, e.Bytes, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// opInfo maps an x86asm op onto an Op family.
type opInfo struct {
	op    Op
	cond  Cond
	lane  Width
	width Width // fixed operation width, or WidthNone to derive from operands
}

func cc(op Op, c Cond) opInfo         { return opInfo{op: op, cond: c} }
func fixed(op Op, w Width) opInfo     { return opInfo{op: op, width: w} }
func plain(op Op) opInfo              { return opInfo{op: op} }
func laneFixed(op Op, w Width) opInfo { return opInfo{op: op, lane: w, width: W128} }

var opTable = map[x86asm.Op]opInfo{
	x86asm.ADD: plain(OpADD), x86asm.ADC: plain(OpADC), x86asm.SUB: plain(OpSUB),
	x86asm.SBB: plain(OpSBB), x86asm.CMP: plain(OpCMP), x86asm.AND: plain(OpAND),
	x86asm.OR: plain(OpOR), x86asm.XOR: plain(OpXOR), x86asm.TEST: plain(OpTEST),
	x86asm.INC: plain(OpINC), x86asm.DEC: plain(OpDEC), x86asm.NEG: plain(OpNEG),
	x86asm.NOT: plain(OpNOT),

	x86asm.MUL: plain(OpMUL), x86asm.IMUL: plain(OpIMUL),
	x86asm.DIV: plain(OpDIV), x86asm.IDIV: plain(OpIDIV),

	x86asm.SHL: plain(OpSHL), x86asm.SHR: plain(OpSHR), x86asm.SAR: plain(OpSAR),
	x86asm.ROL: plain(OpROL), x86asm.ROR: plain(OpROR),
	x86asm.RCL: plain(OpRCL), x86asm.RCR: plain(OpRCR),
	x86asm.SHLD: plain(OpSHLD), x86asm.SHRD: plain(OpSHRD),

	x86asm.BT: plain(OpBT), x86asm.BTS: plain(OpBTS), x86asm.BTR: plain(OpBTR),
	x86asm.BTC: plain(OpBTC), x86asm.BSF: plain(OpBSF), x86asm.BSR: plain(OpBSR),
	x86asm.TZCNT: plain(OpTZCNT), x86asm.POPCNT: plain(OpPOPCNT),

	x86asm.MOV: plain(OpMOV), x86asm.MOVZX: plain(OpMOVZX), x86asm.MOVSX: plain(OpMOVSX),
	x86asm.MOVSXD: plain(OpMOVSXD),
	x86asm.CBW: fixed(OpCXE, W16), x86asm.CWDE: fixed(OpCXE, W32), x86asm.CDQE: fixed(OpCXE, W64),
	x86asm.CWD: fixed(OpCWD, W16), x86asm.CDQ: fixed(OpCWD, W32), x86asm.CQO: fixed(OpCWD, W64),
	x86asm.LEA: plain(OpLEA), x86asm.XCHG: plain(OpXCHG), x86asm.XADD: plain(OpXADD),
	x86asm.CMPXCHG: plain(OpCMPXCHG),

	x86asm.CMOVO: cc(OpCMOV, CondO), x86asm.CMOVNO: cc(OpCMOV, CondNO),
	x86asm.CMOVB: cc(OpCMOV, CondB), x86asm.CMOVAE: cc(OpCMOV, CondAE),
	x86asm.CMOVE: cc(OpCMOV, CondE), x86asm.CMOVNE: cc(OpCMOV, CondNE),
	x86asm.CMOVBE: cc(OpCMOV, CondBE), x86asm.CMOVA: cc(OpCMOV, CondA),
	x86asm.CMOVS: cc(OpCMOV, CondS), x86asm.CMOVNS: cc(OpCMOV, CondNS),
	x86asm.CMOVP: cc(OpCMOV, CondP), x86asm.CMOVNP: cc(OpCMOV, CondNP),
	x86asm.CMOVL: cc(OpCMOV, CondL), x86asm.CMOVGE: cc(OpCMOV, CondGE),
	x86asm.CMOVLE: cc(OpCMOV, CondLE), x86asm.CMOVG: cc(OpCMOV, CondG),

	x86asm.SETO: cc(OpSET, CondO), x86asm.SETNO: cc(OpSET, CondNO),
	x86asm.SETB: cc(OpSET, CondB), x86asm.SETAE: cc(OpSET, CondAE),
	x86asm.SETE: cc(OpSET, CondE), x86asm.SETNE: cc(OpSET, CondNE),
	x86asm.SETBE: cc(OpSET, CondBE), x86asm.SETA: cc(OpSET, CondA),
	x86asm.SETS: cc(OpSET, CondS), x86asm.SETNS: cc(OpSET, CondNS),
	x86asm.SETP: cc(OpSET, CondP), x86asm.SETNP: cc(OpSET, CondNP),
	x86asm.SETL: cc(OpSET, CondL), x86asm.SETGE: cc(OpSET, CondGE),
	x86asm.SETLE: cc(OpSET, CondLE), x86asm.SETG: cc(OpSET, CondG),

	x86asm.PUSH: plain(OpPUSH), x86asm.POP: plain(OpPOP),
	x86asm.PUSHF: fixed(OpPUSHF, W16), x86asm.PUSHFQ: fixed(OpPUSHF, W64),
	x86asm.POPF: fixed(OpPOPF, W16), x86asm.POPFQ: fixed(OpPOPF, W64),
	x86asm.LEAVE: fixed(OpLEAVE, W64), x86asm.LAHF: fixed(OpLAHF, W8), x86asm.SAHF: fixed(OpSAHF, W8),

	x86asm.JMP: fixed(OpJMP, W64),
	x86asm.JO:  {op: OpJCC, cond: CondO, width: W64}, x86asm.JNO: {op: OpJCC, cond: CondNO, width: W64},
	x86asm.JB: {op: OpJCC, cond: CondB, width: W64}, x86asm.JAE: {op: OpJCC, cond: CondAE, width: W64},
	x86asm.JE: {op: OpJCC, cond: CondE, width: W64}, x86asm.JNE: {op: OpJCC, cond: CondNE, width: W64},
	x86asm.JBE: {op: OpJCC, cond: CondBE, width: W64}, x86asm.JA: {op: OpJCC, cond: CondA, width: W64},
	x86asm.JS: {op: OpJCC, cond: CondS, width: W64}, x86asm.JNS: {op: OpJCC, cond: CondNS, width: W64},
	x86asm.JP: {op: OpJCC, cond: CondP, width: W64}, x86asm.JNP: {op: OpJCC, cond: CondNP, width: W64},
	x86asm.JL: {op: OpJCC, cond: CondL, width: W64}, x86asm.JGE: {op: OpJCC, cond: CondGE, width: W64},
	x86asm.JLE: {op: OpJCC, cond: CondLE, width: W64}, x86asm.JG: {op: OpJCC, cond: CondG, width: W64},
	x86asm.JRCXZ: fixed(OpJRCXZ, W64), x86asm.JECXZ: fixed(OpJRCXZ, W32),
	x86asm.CALL: fixed(OpCALL, W64), x86asm.RET: fixed(OpRET, W64),

	x86asm.NOP: plain(OpNOP), x86asm.PAUSE: plain(OpNOP),
	x86asm.CPUID: fixed(OpCPUID, W32), x86asm.RDTSC: fixed(OpRDTSC, W32),
	x86asm.SYSCALL: fixed(OpSYSCALL, W64), x86asm.HLT: plain(OpHLT), x86asm.UD2: plain(OpUD2),

	x86asm.MOVSB: fixed(OpMOVS, W8), x86asm.MOVSW: fixed(OpMOVS, W16),
	x86asm.MOVSD: fixed(OpMOVS, W32), x86asm.MOVSQ: fixed(OpMOVS, W64),
	x86asm.CMPSB: fixed(OpCMPS, W8), x86asm.CMPSW: fixed(OpCMPS, W16),
	x86asm.CMPSD: fixed(OpCMPS, W32), x86asm.CMPSQ: fixed(OpCMPS, W64),
	x86asm.SCASB: fixed(OpSCAS, W8), x86asm.SCASW: fixed(OpSCAS, W16),
	x86asm.SCASD: fixed(OpSCAS, W32), x86asm.SCASQ: fixed(OpSCAS, W64),
	x86asm.LODSB: fixed(OpLODS, W8), x86asm.LODSW: fixed(OpLODS, W16),
	x86asm.LODSD: fixed(OpLODS, W32), x86asm.LODSQ: fixed(OpLODS, W64),
	x86asm.STOSB: fixed(OpSTOS, W8), x86asm.STOSW: fixed(OpSTOS, W16),
	x86asm.STOSD: fixed(OpSTOS, W32), x86asm.STOSQ: fixed(OpSTOS, W64),

	x86asm.ADDSD: plain(OpADDSD), x86asm.ADDSS: plain(OpADDSS),
	x86asm.SUBSD: plain(OpSUBSD), x86asm.SUBSS: plain(OpSUBSS),
	x86asm.MULSD: plain(OpMULSD), x86asm.MULSS: plain(OpMULSS),
	x86asm.DIVSD: plain(OpDIVSD), x86asm.DIVSS: plain(OpDIVSS),
	x86asm.SQRTSD: plain(OpSQRTSD), x86asm.SQRTSS: plain(OpSQRTSS),
	x86asm.UCOMISD: plain(OpUCOMISD), x86asm.UCOMISS: plain(OpUCOMISS),
	x86asm.COMISD: plain(OpCOMISD), x86asm.COMISS: plain(OpCOMISS),
	x86asm.CMPSD_XMM: plain(OpCMPSD), x86asm.CMPSS: plain(OpCMPSS),
	x86asm.CMPPD: fixed(OpCMPPD, W128), x86asm.CMPPS: fixed(OpCMPPS, W128),
	x86asm.CVTSI2SD: plain(OpCVTSI2SD), x86asm.CVTSI2SS: plain(OpCVTSI2SS),
	x86asm.CVTSD2SI: plain(OpCVTSD2SI), x86asm.CVTSS2SI: plain(OpCVTSS2SI),
	x86asm.CVTTSD2SI: plain(OpCVTTSD2SI), x86asm.CVTTSS2SI: plain(OpCVTTSS2SI),
	x86asm.CVTSD2SS: plain(OpCVTSD2SS), x86asm.CVTSS2SD: plain(OpCVTSS2SD),
	x86asm.RSQRTPS: fixed(OpRSQRTPS, W128),

	x86asm.MOVD: plain(OpMOVD), x86asm.MOVQ: plain(OpMOVQ),
	x86asm.MOVDQA: fixed(OpMOVDQA, W128), x86asm.MOVDQU: fixed(OpMOVDQU, W128),
	x86asm.MOVAPS: fixed(OpMOVAPS, W128), x86asm.MOVAPD: fixed(OpMOVAPD, W128),
	x86asm.MOVUPS: fixed(OpMOVUPS, W128), x86asm.MOVUPD: fixed(OpMOVUPD, W128),
	x86asm.MOVSS: fixed(OpMOVSS, W32), x86asm.MOVSD_XMM: fixed(OpMOVSD, W64),
	x86asm.MOVHPS: fixed(OpMOVHPS, W64), x86asm.MOVHPD: fixed(OpMOVHPD, W64),
	x86asm.MOVLPS: fixed(OpMOVLPS, W64), x86asm.MOVLPD: fixed(OpMOVLPD, W64),

	x86asm.PADDB: laneFixed(OpPADD, W8), x86asm.PADDW: laneFixed(OpPADD, W16),
	x86asm.PADDD: laneFixed(OpPADD, W32), x86asm.PADDQ: laneFixed(OpPADD, W64),
	x86asm.PSUBB: laneFixed(OpPSUB, W8), x86asm.PSUBW: laneFixed(OpPSUB, W16),
	x86asm.PSUBD: laneFixed(OpPSUB, W32), x86asm.PSUBQ: laneFixed(OpPSUB, W64),
	x86asm.PCMPEQB: laneFixed(OpPCMPEQ, W8), x86asm.PCMPEQW: laneFixed(OpPCMPEQ, W16),
	x86asm.PCMPEQD: laneFixed(OpPCMPEQ, W32),
	x86asm.PCMPGTB: laneFixed(OpPCMPGT, W8), x86asm.PCMPGTW: laneFixed(OpPCMPGT, W16),
	x86asm.PCMPGTD: laneFixed(OpPCMPGT, W32),
	x86asm.PSLLW: laneFixed(OpPSLL, W16), x86asm.PSLLD: laneFixed(OpPSLL, W32),
	x86asm.PSLLQ: laneFixed(OpPSLL, W64),
	x86asm.PSRLW: laneFixed(OpPSRL, W16), x86asm.PSRLD: laneFixed(OpPSRL, W32),
	x86asm.PSRLQ: laneFixed(OpPSRL, W64),
	x86asm.PSRAW: laneFixed(OpPSRA, W16), x86asm.PSRAD: laneFixed(OpPSRA, W32),
	x86asm.PSLLDQ: fixed(OpPSLLDQ, W128), x86asm.PSRLDQ: fixed(OpPSRLDQ, W128),
	x86asm.PSHUFD: fixed(OpPSHUFD, W128), x86asm.PSHUFHW: fixed(OpPSHUFHW, W128),
	x86asm.PSHUFLW: fixed(OpPSHUFLW, W128),
	x86asm.PUNPCKLBW: laneFixed(OpPUNPCKL, W8), x86asm.PUNPCKLWD: laneFixed(OpPUNPCKL, W16),
	x86asm.PUNPCKLDQ: laneFixed(OpPUNPCKL, W32), x86asm.PUNPCKLQDQ: laneFixed(OpPUNPCKL, W64),
	x86asm.PUNPCKHBW: laneFixed(OpPUNPCKH, W8), x86asm.PUNPCKHWD: laneFixed(OpPUNPCKH, W16),
	x86asm.PUNPCKHDQ: laneFixed(OpPUNPCKH, W32), x86asm.PUNPCKHQDQ: laneFixed(OpPUNPCKH, W64),
	x86asm.PACKSSWB: fixed(OpPACKSSWB, W128), x86asm.PACKSSDW: fixed(OpPACKSSDW, W128),
	x86asm.PAND: fixed(OpPAND, W128), x86asm.ANDPS: fixed(OpPAND, W128), x86asm.ANDPD: fixed(OpPAND, W128),
	x86asm.PANDN: fixed(OpPANDN, W128), x86asm.ANDNPS: fixed(OpPANDN, W128), x86asm.ANDNPD: fixed(OpPANDN, W128),
	x86asm.POR: fixed(OpPOR, W128), x86asm.ORPS: fixed(OpPOR, W128), x86asm.ORPD: fixed(OpPOR, W128),
	x86asm.PXOR: fixed(OpPXOR, W128), x86asm.XORPS: fixed(OpPXOR, W128), x86asm.XORPD: fixed(OpPXOR, W128),
	x86asm.PMOVMSKB: plain(OpPMOVMSKB),
	x86asm.SHUFPS: fixed(OpSHUFPS, W128), x86asm.SHUFPD: fixed(OpSHUFPD, W128),

	x86asm.LDMXCSR: fixed(OpLDMXCSR, W32), x86asm.STMXCSR: fixed(OpSTMXCSR, W32),
	x86asm.FXSAVE: plain(OpFXSAVE), x86asm.FXRSTOR: plain(OpFXRSTOR),
}

// Decoder decodes AMD64 machine code into instructions using the x86asm
// tables.
type Decoder struct{}

// NewDecoder creates a new AMD64 instruction decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

var endbr64 = []byte{0xF3, 0x0F, 0x1E, 0xFA}

// Decode decodes the instruction at the start of code, located at addr.
func (d *Decoder) Decode(code []byte, addr uint64) (*Instruction, error) {
	if len(code) == 0 {
		return nil, &DecodeError{Addr: addr, Err: ErrTruncated}
	}

	// INT1 (ICEBP) is the interop gate; x86asm has no use for it.
	if code[0] == 0xF1 {
		return d.synth(OpINT1, W64, code[:1], addr), nil
	}
	if hasPrefix(code, endbr64) {
		return d.synth(OpNOP, WidthNone, code[:4], addr), nil
	}

	in, err := x86asm.Decode(code, 64)
	if err != nil {
		if errors.Is(err, x86asm.ErrTruncated) {
			return nil, &DecodeError{Addr: addr, Bytes: clip(code, 15), Err: ErrTruncated}
		}
		return nil, &DecodeError{Addr: addr, Bytes: clip(code, 15), Err: err}
	}

	raw := append([]byte(nil), code[:in.Len]...)
	info, ok := opTable[in.Op]
	if !ok {
		return nil, &DecodeError{Addr: addr, Bytes: raw, What: in.Op.String(), Err: ErrUnsupported}
	}

	inst := &Instruction{
		Addr:     addr,
		Bytes:    raw,
		Length:   in.Len,
		Op:       info.op,
		Cond:     info.cond,
		Lane:     info.lane,
		AddrSize: W64,
	}
	if in.AddrSize == 32 {
		inst.AddrSize = W32
	}
	inst.Prefix = convertPrefixes(in, info.op)

	if !isStringOp(info.op) {
		for _, arg := range in.Args {
			if arg == nil {
				break
			}
			op, err := convertArg(in, arg, inst.AddrSize)
			if err != nil {
				return nil, &DecodeError{Addr: addr, Bytes: raw, What: in.Op.String(), Err: err}
			}
			inst.Operands = append(inst.Operands, op)
		}
	}

	inst.Width = info.width
	if inst.Width == WidthNone {
		inst.Width = deriveWidth(in, inst.Operands)
	}
	fixImmediateWidths(inst)

	return inst, nil
}

func (d *Decoder) synth(op Op, w Width, raw []byte, addr uint64) *Instruction {
	return &Instruction{
		Addr:     addr,
		Bytes:    append([]byte(nil), raw...),
		Length:   len(raw),
		Op:       op,
		Width:    w,
		AddrSize: W64,
	}
}

func isStringOp(op Op) bool {
	switch op {
	case OpMOVS, OpCMPS, OpSCAS, OpLODS, OpSTOS:
		return true
	}
	return false
}

func convertPrefixes(in x86asm.Inst, op Op) Prefix {
	var p Prefix
	for _, pfx := range in.Prefix {
		if pfx == 0 {
			break
		}
		if pfx&x86asm.PrefixIgnored != 0 {
			continue
		}
		switch pfx & 0xFF {
		case 0xF0:
			p |= PrefixLock
		case 0xF3:
			if !isStringOp(op) {
				continue
			}
			if op == OpCMPS || op == OpSCAS {
				p |= PrefixRepZ
			} else {
				p |= PrefixRep
			}
		case 0xF2:
			if op == OpCMPS || op == OpSCAS {
				p |= PrefixRepNZ
			} else if isStringOp(op) {
				p |= PrefixRep
			}
		}
	}
	return p
}

func convertArg(in x86asm.Inst, arg x86asm.Arg, addrSize Width) (Operand, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		return convertReg(a)
	case x86asm.Mem:
		ref, err := convertMem(a, addrSize)
		if err != nil {
			return Operand{}, err
		}
		w := Width(in.MemBytes * 8)
		if w == WidthNone {
			w = Width(in.DataSize)
		}
		return MemOp(w, ref), nil
	case x86asm.Imm:
		return ImmOp(int64(a), WidthNone), nil
	case x86asm.Rel:
		return RelOp(int64(a)), nil
	default:
		return Operand{}, fmt.Errorf("operand %v: %w", arg, ErrUnsupported)
	}
}

func convertReg(r x86asm.Reg) (Operand, error) {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		idx := int(r - x86asm.AL)
		switch {
		case idx < 4:
			return RegOp(Reg(idx), W8), nil
		case idx < 8:
			return HighByteOp(Reg(idx - 4)), nil
		default:
			return RegOp(Reg(idx-4), W8), nil
		}
	case r >= x86asm.AX && r <= x86asm.R15W:
		return RegOp(Reg(r-x86asm.AX), W16), nil
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return RegOp(Reg(r-x86asm.EAX), W32), nil
	case r >= x86asm.RAX && r <= x86asm.R15:
		return RegOp(Reg(r-x86asm.RAX), W64), nil
	case r >= x86asm.X0 && r <= x86asm.X15:
		return VecOp(uint8(r-x86asm.X0), W128), nil
	default:
		return Operand{}, fmt.Errorf("register %v: %w", r, ErrUnsupported)
	}
}

func addrReg(r x86asm.Reg) (Reg, error) {
	switch {
	case r == 0:
		return RegNone, nil
	case r == x86asm.RIP || r == x86asm.EIP:
		return RIP, nil
	case r >= x86asm.RAX && r <= x86asm.R15:
		return Reg(r - x86asm.RAX), nil
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return Reg(r - x86asm.EAX), nil
	default:
		return RegNone, fmt.Errorf("address register %v: %w", r, ErrUnsupported)
	}
}

func convertMem(m x86asm.Mem, addrSize Width) (MemRef, error) {
	base, err := addrReg(m.Base)
	if err != nil {
		return MemRef{}, err
	}
	index, err := addrReg(m.Index)
	if err != nil {
		return MemRef{}, err
	}
	ref := MemRef{
		Base:     base,
		Index:    index,
		Scale:    m.Scale,
		Disp:     m.Disp,
		AddrSize: addrSize,
	}
	if ref.Scale == 0 {
		ref.Scale = 1
	}
	switch m.Segment {
	case x86asm.FS:
		ref.Seg = SegFS
	case x86asm.GS:
		ref.Seg = SegGS
	}
	return ref, nil
}

// deriveWidth picks the operation width from the first integer operand.
func deriveWidth(in x86asm.Inst, ops []Operand) Width {
	for _, op := range ops {
		if op.Kind == KindReg || op.Kind == KindMem {
			return op.Width
		}
	}
	for _, op := range ops {
		if op.Kind == KindVec {
			return W128
		}
	}
	if in.DataSize != 0 {
		return Width(in.DataSize)
	}
	return W64
}

// fixImmediateWidths gives immediates the width they are read at.
func fixImmediateWidths(inst *Instruction) {
	for i := range inst.Operands {
		op := &inst.Operands[i]
		if op.Kind != KindImm {
			continue
		}
		switch {
		case inst.Op == OpRET:
			op.Width = W16
		case i > 0 && (inst.Op == OpSHL || inst.Op == OpSHR || inst.Op == OpSAR ||
			inst.Op == OpROL || inst.Op == OpROR || inst.Op == OpRCL || inst.Op == OpRCR || inst.Op == OpSHLD || inst.Op == OpSHRD ||
			inst.Op == OpBT || inst.Op == OpBTS || inst.Op == OpBTR || inst.Op == OpBTC):
			op.Width = W8
		case inst.Width == W128 || inst.Width == WidthNone || hasVecOperand(inst):
			op.Width = W8
		default:
			op.Width = inst.Width
		}
	}
}

func hasVecOperand(inst *Instruction) bool {
	for _, op := range inst.Operands {
		if op.Kind == KindVec {
			return true
		}
	}
	return false
}

func hasPrefix(code, p []byte) bool {
	if len(code) < len(p) {
		return false
	}
	for i := range p {
		if code[i] != p[i] {
			return false
		}
	}
	return true
}

func clip(b []byte, n int) []byte {
	if len(b) > n {
		b = b[:n]
	}
	return append([]byte(nil), b...)
}
