package insts

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

var widthSuffix = map[Width]string{W8: "b", W16: "w", W32: "d", W64: "q"}

var laneSuffix = map[Op]map[Width]string{
	OpPUNPCKL: {W8: "bw", W16: "wd", W32: "dq", W64: "qdq"},
	OpPUNPCKH: {W8: "bw", W16: "wd", W32: "dq", W64: "qdq"},
}

var cxeNames = map[Width]string{W16: "cbw", W32: "cwde", W64: "cdqe"}
var cwdNames = map[Width]string{W16: "cwd", W32: "cdq", W64: "cqo"}

// Mnemonic returns the full mnemonic of inst, including repeat and lock
// prefixes, condition codes and size or lane suffixes.
func Mnemonic(inst *Instruction) string {
	var sb strings.Builder
	switch {
	case inst.Prefix&PrefixLock != 0:
		sb.WriteString("lock ")
	case inst.Prefix&PrefixRepZ != 0:
		sb.WriteString("repe ")
	case inst.Prefix&PrefixRepNZ != 0:
		sb.WriteString("repne ")
	case inst.Prefix&PrefixRep != 0:
		sb.WriteString("rep ")
	}

	switch inst.Op {
	case OpJCC, OpCMOV, OpSET:
		sb.WriteString(inst.Op.String())
		sb.WriteString(inst.Cond.String())
	case OpMOVS, OpCMPS, OpSCAS, OpLODS, OpSTOS:
		sb.WriteString(inst.Op.String())
		sb.WriteString(widthSuffix[inst.Width])
	case OpCXE:
		sb.WriteString(cxeNames[inst.Width])
	case OpCWD:
		sb.WriteString(cwdNames[inst.Width])
	case OpJRCXZ:
		if inst.Width == W32 {
			sb.WriteString("jecxz")
		} else {
			sb.WriteString("jrcxz")
		}
	case OpPUSHF, OpPOPF:
		sb.WriteString(inst.Op.String())
		if inst.Width == W64 {
			sb.WriteString("q")
		}
	default:
		sb.WriteString(inst.Op.String())
		if inst.Lane != WidthNone {
			if s, ok := laneSuffix[inst.Op][inst.Lane]; ok {
				sb.WriteString(s)
			} else {
				sb.WriteString(widthSuffix[inst.Lane])
			}
		}
	}
	return sb.String()
}

// Disassemble returns the mnemonic and the operand strings of inst. The
// format is stable per instruction; relative branch operands are rendered
// as absolute targets.
func Disassemble(inst *Instruction) (string, []string) {
	ops := make([]string, 0, len(inst.Operands))
	for _, op := range inst.Operands {
		if op.Kind == KindRel {
			target, _ := inst.Target()
			ops = append(ops, fmt.Sprintf("%#x", target))
			continue
		}
		ops = append(ops, op.String())
	}
	return Mnemonic(inst), ops
}

// Format renders inst as a single line of Intel-style assembly.
func Format(inst *Instruction) string {
	mnemonic, ops := Disassemble(inst)
	if len(ops) == 0 {
		return mnemonic
	}
	return mnemonic + " " + strings.Join(ops, ", ")
}

// IntelSyntax renders the raw bytes of inst with the x86asm formatter. It
// falls back to Format for synthesized instructions.
func IntelSyntax(inst *Instruction) string {
	if len(inst.Bytes) == 0 {
		return Format(inst)
	}
	in, err := x86asm.Decode(inst.Bytes, 64)
	if err != nil {
		return Format(inst)
	}
	return x86asm.IntelSyntax(in, inst.Addr, nil)
}
