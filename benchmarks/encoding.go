package benchmarks

import "encoding/binary"

// Helpers for building x86-64 programs. Register numbers are the hardware
// encodings 0-7 (RAX..RDI). Memory operands take a base register other
// than RSP and a signed 8-bit displacement.

// Condition codes for EncodeJcc.
const (
	CondE  uint8 = 0x4
	CondNE uint8 = 0x5
	CondL  uint8 = 0xC
	CondGE uint8 = 0xD
)

const rexW = 0x48

// BuildProgram concatenates encoded instructions.
func BuildProgram(instrs ...[]byte) []byte {
	var n int
	for _, in := range instrs {
		n += len(in)
	}
	program := make([]byte, 0, n)
	for _, in := range instrs {
		program = append(program, in...)
	}
	return program
}

func modrm(mod, reg, rm uint8) byte {
	return mod<<6 | (reg&7)<<3 | rm&7
}

// EncodeMovImm32 encodes mov r32, imm32, which zero-extends into r64.
func EncodeMovImm32(r uint8, imm uint32) []byte {
	out := []byte{0xB8 + r&7, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(out[1:], imm)
	return out
}

// EncodeAddImm encodes add r64, imm8.
func EncodeAddImm(r uint8, imm int8) []byte {
	return []byte{rexW, 0x83, modrm(3, 0, r), byte(imm)}
}

// EncodeSubImm encodes sub r64, imm8.
func EncodeSubImm(r uint8, imm int8) []byte {
	return []byte{rexW, 0x83, modrm(3, 5, r), byte(imm)}
}

// EncodeAndImm encodes and r64, imm8.
func EncodeAndImm(r uint8, imm int8) []byte {
	return []byte{rexW, 0x83, modrm(3, 4, r), byte(imm)}
}

// EncodeCmpImm encodes cmp r64, imm8.
func EncodeCmpImm(r uint8, imm int8) []byte {
	return []byte{rexW, 0x83, modrm(3, 7, r), byte(imm)}
}

// EncodeAddReg encodes add dst, src on 64-bit registers.
func EncodeAddReg(dst, src uint8) []byte {
	return []byte{rexW, 0x01, modrm(3, src, dst)}
}

// EncodeImulReg encodes imul dst, src on 64-bit registers.
func EncodeImulReg(dst, src uint8) []byte {
	return []byte{rexW, 0x0F, 0xAF, modrm(3, dst, src)}
}

// EncodeDec encodes dec r64.
func EncodeDec(r uint8) []byte {
	return []byte{rexW, 0xFF, modrm(3, 1, r)}
}

// EncodeLoad64 encodes mov dst, [base+disp].
func EncodeLoad64(dst, base uint8, disp int8) []byte {
	return []byte{rexW, 0x8B, modrm(1, dst, base), byte(disp)}
}

// EncodeStore64 encodes mov [base+disp], src.
func EncodeStore64(src, base uint8, disp int8) []byte {
	return []byte{rexW, 0x89, modrm(1, src, base), byte(disp)}
}

// EncodeJcc encodes a conditional jump with an 8-bit displacement from the
// end of the jump.
func EncodeJcc(cond uint8, rel int8) []byte {
	return []byte{0x70 | cond&0xF, byte(rel)}
}

// EncodeJmp encodes jmp rel8.
func EncodeJmp(rel int8) []byte {
	return []byte{0xEB, byte(rel)}
}

// EncodeCall encodes call rel32.
func EncodeCall(rel int32) []byte {
	out := []byte{0xE8, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(out[1:], uint32(rel))
	return out
}

// EncodeRet encodes ret.
func EncodeRet() []byte {
	return []byte{0xC3}
}

// EncodeRepStosb encodes rep stosb.
func EncodeRepStosb() []byte {
	return []byte{0xF3, 0xAA}
}

// EncodeSyscall encodes syscall.
func EncodeSyscall() []byte {
	return []byte{0x0F, 0x05}
}

// EncodeExit encodes exit(rdi) as mov eax, 60; syscall.
func EncodeExit() []byte {
	return BuildProgram(EncodeMovImm32(RAX, 60), EncodeSyscall())
}

// Register encodings.
const (
	RAX uint8 = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
)
