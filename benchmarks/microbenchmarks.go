package benchmarks

// DataBase is the address of the page every benchmark may use for data.
const DataBase = 0x600000

// GetMicrobenchmarks returns the standard set of microbenchmarks. Each one
// targets a single part of the timing model.
func GetMicrobenchmarks() []Benchmark {
	return []Benchmark{
		arithmeticSequential(),
		dependencyChain(),
		memorySequential(),
		functionCalls(),
		branchLoop(),
		stringFill(),
		multiplyChain(),
	}
}

// GetCoreBenchmarks returns a quick subset: a loop, memory and calls.
func GetCoreBenchmarks() []Benchmark {
	return []Benchmark{
		branchLoop(),
		memorySequential(),
		functionCalls(),
	}
}

func arithmeticSequential() Benchmark {
	regs := []uint8{RDI, RSI, RDX, RBX, RCX}
	code := [][]byte{EncodeMovImm32(RDI, 0)}
	for i := 0; i < 20; i++ {
		code = append(code, EncodeAddImm(regs[i%len(regs)], 1))
	}
	code = append(code, EncodeExit())

	return Benchmark{
		Name:         "arithmetic_sequential",
		Description:  "20 independent ADDs over 5 registers - ALU latency",
		Program:      BuildProgram(code...),
		ExpectedExit: 4,
	}
}

func dependencyChain() Benchmark {
	code := [][]byte{EncodeMovImm32(RDI, 0)}
	for i := 0; i < 20; i++ {
		code = append(code, EncodeAddImm(RDI, 1))
	}
	code = append(code, EncodeExit())

	return Benchmark{
		Name:         "dependency_chain",
		Description:  "20 dependent ADDs to RDI",
		Program:      BuildProgram(code...),
		ExpectedExit: 20,
	}
}

func memorySequential() Benchmark {
	code := [][]byte{
		EncodeMovImm32(RBX, DataBase),
		EncodeMovImm32(RCX, 5),
	}
	for i := 0; i < 5; i++ {
		code = append(code, EncodeStore64(RCX, RBX, int8(i*8)))
	}
	code = append(code, EncodeLoad64(RDI, RBX, 16), EncodeExit())

	return Benchmark{
		Name:         "memory_sequential",
		Description:  "5 stores and a load within one cache line - L1D hits after one miss",
		Program:      BuildProgram(code...),
		ExpectedExit: 5,
	}
}

func functionCalls() Benchmark {
	const calls = 5
	prologue := EncodeMovImm32(RDI, 0)
	exit := EncodeExit()
	callLen := len(EncodeCall(0))
	fn := len(prologue) + calls*callLen + len(exit)

	code := [][]byte{prologue}
	for i := 0; i < calls; i++ {
		next := len(prologue) + (i+1)*callLen
		code = append(code, EncodeCall(int32(fn-next)))
	}
	code = append(code, exit, EncodeAddImm(RDI, 1), EncodeRet())

	return Benchmark{
		Name:         "function_calls",
		Description:  "5 CALL/RET pairs to a leaf function - stack traffic",
		Program:      BuildProgram(code...),
		ExpectedExit: calls,
	}
}

func branchLoop() Benchmark {
	body := BuildProgram(EncodeAddImm(RDI, 1), EncodeDec(RCX))
	jnz := EncodeJcc(CondNE, 0)

	return Benchmark{
		Name:        "branch_loop",
		Description: "10-iteration counted loop - cold BTB miss and mispredicted exit",
		Program: BuildProgram(
			EncodeMovImm32(RCX, 10),
			EncodeMovImm32(RDI, 0),
			body,
			EncodeJcc(CondNE, int8(-(len(body)+len(jnz)))),
			EncodeExit(),
		),
		ExpectedExit: 10,
	}
}

func stringFill() Benchmark {
	return Benchmark{
		Name:        "string_fill",
		Description: "REP STOSB over 256 bytes - per-iteration string cost",
		Program: BuildProgram(
			EncodeMovImm32(RBX, DataBase),
			EncodeMovImm32(RDI, DataBase),
			EncodeMovImm32(RCX, 256),
			EncodeMovImm32(RAX, 0x5A),
			EncodeRepStosb(),
			EncodeLoad64(RDI, RBX, 64),
			EncodeAndImm(RDI, 0x7F),
			EncodeExit(),
		),
		ExpectedExit: 0x5A,
	}
}

func multiplyChain() Benchmark {
	return Benchmark{
		Name:        "multiply_chain",
		Description: "4 dependent IMULs - multiplier latency",
		Program: BuildProgram(
			EncodeMovImm32(RDI, 1),
			EncodeMovImm32(RSI, 3),
			EncodeImulReg(RDI, RSI),
			EncodeImulReg(RDI, RSI),
			EncodeImulReg(RDI, RSI),
			EncodeImulReg(RDI, RSI),
			EncodeExit(),
		),
		ExpectedExit: 81,
	}
}
