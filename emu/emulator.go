// Package emu provides functional AMD64 emulation.
package emu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/sarchlab/amd64sim/insts"
)

// ctxCheckInterval is how many instructions run between context checks.
const ctxCheckInterval = 1024

// StepResult represents the result of executing a single instruction.
type StepResult struct {
	// Exited is true if the program terminated (via exit syscall).
	Exited bool

	// ExitCode is the exit status if Exited is true.
	ExitCode int64

	// Err is set if an error occurred during execution.
	Err error

	// Transfer is how the instruction completed.
	Transfer Transfer
}

// Emulator executes AMD64 user-mode code functionally. It owns one
// hardware thread's registers; memory, traces and file descriptors may be
// shared with other emulators.
type Emulator struct {
	regFile    *RegFile
	vecRegFile *VecRegFile
	memory     *Memory
	executor   *Executor
	traces     *TraceRegistry
	fds        *FDTable

	syscallHandler SyscallHandler
	interop        InteropHandler
	observer       AccessObserver
	config         *Config
	logger         *slog.Logger

	// I/O
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// Execution state
	ctx              context.Context
	instructionCount uint64
	maxInstructions  uint64 // 0 means no limit
}

// EmulatorOption is a functional option for configuring the Emulator.
type EmulatorOption func(*Emulator)

// WithStdout sets a custom stdout writer.
func WithStdout(w io.Writer) EmulatorOption {
	return func(e *Emulator) {
		e.stdout = w
	}
}

// WithStderr sets a custom stderr writer.
func WithStderr(w io.Writer) EmulatorOption {
	return func(e *Emulator) {
		e.stderr = w
	}
}

// WithStdin sets the reader behind guest descriptor 0.
func WithStdin(r io.Reader) EmulatorOption {
	return func(e *Emulator) {
		e.stdin = r
	}
}

// WithSyscallHandler sets a custom syscall handler.
func WithSyscallHandler(handler SyscallHandler) EmulatorOption {
	return func(e *Emulator) {
		e.syscallHandler = handler
	}
}

// WithInteropHandler sets the handler for INT1 and magic SYSCALLs.
func WithInteropHandler(handler InteropHandler) EmulatorOption {
	return func(e *Emulator) {
		e.interop = handler
	}
}

// WithStackPointer sets the initial stack pointer value.
func WithStackPointer(sp uint64) EmulatorOption {
	return func(e *Emulator) {
		e.regFile.GPR[insts.RSP] = sp
	}
}

// WithMaxInstructions sets the maximum number of instructions to execute.
// A value of 0 means no limit.
func WithMaxInstructions(max uint64) EmulatorOption {
	return func(e *Emulator) {
		e.maxInstructions = max
	}
}

// WithMemory runs the emulator on an existing address space, typically
// one shared with other threads.
func WithMemory(m *Memory) EmulatorOption {
	return func(e *Emulator) {
		e.memory = m
	}
}

// WithFDTable shares a descriptor table with other threads.
func WithFDTable(t *FDTable) EmulatorOption {
	return func(e *Emulator) {
		e.fds = t
	}
}

// WithConfig sets the executor configuration. The value is copied.
func WithConfig(cfg *Config) EmulatorOption {
	return func(e *Emulator) {
		c := *cfg
		e.config = &c
	}
}

// WithCPUID overrides the values reported by CPUID.
func WithCPUID(c CPUIDConfig) EmulatorOption {
	return func(e *Emulator) {
		e.config.CPUID = c
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) EmulatorOption {
	return func(e *Emulator) {
		e.logger = l
	}
}

// WithTraceRegistry shares a decoded-block cache with other emulators.
func WithTraceRegistry(r *TraceRegistry) EmulatorOption {
	return func(e *Emulator) {
		e.traces = r
	}
}

// WithAccessObserver reports every data memory access to o.
func WithAccessObserver(o AccessObserver) EmulatorOption {
	return func(e *Emulator) {
		e.observer = o
	}
}

// NewEmulator creates a new AMD64 emulator.
func NewEmulator(opts ...EmulatorOption) (*Emulator, error) {
	e := &Emulator{
		regFile:    NewRegFile(),
		vecRegFile: NewVecRegFile(),
		config:     DefaultConfig(),
		logger:     slog.New(slog.DiscardHandler),
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		ctx:        context.Background(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.memory == nil {
		e.memory = NewMemory()
	}
	if e.traces == nil {
		e.traces = NewTraceRegistry(e.config, e.logger)
	}
	if e.fds == nil {
		e.fds = NewFDTable(e.stdin, e.stdout, e.stderr)
	}
	if e.syscallHandler == nil {
		e.syscallHandler = NewDefaultSyscallHandler(e.regFile, e.memory, e.fds)
	}

	x, err := NewExecutor(e.regFile, e.vecRegFile, e.memory, e.config)
	if err != nil {
		return nil, fmt.Errorf("invalid emulator config: %w", err)
	}
	x.SetLogger(e.logger)
	x.SetSyscallHandler(e.syscallHandler)
	x.SetInteropHandler(e.interop)
	x.SetNestedRunner(e)
	x.SetAccessObserver(&codeWatch{traces: e.traces, next: e.observer})
	e.executor = x

	return e, nil
}

// Spawn creates a thread that shares this emulator's memory, traces,
// descriptors and handlers. It starts at rip with the stack pointer at rsp
// and a copy of the current FS and GS bases.
func (e *Emulator) Spawn(rip, rsp uint64) (*Emulator, error) {
	t, err := NewEmulator(
		WithConfig(e.config),
		WithLogger(e.logger),
		WithMemory(e.memory),
		WithTraceRegistry(e.traces),
		WithFDTable(e.fds),
		WithInteropHandler(e.interop),
		WithAccessObserver(e.observer),
		WithMaxInstructions(e.maxInstructions),
		WithStackPointer(rsp),
	)
	if err != nil {
		return nil, err
	}
	t.regFile.RIP = rip
	t.regFile.FSBase = e.regFile.FSBase
	t.regFile.GSBase = e.regFile.GSBase
	return t, nil
}

// RegFile returns the emulator's register file.
func (e *Emulator) RegFile() *RegFile {
	return e.regFile
}

// VecRegFile returns the emulator's XMM register file.
func (e *Emulator) VecRegFile() *VecRegFile {
	return e.vecRegFile
}

// Memory returns the emulator's memory.
func (e *Emulator) Memory() *Memory {
	return e.memory
}

// Executor returns the instruction executor.
func (e *Emulator) Executor() *Executor {
	return e.executor
}

// Traces returns the decoded-block cache.
func (e *Emulator) Traces() *TraceRegistry {
	return e.traces
}

// FDTable returns the guest descriptor table.
func (e *Emulator) FDTable() *FDTable {
	return e.fds
}

// SyscallHandler returns the active syscall handler.
func (e *Emulator) SyscallHandler() SyscallHandler {
	return e.syscallHandler
}

// Config returns the executor configuration.
func (e *Emulator) Config() *Config {
	return e.config
}

// InstructionCount returns the number of instructions executed.
func (e *Emulator) InstructionCount() uint64 {
	return e.instructionCount
}

// LoadProgram maps code read-write-execute at entry and sets RIP there.
func (e *Emulator) LoadProgram(entry uint64, code []byte) error {
	if err := e.memory.Map(entry, uint64(len(code)), ProtRWX); err != nil {
		return err
	}
	if err := e.memory.LoadBytes(entry, code); err != nil {
		return err
	}
	e.traces.Invalidate(entry)
	e.regFile.RIP = entry
	return nil
}

// SetupStack maps Config.StackSize bytes of stack ending at top and points
// RSP at top.
func (e *Emulator) SetupStack(top uint64) error {
	size := e.config.StackSize
	if err := e.memory.Map(top-size, size, ProtRW); err != nil {
		return fmt.Errorf("failed to map stack: %w", err)
	}
	e.regFile.GPR[insts.RSP] = top
	return nil
}

// Execute applies one instruction to the emulator state without fetching
// it or moving RIP.
func (e *Emulator) Execute(inst *insts.Instruction) (Transfer, error) {
	t, err := e.executor.Execute(inst)
	if err == nil {
		e.instructionCount++
	}
	return t, err
}

// Step executes a single instruction.
// Returns a StepResult indicating whether execution should continue.
func (e *Emulator) Step() StepResult {
	_, t, err := e.step()
	if err != nil {
		return StepResult{Err: err}
	}

	if t.Kind == TransferExit {
		return StepResult{Exited: true, ExitCode: t.ExitCode, Transfer: t}
	}
	if t.Kind == TransferNonLocal {
		e.logger.Debug("non-local transfer", "pc", t.PC)
	}
	e.regFile.RIP = t.PC
	return StepResult{Transfer: t}
}

// step fetches and executes the instruction at RIP. RIP is left alone.
func (e *Emulator) step() (*insts.Instruction, Transfer, error) {
	if e.maxInstructions > 0 && e.instructionCount >= e.maxInstructions {
		return nil, Transfer{}, ErrMaxInstructions
	}
	if e.instructionCount%ctxCheckInterval == 0 {
		if err := e.ctx.Err(); err != nil {
			return nil, Transfer{}, err
		}
	}

	inst, err := e.traces.Instruction(e.memory, e.regFile.RIP)
	if err != nil {
		return nil, Transfer{}, err
	}
	t, err := e.Execute(inst)
	if err != nil {
		return inst, Transfer{}, err
	}
	return inst, t, nil
}

// RunNested runs a callee from target until it returns. Returning to ret
// completes the call; returning anywhere else is a non-local transfer.
// Exits and non-local transfers from deeper calls pass through unchanged.
func (e *Emulator) RunNested(target, ret uint64) (Transfer, error) {
	e.regFile.RIP = target
	for {
		inst, t, err := e.step()
		if err != nil {
			return Transfer{}, err
		}
		switch {
		case t.Kind != TransferCompleted:
			return t, nil
		case inst.Op == insts.OpRET && t.PC == ret:
			return t, nil
		case inst.Op == insts.OpRET:
			return Transfer{Kind: TransferNonLocal, PC: t.PC}, nil
		}
		e.regFile.RIP = t.PC
	}
}

// Run executes instructions until the program exits or an error occurs.
// Returns the exit code (-1 if error).
func (e *Emulator) Run() int64 {
	code, err := e.RunContext(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(e.stderr, "Emulation error: %v\n", err)
		return -1
	}
	return code
}

// RunContext executes until exit, error or cancellation of ctx.
func (e *Emulator) RunContext(ctx context.Context) (int64, error) {
	e.ctx = ctx
	defer func() { e.ctx = context.Background() }()

	for {
		result := e.Step()
		if result.Exited {
			return result.ExitCode, nil
		}
		if result.Err != nil {
			return -1, fmt.Errorf("at rip %#x: %w", e.regFile.RIP, result.Err)
		}
	}
}

// codeWatch drops cached traces when guest code is overwritten.
type codeWatch struct {
	traces *TraceRegistry
	next   AccessObserver
}

func (w *codeWatch) ObserveAccess(addr uint64, size int, write bool) {
	if w.next != nil {
		w.next.ObserveAccess(addr, size, write)
	}
	if !write {
		return
	}
	last := addr + uint64(size) - 1
	if w.traces.Covers(addr) {
		w.traces.Invalidate(addr)
	}
	if last>>12 != addr>>12 && w.traces.Covers(last) {
		w.traces.Invalidate(last)
	}
}
