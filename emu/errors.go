// Package emu provides functional AMD64 emulation.
package emu

import (
	"errors"
	"fmt"

	"github.com/sarchlab/amd64sim/insts"
)

// Sentinel errors. The typed errors below match them with errors.Is.
var (
	ErrInvalidAddress     = errors.New("invalid guest address")
	ErrDivideError        = errors.New("divide error (#DE)")
	ErrIllegalInstruction = errors.New("illegal instruction")
	ErrUnimplemented      = errors.New("unimplemented")
	ErrNestingTooDeep     = errors.New("nested call depth exceeded")
	ErrMaxInstructions    = errors.New("max instructions reached")

	// ErrImmediateWrite is the panic value for a write through an
	// immediate operand. It indicates a decoder or handler bug.
	ErrImmediateWrite = errors.New("write to immediate operand")
)

// Access is the kind of memory access that faulted.
type Access uint8

// Memory access kinds.
const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
	AccessProtect
)

func (a Access) String() string {
	switch a {
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	case AccessProtect:
		return "protect"
	default:
		return "read"
	}
}

// PageFault reports an access to an unmapped page or one that lacks the
// required permission.
type PageFault struct {
	Addr   uint64
	Size   int
	Access Access
}

func (e *PageFault) Error() string {
	return fmt.Sprintf("page fault: %s of %d bytes at %#x", e.Access, e.Size, e.Addr)
}

// Is matches ErrInvalidAddress.
func (e *PageFault) Is(target error) bool {
	return target == ErrInvalidAddress
}

// ArithmeticFault is the #DE exception raised by DIV and IDIV.
type ArithmeticFault struct {
	PC     uint64
	Reason string
}

func (e *ArithmeticFault) Error() string {
	return fmt.Sprintf("#DE at %#x: %s", e.PC, e.Reason)
}

// Is matches ErrDivideError.
func (e *ArithmeticFault) Is(target error) bool {
	return target == ErrDivideError
}

// IllegalInstructionError reports an (op, width, operand) combination the
// executor does not accept, or an explicit UD2/HLT.
type IllegalInstructionError struct {
	PC     uint64
	Inst   *insts.Instruction
	Reason string
}

func (e *IllegalInstructionError) Error() string {
	if e.Inst != nil {
		return fmt.Sprintf("illegal instruction %q at %#x: %s", insts.Format(e.Inst), e.PC, e.Reason)
	}
	return fmt.Sprintf("illegal instruction at %#x: %s", e.PC, e.Reason)
}

// Is matches ErrIllegalInstruction.
func (e *IllegalInstructionError) Is(target error) bool {
	return target == ErrIllegalInstruction
}

// UnimplementedError reports a syscall or interop function the host does
// not provide. It is fatal and never surfaced to the guest as an errno.
type UnimplementedError struct {
	Kind string // "syscall" or "interop"
	ID   uint64
}

func (e *UnimplementedError) Error() string {
	return fmt.Sprintf("unimplemented %s %d (%#x)", e.Kind, e.ID, e.ID)
}

// Is matches ErrUnimplemented.
func (e *UnimplementedError) Is(target error) bool {
	return target == ErrUnimplemented
}

func illegal(inst *insts.Instruction, format string, args ...any) error {
	return &IllegalInstructionError{PC: inst.Addr, Inst: inst, Reason: fmt.Sprintf(format, args...)}
}
