// Package emu provides functional AMD64 emulation.
package emu

// InteropMagic in RAX bits 16-31 marks a SYSCALL that may be routed to the
// interop handler when the syscall handler does not implement it.
const InteropMagic = 0xBEEF

// InteropResult is the outcome of a host interop call.
type InteropResult struct {
	// Value is returned in RAX, or in the low lane of XMM0 when Float is set.
	Value uint64
	Float bool

	// Exited terminates the guest with ExitCode.
	Exited   bool
	ExitCode int64
}

// InteropHandler services guest-to-host calls made through INT1 or a
// magic-numbered SYSCALL.
type InteropHandler interface {
	Call(id uint16, args [6]uint64) (InteropResult, error)
}

// InteropFunc implements one interop function.
type InteropFunc func(args [6]uint64) (InteropResult, error)

// InteropTable is an InteropHandler keyed by function id.
type InteropTable map[uint16]InteropFunc

// Call dispatches id. Unknown ids are fatal.
func (t InteropTable) Call(id uint16, args [6]uint64) (InteropResult, error) {
	f, ok := t[id]
	if !ok {
		return InteropResult{}, &UnimplementedError{Kind: "interop", ID: uint64(id)}
	}
	return f(args)
}
