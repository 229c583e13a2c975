package loader

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/amd64sim/emu"
)

// Auxiliary vector tags placed on the initial stack.
const (
	AtNull   = 0
	AtPhdr   = 3
	AtPhent  = 4
	AtPhnum  = 5
	AtPagesz = 6
	AtEntry  = 9
	AtUID    = 11
	AtEUID   = 12
	AtGID    = 13
	AtEGID   = 14
	AtRandom = 25
)

// Process is a program mapped into guest memory and ready to start.
type Process struct {
	// Entry is the first instruction to execute.
	Entry uint64
	// StackPointer points at argc on the initial stack.
	StackPointer uint64
	// BrkStart is the first page past the highest segment.
	BrkStart uint64
	// Random is the address of the 16 AT_RANDOM bytes.
	Random uint64
}

func pageDown(a uint64) uint64 { return a &^ (emu.PageSize - 1) }
func pageUp(a uint64) uint64   { return pageDown(a + emu.PageSize - 1) }

func segmentProt(f SegmentFlags) int {
	prot := emu.ProtNone
	if f&SegmentFlagRead != 0 {
		prot |= emu.ProtRead
	}
	if f&SegmentFlagWrite != 0 {
		prot |= emu.ProtWrite
	}
	if f&SegmentFlagExecute != 0 {
		prot |= emu.ProtExec
	}
	return prot
}

// Map places prog's segments in mem with their permissions and builds the
// System V initial stack holding args, env and the auxiliary vector.
// Segments that share a page get the union of their permissions.
func Map(mem *emu.Memory, prog *Program, args, env []string) (*Process, error) {
	pages := make(map[uint64]int)
	var order []uint64
	var brk uint64
	for _, seg := range prog.Segments {
		if seg.MemSize == 0 {
			continue
		}
		prot := segmentProt(seg.Flags)
		for p := pageDown(seg.VirtAddr); p < pageUp(seg.End()); p += emu.PageSize {
			if _, ok := pages[p]; !ok {
				order = append(order, p)
			}
			pages[p] |= prot
		}
		if end := pageUp(seg.End()); end > brk {
			brk = end
		}
	}

	for _, p := range order {
		if err := mem.Map(p, emu.PageSize, pages[p]); err != nil {
			return nil, fmt.Errorf("failed to map segment page 0x%x: %w", p, err)
		}
	}
	for _, seg := range prog.Segments {
		if len(seg.Data) == 0 {
			continue
		}
		if err := mem.LoadBytes(seg.VirtAddr, seg.Data); err != nil {
			return nil, fmt.Errorf("failed to load segment at 0x%x: %w", seg.VirtAddr, err)
		}
	}

	top := prog.InitialSP
	if top == 0 {
		top = DefaultStackTop
	}
	if err := mem.Map(top-DefaultStackSize, DefaultStackSize, emu.ProtRW); err != nil {
		return nil, fmt.Errorf("failed to map stack: %w", err)
	}

	proc := &Process{Entry: prog.EntryPoint, BrkStart: brk}
	sp, err := buildStack(mem, top, prog, proc, args, env)
	if err != nil {
		return nil, err
	}
	proc.StackPointer = sp
	return proc, nil
}

// buildStack writes strings and random bytes below top, then the argc,
// argv, envp and auxv words below them, leaving sp 16-byte aligned.
func buildStack(mem *emu.Memory, top uint64, prog *Program, proc *Process, args, env []string) (uint64, error) {
	sp := top
	pushString := func(s string) (uint64, error) {
		sp -= uint64(len(s) + 1)
		return sp, mem.LoadBytes(sp, append([]byte(s), 0))
	}

	argPtrs := make([]uint64, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		addr, err := pushString(args[i])
		if err != nil {
			return 0, fmt.Errorf("failed to write argument: %w", err)
		}
		argPtrs[i] = addr
	}
	envPtrs := make([]uint64, len(env))
	for i := len(env) - 1; i >= 0; i-- {
		addr, err := pushString(env[i])
		if err != nil {
			return 0, fmt.Errorf("failed to write environment: %w", err)
		}
		envPtrs[i] = addr
	}

	var random [16]byte
	if _, err := rand.Read(random[:]); err != nil {
		return 0, fmt.Errorf("failed to generate AT_RANDOM: %w", err)
	}
	sp = (sp - 16) &^ 15
	if err := mem.LoadBytes(sp, random[:]); err != nil {
		return 0, fmt.Errorf("failed to write AT_RANDOM: %w", err)
	}
	proc.Random = sp

	auxv := []uint64{
		AtPhdr, prog.PhdrAddr,
		AtPhent, prog.PhdrEntSize,
		AtPhnum, prog.PhdrNum,
		AtPagesz, emu.PageSize,
		AtEntry, prog.EntryPoint,
		AtUID, 0,
		AtEUID, 0,
		AtGID, 0,
		AtEGID, 0,
		AtRandom, proc.Random,
		AtNull, 0,
	}

	words := make([]uint64, 0, 1+len(argPtrs)+1+len(envPtrs)+1+len(auxv))
	words = append(words, uint64(len(args)))
	words = append(words, argPtrs...)
	words = append(words, 0)
	words = append(words, envPtrs...)
	words = append(words, 0)
	words = append(words, auxv...)

	sp = (sp - uint64(len(words))*8) &^ 15
	buf := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	if err := mem.LoadBytes(sp, buf); err != nil {
		return 0, fmt.Errorf("failed to write initial stack: %w", err)
	}
	return sp, nil
}
