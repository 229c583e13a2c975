// Package loader provides ELF binary loading for x86-64 Linux executables.
package loader

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

// DefaultStackTop is the stack top used for x86-64 Linux user space.
const DefaultStackTop = 0x7ffffffff000

// DefaultStackSize is the default stack size (8MB).
const DefaultStackSize = 8 * 1024 * 1024

// ErrDynamic is returned for executables that need a program interpreter.
var ErrDynamic = errors.New("dynamically linked executables are not supported")

// Segment represents a loadable segment from an ELF binary.
type Segment struct {
	// VirtAddr is the virtual address where this segment should be loaded.
	VirtAddr uint64
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory (may be larger than len(Data) for BSS).
	MemSize uint64
	// Flags contains the segment protection flags.
	Flags SegmentFlags
}

// End returns the first address past the segment in memory.
func (s Segment) End() uint64 {
	return s.VirtAddr + s.MemSize
}

// Program represents a parsed ELF program ready to be mapped.
type Program struct {
	// EntryPoint is the virtual address where execution should begin.
	EntryPoint uint64
	// Segments contains all loadable segments from the ELF file.
	Segments []Segment
	// InitialSP is the top of the initial stack.
	InitialSP uint64

	// PhdrAddr is the guest address of the program header table, or zero
	// when no loaded segment covers it. PhdrEntSize and PhdrNum describe it.
	PhdrAddr    uint64
	PhdrEntSize uint64
	PhdrNum     uint64
}

// Load parses an x86-64 ELF executable.
func Load(path string) (*Program, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = file.Close() }()

	f, err := elf.NewFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("not a 64-bit ELF file")
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("not an x86-64 ELF file (machine type: %v)", f.Machine)
	}

	var hdr elf.Header64
	if err := binary.Read(io.NewSectionReader(file, 0, int64(binary.Size(hdr))), f.ByteOrder, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read ELF header: %w", err)
	}

	prog := &Program{
		EntryPoint:  f.Entry,
		InitialSP:   DefaultStackTop,
		PhdrEntSize: uint64(hdr.Phentsize),
		PhdrNum:     uint64(hdr.Phnum),
	}

	for _, phdr := range f.Progs {
		switch phdr.Type {
		case elf.PT_INTERP:
			return nil, ErrDynamic
		case elf.PT_PHDR:
			prog.PhdrAddr = phdr.Vaddr
			continue
		case elf.PT_LOAD:
		default:
			continue
		}

		seg, err := readSegment(phdr)
		if err != nil {
			return nil, err
		}
		prog.Segments = append(prog.Segments, seg)

		// Without PT_PHDR the table is found through the segment that
		// maps its file offset.
		if prog.PhdrAddr == 0 && hdr.Phoff >= phdr.Off && hdr.Phoff < phdr.Off+phdr.Filesz {
			prog.PhdrAddr = phdr.Vaddr + hdr.Phoff - phdr.Off
		}
	}

	return prog, nil
}

func readSegment(phdr *elf.Prog) (Segment, error) {
	data := make([]byte, phdr.Filesz)
	if phdr.Filesz > 0 {
		n, err := phdr.ReadAt(data, 0)
		if err != nil && err != io.EOF {
			return Segment{}, fmt.Errorf("failed to read segment at 0x%x: %w", phdr.Vaddr, err)
		}
		if uint64(n) != phdr.Filesz {
			return Segment{}, fmt.Errorf("short read for segment at 0x%x: got %d bytes, expected %d",
				phdr.Vaddr, n, phdr.Filesz)
		}
	}

	var flags SegmentFlags
	if phdr.Flags&elf.PF_X != 0 {
		flags |= SegmentFlagExecute
	}
	if phdr.Flags&elf.PF_W != 0 {
		flags |= SegmentFlagWrite
	}
	if phdr.Flags&elf.PF_R != 0 {
		flags |= SegmentFlagRead
	}

	return Segment{
		VirtAddr: phdr.Vaddr,
		Data:     data,
		MemSize:  phdr.Memsz,
		Flags:    flags,
	}, nil
}
