package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/amd64sim/insts"
	"github.com/sarchlab/amd64sim/loader"
)

func newDisasmCmd(a *app) *cobra.Command {
	var (
		count int
		addr  uint64
	)
	cmd := &cobra.Command{
		Use:   "disasm [flags] <program.elf>",
		Short: "Disassemble instructions starting at the entry point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := loader.Load(args[0])
			if err != nil {
				return fmt.Errorf("error loading program: %w", err)
			}
			if addr == 0 {
				addr = prog.EntryPoint
			}
			return a.disasm(prog, addr, count)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 20, "Number of instructions to print")
	cmd.Flags().Uint64Var(&addr, "addr", 0, "Start address (default: entry point)")
	return cmd
}

// disasm prints up to count instructions from the file-backed bytes of the
// segment holding addr.
func (a *app) disasm(prog *loader.Program, addr uint64, count int) error {
	seg := findSegment(prog, addr)
	if seg == nil {
		return fmt.Errorf("address %#x is not in a loaded segment", addr)
	}

	d := insts.NewDecoder()
	for i := 0; i < count; i++ {
		off := addr - seg.VirtAddr
		if off >= uint64(len(seg.Data)) {
			break
		}
		inst, err := d.Decode(seg.Data[off:], addr)
		if err != nil {
			fmt.Fprintf(a.stdout, "%#x:\t(bad)\t%v\n", addr, err)
			return nil
		}
		fmt.Fprintf(a.stdout, "%#x:\t% x\t%s\n", addr, inst.Bytes, insts.IntelSyntax(inst))
		addr = inst.Next()
	}
	return nil
}

func findSegment(prog *loader.Program, addr uint64) *loader.Segment {
	for i := range prog.Segments {
		seg := &prog.Segments[i]
		if addr >= seg.VirtAddr && addr < seg.End() {
			return seg
		}
	}
	return nil
}
