package main

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sarchlab/amd64sim/emu"
)

// defaultLeaves are printed when no leaf is given.
var defaultLeaves = []uint32{0, 1, 7, 0x80000000, 0x80000001, 0x80000002, 0x80000003, 0x80000004}

func newCPUIDCmd(a *app) *cobra.Command {
	var emuConfig string
	cmd := &cobra.Command{
		Use:   "cpuid [leaf]",
		Short: "Print the values the emulated CPUID instruction returns",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := emu.DefaultConfig()
			if emuConfig != "" {
				var err error
				if cfg, err = emu.LoadConfig(emuConfig); err != nil {
					return err
				}
			}

			leaves := defaultLeaves
			if len(args) == 1 {
				leaf, err := strconv.ParseUint(args[0], 0, 32)
				if err != nil {
					return fmt.Errorf("invalid leaf %q: %w", args[0], err)
				}
				leaves = []uint32{uint32(leaf)}
			}

			for _, leaf := range leaves {
				eax, ebx, ecx, edx := cfg.CPUID.Query(leaf)
				fmt.Fprintf(a.stdout, "leaf %#010x: eax=%#010x ebx=%#010x ecx=%#010x edx=%#010x\n",
					leaf, eax, ebx, ecx, edx)
			}
			if len(args) == 0 {
				fmt.Fprintf(a.stdout, "vendor: %s\n", vendorString(&cfg.CPUID))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&emuConfig, "emu-config", "", "Path to emulator configuration JSON file")
	return cmd
}

// vendorString reassembles the vendor from leaf 0 in EBX, EDX, ECX order.
func vendorString(c *emu.CPUIDConfig) string {
	_, ebx, ecx, edx := c.Query(0)
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:], ebx)
	binary.LittleEndian.PutUint32(buf[4:], edx)
	binary.LittleEndian.PutUint32(buf[8:], ecx)
	return string(buf)
}
