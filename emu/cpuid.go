// Package emu provides functional AMD64 emulation.
package emu

import (
	"encoding/binary"
	"fmt"
)

// CPUID feature bits reported by default.
const (
	CPUID1EDXTSC    = 1 << 4
	CPUID1ECXRDRND  = 1 << 30
	CPUID7EBXRDSEED = 1 << 18
	CPUIDExtLAHF    = 1 << 0
	CPUIDExtLM      = 1 << 29
)

// CPUIDConfig holds the identification values returned by CPUID.
type CPUIDConfig struct {
	// Vendor is the 12-character vendor string of leaf 0.
	Vendor string `json:"vendor"`

	// Brand is the processor brand string of leaves 0x80000002-4, at most
	// 48 characters.
	Brand string `json:"brand"`

	MaxLeaf         uint32 `json:"max_leaf"`
	MaxExtendedLeaf uint32 `json:"max_extended_leaf"`

	Leaf1ECX    uint32 `json:"leaf1_ecx"`
	Leaf1EDX    uint32 `json:"leaf1_edx"`
	Leaf7EBX    uint32 `json:"leaf7_ebx"`
	ExtLeaf1ECX uint32 `json:"ext_leaf1_ecx"`
	ExtLeaf1EDX uint32 `json:"ext_leaf1_edx"`
}

// DefaultCPUIDConfig returns the default identification.
func DefaultCPUIDConfig() CPUIDConfig {
	return CPUIDConfig{
		Vendor:          "VMX86onGraal",
		Brand:           "VMX86 on Graal/Truffle",
		MaxLeaf:         7,
		MaxExtendedLeaf: 0x80000004,
		Leaf1ECX:        CPUID1ECXRDRND,
		Leaf1EDX:        CPUID1EDXTSC,
		Leaf7EBX:        CPUID7EBXRDSEED,
		ExtLeaf1ECX:     CPUIDExtLAHF,
		ExtLeaf1EDX:     CPUIDExtLM,
	}
}

// Validate checks the string lengths.
func (c *CPUIDConfig) Validate() error {
	if len(c.Vendor) != 12 {
		return fmt.Errorf("cpuid vendor must be 12 characters, got %d", len(c.Vendor))
	}
	if len(c.Brand) > 48 {
		return fmt.Errorf("cpuid brand must be at most 48 characters, got %d", len(c.Brand))
	}
	return nil
}

// Query returns EAX, EBX, ECX, EDX for leaf. Unknown leaves return zeros.
func (c *CPUIDConfig) Query(leaf uint32) (eax, ebx, ecx, edx uint32) {
	switch leaf {
	case 0:
		v := stringWords(c.Vendor, 12)
		return c.MaxLeaf, v[0], v[2], v[1]
	case 1:
		return 0, 0, c.Leaf1ECX, c.Leaf1EDX
	case 7:
		return 0, c.Leaf7EBX, 0, 0
	case 0x80000000:
		return c.MaxExtendedLeaf, 0, 0, 0
	case 0x80000001:
		return 0, 0, c.ExtLeaf1ECX, c.ExtLeaf1EDX
	case 0x80000002, 0x80000003, 0x80000004:
		b := stringWords(c.Brand, 48)
		i := int(leaf-0x80000002) * 4
		return b[i], b[i+1], b[i+2], b[i+3]
	}
	return 0, 0, 0, 0
}

// stringWords packs s, NUL-padded to n bytes, into little-endian words.
func stringWords(s string, n int) []uint32 {
	buf := make([]byte, n)
	copy(buf, s)
	out := make([]uint32, n/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return out
}
