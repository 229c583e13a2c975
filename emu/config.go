// Package emu provides functional AMD64 emulation.
package emu

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sarchlab/amd64sim/insts"
)

// CallMode selects how CALL completes.
type CallMode string

// Call modes.
const (
	// CallInterpret pushes the return address and continues at the target
	// in the same dispatch loop.
	CallInterpret CallMode = "interpret"

	// CallNested runs the callee to completion through a NestedRunner and
	// resumes at the return address.
	CallNested CallMode = "nested"
)

// Config holds executor behaviour switches.
type Config struct {
	// CallMode selects interpretive or nested CALL handling.
	// Default: "interpret".
	CallMode CallMode `json:"call_mode"`

	// JRCXZRegister is the register tested by JRCXZ/JECXZ, "rcx" or "rax".
	// Default: "rcx".
	JRCXZRegister string `json:"jrcxz_register"`

	// MaxNestingDepth bounds nested CALL recursion in CallNested mode.
	// Default: 1024.
	MaxNestingDepth int `json:"max_nesting_depth"`

	// RDTSCFromInstructionCount makes RDTSC return the retired instruction
	// count instead of a host clock. Default: false.
	RDTSCFromInstructionCount bool `json:"rdtsc_from_instruction_count"`

	// StackSize is the size of the initial guest stack mapping.
	// Default: 8 MiB.
	StackSize uint64 `json:"stack_size"`

	// CPUID holds the values reported by the CPUID instruction.
	CPUID CPUIDConfig `json:"cpuid"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() *Config {
	return &Config{
		CallMode:        CallInterpret,
		JRCXZRegister:   "rcx",
		MaxNestingDepth: 1024,
		StackSize:       8 << 20,
		CPUID:           DefaultCPUIDConfig(),
	}
}

// LoadConfig loads a Config from a JSON file. Missing fields keep their
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read emulator config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse emulator config: %w", err)
	}

	return config, nil
}

// SaveConfig writes the Config to a JSON file.
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize emulator config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write emulator config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.CallMode {
	case CallInterpret, CallNested:
	default:
		return fmt.Errorf("call_mode must be %q or %q, got %q", CallInterpret, CallNested, c.CallMode)
	}
	if _, err := c.jrcxzReg(); err != nil {
		return err
	}
	if c.MaxNestingDepth <= 0 {
		return fmt.Errorf("max_nesting_depth must be > 0")
	}
	if c.StackSize == 0 || c.StackSize%PageSize != 0 {
		return fmt.Errorf("stack_size must be a non-zero multiple of %d", PageSize)
	}
	return c.CPUID.Validate()
}

func (c *Config) jrcxzReg() (insts.Reg, error) {
	switch strings.ToLower(c.JRCXZRegister) {
	case "", "rcx":
		return insts.RCX, nil
	case "rax":
		return insts.RAX, nil
	}
	return insts.RegNone, fmt.Errorf("jrcxz_register must be \"rcx\" or \"rax\", got %q", c.JRCXZRegister)
}
