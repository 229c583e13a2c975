package latency

import (
	"encoding/json"
	"fmt"
	"os"
)

// TimingConfig holds latency values for the instruction classes and the
// L1 data cache.
type TimingConfig struct {
	// ALULatency covers integer arithmetic, logic, moves and flag
	// manipulation. Default: 1 cycle.
	ALULatency uint64 `json:"alu_latency"`

	// BranchLatency is the execution latency of jumps, calls and returns.
	// Default: 1 cycle.
	BranchLatency uint64 `json:"branch_latency"`

	// MultiplyLatency is the latency for MUL and IMUL. Default: 3 cycles.
	MultiplyLatency uint64 `json:"multiply_latency"`

	// DivideLatencyMin is the DIV/IDIV latency for 8- and 16-bit operands.
	// Default: 10 cycles.
	DivideLatencyMin uint64 `json:"divide_latency_min"`

	// DivideLatencyMax is the DIV/IDIV latency for 64-bit operands.
	// Default: 40 cycles.
	DivideLatencyMax uint64 `json:"divide_latency_max"`

	// AtomicLatency is the latency of LOCK-prefixed instructions and XCHG
	// with memory. Default: 18 cycles.
	AtomicLatency uint64 `json:"atomic_latency"`

	// StringLatency is charged per string-instruction iteration.
	// Default: 1 cycle.
	StringLatency uint64 `json:"string_latency"`

	// FPLatency covers SSE add, multiply, compare and convert.
	// Default: 4 cycles.
	FPLatency uint64 `json:"fp_latency"`

	// FPDivideLatency covers SSE divide and square root. Default: 13 cycles.
	FPDivideLatency uint64 `json:"fp_divide_latency"`

	// SIMDLatency covers packed integer and shuffle operations.
	// Default: 1 cycle.
	SIMDLatency uint64 `json:"simd_latency"`

	// SystemLatency covers CPUID, RDTSC, FXSAVE/FXRSTOR and MXCSR access.
	// Default: 25 cycles.
	SystemLatency uint64 `json:"system_latency"`

	// BranchMispredictPenalty is added to a conditional branch whose
	// direction was mispredicted. Default: 14 cycles.
	BranchMispredictPenalty uint64 `json:"branch_mispredict_penalty"`

	// SyscallLatency is the latency for SYSCALL and the interop gate.
	// Default: 1 cycle (handling is external).
	SyscallLatency uint64 `json:"syscall_latency"`

	// L1HitLatency is the L1 data cache hit latency. Default: 4 cycles.
	L1HitLatency uint64 `json:"l1_hit_latency"`

	// MemoryLatency is the main memory latency added to an L1 data cache
	// miss. Default: 150 cycles.
	MemoryLatency uint64 `json:"memory_latency"`
}

// DefaultTimingConfig returns a TimingConfig with the default values.
func DefaultTimingConfig() *TimingConfig {
	return &TimingConfig{
		ALULatency:       1,
		BranchLatency:    1,
		MultiplyLatency:  3,
		DivideLatencyMin: 10,
		DivideLatencyMax: 40,
		AtomicLatency:    18,
		StringLatency:    1,
		FPLatency:        4,
		FPDivideLatency:  13,
		SIMDLatency:      1,
		SystemLatency:    25,
		SyscallLatency:   1,

		BranchMispredictPenalty: 14,
		L1HitLatency:            4,
		MemoryLatency:           150,
	}
}

// LoadConfig loads a TimingConfig from a JSON file. Missing fields keep
// their defaults.
func LoadConfig(path string) (*TimingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timing config file: %w", err)
	}

	config := DefaultTimingConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse timing config: %w", err)
	}

	return config, nil
}

// SaveConfig writes a TimingConfig to a JSON file.
func (c *TimingConfig) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize timing config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write timing config file: %w", err)
	}

	return nil
}

// Validate checks that every class has a latency and the bounds are ordered.
func (c *TimingConfig) Validate() error {
	required := []struct {
		name  string
		value uint64
	}{
		{"alu_latency", c.ALULatency},
		{"branch_latency", c.BranchLatency},
		{"multiply_latency", c.MultiplyLatency},
		{"atomic_latency", c.AtomicLatency},
		{"string_latency", c.StringLatency},
		{"fp_latency", c.FPLatency},
		{"fp_divide_latency", c.FPDivideLatency},
		{"simd_latency", c.SIMDLatency},
		{"system_latency", c.SystemLatency},
		{"syscall_latency", c.SyscallLatency},
		{"l1_hit_latency", c.L1HitLatency},
	}
	for _, r := range required {
		if r.value == 0 {
			return fmt.Errorf("%s must be > 0", r.name)
		}
	}
	if c.DivideLatencyMin > c.DivideLatencyMax {
		return fmt.Errorf("divide_latency_min must be <= divide_latency_max")
	}
	if c.MemoryLatency < c.L1HitLatency {
		return fmt.Errorf("memory_latency must be >= l1_hit_latency")
	}
	return nil
}

// Clone returns a copy of the TimingConfig.
func (c *TimingConfig) Clone() *TimingConfig {
	clone := *c
	return &clone
}
