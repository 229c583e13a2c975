// Package benchmarks provides timing benchmark infrastructure for
// calibrating the amd64sim timing model.
package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sarchlab/amd64sim/emu"
	"github.com/sarchlab/amd64sim/timing/cache"
	"github.com/sarchlab/amd64sim/timing/core"
	"github.com/sarchlab/amd64sim/timing/latency"
)

// Addresses used by every benchmark.
const (
	ProgramBase = 0x400000
	StackTop    = 0x7fff0000
)

// BenchmarkResult holds the timing results for a single benchmark run.
type BenchmarkResult struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	SimulatedCycles     uint64  `json:"simulated_cycles"`
	InstructionsRetired uint64  `json:"instructions_retired"`
	CPI                 float64 `json:"cpi"`

	DCacheHits    uint64 `json:"dcache_hits"`
	DCacheMisses  uint64 `json:"dcache_misses"`
	MemoryFetches uint64 `json:"memory_fetches"`

	BranchPredictions     uint64  `json:"branch_predictions,omitempty"`
	BranchCorrect         uint64  `json:"branch_correct,omitempty"`
	BranchMispredictions  uint64  `json:"branch_mispredictions,omitempty"`
	BranchAccuracyPercent float64 `json:"branch_accuracy_percent,omitempty"`

	// ExitCode is the program's exit code, -1 if it failed.
	ExitCode int64 `json:"exit_code"`

	// Error is set when the program faulted or could not be set up.
	Error string `json:"error,omitempty"`

	// WallTime is the actual time taken to run the simulation
	WallTime time.Duration `json:"wall_time_ns"`
}

// Benchmark defines a single benchmark program.
type Benchmark struct {
	Name        string
	Description string

	// Setup prepares emulator state before the program starts.
	Setup func(e *emu.Emulator) error

	// Program is x86-64 machine code loaded at ProgramBase.
	Program []byte

	// ExpectedExit is the expected exit code (for validation)
	ExpectedExit int64
}

// HarnessConfig configures the benchmark harness.
type HarnessConfig struct {
	// Timing overrides the latency model. Nil uses the defaults.
	Timing *latency.TimingConfig

	// EnableL2 inserts the default L2 between the L1D and memory.
	EnableL2 bool

	// MaxInstructions bounds each benchmark. 0 means no limit.
	MaxInstructions uint64

	// Output is where to write results (default: os.Stdout)
	Output io.Writer

	// Verbose enables detailed output
	Verbose bool
}

// DefaultConfig returns a default harness configuration.
func DefaultConfig() HarnessConfig {
	return HarnessConfig{
		MaxInstructions: 1_000_000,
		Output:          os.Stdout,
	}
}

// Harness runs timing benchmarks and reports results.
type Harness struct {
	config     HarnessConfig
	benchmarks []Benchmark
}

// NewHarness creates a new benchmark harness.
func NewHarness(config HarnessConfig) *Harness {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	return &Harness{config: config}
}

// AddBenchmark adds a benchmark to the harness.
func (h *Harness) AddBenchmark(b Benchmark) {
	h.benchmarks = append(h.benchmarks, b)
}

// AddBenchmarks adds multiple benchmarks to the harness.
func (h *Harness) AddBenchmarks(benchmarks []Benchmark) {
	h.benchmarks = append(h.benchmarks, benchmarks...)
}

// RunAll executes all benchmarks and returns results.
func (h *Harness) RunAll() []BenchmarkResult {
	results := make([]BenchmarkResult, 0, len(h.benchmarks))
	for _, bench := range h.benchmarks {
		results = append(results, h.runBenchmark(bench))
	}
	return results
}

func (h *Harness) newCore() (*core.Core, error) {
	cfg := emu.DefaultConfig()
	cfg.StackSize = 64 << 10

	opts := []core.Option{core.WithEmulatorOptions(
		emu.WithConfig(cfg),
		emu.WithStdout(io.Discard),
		emu.WithStderr(io.Discard),
		emu.WithMaxInstructions(h.config.MaxInstructions),
	)}
	if h.config.EnableL2 {
		opts = append(opts, core.WithL2(cache.DefaultL2Config()))
	}
	return core.NewCore(h.config.Timing, opts...)
}

// prepare maps the program, the data page and the stack.
func prepare(e *emu.Emulator, bench Benchmark) error {
	if err := e.SetupStack(StackTop); err != nil {
		return err
	}
	if err := e.Memory().Map(DataBase, emu.PageSize, emu.ProtRW); err != nil {
		return err
	}
	if err := e.LoadProgram(ProgramBase, bench.Program); err != nil {
		return err
	}
	if bench.Setup != nil {
		return bench.Setup(e)
	}
	return nil
}

func (h *Harness) runBenchmark(bench Benchmark) BenchmarkResult {
	result := BenchmarkResult{
		Name:        bench.Name,
		Description: bench.Description,
		ExitCode:    -1,
	}

	c, err := h.newCore()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer func() { _ = c.Emulator().Memory().Close() }()

	if err := prepare(c.Emulator(), bench); err != nil {
		result.Error = err.Error()
		return result
	}

	start := time.Now()
	exitCode, err := c.RunContext(context.Background())
	result.WallTime = time.Since(start)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.ExitCode = exitCode
	}

	stats := c.Stats()
	result.SimulatedCycles = stats.Cycles
	result.InstructionsRetired = stats.Instructions
	result.CPI = stats.CPI()
	result.DCacheHits = stats.CacheHits
	result.DCacheMisses = stats.CacheMisses
	result.MemoryFetches = c.MemoryFetches()

	bp := c.BranchPredictor().Stats()
	result.BranchPredictions = bp.Predictions
	result.BranchCorrect = bp.Correct
	result.BranchMispredictions = bp.Mispredictions
	result.BranchAccuracyPercent = bp.Accuracy()

	if h.config.Verbose {
		_, _ = fmt.Fprintf(h.config.Output, "%s: cycles=%d insts=%d cpi=%.3f\n",
			result.Name, result.SimulatedCycles, result.InstructionsRetired, result.CPI)
	}
	return result
}

// PrintResults outputs benchmark results in a human-readable format.
func (h *Harness) PrintResults(results []BenchmarkResult) {
	w := h.config.Output
	_, _ = fmt.Fprintln(w, "=== amd64sim Timing Benchmark Results ===")
	_, _ = fmt.Fprintln(w, "")

	for _, r := range results {
		_, _ = fmt.Fprintf(w, "Benchmark: %s\n", r.Name)
		_, _ = fmt.Fprintf(w, "  Description: %s\n", r.Description)
		_, _ = fmt.Fprintf(w, "  Exit Code: %d\n", r.ExitCode)
		if r.Error != "" {
			_, _ = fmt.Fprintf(w, "  Error: %s\n", r.Error)
		}
		_, _ = fmt.Fprintln(w, "  --- Timing ---")
		_, _ = fmt.Fprintf(w, "  Simulated Cycles:     %d\n", r.SimulatedCycles)
		_, _ = fmt.Fprintf(w, "  Instructions Retired: %d\n", r.InstructionsRetired)
		_, _ = fmt.Fprintf(w, "  CPI:                  %.3f\n", r.CPI)
		_, _ = fmt.Fprintln(w, "  --- D-Cache ---")
		_, _ = fmt.Fprintf(w, "  Hits:           %d\n", r.DCacheHits)
		_, _ = fmt.Fprintf(w, "  Misses:         %d\n", r.DCacheMisses)
		_, _ = fmt.Fprintf(w, "  Memory Fetches: %d\n", r.MemoryFetches)

		if r.BranchPredictions > 0 {
			_, _ = fmt.Fprintln(w, "  --- Branch Predictor ---")
			_, _ = fmt.Fprintf(w, "  Predictions:     %d\n", r.BranchPredictions)
			_, _ = fmt.Fprintf(w, "  Mispredictions:  %d\n", r.BranchMispredictions)
			_, _ = fmt.Fprintf(w, "  Accuracy:        %.1f%%\n", r.BranchAccuracyPercent)
		}

		_, _ = fmt.Fprintf(w, "  Wall Time: %v\n", r.WallTime)
		_, _ = fmt.Fprintln(w, "")
	}
}

// PrintCSV outputs benchmark results in CSV format for easy comparison.
func (h *Harness) PrintCSV(results []BenchmarkResult) {
	_, _ = fmt.Fprintln(h.config.Output,
		"name,cycles,instructions,cpi,dcache_hits,dcache_misses,memory_fetches,branch_mispredictions,exit_code")

	for _, r := range results {
		_, _ = fmt.Fprintf(h.config.Output, "%s,%d,%d,%.3f,%d,%d,%d,%d,%d\n",
			r.Name,
			r.SimulatedCycles,
			r.InstructionsRetired,
			r.CPI,
			r.DCacheHits,
			r.DCacheMisses,
			r.MemoryFetches,
			r.BranchMispredictions,
			r.ExitCode,
		)
	}
}

// BenchmarkReport is the complete output format for benchmark results.
type BenchmarkReport struct {
	Metadata ReportMetadata    `json:"metadata"`
	Results  []BenchmarkResult `json:"results"`
	Summary  ReportSummary     `json:"summary"`
}

// ReportMetadata contains information about the benchmark run.
type ReportMetadata struct {
	Timestamp string                `json:"timestamp"`
	L2Enabled bool                  `json:"l2_enabled"`
	Timing    *latency.TimingConfig `json:"timing"`
}

// ReportSummary contains aggregate statistics across all benchmarks.
type ReportSummary struct {
	TotalBenchmarks   int           `json:"total_benchmarks"`
	Failed            int           `json:"failed"`
	TotalCycles       uint64        `json:"total_cycles"`
	TotalInstructions uint64        `json:"total_instructions"`
	AverageCPI        float64       `json:"average_cpi"`
	TotalWallTime     time.Duration `json:"total_wall_time_ns"`
}

// PrintJSON outputs benchmark results in JSON format for automated comparison.
func (h *Harness) PrintJSON(results []BenchmarkResult) error {
	summary := ReportSummary{TotalBenchmarks: len(results)}
	for _, r := range results {
		summary.TotalCycles += r.SimulatedCycles
		summary.TotalInstructions += r.InstructionsRetired
		summary.TotalWallTime += r.WallTime
		if r.Error != "" {
			summary.Failed++
		}
	}
	if summary.TotalInstructions > 0 {
		summary.AverageCPI = float64(summary.TotalCycles) / float64(summary.TotalInstructions)
	}

	timing := h.config.Timing
	if timing == nil {
		timing = latency.DefaultTimingConfig()
	}

	report := BenchmarkReport{
		Metadata: ReportMetadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			L2Enabled: h.config.EnableL2,
			Timing:    timing,
		},
		Results: results,
		Summary: summary,
	}

	encoder := json.NewEncoder(h.config.Output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
