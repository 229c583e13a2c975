// Package core provides the timing-mode CPU core model.
// It wraps the functional emulator and charges cycles for every retired
// instruction and every data access.
package core

import (
	"context"
	"fmt"

	"github.com/sarchlab/amd64sim/emu"
	"github.com/sarchlab/amd64sim/insts"
	"github.com/sarchlab/amd64sim/timing/cache"
	"github.com/sarchlab/amd64sim/timing/latency"
)

// Stats holds performance statistics for the core.
type Stats struct {
	// Cycles is the total number of cycles simulated.
	Cycles uint64
	// Instructions is the number of instructions retired.
	Instructions uint64
	// CacheHits counts L1D line hits.
	CacheHits uint64
	// CacheMisses counts L1D line misses.
	CacheMisses uint64
	// BranchMispredictions counts conditional branches whose predicted
	// successor (direction and BTB target) was wrong.
	BranchMispredictions uint64
}

// CPI returns cycles per instruction, or 0 before anything retired.
func (s Stats) CPI() float64 {
	if s.Instructions == 0 {
		return 0
	}
	return float64(s.Cycles) / float64(s.Instructions)
}

// Core is an in-order timing model. Instructions do not overlap: each one
// costs its class latency plus the latency of the data accesses it makes.
type Core struct {
	emu    *emu.Emulator
	table  *latency.Table
	l1d    *cache.Cache
	l2     *cache.Cache
	memory *cache.MainMemory
	bp     *BranchPredictor

	mispredictPenalty uint64

	cycles       uint64
	instructions uint64
	accessCycles uint64

	halted   bool
	exitCode int64
}

// Option configures a Core.
type Option func(*options)

type options struct {
	l1d     cache.Config
	l2      *cache.Config
	bp      BranchPredictorConfig
	emuOpts []emu.EmulatorOption
}

// WithL1D replaces the L1 data cache geometry. The hit latency still comes
// from the timing config.
func WithL1D(cfg cache.Config) Option {
	return func(o *options) { o.l1d = cfg }
}

// WithL2 inserts a unified L2 between the L1D and memory.
func WithL2(cfg cache.Config) Option {
	return func(o *options) { o.l2 = &cfg }
}

// WithBranchPredictor sizes the branch predictor tables.
func WithBranchPredictor(cfg BranchPredictorConfig) Option {
	return func(o *options) { o.bp = cfg }
}

// WithEmulatorOptions passes options through to the wrapped emulator.
func WithEmulatorOptions(opts ...emu.EmulatorOption) Option {
	return func(o *options) { o.emuOpts = append(o.emuOpts, opts...) }
}

// NewCore creates a Core and the emulator it drives. A nil config uses
// latency.DefaultTimingConfig.
func NewCore(config *latency.TimingConfig, opts ...Option) (*Core, error) {
	if config == nil {
		config = latency.DefaultTimingConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timing config: %w", err)
	}

	o := &options{l1d: cache.DefaultL1DConfig(), bp: DefaultBranchPredictorConfig()}
	for _, opt := range opts {
		opt(o)
	}
	o.l1d.HitLatency = config.L1HitLatency
	o.l1d.MissLatency = config.MemoryLatency

	c := &Core{
		table:  latency.NewTableWithConfig(config),
		memory: cache.NewMainMemory(config.MemoryLatency),
		bp:     NewBranchPredictor(o.bp),

		mispredictPenalty: config.BranchMispredictPenalty,
	}
	var next cache.Level = c.memory
	if o.l2 != nil {
		c.l2 = cache.New(*o.l2, c.memory)
		next = c.l2
	}
	c.l1d = cache.New(o.l1d, next)

	e, err := emu.NewEmulator(append(o.emuOpts, emu.WithAccessObserver(c))...)
	if err != nil {
		return nil, err
	}
	c.emu = e
	return c, nil
}

// Emulator returns the functional emulator the core drives.
func (c *Core) Emulator() *emu.Emulator {
	return c.emu
}

// L1D returns the L1 data cache.
func (c *Core) L1D() *cache.Cache {
	return c.l1d
}

// L2 returns the L2 cache, or nil if none was configured.
func (c *Core) L2() *cache.Cache {
	return c.l2
}

// ObserveAccess charges one data access to the current instruction.
func (c *Core) ObserveAccess(addr uint64, size int, write bool) {
	var r cache.AccessResult
	if write {
		r = c.l1d.Write(addr, size)
	} else {
		r = c.l1d.Read(addr, size)
	}
	c.accessCycles += r.Latency
}

// Step executes one instruction and charges its cycles. Instructions that
// fault are not charged.
func (c *Core) Step() emu.StepResult {
	if c.halted {
		return emu.StepResult{Exited: true, ExitCode: c.exitCode}
	}
	e := c.emu
	inst, err := e.Traces().Instruction(e.Memory(), e.RegFile().RIP)
	if err != nil {
		return emu.StepResult{Err: err}
	}

	before := e.Executor().Stats()
	c.accessCycles = 0

	result := e.Step()
	if result.Err != nil {
		return result
	}
	after := e.Executor().Stats()

	cost := c.table.GetLatency(inst)
	if latency.Classify(inst) == latency.ClassString {
		cost *= max(after.StringIterations-before.StringIterations, 1)
	}

	// A nested CALL retires its whole callee within one step. The callee's
	// instructions are charged the ALU latency each; their data accesses
	// were observed like any other.
	retired := max(after.Executed-before.Executed, 1)
	cost += (retired - 1) * c.table.Config().ALULatency

	if !result.Exited && isConditional(inst.Op) {
		cost += c.predict(inst.Addr, inst.Next(), result.Transfer.PC)
	}
	c.cycles += cost + c.accessCycles
	c.instructions += retired
	if result.Exited {
		c.halted, c.exitCode = true, result.ExitCode
	}
	return result
}

func isConditional(op insts.Op) bool {
	return op == insts.OpJCC || op == insts.OpJRCXZ
}

// predict looks the branch at pc up as the front end would, resolves it
// against the actual successor next and returns the redirect penalty when
// the front end fetched the wrong path.
func (c *Core) predict(pc, seq, next uint64) uint64 {
	pred := c.bp.Predict(pc)
	if c.bp.Resolve(pc, seq, next, pred) {
		return 0
	}
	return c.mispredictPenalty
}

// BranchPredictor returns the conditional branch predictor.
func (c *Core) BranchPredictor() *BranchPredictor {
	return c.bp
}

// Halted returns true once the program has exited.
func (c *Core) Halted() bool {
	return c.halted
}

// ExitCode returns the exit code if the core has halted.
func (c *Core) ExitCode() int64 {
	return c.exitCode
}

// RunCycles steps until at least cycles more cycles have elapsed.
// Returns true if still running, false if halted or faulted.
func (c *Core) RunCycles(cycles uint64) (bool, error) {
	end := c.cycles + cycles
	for c.cycles < end {
		result := c.Step()
		if result.Exited {
			return false, nil
		}
		if result.Err != nil {
			return false, result.Err
		}
	}
	return true, nil
}

// Run executes the core until the program exits.
// Returns the exit code (-1 if error).
func (c *Core) Run() int64 {
	code, err := c.RunContext(context.Background())
	if err != nil {
		return -1
	}
	return code
}

// RunContext executes until exit, error or cancellation of ctx.
func (c *Core) RunContext(ctx context.Context) (int64, error) {
	for n := 0; ; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return -1, err
			}
		}
		result := c.Step()
		if result.Exited {
			return result.ExitCode, nil
		}
		if result.Err != nil {
			return -1, fmt.Errorf("at rip %#x: %w", c.emu.RegFile().RIP, result.Err)
		}
	}
}

// Stats returns performance statistics for the core.
func (c *Core) Stats() Stats {
	l1 := c.l1d.Stats()
	return Stats{
		Cycles:       c.cycles,
		Instructions: c.instructions,
		CacheHits:    l1.Hits,
		CacheMisses:  l1.Misses,

		BranchMispredictions: c.bp.Stats().Mispredictions,
	}
}

// MemoryFetches returns the number of lines fetched from main memory.
func (c *Core) MemoryFetches() uint64 {
	return c.memory.Fetches
}

// Reset clears the timing state and the halted flag. The emulator state is
// left alone.
func (c *Core) Reset() {
	c.l1d.Reset()
	if c.l2 != nil {
		c.l2.Reset()
	}
	c.memory.Fetches, c.memory.Writebacks = 0, 0
	c.bp.Reset()
	c.cycles, c.instructions, c.accessCycles = 0, 0, 0
	c.halted, c.exitCode = false, 0
}
