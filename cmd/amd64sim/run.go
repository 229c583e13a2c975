package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/sarchlab/amd64sim/emu"
	"github.com/sarchlab/amd64sim/insts"
	"github.com/sarchlab/amd64sim/loader"
	"github.com/sarchlab/amd64sim/timing/core"
	"github.com/sarchlab/amd64sim/timing/latency"
)

type runOptions struct {
	timing      bool
	configPath  string
	emuConfig   string
	maxInsts    uint64
	nestedCalls bool
	verbose     bool
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] <program.elf> [args...]",
		Short: "Run a statically linked x86-64 executable",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			code, err := a.run(ctx, opts, args[0], args)
			if err != nil {
				return err
			}
			a.exitCode = int(code)
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)

	f := cmd.Flags()
	f.BoolVar(&opts.timing, "timing", false, "Enable timing simulation mode")
	f.StringVar(&opts.configPath, "config", "", "Path to timing configuration JSON file")
	f.StringVar(&opts.emuConfig, "emu-config", "", "Path to emulator configuration JSON file")
	f.Uint64Var(&opts.maxInsts, "max-insts", 0, "Stop after this many instructions (0 = no limit)")
	f.BoolVar(&opts.nestedCalls, "nested-calls", false, "Run CALL targets as nested calls")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")
	return cmd
}

func (a *app) run(ctx context.Context, opts *runOptions, path string, argv []string) (int64, error) {
	logger := newLogger(a.stderr, opts.verbose)

	prog, err := loader.Load(path)
	if err != nil {
		return -1, fmt.Errorf("error loading program: %w", err)
	}
	logger.Debug("loaded program", "path", path,
		"entry", fmt.Sprintf("%#x", prog.EntryPoint), "segments", len(prog.Segments))

	cfg := emu.DefaultConfig()
	if opts.emuConfig != "" {
		if cfg, err = emu.LoadConfig(opts.emuConfig); err != nil {
			return -1, err
		}
	}
	if opts.nestedCalls {
		cfg.CallMode = emu.CallNested
	}

	emuOpts := []emu.EmulatorOption{
		emu.WithConfig(cfg),
		emu.WithLogger(logger),
		emu.WithStdin(a.stdin),
		emu.WithStdout(a.stdout),
		emu.WithStderr(a.stderr),
		emu.WithMaxInstructions(opts.maxInsts),
	}

	var (
		e *emu.Emulator
		c *core.Core
	)
	if opts.timing {
		timingConfig := latency.DefaultTimingConfig()
		if opts.configPath != "" {
			if timingConfig, err = latency.LoadConfig(opts.configPath); err != nil {
				return -1, err
			}
		}
		if c, err = core.NewCore(timingConfig, core.WithEmulatorOptions(emuOpts...)); err != nil {
			return -1, err
		}
		e = c.Emulator()
	} else if e, err = emu.NewEmulator(emuOpts...); err != nil {
		return -1, err
	}
	defer func() { _ = e.Memory().Close() }()

	proc, err := loader.Map(e.Memory(), prog, argv, os.Environ())
	if err != nil {
		return -1, err
	}
	e.RegFile().RIP = proc.Entry
	e.RegFile().GPR[insts.RSP] = proc.StackPointer
	if h, ok := e.SyscallHandler().(*emu.DefaultSyscallHandler); ok {
		h.SetBrk(proc.BrkStart)
	}

	if c == nil {
		code, err := e.RunContext(ctx)
		logger.Debug("program finished", "exit_code", code,
			"instructions", e.InstructionCount())
		return code, err
	}

	code, err := c.RunContext(ctx)
	if err != nil {
		return code, err
	}
	a.report(path, code, c)
	return code, nil
}

// report prints the timing summary to stderr, keeping guest stdout clean.
func (a *app) report(path string, code int64, c *core.Core) {
	stats := c.Stats()
	l1 := c.L1D().Stats()
	w := a.stderr

	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Program: %s\n", path)
	fmt.Fprintf(w, "Exit code: %d\n", code)
	fmt.Fprintf(w, "Total Instructions: %d\n", stats.Instructions)
	fmt.Fprintf(w, "Total Cycles: %d\n", stats.Cycles)
	fmt.Fprintf(w, "CPI: %.2f\n", stats.CPI())
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "L1D:\n")
	fmt.Fprintf(w, "  Reads:      %d\n", l1.Reads)
	fmt.Fprintf(w, "  Writes:     %d\n", l1.Writes)
	fmt.Fprintf(w, "  Hits:       %d\n", stats.CacheHits)
	fmt.Fprintf(w, "  Misses:     %d\n", stats.CacheMisses)
	fmt.Fprintf(w, "  Writebacks: %d\n", l1.Writebacks)
	fmt.Fprintf(w, "Memory fetches: %d\n", c.MemoryFetches())
	fmt.Fprintf(w, "Branch mispredictions: %d\n", stats.BranchMispredictions)
}
