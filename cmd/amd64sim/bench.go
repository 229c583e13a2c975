package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/amd64sim/benchmarks"
	"github.com/sarchlab/amd64sim/timing/latency"
)

func newBenchCmd(a *app) *cobra.Command {
	var (
		format     string
		configPath string
		l2         bool
		quick      bool
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the timing microbenchmarks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := benchmarks.DefaultConfig()
			config.Output = a.stdout
			config.EnableL2 = l2
			if configPath != "" {
				timing, err := latency.LoadConfig(configPath)
				if err != nil {
					return err
				}
				config.Timing = timing
			}

			harness := benchmarks.NewHarness(config)
			if quick {
				harness.AddBenchmarks(benchmarks.GetCoreBenchmarks())
			} else {
				harness.AddBenchmarks(benchmarks.GetMicrobenchmarks())
			}
			results := harness.RunAll()

			switch format {
			case "text":
				harness.PrintResults(results)
			case "csv":
				harness.PrintCSV(results)
			case "json":
				return harness.PrintJSON(results)
			default:
				return fmt.Errorf("unknown format %q (want text, csv or json)", format)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&format, "format", "text", "Output format: text, csv or json")
	f.StringVar(&configPath, "config", "", "Path to timing configuration JSON file")
	f.BoolVar(&l2, "l2", false, "Model an L2 between the L1D and memory")
	f.BoolVar(&quick, "quick", false, "Run only the core benchmarks")
	return cmd
}
