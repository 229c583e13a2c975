// Package main provides the amd64sim command line.
//
// amd64sim runs statically linked x86-64 Linux executables, either
// functionally or under the timing model. It can also disassemble them,
// report the emulated CPUID and run the timing microbenchmarks.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// app holds the streams and the guest exit status shared by the
// subcommands.
type app struct {
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	exitCode int
}

func main() {
	a := &app{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(a.exitCode)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "amd64sim",
		Short:         "User-mode AMD64 emulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.AddCommand(newRunCmd(a), newDisasmCmd(a), newCPUIDCmd(a), newBenchCmd(a))
	return root
}

// newLogger writes text logs to w. Verbose enables debug output.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
