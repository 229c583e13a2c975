// Package main points at the amd64sim command.
//
// The CLI lives in cmd/amd64sim: go run ./cmd/amd64sim run <program.elf>
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "amd64sim - user-mode AMD64 emulator")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  amd64sim run [--timing] [--config FILE] [--emu-config FILE] <program.elf> [args...]")
	fmt.Fprintln(os.Stderr, "  amd64sim disasm [--count N] <program.elf>")
	fmt.Fprintln(os.Stderr, "  amd64sim cpuid [leaf]")
	fmt.Fprintln(os.Stderr, "  amd64sim bench [--format text|csv|json] [--l2] [--quick]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Build the CLI with 'go build ./cmd/amd64sim'.")
	os.Exit(2)
}
