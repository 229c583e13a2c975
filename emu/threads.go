// Package emu provides functional AMD64 emulation.
package emu

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunThreads runs each emulator on its own goroutine until all of them
// exit. The first error cancels the others. Exit codes are returned in
// argument order.
func RunThreads(ctx context.Context, emus ...*Emulator) ([]int64, error) {
	g, ctx := errgroup.WithContext(ctx)
	codes := make([]int64, len(emus))

	for i, e := range emus {
		g.Go(func() error {
			code, err := e.RunContext(ctx)
			codes[i] = code
			return err
		})
	}

	return codes, g.Wait()
}
