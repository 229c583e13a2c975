// Package emu provides functional AMD64 emulation.
package emu

import "github.com/sarchlab/amd64sim/insts"

// lockedRMW runs a compare-and-swap retry loop on acc: read the old value,
// compute the new one, and publish it only if the location still holds the
// old value. Flags are applied from the winning attempt alone. It returns
// the old value that was replaced.
//
// The loop has no retry bound; it terminates as soon as no other thread
// writes the location between the read and the swap.
func (x *Executor) lockedRMW(acc Accessor, w insts.Width,
	compute func(old uint64) (uint64, FlagResult)) (uint64, error) {
	for {
		old, err := acc.Read(w)
		if err != nil {
			return 0, err
		}

		r, f := compute(old)
		ok, err := acc.CompareAndSwap(w, old, r)
		if err != nil {
			return 0, err
		}
		if ok {
			f.Apply(&x.regs.Flags)
			return old, nil
		}

		x.stats.CASRetries++
		x.logger.Debug("cas retry", "pc", x.regs.RIP, "retries", x.stats.CASRetries)
	}
}
