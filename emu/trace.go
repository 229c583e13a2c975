// Package emu provides functional AMD64 emulation.
package emu

import (
	"log/slog"
	"sync"

	"github.com/sarchlab/amd64sim/insts"
)

// maxBlockInsts caps the length of a discovered block.
const maxBlockInsts = 256

// maxInstLen is the longest legal AMD64 encoding.
const maxInstLen = 15

// Block is a decoded straight-line run of instructions. It ends at the
// first instruction for which IsControlFlow holds, or before an
// instruction that cannot be decoded.
type Block struct {
	Start uint64
	End   uint64 // address after the last instruction
	Insts []*insts.Instruction

	// Succs are the statically known successors of the last instruction.
	Succs []uint64
}

// TraceRegistry caches decoded blocks by start address. One registry may
// be shared by every emulator that runs the same code.
type TraceRegistry struct {
	mu      sync.Mutex
	decoder *insts.Decoder
	config  *Config
	logger  *slog.Logger

	blocks map[uint64]*Block
	byPC   map[uint64]*insts.Instruction
	pages  map[uint64][]*Block
}

// NewTraceRegistry creates an empty registry. cfg decides whether CALL ends
// a block.
func NewTraceRegistry(cfg *Config, logger *slog.Logger) *TraceRegistry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TraceRegistry{
		decoder: insts.NewDecoder(),
		config:  cfg,
		logger:  logger,
		blocks:  make(map[uint64]*Block),
		byPC:    make(map[uint64]*insts.Instruction),
		pages:   make(map[uint64][]*Block),
	}
}

// Lookup returns the block starting at pc.
func (r *TraceRegistry) Lookup(pc uint64) (*Block, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[pc]
	return b, ok
}

// Len returns the number of cached blocks.
func (r *TraceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}

// Instruction returns the decoded instruction at pc, discovering a block
// there if no cached block contains it.
func (r *TraceRegistry) Instruction(mem *Memory, pc uint64) (*insts.Instruction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.byPC[pc]; ok {
		return inst, nil
	}
	b, err := r.discover(mem, pc)
	if err != nil {
		return nil, err
	}
	return b.Insts[0], nil
}

// Discover decodes and caches the block starting at pc.
func (r *TraceRegistry) Discover(mem *Memory, pc uint64) (*Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.blocks[pc]; ok {
		return b, nil
	}
	return r.discover(mem, pc)
}

func (r *TraceRegistry) discover(mem *Memory, pc uint64) (*Block, error) {
	b := &Block{Start: pc, End: pc}
	var buf [maxInstLen]byte

	for len(b.Insts) < maxBlockInsts {
		n, err := mem.Fetch(b.End, buf[:])
		if err != nil {
			if len(b.Insts) == 0 {
				return nil, err
			}
			break
		}
		inst, err := r.decoder.Decode(buf[:n], b.End)
		if err != nil {
			if len(b.Insts) == 0 {
				return nil, err
			}
			break
		}

		b.Insts = append(b.Insts, inst)
		b.End = inst.Next()
		if IsControlFlow(inst, r.config) {
			b.Succs = BranchTargets(inst)
			break
		}
	}

	r.blocks[pc] = b
	for _, inst := range b.Insts {
		if _, ok := r.byPC[inst.Addr]; !ok {
			r.byPC[inst.Addr] = inst
		}
	}
	for pn := b.Start >> 12; pn <= (b.End-1)>>12; pn++ {
		r.pages[pn] = append(r.pages[pn], b)
	}

	r.logger.Debug("trace discovered",
		"start", b.Start, "end", b.End, "insts", len(b.Insts), "succs", b.Succs)
	return b, nil
}

// Covers reports whether any cached block overlaps the page holding addr.
func (r *TraceRegistry) Covers(addr uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pages[addr>>12]) > 0
}

// Invalidate drops every block that overlaps the page holding addr and
// returns how many were dropped.
func (r *TraceRegistry) Invalidate(addr uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	victims := append([]*Block(nil), r.pages[addr>>12]...)
	if len(victims) == 0 {
		return 0
	}

	for _, b := range victims {
		delete(r.blocks, b.Start)
		for _, inst := range b.Insts {
			if r.byPC[inst.Addr] == inst {
				delete(r.byPC, inst.Addr)
			}
		}
		for pn := b.Start >> 12; pn <= (b.End-1)>>12; pn++ {
			r.pages[pn] = removeBlock(r.pages[pn], b)
			if len(r.pages[pn]) == 0 {
				delete(r.pages, pn)
			}
		}
	}

	r.logger.Debug("trace invalidated", "page", addr&^uint64(pageMask), "blocks", len(victims))
	return len(victims)
}

func removeBlock(list []*Block, b *Block) []*Block {
	out := list[:0]
	for _, x := range list {
		if x != b {
			out = append(out, x)
		}
	}
	return out
}
