package core

// BranchPredictorConfig holds configuration for the branch predictor.
type BranchPredictorConfig struct {
	// BHTSize is the number of entries in the Branch History Table.
	// Must be a power of 2. Default is 4096.
	BHTSize uint32
	// BTBSize is the number of entries in the Branch Target Buffer.
	// Must be a power of 2. Default is 1024.
	BTBSize uint32
}

// DefaultBranchPredictorConfig returns a default configuration.
func DefaultBranchPredictorConfig() BranchPredictorConfig {
	return BranchPredictorConfig{
		BHTSize: 4096,
		BTBSize: 1024,
	}
}

// BranchPredictorStats holds statistics for the branch predictor.
type BranchPredictorStats struct {
	Predictions    uint64
	Correct        uint64
	Mispredictions uint64
	BTBHits        uint64
	BTBMisses      uint64
}

// Accuracy returns the prediction accuracy as a percentage.
func (s BranchPredictorStats) Accuracy() float64 {
	if s.Predictions == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Predictions) * 100
}

// Prediction is the predictor's guess for one branch.
type Prediction struct {
	Taken       bool
	Target      uint64
	TargetKnown bool
}

// NextPC returns the address the front end fetches after the branch: the
// BTB target when the branch is predicted taken and the target is known,
// the sequential address seq otherwise.
func (p Prediction) NextPC(seq uint64) uint64 {
	if p.Taken && p.TargetKnown {
		return p.Target
	}
	return seq
}

// BranchPredictor is a bimodal predictor of 2-bit saturating counters with
// a direct-mapped Branch Target Buffer.
type BranchPredictor struct {
	// 0 strongly not taken .. 3 strongly taken
	bht []uint8

	btb      []btbEntry
	btbValid []bool

	bhtSize uint32
	btbSize uint32

	stats BranchPredictorStats
}

type btbEntry struct {
	pc     uint64
	target uint64
}

// NewBranchPredictor creates a branch predictor. Zero sizes take the
// defaults.
func NewBranchPredictor(config BranchPredictorConfig) *BranchPredictor {
	def := DefaultBranchPredictorConfig()
	if config.BHTSize == 0 {
		config.BHTSize = def.BHTSize
	}
	if config.BTBSize == 0 {
		config.BTBSize = def.BTBSize
	}

	bp := &BranchPredictor{
		bht:      make([]uint8, config.BHTSize),
		btb:      make([]btbEntry, config.BTBSize),
		btbValid: make([]bool, config.BTBSize),
		bhtSize:  config.BHTSize,
		btbSize:  config.BTBSize,
	}
	bp.Reset()
	return bp
}

// index folds the upper PC bits in, since x86 branches are not aligned.
func index(pc uint64, size uint32) uint32 {
	return uint32((pc^(pc>>12))&uint64(size-1))
}

// Predict makes a branch prediction for the branch at pc.
func (bp *BranchPredictor) Predict(pc uint64) Prediction {
	pred := Prediction{Taken: bp.bht[index(pc, bp.bhtSize)] >= 2}

	i := index(pc, bp.btbSize)
	if bp.btbValid[i] && bp.btb[i].pc == pc {
		pred.Target = bp.btb[i].target
		pred.TargetKnown = true
		bp.stats.BTBHits++
	} else {
		bp.stats.BTBMisses++
	}

	bp.stats.Predictions++
	return pred
}

// Resolve scores pred for the branch at pc against its actual successor
// next, trains the predictor and reports whether pred steered fetch to
// next. A taken branch whose target missed the BTB counts as mispredicted
// even when the direction was right.
func (bp *BranchPredictor) Resolve(pc, seq, next uint64, pred Prediction) bool {
	correct := pred.NextPC(seq) == next
	if correct {
		bp.stats.Correct++
	} else {
		bp.stats.Mispredictions++
	}
	bp.Update(pc, next != seq, next)
	return correct
}

// Update trains the direction counter for pc and, for a taken branch,
// records target in the BTB.
func (bp *BranchPredictor) Update(pc uint64, taken bool, target uint64) {
	i := index(pc, bp.bhtSize)
	counter := bp.bht[i]

	switch {
	case taken && counter < 3:
		bp.bht[i] = counter + 1
	case !taken && counter > 0:
		bp.bht[i] = counter - 1
	}

	if taken {
		j := index(pc, bp.btbSize)
		bp.btb[j] = btbEntry{pc: pc, target: target}
		bp.btbValid[j] = true
	}
}

// Stats returns the branch predictor statistics.
func (bp *BranchPredictor) Stats() BranchPredictorStats {
	return bp.stats
}

// Reset sets every counter to weakly taken, clears the BTB and the
// statistics.
func (bp *BranchPredictor) Reset() {
	for i := range bp.bht {
		bp.bht[i] = 2
	}
	for i := range bp.btbValid {
		bp.btbValid[i] = false
	}
	bp.stats = BranchPredictorStats{}
}
