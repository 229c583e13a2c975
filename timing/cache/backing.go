package cache

// Level is the next level of the hierarchy as seen by a cache miss.
type Level interface {
	// Fetch returns the cycles needed to bring in the line at blockAddr.
	Fetch(blockAddr uint64) uint64
	// Writeback accepts a dirty line evicted from the level above.
	Writeback(blockAddr uint64)
}

// MainMemory is the last level: every fetch costs the same.
type MainMemory struct {
	Latency    uint64
	Fetches    uint64
	Writebacks uint64
}

// NewMainMemory creates a MainMemory with the given access latency.
func NewMainMemory(latency uint64) *MainMemory {
	return &MainMemory{Latency: latency}
}

// Fetch counts a line read and returns the memory latency.
func (m *MainMemory) Fetch(uint64) uint64 {
	m.Fetches++
	return m.Latency
}

// Writeback counts a line write.
func (m *MainMemory) Writeback(uint64) {
	m.Writebacks++
}
