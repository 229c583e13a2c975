// Package cache models the data cache hierarchy of the timing mode using
// Akita cache directories.
//
// The caches track tags only. Guest data always lives in emu.Memory, so a
// cache decides how long an access takes but never what it returns.
package cache

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Config holds cache configuration parameters.
type Config struct {
	// Size in bytes
	Size int
	// Associativity (number of ways)
	Associativity int
	// BlockSize in bytes (cache line size)
	BlockSize int
	// HitLatency in cycles
	HitLatency uint64
	// MissLatency in cycles. Only used when the cache has no next level.
	MissLatency uint64
}

// DefaultL1DConfig returns the L1 data cache of a recent x86-64 core:
// 48KB, 12-way, 64B lines, 5-cycle load-to-use.
func DefaultL1DConfig() Config {
	return Config{
		Size:          48 * 1024,
		Associativity: 12,
		BlockSize:     64,
		HitLatency:    5,
		MissLatency:   150,
	}
}

// DefaultL2Config returns a private 2MB 16-way L2.
func DefaultL2Config() Config {
	return Config{
		Size:          2 * 1024 * 1024,
		Associativity: 16,
		BlockSize:     64,
		HitLatency:    14,
		MissLatency:   150,
	}
}

// AccessResult contains the result of a cache access.
type AccessResult struct {
	// Hit is true if every line the access touched was present.
	Hit bool
	// Latency is the number of cycles this access takes.
	Latency uint64
	// Lines is the number of cache lines the access touched.
	Lines int
	// Evicted is true if a valid block was replaced.
	Evicted bool
	// EvictedAddr is the address of the last evicted block.
	EvictedAddr uint64
}

// StoreForwardLatency is the extra latency of a load that reads the
// address of the most recent store.
const StoreForwardLatency uint64 = 1

// Cache is one tag-only cache level.
type Cache struct {
	config    Config
	directory *akitacache.DirectoryImpl
	next      Level
	stats     Statistics

	recentStoreAddr  uint64
	recentStoreValid bool
}

// Statistics holds cache performance statistics. Hits and Misses count
// lines, Reads and Writes count accesses.
type Statistics struct {
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// New creates a cache backed by next. A nil next charges MissLatency for
// every miss.
func New(config Config, next Level) *Cache {
	numSets := config.Size / (config.Associativity * config.BlockSize)

	return &Cache{
		config: config,
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			config.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		next: next,
	}
}

// Config returns the cache configuration.
func (c *Cache) Config() Config {
	return c.config
}

// Stats returns cache statistics.
func (c *Cache) Stats() Statistics {
	return c.stats
}

// ResetStats clears cache statistics.
func (c *Cache) ResetStats() {
	c.stats = Statistics{}
}

func (c *Cache) blockAddr(addr uint64) uint64 {
	bs := uint64(c.config.BlockSize)
	return addr / bs * bs
}

// Read performs a load of size bytes at addr.
func (c *Cache) Read(addr uint64, size int) AccessResult {
	c.stats.Reads++
	result := c.access(addr, size, false)

	if c.recentStoreValid && c.recentStoreAddr == addr {
		result.Latency += StoreForwardLatency
		c.recentStoreValid = false
	}
	return result
}

// Write performs a store of size bytes at addr. Misses allocate.
func (c *Cache) Write(addr uint64, size int) AccessResult {
	c.stats.Writes++
	c.recentStoreAddr = addr
	c.recentStoreValid = true
	return c.access(addr, size, true)
}

// access touches every line in [addr, addr+size). Lines are looked up in
// parallel, so the slowest one sets the latency.
func (c *Cache) access(addr uint64, size int, write bool) AccessResult {
	if size < 1 {
		size = 1
	}
	result := AccessResult{Hit: true}
	first, last := c.blockAddr(addr), c.blockAddr(addr+uint64(size)-1)

	for line := first; ; line += uint64(c.config.BlockSize) {
		r := c.accessLine(line, write)
		result.Lines++
		result.Hit = result.Hit && r.Hit
		result.Latency = max(result.Latency, r.Latency)
		if r.Evicted {
			result.Evicted = true
			result.EvictedAddr = r.EvictedAddr
		}
		if line == last {
			break
		}
	}
	return result
}

func (c *Cache) accessLine(line uint64, write bool) AccessResult {
	block := c.directory.Lookup(0, line)
	if block != nil && block.IsValid {
		c.stats.Hits++
		c.directory.Visit(block)
		if write {
			block.IsDirty = true
		}
		return AccessResult{Hit: true, Latency: c.config.HitLatency}
	}

	c.stats.Misses++
	return c.fill(line, write)
}

// fill allocates line, evicting the LRU block of its set.
func (c *Cache) fill(line uint64, write bool) AccessResult {
	result := AccessResult{Latency: c.config.MissLatency}
	if c.next != nil {
		result.Latency = c.config.HitLatency + c.next.Fetch(line)
	}

	victim := c.directory.FindVictim(line)
	if victim == nil {
		return result
	}

	if victim.IsValid {
		c.stats.Evictions++
		result.Evicted = true
		result.EvictedAddr = victim.Tag
		if victim.IsDirty {
			c.stats.Writebacks++
			if c.next != nil {
				c.next.Writeback(victim.Tag)
			}
		}
	}

	victim.Tag = line
	victim.IsValid = true
	victim.IsDirty = write
	c.directory.Visit(victim)

	return result
}

// Fetch lets a Cache serve as the next level of another cache.
func (c *Cache) Fetch(blockAddr uint64) uint64 {
	c.stats.Reads++
	return c.accessLine(c.blockAddr(blockAddr), false).Latency
}

// Writeback marks the line dirty, allocating it if needed.
func (c *Cache) Writeback(blockAddr uint64) {
	c.stats.Writes++
	c.accessLine(c.blockAddr(blockAddr), true)
}

// Contains reports whether the line holding addr is present.
func (c *Cache) Contains(addr uint64) bool {
	block := c.directory.Lookup(0, c.blockAddr(addr))
	return block != nil && block.IsValid
}

// Invalidate marks a cache line as invalid.
func (c *Cache) Invalidate(addr uint64) {
	block := c.directory.Lookup(0, c.blockAddr(addr))
	if block != nil && block.IsValid {
		block.IsValid = false
		block.IsDirty = false
	}
}

// Flush writes back all dirty blocks and invalidates them.
func (c *Cache) Flush() {
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid && block.IsDirty {
				c.stats.Writebacks++
				if c.next != nil {
					c.next.Writeback(block.Tag)
				}
			}
			block.IsValid = false
			block.IsDirty = false
		}
	}
}

// Reset invalidates all cache lines without writeback.
func (c *Cache) Reset() {
	c.directory.Reset()
	c.stats = Statistics{}
	c.recentStoreValid = false
	c.recentStoreAddr = 0
}
