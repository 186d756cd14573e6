// Package cache models the memory behind the MMU: an Akita storage holding
// the physical bytes and an optional write-back L1 data cache that decides
// the latency of each access.
package cache

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/memsim/timing/config"
)

// DefaultL1DConfig returns a 128KB 8-way L1 data cache with 64B lines.
func DefaultL1DConfig() config.L1Config {
	return config.L1Config{
		Size:          128 * 1024,
		Associativity: 8,
		BlockSize:     64,
		HitLatency:    3,
		MissLatency:   12,
	}
}

// AccessResult contains the result of a cache access.
type AccessResult struct {
	// Hit is true when every line touched was present.
	Hit bool
	// Latency is the number of cycles this access takes.
	Latency uint64
	// Data is the data read (for load operations).
	Data []byte
	// Evictions is the number of valid lines replaced by the access.
	Evictions int
}

// Statistics holds cache performance statistics.
type Statistics struct {
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// BackingStore is the next level in the memory hierarchy.
type BackingStore interface {
	Read(addr uint64, size int) ([]byte, error)
	Write(addr uint64, data []byte) error
}

// Cache is a write-back, write-allocate cache built on the Akita directory.
type Cache struct {
	config config.L1Config

	// directory tracks tags and LRU state
	directory *akitacache.DirectoryImpl

	// dataStore is indexed by setID * associativity + wayID
	dataStore [][]byte

	stats   Statistics
	backing BackingStore
}

// New creates a cache in front of backing.
func New(cfg config.L1Config, backing BackingStore) *Cache {
	numSets := cfg.Size / (cfg.Associativity * cfg.BlockSize)

	dataStore := make([][]byte, numSets*cfg.Associativity)
	for i := range dataStore {
		dataStore[i] = make([]byte, cfg.BlockSize)
	}

	return &Cache{
		config: cfg,
		directory: akitacache.NewDirectory(
			numSets,
			cfg.Associativity,
			cfg.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		dataStore: dataStore,
		backing:   backing,
	}
}

// Config returns the cache configuration.
func (c *Cache) Config() config.L1Config {
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

func (c *Cache) blockIndex(block *akitacache.Block) int {
	return block.SetID*c.config.Associativity + block.WayID
}

func (c *Cache) lineOf(addr uint64) uint64 {
	size := uint64(c.config.BlockSize)
	return addr / size * size
}

// forEachLine calls fn with every line touched by [addr, addr+size), the
// offset of the first byte inside that line, and the number of bytes.
func (c *Cache) forEachLine(addr uint64, size int, fn func(line, offset uint64, n int) error) error {
	blockSize := uint64(c.config.BlockSize)
	for size > 0 {
		line := c.lineOf(addr)
		offset := addr - line
		n := int(min(blockSize-offset, uint64(size)))

		if err := fn(line, offset, n); err != nil {
			return err
		}

		addr += uint64(n)
		size -= n
	}
	return nil
}

// lookup returns the block caching line, filling it on a miss.
func (c *Cache) lookup(line uint64, result *AccessResult) (*akitacache.Block, error) {
	block := c.directory.Lookup(0, line)
	if block != nil && block.IsValid {
		c.stats.Hits++
		c.directory.Visit(block)
		return block, nil
	}

	c.stats.Misses++
	result.Hit = false
	result.Latency = c.config.MissLatency

	return c.fill(line, result)
}

func (c *Cache) fill(line uint64, result *AccessResult) (*akitacache.Block, error) {
	victim := c.directory.FindVictim(line)
	victimData := c.dataStore[c.blockIndex(victim)]

	if victim.IsValid {
		c.stats.Evictions++
		result.Evictions++

		// Tag stores the line address
		if victim.IsDirty {
			c.stats.Writebacks++
			if err := c.backing.Write(victim.Tag, victimData); err != nil {
				return nil, err
			}
		}
	}

	data, err := c.backing.Read(line, c.config.BlockSize)
	if err != nil {
		return nil, err
	}
	copy(victimData, data)

	victim.Tag = line
	victim.IsValid = true
	victim.IsDirty = false
	c.directory.Visit(victim)

	return victim, nil
}

// Read performs a cache read of size bytes.
func (c *Cache) Read(addr uint64, size int) (AccessResult, error) {
	c.stats.Reads++

	result := AccessResult{
		Hit:     true,
		Latency: c.config.HitLatency,
		Data:    make([]byte, 0, size),
	}

	err := c.forEachLine(addr, size, func(line, offset uint64, n int) error {
		block, err := c.lookup(line, &result)
		if err != nil {
			return err
		}

		blockData := c.dataStore[c.blockIndex(block)]
		result.Data = append(result.Data, blockData[offset:offset+uint64(n)]...)
		return nil
	})

	return result, err
}

// Write performs a cache write, allocating missing lines.
func (c *Cache) Write(addr uint64, data []byte) (AccessResult, error) {
	c.stats.Writes++

	result := AccessResult{
		Hit:     true,
		Latency: c.config.HitLatency,
	}

	written := 0
	err := c.forEachLine(addr, len(data), func(line, offset uint64, n int) error {
		block, err := c.lookup(line, &result)
		if err != nil {
			return err
		}

		blockData := c.dataStore[c.blockIndex(block)]
		copy(blockData[offset:], data[written:written+n])
		block.IsDirty = true
		written += n
		return nil
	})

	return result, err
}

// Invalidate drops the line holding addr without writing it back.
func (c *Cache) Invalidate(addr uint64) {
	block := c.directory.Lookup(0, c.lineOf(addr))
	if block != nil && block.IsValid {
		block.IsValid = false
		block.IsDirty = false
	}
}

// Flush writes back all dirty lines and invalidates every line.
func (c *Cache) Flush() error {
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid && block.IsDirty {
				c.stats.Writebacks++
				err := c.backing.Write(block.Tag, c.dataStore[c.blockIndex(block)])
				if err != nil {
					return err
				}
			}
			block.IsValid = false
			block.IsDirty = false
		}
	}
	return nil
}

// Reset invalidates all lines without writeback.
func (c *Cache) Reset() {
	c.directory.Reset()
	c.stats = Statistics{}
}
