// Package core wires the memory subsystem of one CPU core together: the
// backing memory, the MMU translating and rate-limiting requests, and the
// load-store queue in front of it.
package core

import (
	"github.com/sarchlab/memsim/timing/cache"
	"github.com/sarchlab/memsim/timing/config"
	"github.com/sarchlab/memsim/timing/lsq"
	"github.com/sarchlab/memsim/timing/mmu"
)

// Stats holds performance statistics for the core.
type Stats struct {
	// Cycles is the total number of cycles simulated.
	Cycles uint64

	LSQ    lsq.Stats
	MMU    mmu.Stats
	Memory cache.MemoryStats
}

// Core is the memory subsystem of one core.
type Core struct {
	cfg    config.Config
	memory *cache.Memory
	mmu    *mmu.MMU
	lsq    *lsq.LSQ
	cycle  uint64
}

// NewCore creates a core translating addresses through translator and
// writing completed loads back into slots.
func NewCore(
	cfg *config.Config,
	translator mmu.Translator,
	slots []lsq.CompletionSlot,
	forward lsq.ForwardFunc,
) *Core {
	c := &Core{cfg: *cfg.Clone()}

	c.memory = cache.NewMemory(c.cfg.Memory)
	c.mmu = mmu.New(translator, c.cfg.MMU)
	c.mmu.ConnectMemory(c.memory)
	c.memory.Connect(c.mmu)
	c.lsq = lsq.New(c.cfg.LSQ, c.mmu, slots, forward)

	return c
}

// Config returns the configuration the core was built with.
func (c *Core) Config() config.Config { return c.cfg }

// LSQ returns the load-store queue.
func (c *Core) LSQ() *lsq.LSQ { return c.lsq }

// MMU returns the memory management unit.
func (c *Core) MMU() *mmu.MMU { return c.mmu }

// Memory returns the backing memory.
func (c *Core) Memory() *cache.Memory { return c.memory }

// Cycle returns the number of cycles simulated.
func (c *Core) Cycle() uint64 { return c.cycle }

// Tick advances the core by one cycle. Memory responses are delivered
// before the MMU issues new packets, and the MMU drains its buffers before
// the LSQ schedules more requests into them.
func (c *Core) Tick() {
	c.memory.Tick()
	c.mmu.Tick()
	c.lsq.Tick()
	c.cycle++
}

// Idle reports whether no request is in flight anywhere in the core.
func (c *Core) Idle() bool {
	return !c.lsq.HasPendingWork() &&
		!c.mmu.HasPendingRequests() &&
		!c.memory.HasInflight()
}

// RunCycles ticks the core n times. Returns false if the core went idle
// before n cycles passed.
func (c *Core) RunCycles(n uint64) bool {
	for range n {
		if c.Idle() {
			return false
		}
		c.Tick()
	}
	return true
}

// Drain ticks the core until it is idle or limit cycles have passed.
// Returns the number of cycles ticked.
func (c *Core) Drain(limit uint64) uint64 {
	var n uint64
	for n < limit && !c.Idle() {
		c.Tick()
		n++
	}
	return n
}

// Stats returns performance statistics for the core.
func (c *Core) Stats() Stats {
	return Stats{
		Cycles: c.cycle,
		LSQ:    c.lsq.Stats(),
		MMU:    c.mmu.Stats(),
		Memory: c.memory.Stats(),
	}
}
