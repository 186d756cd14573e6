// Package config holds the static configuration of one core's memory
// subsystem. A Config is built once and passed by value into every
// component constructor.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// CompletionOrder selects how loads claim completion slots.
type CompletionOrder string

const (
	// InOrder reserves a completion slot when the load issues.
	InOrder CompletionOrder = "in-order"
	// OutOfOrder reserves a completion slot once the load data arrives.
	OutOfOrder CompletionOrder = "out-of-order"
)

// RequestLimits caps the bandwidth and request counts of one cycle.
type RequestLimits struct {
	// LoadBandwidth is the number of bytes loads may move per cycle.
	LoadBandwidth uint64 `json:"load_bandwidth"`

	// StoreBandwidth is the number of bytes stores may move per cycle.
	StoreBandwidth uint64 `json:"store_bandwidth"`

	// PermittedRequests is the total number of instructions whose requests
	// may be scheduled per cycle.
	PermittedRequests uint64 `json:"permitted_requests"`

	// PermittedLoads is the number of load instructions per cycle.
	PermittedLoads uint64 `json:"permitted_loads"`

	// PermittedStores is the number of store instructions per cycle.
	PermittedStores uint64 `json:"permitted_stores"`

	// Exclusive forbids loads and stores from sharing a cycle.
	Exclusive bool `json:"exclusive"`
}

// LSQConfig configures the load-store queue.
type LSQConfig struct {
	// Combined selects a single capacity shared by loads and stores.
	Combined bool `json:"combined"`

	// CombinedCapacity is the shared capacity when Combined is set.
	CombinedCapacity uint64 `json:"combined_capacity"`

	// LoadCapacity is the load queue capacity when Combined is not set.
	LoadCapacity uint64 `json:"load_capacity"`

	// StoreCapacity is the store queue capacity when Combined is not set.
	StoreCapacity uint64 `json:"store_capacity"`

	// CompletionOrder is "in-order" or "out-of-order".
	CompletionOrder CompletionOrder `json:"completion_order"`

	RequestLimits
}

// MMUConfig configures the memory management unit.
type MMUConfig struct {
	// CacheLineWidth is the granule of the LL/SC monitor in bytes.
	CacheLineWidth uint64 `json:"cache_line_width"`

	RequestLimits
}

// L1Config is the geometry of the optional timing cache in front of the
// backing memory.
type L1Config struct {
	Size          int    `json:"size"`
	Associativity int    `json:"associativity"`
	BlockSize     int    `json:"block_size"`
	HitLatency    uint64 `json:"hit_latency"`
	MissLatency   uint64 `json:"miss_latency"`
}

// MemoryConfig configures the backing memory.
type MemoryConfig struct {
	// Capacity is the size of the physical storage in bytes.
	Capacity uint64 `json:"capacity"`

	// Latency is the fixed access latency used when L1 is nil.
	Latency uint64 `json:"latency"`

	// L1 optionally serves accesses through a write-back cache model.
	L1 *L1Config `json:"l1,omitempty"`
}

// Config is the configuration of one core's memory subsystem.
type Config struct {
	LSQ    LSQConfig    `json:"lsq"`
	MMU    MMUConfig    `json:"mmu"`
	Memory MemoryConfig `json:"memory"`
}

// DefaultLimits returns limits modeled on two load pipes and one store pipe.
func DefaultLimits() RequestLimits {
	return RequestLimits{
		LoadBandwidth:     32,
		StoreBandwidth:    16,
		PermittedRequests: 3,
		PermittedLoads:    2,
		PermittedStores:   1,
		Exclusive:         false,
	}
}

// Default returns a Config with split 64/36 entry queues and in-order
// completion.
func Default() *Config {
	return &Config{
		LSQ: LSQConfig{
			Combined:        false,
			LoadCapacity:    64,
			StoreCapacity:   36,
			CompletionOrder: InOrder,
			RequestLimits:   DefaultLimits(),
		},
		MMU: MMUConfig{
			CacheLineWidth: 64,
			RequestLimits:  DefaultLimits(),
		},
		Memory: MemoryConfig{
			Capacity: 1 << 30,
			Latency:  4,
		},
	}
}

// Load reads a Config from a JSON file. Fields missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse memory config: %w", err)
	}

	return config, nil
}

// Save writes the Config to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize memory config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write memory config file: %w", err)
	}

	return nil
}

// Validate checks that the configuration can drive a simulation.
func (c *Config) Validate() error {
	if c.LSQ.Combined && c.LSQ.CombinedCapacity == 0 {
		return fmt.Errorf("lsq.combined_capacity must be > 0")
	}
	if !c.LSQ.Combined && (c.LSQ.LoadCapacity == 0 || c.LSQ.StoreCapacity == 0) {
		return fmt.Errorf("lsq.load_capacity and lsq.store_capacity must be > 0")
	}
	if c.LSQ.CompletionOrder != InOrder && c.LSQ.CompletionOrder != OutOfOrder {
		return fmt.Errorf("lsq.completion_order must be %q or %q, got %q",
			InOrder, OutOfOrder, c.LSQ.CompletionOrder)
	}
	if err := c.LSQ.RequestLimits.validate("lsq"); err != nil {
		return err
	}
	if err := c.MMU.RequestLimits.validate("mmu"); err != nil {
		return err
	}
	if c.MMU.CacheLineWidth == 0 || c.MMU.CacheLineWidth&(c.MMU.CacheLineWidth-1) != 0 {
		return fmt.Errorf("mmu.cache_line_width must be a power of two")
	}
	if c.Memory.Capacity == 0 {
		return fmt.Errorf("memory.capacity must be > 0")
	}
	if l1 := c.Memory.L1; l1 != nil {
		if l1.Size <= 0 || l1.Associativity <= 0 || l1.BlockSize <= 0 {
			return fmt.Errorf("memory.l1 geometry must be > 0")
		}
		if l1.Size%(l1.Associativity*l1.BlockSize) != 0 {
			return fmt.Errorf("memory.l1.size must be a multiple of associativity * block_size")
		}
	}
	return nil
}

func (l RequestLimits) validate(prefix string) error {
	if l.LoadBandwidth == 0 {
		return fmt.Errorf("%s.load_bandwidth must be > 0", prefix)
	}
	if l.StoreBandwidth == 0 {
		return fmt.Errorf("%s.store_bandwidth must be > 0", prefix)
	}
	if l.PermittedRequests == 0 {
		return fmt.Errorf("%s.permitted_requests must be > 0", prefix)
	}
	if l.PermittedLoads == 0 {
		return fmt.Errorf("%s.permitted_loads must be > 0", prefix)
	}
	if l.PermittedStores == 0 {
		return fmt.Errorf("%s.permitted_stores must be > 0", prefix)
	}
	return nil
}

// Clone returns a deep copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Memory.L1 != nil {
		l1 := *c.Memory.L1
		clone.Memory.L1 = &l1
	}
	return &clone
}
