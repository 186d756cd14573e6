package benchmarks

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Op names accepted in a trace.
const (
	OpLoad             = "load"
	OpStore            = "store"
	OpLoadReserved     = "load-reserved"
	OpStoreConditional = "store-conditional"
)

// TraceOp is one memory micro-op of a trace.
type TraceOp struct {
	// Op is one of load, store, load-reserved or store-conditional.
	Op string `json:"op"`

	// Address is the virtual address accessed.
	Address uint64 `json:"address"`

	// Size is the access size in bytes, 1 to 8.
	Size uint16 `json:"size"`

	// Data is the value written by stores.
	Data uint64 `json:"data,omitempty"`

	// Delay is the number of cycles between dispatch and address
	// generation. A store whose address is still unknown does not block
	// younger loads, which then run speculatively.
	Delay uint64 `json:"delay,omitempty"`

	// Latency is the LSQ ready-queue latency. Zero means 1.
	Latency uint64 `json:"latency,omitempty"`
}

// IsLoad reports whether the op reads memory.
func (o TraceOp) IsLoad() bool {
	return o.Op == OpLoad || o.Op == OpLoadReserved
}

// Trace is a named sequence of memory micro-ops in program order.
type Trace struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Ops         []TraceOp `json:"ops"`
}

// Validate checks every op of the trace.
func (t *Trace) Validate() error {
	for i, op := range t.Ops {
		switch op.Op {
		case OpLoad, OpStore, OpLoadReserved, OpStoreConditional:
		default:
			return fmt.Errorf("trace %q op %d: unknown op %q", t.Name, i, op.Op)
		}

		if op.Size == 0 || op.Size > 8 {
			return fmt.Errorf("trace %q op %d: size must be 1 to 8, got %d",
				t.Name, i, op.Size)
		}
	}
	return nil
}

// ParseTrace decodes a JSON trace from r.
func ParseTrace(r io.Reader) (*Trace, error) {
	var t Trace
	if err := json.NewDecoder(r).Decode(&t); err != nil {
		return nil, fmt.Errorf("failed to parse trace: %w", err)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return &t, nil
}

// LoadTrace reads a JSON trace file.
func LoadTrace(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ParseTrace(f)
}

// SaveTrace writes t to path as indented JSON.
func SaveTrace(t *Trace, path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize trace: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write trace file: %w", err)
	}

	return nil
}
