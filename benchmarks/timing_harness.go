// Package benchmarks drives memory micro-op traces through a core's memory
// subsystem and reports how long they take.
package benchmarks

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/sarchlab/memsim/insts"
	"github.com/sarchlab/memsim/kernel"
	"github.com/sarchlab/memsim/timing/config"
	"github.com/sarchlab/memsim/timing/core"
	"github.com/sarchlab/memsim/timing/lsq"
)

// Version is reported in JSON output.
const Version = "0.1.0"

// TraceResult holds the timing results of a single trace run.
type TraceResult struct {
	// Name identifies the trace
	Name string `json:"name"`

	// Description explains what the trace exercises
	Description string `json:"description"`

	// SimulatedCycles is the total cycle count, including the drain after
	// the last op retired
	SimulatedCycles uint64 `json:"simulated_cycles"`

	// OpsRetired is the number of trace ops committed
	OpsRetired uint64 `json:"ops_retired"`

	// OpsPerCycle is OpsRetired / SimulatedCycles
	OpsPerCycle float64 `json:"ops_per_cycle"`

	// Dispatched counts every dispatch, replays included
	Dispatched uint64 `json:"dispatched"`

	// Violations is the number of memory order violations detected
	Violations uint64 `json:"violations"`

	// Flushed is the number of ops squashed and replayed
	Flushed uint64 `json:"flushed"`

	// Conflicts is the number of loads held behind an older store
	Conflicts uint64 `json:"conflicts"`

	// Values holds, per op, the value a load read or the status a
	// store-conditional produced (0 on success)
	Values []uint64 `json:"values"`

	// MMURejections counts requests the MMU refused
	MMURejections uint64 `json:"mmu_rejections"`

	// PacketsIssued counts packets the MMU sent to memory
	PacketsIssued uint64 `json:"packets_issued"`

	// L1Hits/Misses (if an L1 is configured)
	L1Hits   uint64 `json:"l1_hits,omitempty"`
	L1Misses uint64 `json:"l1_misses,omitempty"`

	// TimedOut is set when MaxCycles passed before the trace retired
	TimedOut bool `json:"timed_out"`

	// WallTime is the actual time taken to run the simulation
	WallTime time.Duration `json:"wall_time_ns"`
}

// HarnessConfig configures the trace harness.
type HarnessConfig struct {
	// Width is the number of ops dispatched and committed per cycle
	Width int

	// MaxCycles bounds the simulation of one trace
	MaxCycles uint64

	// Memory is the memory subsystem configuration
	Memory *config.Config

	// Layout is the virtual memory layout of the simulated process
	Layout kernel.RegionLayout

	// RunID identifies the run in JSON output
	RunID string

	// Output is where to write results (default: os.Stdout)
	Output io.Writer

	// Verbose reports every violation
	Verbose bool
}

// DefaultConfig returns a default harness configuration.
func DefaultConfig() HarnessConfig {
	return HarnessConfig{
		Width:     4,
		MaxCycles: 1_000_000,
		Memory:    config.Default(),
		Layout:    kernel.DefaultLayout(),
		Output:    os.Stdout,
	}
}

// Harness runs traces and reports results.
type Harness struct {
	config HarnessConfig
	traces []Trace
}

// NewHarness creates a new trace harness.
func NewHarness(cfg HarnessConfig) *Harness {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Memory == nil {
		cfg.Memory = config.Default()
	}
	if cfg.Width <= 0 {
		cfg.Width = 1
	}
	if cfg.MaxCycles == 0 {
		cfg.MaxCycles = DefaultConfig().MaxCycles
	}
	if cfg.Layout.PageSize == 0 {
		cfg.Layout = kernel.DefaultLayout()
	}
	return &Harness{config: cfg}
}

// AddTrace adds a trace to the harness.
func (h *Harness) AddTrace(t Trace) {
	h.traces = append(h.traces, t)
}

// AddTraces adds multiple traces to the harness.
func (h *Harness) AddTraces(traces []Trace) {
	h.traces = append(h.traces, traces...)
}

// RunAll executes all traces and returns their results.
func (h *Harness) RunAll() ([]TraceResult, error) {
	if err := h.config.Memory.Validate(); err != nil {
		return nil, fmt.Errorf("invalid memory config: %w", err)
	}

	results := make([]TraceResult, 0, len(h.traces))
	for i := range h.traces {
		if err := h.traces[i].Validate(); err != nil {
			return results, err
		}
		results = append(results, h.runTrace(&h.traces[i]))
	}

	return results, nil
}

// robEntry is one dispatched op waiting to retire.
type robEntry struct {
	index     int
	op        TraceOp
	uop       *insts.MicroOp
	genCycle  uint64
	generated bool
	committed bool
}

// run is the state of one trace simulation.
type run struct {
	h     *Harness
	trace *Trace
	core  *core.Core
	slots []*lsq.SlotBuffer

	rob     []*robEntry
	nextOp  int
	nextSeq uint64

	result TraceResult
}

func (h *Harness) runTrace(t *Trace) TraceResult {
	k := kernel.New(h.config.Memory.Memory.Capacity)
	k.CreateProcess(h.config.Layout)

	r := &run{
		h:     h,
		trace: t,
		result: TraceResult{
			Name:        t.Name,
			Description: t.Description,
			Values:      make([]uint64, len(t.Ops)),
		},
	}

	completion := make([]lsq.CompletionSlot, h.config.Width)
	for i := range completion {
		slot := lsq.NewSlotBuffer()
		r.slots = append(r.slots, slot)
		completion[i] = slot
	}
	r.core = core.NewCore(h.config.Memory, k, completion, nil)

	start := time.Now()
	r.simulate()
	r.result.WallTime = time.Since(start)

	r.collect()
	return r.result
}

func (r *run) done() bool {
	return r.nextOp >= len(r.trace.Ops) && len(r.rob) == 0
}

func (r *run) simulate() {
	limit := r.h.config.MaxCycles
	for !r.done() {
		if r.core.Cycle() >= limit {
			r.result.TimedOut = true
			return
		}

		r.commit()
		r.dispatch()
		r.generate()
		for _, slot := range r.slots {
			slot.Drain()
		}
		r.core.Tick()
	}

	r.core.Drain(limit - r.core.Cycle())
}

// dispatch moves up to Width ops into the LSQ in program order.
func (r *run) dispatch() {
	q := r.core.LSQ()
	for n := 0; n < r.h.config.Width && r.nextOp < len(r.trace.Ops); n++ {
		op := r.trace.Ops[r.nextOp]
		if op.IsLoad() && q.LoadQueueSpace() == 0 {
			return
		}
		if !op.IsLoad() && q.StoreQueueSpace() == 0 {
			return
		}

		r.nextSeq++
		e := &robEntry{
			index:    r.nextOp,
			op:       op,
			uop:      newMicroOp(r.nextSeq, op),
			genCycle: r.core.Cycle() + op.Delay,
		}
		if op.IsLoad() {
			q.AddLoad(e.uop)
		} else {
			q.AddStore(e.uop)
		}

		r.rob = append(r.rob, e)
		r.nextOp++
		r.result.Dispatched++
	}
}

func newMicroOp(seq uint64, op TraceOp) *insts.MicroOp {
	t := insts.MemoryAccessTarget{Address: op.Address, Size: op.Size}
	data := []insts.RegisterValue{insts.NewRegisterValue(op.Data, int(op.Size))}

	var u *insts.MicroOp
	switch op.Op {
	case OpLoad:
		u = insts.NewLoad(seq, t)
	case OpLoadReserved:
		u = insts.NewLoadReserved(seq, t)
	case OpStore:
		u = insts.NewStore(seq, data)
	case OpStoreConditional:
		u = insts.NewStoreConditional(seq, data)
	default:
		log.Panicf("trace op %q", op.Op)
	}

	if op.Latency > 0 {
		u.SetLSQLatency(op.Latency)
	}
	return u
}

// generate resolves the addresses of every op whose delay has passed.
// Loads start their access; stores become ready to commit.
func (r *run) generate() {
	now := r.core.Cycle()
	for _, e := range r.rob {
		if e.generated || e.genCycle > now {
			continue
		}
		e.generated = true

		if e.op.IsLoad() {
			r.core.LSQ().StartLoad(e.uop)
			continue
		}

		e.uop.SetGeneratedAddresses(insts.MemoryAccessTarget{
			Address: e.op.Address,
			Size:    e.op.Size,
		})
		e.uop.Execute()
	}
}

// commit retires up to Width ops from the head of the reorder list.
func (r *run) commit() {
	for n := 0; n < r.h.config.Width && len(r.rob) > 0; n++ {
		e := r.rob[0]
		retired, violation := r.retire(e)
		if retired {
			r.rob = r.rob[1:]
			r.result.OpsRetired++
		}

		if violation {
			r.flushFrom(r.core.LSQ().ViolatingLoad())
			return
		}
		if !retired {
			return
		}
	}
}

func (r *run) retire(e *robEntry) (retired, violation bool) {
	q := r.core.LSQ()

	switch e.op.Op {
	case OpLoad, OpLoadReserved:
		if !e.uop.HasExecuted() {
			return false, false
		}
		q.CommitLoad(e.uop)
		if results := e.uop.Results(); len(results) > 0 {
			r.result.Values[e.index] = results[0].Uint64()
		}
		return true, false

	case OpStoreConditional:
		if !e.committed {
			if !e.uop.HasExecuted() {
				return false, false
			}
			e.committed = true
			e.uop.SetCommitReady(false)
			return false, q.CommitStore(e.uop)
		}
		if !e.uop.CanCommit() {
			return false, false
		}
		r.result.Values[e.index] = e.uop.Results()[0].Uint64()
		return true, false

	default:
		if !e.uop.HasExecuted() {
			return false, false
		}
		return true, q.CommitStore(e.uop)
	}
}

// flushFrom squashes load and everything younger, then rewinds dispatch so
// that the squashed ops are replayed with fresh sequence ids.
func (r *run) flushFrom(load insts.Instruction) {
	at := -1
	for i, e := range r.rob {
		if e.uop.SequenceID() == load.SequenceID() {
			at = i
			break
		}
	}
	if at < 0 {
		log.Panicf("violating load %d is not in flight", load.SequenceID())
	}

	for _, e := range r.rob[at:] {
		e.uop.SetFlushed()
		r.result.Flushed++
	}

	r.nextOp = r.rob[at].index
	r.rob = r.rob[:at]
	r.core.LSQ().PurgeFlushed()

	r.result.Violations++
	if r.h.config.Verbose {
		_, _ = fmt.Fprintf(r.h.config.Output,
			"  cycle %d: violation at op %d, replaying %d ops\n",
			r.core.Cycle(), r.nextOp, len(r.trace.Ops)-r.nextOp)
	}
}

func (r *run) collect() {
	stats := r.core.Stats()

	r.result.SimulatedCycles = stats.Cycles
	if stats.Cycles > 0 {
		r.result.OpsPerCycle = float64(r.result.OpsRetired) / float64(stats.Cycles)
	}
	r.result.Conflicts = stats.LSQ.Conflicts
	r.result.MMURejections = stats.LSQ.MMURejections
	r.result.PacketsIssued = stats.MMU.PacketsIssued

	if l1 := r.core.Memory().Cache(); l1 != nil {
		r.result.L1Hits = l1.Stats().Hits
		r.result.L1Misses = l1.Stats().Misses
	}
}

// PrintResults outputs trace results in a human-readable format.
func (h *Harness) PrintResults(results []TraceResult) {
	out := h.config.Output
	_, _ = fmt.Fprintln(out, "=== memsim Trace Results ===")
	if h.config.RunID != "" {
		_, _ = fmt.Fprintf(out, "Run: %s\n", h.config.RunID)
	}
	_, _ = fmt.Fprintln(out, "")

	for _, r := range results {
		_, _ = fmt.Fprintf(out, "Trace: %s\n", r.Name)
		if r.Description != "" {
			_, _ = fmt.Fprintf(out, "  Description: %s\n", r.Description)
		}
		_, _ = fmt.Fprintln(out, "  --- Timing ---")
		_, _ = fmt.Fprintf(out, "  Simulated Cycles: %d\n", r.SimulatedCycles)
		_, _ = fmt.Fprintf(out, "  Ops Retired:      %d\n", r.OpsRetired)
		_, _ = fmt.Fprintf(out, "  Ops/Cycle:        %.3f\n", r.OpsPerCycle)
		_, _ = fmt.Fprintln(out, "  --- Speculation ---")
		_, _ = fmt.Fprintf(out, "  Conflicts:        %d\n", r.Conflicts)
		_, _ = fmt.Fprintf(out, "  Violations:       %d\n", r.Violations)
		_, _ = fmt.Fprintf(out, "  Flushed Ops:      %d\n", r.Flushed)
		_, _ = fmt.Fprintln(out, "  --- Memory ---")
		_, _ = fmt.Fprintf(out, "  Packets Issued:   %d\n", r.PacketsIssued)
		_, _ = fmt.Fprintf(out, "  MMU Rejections:   %d\n", r.MMURejections)

		if r.L1Hits > 0 || r.L1Misses > 0 {
			_, _ = fmt.Fprintln(out, "  --- L1 ---")
			_, _ = fmt.Fprintf(out, "  Hits:   %d\n", r.L1Hits)
			_, _ = fmt.Fprintf(out, "  Misses: %d\n", r.L1Misses)
		}

		if r.TimedOut {
			_, _ = fmt.Fprintln(out, "  TIMED OUT")
		}
		_, _ = fmt.Fprintf(out, "  Wall Time: %v\n", r.WallTime)
		_, _ = fmt.Fprintln(out, "")
	}
}

// PrintCSV outputs trace results in CSV format for easy comparison.
func (h *Harness) PrintCSV(results []TraceResult) {
	_, _ = fmt.Fprintln(h.config.Output,
		"name,cycles,ops,ops_per_cycle,conflicts,violations,flushed,packets,mmu_rejections,l1_hits,l1_misses")

	for _, r := range results {
		_, _ = fmt.Fprintf(h.config.Output, "%s,%d,%d,%.3f,%d,%d,%d,%d,%d,%d,%d\n",
			r.Name,
			r.SimulatedCycles,
			r.OpsRetired,
			r.OpsPerCycle,
			r.Conflicts,
			r.Violations,
			r.Flushed,
			r.PacketsIssued,
			r.MMURejections,
			r.L1Hits,
			r.L1Misses,
		)
	}
}

// TraceReport is the complete JSON output of a run.
type TraceReport struct {
	Metadata ReportMetadata `json:"metadata"`
	Results  []TraceResult  `json:"results"`
	Summary  ReportSummary  `json:"summary"`
}

// ReportMetadata contains information about the run.
type ReportMetadata struct {
	RunID     string         `json:"run_id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Version   string         `json:"version"`
	Width     int            `json:"width"`
	Config    *config.Config `json:"config"`
}

// ReportSummary contains aggregate statistics across all traces.
type ReportSummary struct {
	TotalTraces     int           `json:"total_traces"`
	TotalCycles     uint64        `json:"total_cycles"`
	TotalOps        uint64        `json:"total_ops"`
	TotalViolations uint64        `json:"total_violations"`
	TotalWallTime   time.Duration `json:"total_wall_time_ns"`
}

// PrintJSON outputs trace results in JSON format for automated comparison.
func (h *Harness) PrintJSON(results []TraceResult) error {
	summary := ReportSummary{TotalTraces: len(results)}
	for _, r := range results {
		summary.TotalCycles += r.SimulatedCycles
		summary.TotalOps += r.OpsRetired
		summary.TotalViolations += r.Violations
		summary.TotalWallTime += r.WallTime
	}

	report := TraceReport{
		Metadata: ReportMetadata{
			RunID:     h.config.RunID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   Version,
			Width:     h.config.Width,
			Config:    h.config.Memory,
		},
		Results: results,
		Summary: summary,
	}

	encoder := json.NewEncoder(h.config.Output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
