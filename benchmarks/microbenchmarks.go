package benchmarks

// GetMicrobenchmarks returns the standard set of trace microbenchmarks.
// Each trace targets one behaviour of the memory subsystem.
func GetMicrobenchmarks() []Trace {
	return []Trace{
		independentLoads(),
		storeThenLoad(),
		speculativeViolation(),
		llscPair(),
		llscBroken(),
		storeStream(),
	}
}

// GetCoreBenchmarks returns a minimal set of traces for quick validation:
// a hazard, a violation with replay and an atomic pair.
func GetCoreBenchmarks() []Trace {
	return []Trace{
		storeThenLoad(),
		speculativeViolation(),
		llscPair(),
	}
}

func load(addr uint64) TraceOp {
	return TraceOp{Op: OpLoad, Address: addr, Size: 8}
}

func store(addr, data uint64) TraceOp {
	return TraceOp{Op: OpStore, Address: addr, Size: 8, Data: data}
}

// 1. Independent Loads - Tests load throughput against the request limits
func independentLoads() Trace {
	ops := make([]TraceOp, 0, 16)
	for i := range uint64(16) {
		ops = append(ops, load(0x10000+i*64))
	}
	return Trace{
		Name:        "independent_loads",
		Description: "16 loads to distinct lines - measures load issue bandwidth",
		Ops:         ops,
	}
}

// 2. Store Then Load - A load waits in the confliction map for an older
// store to the same address
func storeThenLoad() Trace {
	return Trace{
		Name:        "store_then_load",
		Description: "load behind an overlapping store - measures hazard release",
		Ops: []TraceOp{
			store(0x2000, 0xCAFEBABE),
			load(0x2000),
		},
	}
}

// 3. Speculative Violation - The store address resolves late, so the load
// runs ahead, is caught at store commit and replayed
func speculativeViolation() Trace {
	slow := store(0x3000, 0x1234)
	slow.Delay = 10
	return Trace{
		Name:        "speculative_violation",
		Description: "load overtakes a store with a late address - measures replay cost",
		Ops: []TraceOp{
			slow,
			load(0x3000),
			load(0x3040),
		},
	}
}

// 4. LL/SC Pair - An undisturbed reservation succeeds
func llscPair() Trace {
	return Trace{
		Name:        "llsc_pair",
		Description: "load-reserved then store-conditional - measures atomic latency",
		Ops: []TraceOp{
			{Op: OpLoadReserved, Address: 0x4000, Size: 8},
			{Op: OpStoreConditional, Address: 0x4000, Size: 8, Data: 1},
		},
	}
}

// 5. LL/SC Broken - A store to the reserved line makes the SC fail
func llscBroken() Trace {
	return Trace{
		Name:        "llsc_broken",
		Description: "store to the reserved line between LL and SC",
		Ops: []TraceOp{
			{Op: OpLoadReserved, Address: 0x5000, Size: 8},
			store(0x5008, 7),
			{Op: OpStoreConditional, Address: 0x5000, Size: 8, Data: 1},
		},
	}
}

// 6. Store Stream - Back-to-back stores followed by loads of the same data
func storeStream() Trace {
	ops := make([]TraceOp, 0, 32)
	for i := range uint64(16) {
		ops = append(ops, store(0x6000+i*8, i))
	}
	for i := range uint64(16) {
		ops = append(ops, load(0x6000+i*8))
	}
	return Trace{
		Name:        "store_stream",
		Description: "16 stores then 16 loads - measures store bandwidth and hazards",
		Ops:         ops,
	}
}
