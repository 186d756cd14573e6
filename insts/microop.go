package insts

// OpKind classifies the memory behaviour of a MicroOp.
type OpKind uint8

const (
	// OpLoad reads memory.
	OpLoad OpKind = iota
	// OpStore writes memory; the micro-op carries both address and data.
	OpStore
	// OpLoadReserved is an exclusive load opening an LL/SC reservation.
	OpLoadReserved
	// OpStoreConditional is an exclusive store checking the reservation.
	OpStoreConditional
	// OpStoreData carries only the data half of a cracked store.
	OpStoreData
)

// String returns the trace mnemonic of the kind.
func (k OpKind) String() string {
	switch k {
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpLoadReserved:
		return "load-reserved"
	case OpStoreConditional:
		return "store-conditional"
	case OpStoreData:
		return "store-data"
	default:
		return "unknown"
	}
}

// MicroOp is a self-contained Instruction implementation used by the trace
// harness and by tests in place of a decoded instruction.
type MicroOp struct {
	kind          OpKind
	seqID         uint64
	instructionID uint64
	microOpIndex  int

	targets  []MemoryAccessTarget
	data     []RegisterValue
	supplied []RegisterValue
	received int

	latency  uint64
	destRegs []Register
	results  []RegisterValue

	executed    bool
	flushed     bool
	commitReady bool
	condReady   bool
	condSuccess bool
}

func newMicroOp(kind OpKind, seqID uint64, targets []MemoryAccessTarget) *MicroOp {
	return &MicroOp{
		kind:          kind,
		seqID:         seqID,
		instructionID: seqID,
		targets:       targets,
		supplied:      make([]RegisterValue, len(targets)),
		latency:       1,
	}
}

// NewLoad creates a load reading every target.
func NewLoad(seqID uint64, targets ...MemoryAccessTarget) *MicroOp {
	return newMicroOp(OpLoad, seqID, targets)
}

// NewLoadReserved creates an exclusive load.
func NewLoadReserved(seqID uint64, targets ...MemoryAccessTarget) *MicroOp {
	return newMicroOp(OpLoadReserved, seqID, targets)
}

// NewStore creates a store writing data[i] to targets[i].
func NewStore(seqID uint64, data []RegisterValue, targets ...MemoryAccessTarget) *MicroOp {
	u := newMicroOp(OpStore, seqID, targets)
	u.data = data
	return u
}

// NewStoreConditional creates an exclusive store.
func NewStoreConditional(seqID uint64, data []RegisterValue, targets ...MemoryAccessTarget) *MicroOp {
	u := newMicroOp(OpStoreConditional, seqID, targets)
	u.data = data
	return u
}

// NewStoreData creates the data half of a store belonging to macro-op
// instructionID.
func NewStoreData(seqID, instructionID uint64, data []RegisterValue) *MicroOp {
	u := newMicroOp(OpStoreData, seqID, nil)
	u.instructionID = instructionID
	u.data = data
	return u
}

// Kind returns the kind of the micro-op.
func (u *MicroOp) Kind() OpKind { return u.kind }

// SequenceID implements Instruction.
func (u *MicroOp) SequenceID() uint64 { return u.seqID }

// InstructionID implements Instruction.
func (u *MicroOp) InstructionID() uint64 { return u.instructionID }

// MicroOpIndex implements Instruction.
func (u *MicroOp) MicroOpIndex() int { return u.microOpIndex }

// SetInstructionID places the micro-op inside macro-op id at position index.
func (u *MicroOp) SetInstructionID(id uint64, index int) {
	u.instructionID = id
	u.microOpIndex = index
}

// GeneratedAddresses implements Instruction.
func (u *MicroOp) GeneratedAddresses() []MemoryAccessTarget { return u.targets }

// SetGeneratedAddresses replaces the targets, discarding any supplied data.
func (u *MicroOp) SetGeneratedAddresses(targets ...MemoryAccessTarget) {
	u.targets = targets
	u.supplied = make([]RegisterValue, len(targets))
	u.received = 0
}

// Data implements Instruction.
func (u *MicroOp) Data() []RegisterValue { return u.data }

// SetData replaces the operand data of a store.
func (u *MicroOp) SetData(data []RegisterValue) { u.data = data }

// IsLoad implements Instruction.
func (u *MicroOp) IsLoad() bool {
	return u.kind == OpLoad || u.kind == OpLoadReserved
}

// IsStoreAddress implements Instruction.
func (u *MicroOp) IsStoreAddress() bool {
	return u.kind == OpStore || u.kind == OpStoreConditional
}

// IsStoreData implements Instruction.
func (u *MicroOp) IsStoreData() bool {
	return u.kind == OpStore || u.kind == OpStoreConditional ||
		u.kind == OpStoreData
}

// IsLoadReserved implements Instruction.
func (u *MicroOp) IsLoadReserved() bool { return u.kind == OpLoadReserved }

// IsStoreConditional implements Instruction.
func (u *MicroOp) IsStoreConditional() bool { return u.kind == OpStoreConditional }

// SupplyData implements Instruction. Data for an address that no pending
// target starts at is ignored.
func (u *MicroOp) SupplyData(address uint64, data RegisterValue) {
	for i, t := range u.targets {
		if t.Address == address && u.supplied[i] == nil {
			u.supplied[i] = data
			u.received++
			return
		}
	}
}

// HasAllData implements Instruction.
func (u *MicroOp) HasAllData() bool { return u.received == len(u.targets) }

// LoadedData returns the bytes received for every target.
func (u *MicroOp) LoadedData() []RegisterValue { return u.supplied }

// Execute implements Instruction. A load produces one result per received
// target, truncated to the number of destination registers when set.
func (u *MicroOp) Execute() {
	u.executed = true
	if !u.IsLoad() {
		u.commitReady = true
		return
	}

	u.results = append(u.results[:0], u.supplied...)
	if len(u.destRegs) > 0 && len(u.results) > len(u.destRegs) {
		u.results = u.results[:len(u.destRegs)]
	}
	u.commitReady = true
}

// HasExecuted implements Instruction.
func (u *MicroOp) HasExecuted() bool { return u.executed }

// IsFlushed implements Instruction.
func (u *MicroOp) IsFlushed() bool { return u.flushed }

// SetFlushed marks the micro-op as squashed by the pipeline.
func (u *MicroOp) SetFlushed() { u.flushed = true }

// IsCondResultReady implements Instruction.
func (u *MicroOp) IsCondResultReady() bool { return u.condReady }

// UpdateCondStoreResult implements Instruction. The status result follows
// the AArch64 STXR convention: 0 on success, 1 on failure.
func (u *MicroOp) UpdateCondStoreResult(success bool) {
	u.condReady = true
	u.condSuccess = success

	status := uint64(1)
	if success {
		status = 0
	}
	u.results = []RegisterValue{NewRegisterValue(status, 8)}
}

// CondStoreSucceeded reports the recorded store-conditional outcome.
func (u *MicroOp) CondStoreSucceeded() bool { return u.condSuccess }

// SetCommitReady implements Instruction.
func (u *MicroOp) SetCommitReady(ready bool) { u.commitReady = ready }

// CanCommit implements Instruction.
func (u *MicroOp) CanCommit() bool { return u.commitReady }

// LSQLatency implements Instruction.
func (u *MicroOp) LSQLatency() uint64 { return u.latency }

// SetLSQLatency sets the ready-queue latency.
func (u *MicroOp) SetLSQLatency(latency uint64) { u.latency = latency }

// DestinationRegisters implements Instruction.
func (u *MicroOp) DestinationRegisters() []Register { return u.destRegs }

// SetDestinationRegisters sets the registers written by the micro-op.
func (u *MicroOp) SetDestinationRegisters(regs ...Register) { u.destRegs = regs }

// Results implements Instruction.
func (u *MicroOp) Results() []RegisterValue { return u.results }
