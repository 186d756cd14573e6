package insts

// Instruction is the view of an in-flight micro-op that the LSQ and MMU
// consume. Implementations are owned by the pipeline; the memory subsystem
// only holds references to them.
type Instruction interface {
	// SequenceID is the program-order identity of the micro-op.
	SequenceID() uint64
	// InstructionID identifies the macro-op the micro-op was cracked from.
	InstructionID() uint64
	// MicroOpIndex is the position of the micro-op within its macro-op.
	MicroOpIndex() int

	// GeneratedAddresses returns the memory targets of the micro-op.
	GeneratedAddresses() []MemoryAccessTarget
	// Data returns the operand data of a store, one value per target.
	Data() []RegisterValue

	IsLoad() bool
	IsStoreAddress() bool
	IsStoreData() bool
	IsLoadReserved() bool
	IsStoreConditional() bool

	// SupplyData hands the bytes read for the target starting at address.
	SupplyData(address uint64, data RegisterValue)
	// HasAllData reports whether every target has received its data.
	HasAllData() bool
	// Execute completes the micro-op once its inputs are available.
	Execute()
	HasExecuted() bool
	IsFlushed() bool

	// IsCondResultReady reports whether a store-conditional knows its
	// outcome.
	IsCondResultReady() bool
	// UpdateCondStoreResult records the outcome of a store-conditional.
	UpdateCondStoreResult(success bool)

	SetCommitReady(ready bool)
	CanCommit() bool

	// LSQLatency is the number of cycles between a request becoming ready and
	// it being allowed to reach the MMU.
	LSQLatency() uint64

	DestinationRegisters() []Register
	Results() []RegisterValue
}
