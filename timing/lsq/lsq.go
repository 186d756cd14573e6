// Package lsq implements the load-store queue of a core.
//
// Loads and stores enter the queue in program order. Loads are checked
// against older uncommitted stores when they start: a load that overlaps one
// waits in the confliction map until that store commits, or until a
// committed store-conditional resolves. Committing a store
// writes it to memory and checks every outstanding load for a memory order
// violation. Requests are parked in time-bucketed ready queues and handed to
// the MMU within the per-cycle bandwidth and request limits.
package lsq

import (
	"log"
	"maps"
	"slices"

	"github.com/sarchlab/memsim/insts"
	"github.com/sarchlab/memsim/timing/config"
)

// MemoryUnit is the part of the MMU the queue drives.
type MemoryUnit interface {
	RequestRead(insn insts.Instruction) bool
	RequestWrite(insn insts.Instruction, data []insts.RegisterValue) bool
	RequestWriteTarget(target insts.MemoryAccessTarget, data insts.RegisterValue)
}

// Stats holds load-store queue statistics.
type Stats struct {
	LoadsStarted    uint64
	LoadsIssued     uint64
	LoadsCompleted  uint64
	StoresCommitted uint64
	StoresScheduled uint64
	Conflicts       uint64
	Violations      uint64
	MMURejections   uint64
}

type storeEntry struct {
	insn insts.Instruction
	data []insts.RegisterValue
}

// LSQ is a load-store queue.
type LSQ struct {
	cfg     config.LSQConfig
	mmu     MemoryUnit
	slots   []CompletionSlot
	forward ForwardFunc

	loadQueue  []insts.Instruction
	storeQueue []storeEntry

	// conflictionMap holds the loads waiting on a store, keyed by the
	// store's sequence id.
	conflictionMap map[uint64][]insts.Instruction

	loadReady  *readyQueue
	storeReady *readyQueue

	// requestedLoads holds the loads from StartLoad to CommitLoad, keyed by
	// sequence id.
	requestedLoads map[uint64]insts.Instruction

	completedLoads []insts.Instruction

	condStore      insts.Instruction
	condStoreData  []insts.RegisterValue
	condStoreCycle uint64

	violatingLoad insts.Instruction
	tickCounter   uint64

	stats Stats
}

// New creates a load-store queue issuing to mmu and writing completed loads
// back into slots.
func New(
	cfg config.LSQConfig,
	mmu MemoryUnit,
	slots []CompletionSlot,
	forward ForwardFunc,
) *LSQ {
	if forward == nil {
		forward = func([]insts.Register, []insts.RegisterValue) {}
	}
	if cfg.CompletionOrder == "" {
		cfg.CompletionOrder = config.InOrder
	}

	return &LSQ{
		cfg:            cfg,
		mmu:            mmu,
		slots:          slots,
		forward:        forward,
		conflictionMap: make(map[uint64][]insts.Instruction),
		loadReady:      newReadyQueue(),
		storeReady:     newReadyQueue(),
		requestedLoads: make(map[uint64]insts.Instruction),
	}
}

// IsCombined reports whether loads and stores share one capacity.
func (q *LSQ) IsCombined() bool { return q.cfg.Combined }

func remaining(capacity uint64, used int) uint64 {
	if uint64(used) >= capacity {
		return 0
	}
	return capacity - uint64(used)
}

func (q *LSQ) combinedSpace() uint64 {
	return remaining(q.cfg.CombinedCapacity, len(q.loadQueue)+len(q.storeQueue))
}

// LoadQueueSpace returns the number of loads that can still be added.
func (q *LSQ) LoadQueueSpace() uint64 {
	if q.cfg.Combined {
		return q.combinedSpace()
	}
	return remaining(q.cfg.LoadCapacity, len(q.loadQueue))
}

// StoreQueueSpace returns the number of stores that can still be added.
func (q *LSQ) StoreQueueSpace() uint64 {
	if q.cfg.Combined {
		return q.combinedSpace()
	}
	return remaining(q.cfg.StoreCapacity, len(q.storeQueue))
}

// TotalSpace returns the free capacity of both queues.
func (q *LSQ) TotalSpace() uint64 {
	if q.cfg.Combined {
		return q.combinedSpace()
	}
	return q.LoadQueueSpace() + q.StoreQueueSpace()
}

// LoadQueueSize returns the number of loads in the queue.
func (q *LSQ) LoadQueueSize() int { return len(q.loadQueue) }

// StoreQueueSize returns the number of stores in the queue.
func (q *LSQ) StoreQueueSize() int { return len(q.storeQueue) }

// ConflictingLoads returns the loads waiting for store storeSeq to commit.
func (q *LSQ) ConflictingLoads(storeSeq uint64) []insts.Instruction {
	return q.conflictionMap[storeSeq]
}

// IsOutstanding reports whether the load with sequence id seq has been
// scheduled and not yet committed.
func (q *LSQ) IsOutstanding(seq uint64) bool {
	_, found := q.requestedLoads[seq]
	return found
}

// ViolatingLoad returns the load found by the last CommitStore that
// reported a violation.
func (q *LSQ) ViolatingLoad() insts.Instruction { return q.violatingLoad }

// Cycle returns the number of ticks so far.
func (q *LSQ) Cycle() uint64 { return q.tickCounter }

// Stats returns a copy of the statistics.
func (q *LSQ) Stats() Stats { return q.stats }

// HasPendingWork reports whether any request is still waiting to be
// scheduled, resolved or written back.
func (q *LSQ) HasPendingWork() bool {
	return q.loadReady.len() > 0 || q.storeReady.len() > 0 ||
		len(q.conflictionMap) > 0 || len(q.completedLoads) > 0 ||
		q.condStore != nil
}

// AddLoad appends a load to the load queue.
func (q *LSQ) AddLoad(insn insts.Instruction) {
	q.loadQueue = append(q.loadQueue, insn)
}

// AddStore appends a store to the store queue.
func (q *LSQ) AddStore(insn insts.Instruction) {
	q.storeQueue = append(q.storeQueue, storeEntry{insn: insn})
}

// SupplyStoreData hands the operand data of a store-data micro-op to the
// store of the same macro-op.
func (q *LSQ) SupplyStoreData(insn insts.Instruction) {
	for i := range q.storeQueue {
		entry := &q.storeQueue[i]
		if entry.insn.InstructionID() == insn.InstructionID() &&
			entry.insn.SequenceID() != insn.SequenceID() {
			entry.data = insn.Data()
			return
		}
	}
}

// StartLoad begins the memory access of a load that is in the load queue.
func (q *LSQ) StartLoad(insn insts.Instruction) {
	q.stats.LoadsStarted++

	targets := insn.GeneratedAddresses()
	if len(targets) == 0 {
		insn.Execute()
		q.completedLoads = append(q.completedLoads, insn)
		return
	}

	if q.cfg.CompletionOrder == config.InOrder {
		q.completedLoads = append(q.completedLoads, insn)
	}

	seq := insn.SequenceID()
	for i := len(q.storeQueue) - 1; i >= 0; i-- {
		store := q.storeQueue[i].insn
		if store.SequenceID() >= seq || store.IsFlushed() {
			continue
		}

		if insts.AnyOverlap(store.GeneratedAddresses(), targets) {
			storeSeq := store.SequenceID()
			q.conflictionMap[storeSeq] = append(q.conflictionMap[storeSeq], insn)
			q.stats.Conflicts++
			return
		}
	}

	// A committed store-conditional has left the store queue but not yet
	// written memory.
	if sc := q.condStore; sc != nil && sc.SequenceID() < seq &&
		insts.AnyOverlap(sc.GeneratedAddresses(), targets) {
		scSeq := sc.SequenceID()
		q.conflictionMap[scSeq] = append(q.conflictionMap[scSeq], insn)
		q.stats.Conflicts++
		return
	}

	q.scheduleLoad(insn, q.tickCounter+insn.LSQLatency())
}

func (q *LSQ) scheduleLoad(insn insts.Instruction, cycle uint64) {
	q.loadReady.schedule(cycle, insn)
	q.requestedLoads[insn.SequenceID()] = insn
}

// CommitStore retires the store at the head of the store queue. It returns
// true when an outstanding load overlapping the store was found; that load
// is then available from ViolatingLoad.
func (q *LSQ) CommitStore(uop insts.Instruction) bool {
	if len(q.storeQueue) == 0 {
		log.Panicf("lsq: commit of store %d from an empty store queue",
			uop.SequenceID())
	}
	head := q.storeQueue[0]
	if head.insn.SequenceID() != uop.SequenceID() {
		log.Panicf("lsq: commit of store %d, but store %d is at the head",
			uop.SequenceID(), head.insn.SequenceID())
	}

	data := head.data
	if data == nil {
		data = uop.Data()
	}

	targets := uop.GeneratedAddresses()
	storeCycle := q.tickCounter + uop.LSQLatency()

	if uop.IsStoreConditional() {
		if q.condStore != nil {
			log.Panicf("lsq: store-conditional %d committed while %d is in flight",
				uop.SequenceID(), q.condStore.SequenceID())
		}
		q.condStore = uop
		q.condStoreData = data
		q.condStoreCycle = storeCycle
	} else {
		if len(data) < len(targets) {
			log.Panicf("lsq: store %d has %d targets but %d data values",
				uop.SequenceID(), len(targets), len(data))
		}
		for i, t := range targets {
			q.mmu.RequestWriteTarget(t, data[i])
		}
	}
	q.storeReady.schedule(storeCycle, uop)

	violation := q.findViolation(uop)

	// Loads waiting on a store-conditional are released when it resolves.
	if !uop.IsStoreConditional() {
		q.releaseConflicts(uop.SequenceID(), storeCycle)
	}

	q.storeQueue = q.storeQueue[1:]
	q.stats.StoresCommitted++

	return violation
}

// releaseConflicts schedules the loads waiting on store storeSeq, none
// earlier than storeCycle.
func (q *LSQ) releaseConflicts(storeSeq, storeCycle uint64) {
	for _, load := range q.conflictionMap[storeSeq] {
		if load.IsFlushed() {
			continue
		}
		q.scheduleLoad(load, max(q.tickCounter+load.LSQLatency(), storeCycle))
	}
	delete(q.conflictionMap, storeSeq)
}

// findViolation looks for the oldest outstanding load overlapping store.
func (q *LSQ) findViolation(store insts.Instruction) bool {
	targets := store.GeneratedAddresses()

	var oldest insts.Instruction
	for seq, load := range q.requestedLoads {
		if seq == store.SequenceID() {
			continue
		}
		if oldest != nil && seq >= oldest.SequenceID() {
			continue
		}
		if insts.AnyOverlap(targets, load.GeneratedAddresses()) {
			oldest = load
		}
	}

	if oldest == nil {
		return false
	}

	q.violatingLoad = oldest
	q.stats.Violations++
	return true
}

// CommitLoad retires the load at the head of the load queue.
func (q *LSQ) CommitLoad(uop insts.Instruction) {
	if len(q.loadQueue) == 0 {
		log.Panicf("lsq: commit of load %d from an empty load queue",
			uop.SequenceID())
	}
	if head := q.loadQueue[0]; head.SequenceID() != uop.SequenceID() {
		log.Panicf("lsq: commit of load %d, but load %d is at the head",
			uop.SequenceID(), head.SequenceID())
	}

	q.loadQueue = q.loadQueue[1:]
	delete(q.requestedLoads, uop.SequenceID())
}

func notFlushed(insn insts.Instruction) bool { return !insn.IsFlushed() }

// PurgeFlushed removes every flushed instruction from the queue. Responses
// still in flight for them are dropped by the MMU.
func (q *LSQ) PurgeFlushed() {
	q.loadQueue = slices.DeleteFunc(q.loadQueue, insts.Instruction.IsFlushed)
	q.storeQueue = slices.DeleteFunc(q.storeQueue, func(e storeEntry) bool {
		return e.insn.IsFlushed()
	})

	if q.condStore != nil && q.condStore.IsFlushed() {
		q.condStore = nil
		q.condStoreData = nil
	}

	q.purgeConflictions()

	q.loadReady.filter(notFlushed)
	q.storeReady.filter(notFlushed)
	maps.DeleteFunc(q.requestedLoads, func(_ uint64, insn insts.Instruction) bool {
		return insn.IsFlushed()
	})
	q.completedLoads = slices.DeleteFunc(q.completedLoads,
		insts.Instruction.IsFlushed)
}

// purgeConflictions drops flushed loads from the confliction map. Loads
// that waited on a flushed store no longer wait on anything and are
// scheduled.
func (q *LSQ) purgeConflictions() {
	pending := make(map[uint64]bool, len(q.storeQueue)+1)
	for _, e := range q.storeQueue {
		pending[e.insn.SequenceID()] = true
	}
	if q.condStore != nil {
		pending[q.condStore.SequenceID()] = true
	}

	for _, storeSeq := range slices.Sorted(maps.Keys(q.conflictionMap)) {
		loads := slices.DeleteFunc(q.conflictionMap[storeSeq],
			insts.Instruction.IsFlushed)

		if !pending[storeSeq] {
			for _, load := range loads {
				q.scheduleLoad(load, q.tickCounter+load.LSQLatency())
			}
			delete(q.conflictionMap, storeSeq)
			continue
		}

		if len(loads) == 0 {
			delete(q.conflictionMap, storeSeq)
			continue
		}
		q.conflictionMap[storeSeq] = loads
	}
}

// Tick advances the queue by one cycle.
func (q *LSQ) Tick() {
	q.scheduleRequests()
	q.resolveCondStore()
	q.executeArrivedLoads()
	q.writeBack()

	q.tickCounter++
}

// issueBudget is the per-cycle usage of one request type.
type issueBudget struct {
	count     uint64
	bytes     uint64
	limit     uint64
	bandwidth uint64
	blocked   bool
}

func (b *issueBudget) admits(size uint64) bool {
	if b.blocked || b.count >= b.limit {
		return false
	}
	// A request larger than the bandwidth goes alone.
	return b.bytes == 0 || b.bytes+size <= b.bandwidth
}

func requestSize(insn insts.Instruction) uint64 {
	var size uint64
	for _, t := range insn.GeneratedAddresses() {
		size += uint64(t.Size)
	}
	return size
}

// scheduleRequests hands due requests to the MMU. The type whose earliest
// due bucket is older goes first; stores win ties.
func (q *LSQ) scheduleRequests() {
	loads := &issueBudget{
		limit:     q.cfg.PermittedLoads,
		bandwidth: q.cfg.LoadBandwidth,
	}
	stores := &issueBudget{
		limit:     q.cfg.PermittedStores,
		bandwidth: q.cfg.StoreBandwidth,
	}
	var total uint64

	for total < q.cfg.PermittedRequests {
		isStore, b, ok := q.nextDue(loads, stores)
		if !ok {
			return
		}

		ready, budget, other := q.loadReady, loads, stores
		if isStore {
			ready, budget, other = q.storeReady, stores, loads
		}

		insn := b.entries[0]
		if insn.IsFlushed() {
			ready.popFront(b)
			continue
		}

		if q.cfg.Exclusive && other.count > 0 {
			budget.blocked = true
			continue
		}

		size := requestSize(insn)
		if !budget.admits(size) {
			budget.blocked = true
			continue
		}

		if !q.issue(insn, isStore) {
			q.stats.MMURejections++
			budget.blocked = true
			continue
		}

		ready.popFront(b)
		budget.count++
		budget.bytes += size
		total++
	}
}

func (q *LSQ) nextDue(loads, stores *issueBudget) (bool, *bucket, bool) {
	var lb, sb *bucket
	if !loads.blocked {
		lb, _ = q.loadReady.due(q.tickCounter)
	}
	if !stores.blocked {
		sb, _ = q.storeReady.due(q.tickCounter)
	}

	switch {
	case sb != nil && (lb == nil || sb.cycle <= lb.cycle):
		return true, sb, true
	case lb != nil:
		return false, lb, true
	default:
		return false, nil, false
	}
}

func (q *LSQ) issue(insn insts.Instruction, isStore bool) bool {
	if !isStore {
		if !q.mmu.RequestRead(insn) {
			return false
		}
		q.stats.LoadsIssued++
		return true
	}

	if insn.IsStoreConditional() {
		if !q.mmu.RequestWrite(insn, q.condStoreData) {
			return false
		}
	}
	q.stats.StoresScheduled++
	return true
}

// resolveCondStore forwards the status of a finished store-conditional.
func (q *LSQ) resolveCondStore() {
	if q.condStore == nil || !q.condStore.IsCondResultReady() {
		return
	}

	sc := q.condStore
	q.forward(sc.DestinationRegisters(), sc.Results())
	sc.SetCommitReady(true)
	q.releaseConflicts(sc.SequenceID(), q.condStoreCycle)

	q.condStore = nil
	q.condStoreData = nil
}

// executeArrivedLoads executes the outstanding loads whose data is
// complete, in program order.
func (q *LSQ) executeArrivedLoads() {
	for _, load := range q.loadQueue {
		if load.HasExecuted() || load.IsFlushed() || !load.HasAllData() {
			continue
		}
		if _, outstanding := q.requestedLoads[load.SequenceID()]; !outstanding {
			continue
		}

		load.Execute()
		if q.cfg.CompletionOrder == config.OutOfOrder {
			q.completedLoads = append(q.completedLoads, load)
		}
	}
}

// writeBack moves completed loads into the unstalled completion slots, one
// per slot. In-order completion waits for the oldest load.
func (q *LSQ) writeBack() {
	for _, slot := range q.slots {
		if slot.IsStalled() {
			continue
		}

		insn := q.nextCompleted()
		if insn == nil {
			return
		}

		slot.Push(insn)
		q.forward(insn.DestinationRegisters(), insn.Results())
		q.completedLoads = q.completedLoads[1:]
		q.stats.LoadsCompleted++
	}
}

func (q *LSQ) nextCompleted() insts.Instruction {
	for len(q.completedLoads) > 0 {
		head := q.completedLoads[0]
		if head.IsFlushed() {
			q.completedLoads = q.completedLoads[1:]
			continue
		}
		if !head.HasExecuted() {
			return nil
		}
		return head
	}
	return nil
}
