// Package mmu implements the memory management unit of a core. The MMU turns
// the memory targets of load and store instructions into packets, translates
// them, rate-limits them per cycle and routes the responses back to the
// instructions waiting for them.
//
// Usage:
//
//	m := mmu.New(kernel, cfg.MMU)
//	m.ConnectMemory(memory)
//	m.RequestRead(load)
//	m.Tick()
package mmu

import (
	"log"

	"github.com/sarchlab/memsim/insts"
	"github.com/sarchlab/memsim/timing/config"
	"github.com/sarchlab/memsim/timing/packet"
)

// Memory accepts request packets. Responses come back through
// MMU.Receive, synchronously for untimed packets.
type Memory interface {
	Send(pkt *packet.Packet)
}

// MemoryReadResult is a completed instruction fetch.
type MemoryReadResult struct {
	Target    insts.MemoryAccessTarget
	Data      insts.RegisterValue
	RequestID uint64
}

// Stats holds MMU statistics.
type Stats struct {
	LoadRequests     uint64
	StoreRequests    uint64
	PacketsIssued    uint64
	Rejected         uint64
	DroppedResponses uint64
	LLSCFailures     uint64
}

// request is the packets of one instruction.
type request struct {
	insn    insts.Instruction
	packets []*packet.Packet
	bytes   uint64
}

// condWrite tracks the outstanding writes of a store-conditional.
type condWrite struct {
	insn      insts.Instruction
	remaining int
}

// MMU is the memory management unit.
type MMU struct {
	translator Translator
	memory     Memory
	cfg        config.MMUConfig
	tid        uint64

	pendingLoads  []*request
	pendingStores []*request

	requestedLoads      map[uint64]insts.Instruction
	condWrites          map[uint64]*condWrite
	completedInstrReads []MemoryReadResult
	pendingDataRequests uint64

	monitor llscMonitor

	stats Stats
}

// New creates an MMU translating through translator.
func New(translator Translator, cfg config.MMUConfig) *MMU {
	if cfg.CacheLineWidth == 0 {
		cfg.CacheLineWidth = 64
	}

	return &MMU{
		translator:     translator,
		cfg:            cfg,
		requestedLoads: make(map[uint64]insts.Instruction),
		condWrites:     make(map[uint64]*condWrite),
		monitor:        newLLSCMonitor(cfg.CacheLineWidth),
	}
}

// ConnectMemory attaches the memory the MMU sends packets to.
func (m *MMU) ConnectMemory(memory Memory) {
	m.memory = memory
}

// SetTID sets the thread the MMU issues requests for.
func (m *MMU) SetTID(tid uint64) { m.tid = tid }

// TID returns the current thread id.
func (m *MMU) TID() uint64 { return m.tid }

// Stats returns a copy of the statistics.
func (m *MMU) Stats() Stats { return m.stats }

func (m *MMU) canQueue(isStore bool) bool {
	total := uint64(len(m.pendingLoads) + len(m.pendingStores))
	if total >= m.cfg.PermittedRequests {
		return false
	}

	if isStore {
		if uint64(len(m.pendingStores)) >= m.cfg.PermittedStores {
			return false
		}
		return !m.cfg.Exclusive || len(m.pendingLoads) == 0
	}

	if uint64(len(m.pendingLoads)) >= m.cfg.PermittedLoads {
		return false
	}
	return !m.cfg.Exclusive || len(m.pendingStores) == 0
}

func mustNotOverflow(t insts.MemoryAccessTarget) {
	if t.Address+uint64(t.Size) < t.Address {
		log.Panicf("memory target %s overflows the address space", t)
	}
}

// RequestRead queues one read packet per target of insn. It returns false,
// leaving the MMU unchanged, when the pending buffers are full.
func (m *MMU) RequestRead(insn insts.Instruction) bool {
	if !m.canQueue(false) {
		m.stats.Rejected++
		return false
	}

	targets := insn.GeneratedAddresses()
	if len(targets) == 0 {
		return true
	}

	req := &request{insn: insn}
	for i, t := range targets {
		mustNotOverflow(t)
		pkt := packet.NewReadRequest(t.Address, uint32(t.Size),
			insn.SequenceID(), uint16(i), m.tid)
		req.packets = append(req.packets, pkt)
		req.bytes += uint64(t.Size)
	}

	if insn.IsLoadReserved() {
		m.OpenLLSCMonitor(insn)
	}

	m.pendingLoads = append(m.pendingLoads, req)
	m.requestedLoads[insn.SequenceID()] = insn
	m.stats.LoadRequests++

	return true
}

// RequestWrite queues one write packet per target of insn, writing data[i]
// to target i. A store-conditional whose monitor check fails is resolved as
// failed at once and sends nothing.
func (m *MMU) RequestWrite(insn insts.Instruction, data []insts.RegisterValue) bool {
	if !m.canQueue(true) {
		m.stats.Rejected++
		return false
	}

	targets := insn.GeneratedAddresses()
	if len(data) < len(targets) {
		log.Panicf("store %d has %d targets but %d data values",
			insn.SequenceID(), len(targets), len(data))
	}

	if insn.IsStoreConditional() {
		if !m.CheckLLSCMonitor(insn) {
			m.stats.LLSCFailures++
			insn.UpdateCondStoreResult(false)
			return true
		}

		if len(targets) == 0 {
			insn.UpdateCondStoreResult(true)
			return true
		}

		m.condWrites[insn.SequenceID()] = &condWrite{
			insn:      insn,
			remaining: len(targets),
		}
	}

	if len(targets) == 0 {
		return true
	}

	req := &request{insn: insn}
	for i, t := range targets {
		mustNotOverflow(t)
		pkt := packet.NewWriteRequest(t.Address, uint32(t.Size),
			insn.SequenceID(), uint16(i), m.tid, fit(data[i], t.Size))
		req.packets = append(req.packets, pkt)
		req.bytes += uint64(t.Size)
	}

	m.pendingStores = append(m.pendingStores, req)
	m.stats.StoreRequests++

	return true
}

// RequestWriteTarget writes data to target immediately. The write belongs to
// no instruction and does not count against any limit.
func (m *MMU) RequestWriteTarget(target insts.MemoryAccessTarget, data insts.RegisterValue) {
	mustNotOverflow(target)

	pkt := packet.NewWriteRequest(target.Address, uint32(target.Size),
		0, 0, m.tid, fit(data, target.Size))
	pkt.Untimed = true
	m.issue(pkt)
}

// RequestInstrRead fetches target without modeled latency. The result is
// available from CompletedInstrReads.
func (m *MMU) RequestInstrRead(target insts.MemoryAccessTarget) {
	mustNotOverflow(target)

	pkt := packet.NewReadRequest(target.Address, uint32(target.Size),
		0, 0, m.tid)
	pkt.Untimed = true
	pkt.InstrFetch = true
	m.issue(pkt)
}

// CompletedInstrReads returns the finished instruction fetches.
func (m *MMU) CompletedInstrReads() []MemoryReadResult {
	return m.completedInstrReads
}

// ClearCompletedInstrReads drops the finished instruction fetches.
func (m *MMU) ClearCompletedInstrReads() {
	m.completedInstrReads = m.completedInstrReads[:0]
}

// HasPendingRequests reports whether any request is queued or in flight.
func (m *MMU) HasPendingRequests() bool {
	return len(m.pendingLoads) > 0 || len(m.pendingStores) > 0 ||
		m.pendingDataRequests > 0
}

// OpenLLSCMonitor starts monitoring the cache lines of a load-reserved.
func (m *MMU) OpenLLSCMonitor(insn insts.Instruction) {
	m.monitor.open(insn.GeneratedAddresses())
}

// CheckLLSCMonitor reports whether a store-conditional may proceed and
// closes the monitor.
func (m *MMU) CheckLLSCMonitor(insn insts.Instruction) bool {
	return m.monitor.check(insn.GeneratedAddresses())
}

// cycleBudget is what is left of the per-cycle limits.
type cycleBudget struct {
	requests   uint64
	loads      uint64
	stores     uint64
	loadBytes  uint64
	storeBytes uint64
}

// Tick issues as many pending requests as the per-cycle limits allow.
// Requests that do not fit stay queued in order.
func (m *MMU) Tick() {
	budget := &cycleBudget{}

	if m.cfg.Exclusive {
		if len(m.pendingStores) > 0 {
			m.pendingStores = m.processRequests(m.pendingStores, true, budget)
		} else {
			m.pendingLoads = m.processRequests(m.pendingLoads, false, budget)
		}
		return
	}

	m.pendingLoads = m.processRequests(m.pendingLoads, false, budget)
	m.pendingStores = m.processRequests(m.pendingStores, true, budget)
}

func (m *MMU) processRequests(
	queue []*request,
	isStore bool,
	budget *cycleBudget,
) []*request {
	count, bytes := &budget.loads, &budget.loadBytes
	limit, bandwidth := m.cfg.PermittedLoads, m.cfg.LoadBandwidth
	if isStore {
		count, bytes = &budget.stores, &budget.storeBytes
		limit, bandwidth = m.cfg.PermittedStores, m.cfg.StoreBandwidth
	}

	consumed := 0
	for _, req := range queue {
		if req.insn.IsFlushed() {
			m.discard(req, isStore)
			consumed++
			continue
		}

		if budget.requests >= m.cfg.PermittedRequests || *count >= limit {
			break
		}

		// A request larger than the bandwidth goes alone.
		if *bytes > 0 && *bytes+req.bytes > bandwidth {
			break
		}

		for _, pkt := range req.packets {
			m.issue(pkt)
		}

		budget.requests++
		*count++
		*bytes += req.bytes
		consumed++
	}

	return queue[consumed:]
}

func (m *MMU) discard(req *request, isStore bool) {
	seq := req.insn.SequenceID()
	if isStore {
		delete(m.condWrites, seq)
		return
	}
	delete(m.requestedLoads, seq)
}

func (m *MMU) issue(pkt *packet.Packet) {
	if m.memory == nil {
		log.Panicf("mmu: packet %s issued with no memory connected", pkt)
	}

	pkt.PAddr = m.translator.Translate(pkt.VAddr, pkt.TID)
	if pkt.IsWrite() {
		m.monitor.invalidate(pkt.Target())
	}

	m.pendingDataRequests++
	m.stats.PacketsIssued++
	m.memory.Send(pkt)
}

// Receive accepts a response packet from memory.
func (m *MMU) Receive(pkt *packet.Packet) {
	if !pkt.IsResponse() {
		log.Panicf("mmu: received request packet %s", pkt)
	}

	if m.pendingDataRequests == 0 {
		log.Panicf("mmu: response %s with no request in flight", pkt)
	}
	m.pendingDataRequests--

	switch {
	case pkt.InstrFetch:
		m.completedInstrReads = append(m.completedInstrReads, MemoryReadResult{
			Target:    pkt.Target(),
			Data:      insts.RegisterValue(pkt.Payload),
			RequestID: pkt.ID,
		})
	case pkt.IsRead():
		m.receiveRead(pkt)
	default:
		m.receiveWrite(pkt)
	}
}

func (m *MMU) receiveRead(pkt *packet.Packet) {
	insn, found := m.requestedLoads[pkt.InsnSeqID]
	if !found {
		m.stats.DroppedResponses++
		return
	}

	if insn.IsFlushed() {
		delete(m.requestedLoads, pkt.InsnSeqID)
		m.stats.DroppedResponses++
		return
	}

	insn.SupplyData(pkt.VAddr, insts.RegisterValue(pkt.Payload))
	if insn.HasAllData() {
		delete(m.requestedLoads, pkt.InsnSeqID)
	}
}

func (m *MMU) receiveWrite(pkt *packet.Packet) {
	if pkt.Untimed {
		return
	}

	cw, found := m.condWrites[pkt.InsnSeqID]
	if !found {
		return
	}

	cw.remaining--
	if cw.remaining > 0 {
		return
	}

	delete(m.condWrites, pkt.InsnSeqID)
	if cw.insn.IsFlushed() {
		m.stats.DroppedResponses++
		return
	}
	cw.insn.UpdateCondStoreResult(true)
}

// fit returns data truncated or zero-extended to size bytes.
func fit(data insts.RegisterValue, size uint16) []byte {
	out := make([]byte, size)
	copy(out, data)
	return out
}
