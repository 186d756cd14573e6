package cache

import (
	"log"

	"github.com/sarchlab/akita/v4/mem/mem"
	"github.com/sarchlab/akita/v4/mem/vm"

	"github.com/sarchlab/memsim/timing/config"
	"github.com/sarchlab/memsim/timing/packet"
)

// Receiver accepts response packets.
type Receiver interface {
	Receive(pkt *packet.Packet)
}

// MemoryStats holds backing memory statistics.
type MemoryStats struct {
	Reads     uint64
	Writes    uint64
	Untimed   uint64
	Delivered uint64

	// TrafficBytes sums the message sizes of every request and response.
	TrafficBytes uint64
}

type inflight struct {
	pkt   *packet.Packet
	ready uint64
}

// Memory is the packet endpoint behind the MMU. Data moves at Send time;
// the response is held back until its latency has elapsed.
type Memory struct {
	cfg      config.MemoryConfig
	storage  *mem.Storage
	backing  *StorageBacking
	l1       *Cache
	receiver Receiver

	inflight []inflight
	cycle    uint64

	stats MemoryStats
}

// NewMemory creates a backing memory of cfg.Capacity bytes. When cfg.L1 is
// set, accesses go through a write-back cache that decides their latency.
func NewMemory(cfg config.MemoryConfig) *Memory {
	storage := mem.NewStorage(cfg.Capacity)
	m := &Memory{
		cfg:     cfg,
		storage: storage,
		backing: NewStorageBacking(storage),
	}

	if cfg.L1 != nil {
		m.l1 = New(*cfg.L1, m.backing)
	}

	return m
}

// Connect sets where responses are delivered.
func (m *Memory) Connect(r Receiver) {
	m.receiver = r
}

// Storage returns the physical storage.
func (m *Memory) Storage() *mem.Storage { return m.storage }

// Cache returns the L1 cache, or nil when accesses use a fixed latency.
func (m *Memory) Cache() *Cache { return m.l1 }

// Stats returns memory statistics.
func (m *Memory) Stats() MemoryStats { return m.stats }

// HasInflight reports whether responses are still waiting for delivery.
func (m *Memory) HasInflight() bool { return len(m.inflight) > 0 }

// Send serves a request packet. Untimed packets are answered before Send
// returns.
func (m *Memory) Send(pkt *packet.Packet) {
	if !pkt.IsRequest() {
		log.Panicf("memory received response packet %s", pkt)
	}
	if m.receiver == nil {
		log.Panicf("memory has no receiver connected")
	}

	var latency uint64
	if pkt.IsRead() {
		latency = m.serveRead(pkt)
	} else {
		latency = m.serveWrite(pkt)
	}

	if pkt.Untimed {
		m.stats.Untimed++
		m.deliver(pkt)
		return
	}

	m.inflight = append(m.inflight, inflight{
		pkt:   pkt,
		ready: m.cycle + max(latency, 1),
	})
}

func (m *Memory) serveRead(pkt *packet.Packet) uint64 {
	m.stats.Reads++

	req := mem.ReadReqBuilder{}.
		WithAddress(pkt.PAddr).
		WithByteSize(uint64(pkt.Size)).
		WithPID(vm.PID(pkt.TID)).
		WithInfo(pkt.ID).
		Build()

	data, latency := m.read(req.Address, int(req.AccessByteSize))

	rsp := mem.DataReadyRspBuilder{}.
		WithRspTo(req.ID).
		WithData(data).
		Build()
	m.stats.TrafficBytes += uint64(req.TrafficBytes + rsp.TrafficBytes)

	pkt.IntoReadResponse(rsp.Data)
	return latency
}

func (m *Memory) serveWrite(pkt *packet.Packet) uint64 {
	m.stats.Writes++

	data := make([]byte, pkt.Size)
	copy(data, pkt.Payload)

	req := mem.WriteReqBuilder{}.
		WithAddress(pkt.PAddr).
		WithData(data).
		WithPID(vm.PID(pkt.TID)).
		WithInfo(pkt.ID).
		Build()

	latency := m.write(req.Address, req.Data)

	rsp := mem.WriteDoneRspBuilder{}.
		WithRspTo(req.ID).
		Build()
	m.stats.TrafficBytes += uint64(req.TrafficBytes + rsp.TrafficBytes)

	pkt.IntoWriteResponse()
	return latency
}

func (m *Memory) read(addr uint64, size int) ([]byte, uint64) {
	if m.l1 == nil {
		data, err := m.backing.Read(addr, size)
		if err != nil {
			log.Panicf("memory: %v", err)
		}
		return data, m.cfg.Latency
	}

	result, err := m.l1.Read(addr, size)
	if err != nil {
		log.Panicf("memory: %v", err)
	}
	return result.Data, result.Latency
}

func (m *Memory) write(addr uint64, data []byte) uint64 {
	if m.l1 == nil {
		if err := m.backing.Write(addr, data); err != nil {
			log.Panicf("memory: %v", err)
		}
		return m.cfg.Latency
	}

	result, err := m.l1.Write(addr, data)
	if err != nil {
		log.Panicf("memory: %v", err)
	}
	return result.Latency
}

// Tick advances one cycle and delivers every response whose latency has
// elapsed, oldest request first.
func (m *Memory) Tick() {
	m.cycle++

	var due []*packet.Packet
	remaining := m.inflight[:0]
	for _, f := range m.inflight {
		if f.ready <= m.cycle {
			due = append(due, f.pkt)
		} else {
			remaining = append(remaining, f)
		}
	}
	m.inflight = remaining

	for _, pkt := range due {
		m.deliver(pkt)
	}
}

func (m *Memory) deliver(pkt *packet.Packet) {
	m.stats.Delivered++
	m.receiver.Receive(pkt)
}
