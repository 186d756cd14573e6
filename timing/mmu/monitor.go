package mmu

import (
	"github.com/sarchlab/memsim/insts"
	"github.com/sarchlab/memsim/timing/packet"
)

// llscMonitor models a single weak exclusive monitor. It holds the cache
// lines touched by the last load-reserved.
type llscMonitor struct {
	lineWidth uint64
	lines     map[uint64]struct{}
	valid     bool
}

func newLLSCMonitor(lineWidth uint64) llscMonitor {
	return llscMonitor{
		lineWidth: lineWidth,
		lines:     make(map[uint64]struct{}),
	}
}

// forEachLine visits the lines of t in address order. Addresses are masked
// the way packets mask them, so a reservation and the writes checked against
// it agree on the line.
func (m *llscMonitor) forEachLine(t insts.MemoryAccessTarget, fn func(line uint64) bool) {
	start := t.Address & packet.AddressMask
	end := start
	if t.Size > 0 {
		end = start + uint64(t.Size) - 1
	}

	first := start &^ (m.lineWidth - 1)
	count := (end&^(m.lineWidth-1)-first)/m.lineWidth + 1

	for i := uint64(0); i < count; i++ {
		if !fn(first + i*m.lineWidth) {
			return
		}
	}
}

func (m *llscMonitor) open(targets []insts.MemoryAccessTarget) {
	clear(m.lines)
	for _, t := range targets {
		m.forEachLine(t, func(line uint64) bool {
			m.lines[line] = struct{}{}
			return true
		})
	}
	m.valid = true
}

// check reports whether every line of targets is still monitored, then
// closes the monitor.
func (m *llscMonitor) check(targets []insts.MemoryAccessTarget) bool {
	ok := m.valid
	for _, t := range targets {
		if !ok {
			break
		}
		m.forEachLine(t, func(line uint64) bool {
			_, ok = m.lines[line]
			return ok
		})
	}

	m.close()
	return ok
}

// invalidate closes the monitor if the store target hits a monitored line.
func (m *llscMonitor) invalidate(t insts.MemoryAccessTarget) {
	if !m.valid {
		return
	}

	m.forEachLine(t, func(line uint64) bool {
		if _, hit := m.lines[line]; hit {
			m.close()
			return false
		}
		return true
	})
}

func (m *llscMonitor) close() {
	m.valid = false
	clear(m.lines)
}
