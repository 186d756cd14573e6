package lsq

import "github.com/sarchlab/memsim/insts"

// CompletionSlot is a pipeline buffer that completed loads are written
// back into.
type CompletionSlot interface {
	IsStalled() bool
	Push(insn insts.Instruction)
}

// ForwardFunc passes the results of a completed instruction to the
// operands waiting on its destination registers.
type ForwardFunc func(regs []insts.Register, values []insts.RegisterValue)

// SlotBuffer is a CompletionSlot that collects everything pushed into it.
type SlotBuffer struct {
	stalled bool
	entries []insts.Instruction
}

// NewSlotBuffer creates an empty, unstalled slot.
func NewSlotBuffer() *SlotBuffer {
	return &SlotBuffer{}
}

// IsStalled implements CompletionSlot.
func (s *SlotBuffer) IsStalled() bool { return s.stalled }

// SetStalled stalls or releases the slot.
func (s *SlotBuffer) SetStalled(stalled bool) { s.stalled = stalled }

// Push implements CompletionSlot.
func (s *SlotBuffer) Push(insn insts.Instruction) {
	s.entries = append(s.entries, insn)
}

// Entries returns the instructions pushed since the last Drain.
func (s *SlotBuffer) Entries() []insts.Instruction { return s.entries }

// Drain returns and forgets the collected instructions.
func (s *SlotBuffer) Drain() []insts.Instruction {
	out := s.entries
	s.entries = nil
	return out
}
