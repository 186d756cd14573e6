// Package insts defines the contract between the memory subsystem and the
// in-flight instructions that the execution core hands to it.
//
// The memory subsystem never owns instruction lifetime. It reads memory
// targets, readiness flags and operand data through the Instruction
// interface and reports loaded data back through SupplyData.
//
// Usage:
//
//	ld := insts.NewLoad(7, insts.MemoryAccessTarget{Address: 0x100, Size: 8})
//	ld.SetLSQLatency(2)
//	queue.AddLoad(ld)
//	queue.StartLoad(ld)
package insts

import (
	"encoding/binary"
	"fmt"
)

// MemoryAccessTarget is a virtual address range touched by one memory
// request. Targets are immutable once generated.
type MemoryAccessTarget struct {
	// Address is the first virtual byte accessed.
	Address uint64
	// Size is the number of bytes accessed.
	Size uint16
}

// End returns the first address past the target.
func (t MemoryAccessTarget) End() uint64 {
	return t.Address + uint64(t.Size)
}

// String formats the target as a half-open interval.
func (t MemoryAccessTarget) String() string {
	return fmt.Sprintf("[0x%X, 0x%X)", t.Address, t.End())
}

// Overlap reports whether the half-open intervals of a and b intersect.
func Overlap(a, b MemoryAccessTarget) bool {
	return !(a.Address+uint64(a.Size) <= b.Address ||
		b.Address+uint64(b.Size) <= a.Address)
}

// AnyOverlap reports whether any target in as overlaps any target in bs.
func AnyOverlap(as, bs []MemoryAccessTarget) bool {
	for _, a := range as {
		for _, b := range bs {
			if Overlap(a, b) {
				return true
			}
		}
	}
	return false
}

// RegisterValue holds the raw little-endian bytes of an operand.
type RegisterValue []byte

// NewRegisterValue encodes the low size bytes of v.
func NewRegisterValue(v uint64, size int) RegisterValue {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	if size > 8 {
		out := make([]byte, size)
		copy(out, buf)
		return out
	}
	return RegisterValue(buf[:size])
}

// Uint64 decodes up to the first eight bytes of the value.
func (v RegisterValue) Uint64() uint64 {
	var buf [8]byte
	copy(buf[:], v)
	return binary.LittleEndian.Uint64(buf[:])
}

// Register names an architectural or physical register.
type Register struct {
	Type uint8
	Tag  uint16
}

// String formats the register as type:tag.
func (r Register) String() string {
	return fmt.Sprintf("r%d:%d", r.Type, r.Tag)
}
