package kernel

import "log"

// FrameAllocator hands out physical page frames from a fixed capacity.
// Frames are never reclaimed.
type FrameAllocator struct {
	capacity uint64
	next     uint64
}

// NewFrameAllocator creates an allocator over [0, capacity).
func NewFrameAllocator(capacity uint64) *FrameAllocator {
	return &FrameAllocator{capacity: capacity}
}

// AllocateFrames reserves size bytes aligned to size and returns the
// physical base address.
func (a *FrameAllocator) AllocateFrames(size uint64) uint64 {
	base := roundUp(a.next, size)
	if base+size > a.capacity || base+size < base {
		log.Panicf("out of physical memory: need 0x%x bytes at 0x%x, "+
			"capacity 0x%x", size, base, a.capacity)
	}

	a.next = base + size
	return base
}

// Used returns the number of bytes handed out so far, including alignment
// padding.
func (a *FrameAllocator) Used() uint64 { return a.next }

// Capacity returns the physical memory size.
func (a *FrameAllocator) Capacity() uint64 { return a.capacity }
