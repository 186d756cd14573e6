package kernel

import "log"

// RegionLayout holds the fixed bounds of a process address space.
type RegionLayout struct {
	StackStart          uint64 `json:"stack_start"`
	StackSize           uint64 `json:"stack_size"`
	HeapStart           uint64 `json:"heap_start"`
	HeapSize            uint64 `json:"heap_size"`
	MmapStart           uint64 `json:"mmap_start"`
	MmapSize            uint64 `json:"mmap_size"`
	MemSize             uint64 `json:"mem_size"`
	PageSize            uint64 `json:"page_size"`
	InitialStackPointer uint64 `json:"initial_stack_pointer"`
}

// DefaultLayout returns a small layout with 4 KiB pages, the heap at the
// bottom, the mmap region above it and a downward-growing stack on top.
func DefaultLayout() RegionLayout {
	const page = 4096
	return RegionLayout{
		HeapStart:           0,
		HeapSize:            64 << 20,
		MmapStart:           64<<20 + page,
		MmapSize:            256 << 20,
		StackStart:          512 << 20,
		StackSize:           8 << 20,
		MemSize:             512 << 20,
		PageSize:            page,
		InitialStackPointer: 512<<20 - 64,
	}
}

// MemRegion tracks the heap break and the mapped areas of one process.
type MemRegion struct {
	layout RegionLayout
	brk    uint64
	vmas   VMAList
}

// NewMemRegion creates a region with brk at the start of the heap.
func NewMemRegion(layout RegionLayout) *MemRegion {
	if layout.PageSize == 0 {
		log.Panicf("page size must not be zero")
	}

	return &MemRegion{
		layout: layout,
		brk:    layout.HeapStart,
	}
}

// Layout returns the bounds the region was created with.
func (r *MemRegion) Layout() RegionLayout { return r.layout }

// Brk returns the current program break.
func (r *MemRegion) Brk() uint64 { return r.brk }

// PageSize returns the page size of the address space.
func (r *MemRegion) PageSize() uint64 { return r.layout.PageSize }

// StackStart returns the top of the stack.
func (r *MemRegion) StackStart() uint64 { return r.layout.StackStart }

// StackEnd returns the lowest address the stack may grow to.
func (r *MemRegion) StackEnd() uint64 {
	return r.layout.StackStart - r.layout.StackSize
}

// HeapStart returns the first heap address.
func (r *MemRegion) HeapStart() uint64 { return r.layout.HeapStart }

// HeapEnd returns the address one past the largest allowed brk.
func (r *MemRegion) HeapEnd() uint64 {
	return r.layout.HeapStart + r.layout.HeapSize
}

// MmapStart returns the base address for mappings without a hint.
func (r *MemRegion) MmapStart() uint64 { return r.layout.MmapStart }

// MmapEnd returns the end of the mmap region.
func (r *MemRegion) MmapEnd() uint64 {
	return r.layout.MmapStart + r.layout.MmapSize
}

// InitialStackPointer returns the stack pointer a new thread starts with.
func (r *MemRegion) InitialStackPointer() uint64 {
	return r.layout.InitialStackPointer
}

// GrowHeap moves brk up to addr rounded to a page boundary. Requests at or
// below the current brk leave it unchanged. Growing past the heap capacity
// aborts the simulation.
func (r *MemRegion) GrowHeap(addr uint64) uint64 {
	if addr <= r.brk {
		return r.brk
	}

	newBrk := roundUp(addr, r.layout.PageSize)
	if newBrk > r.HeapEnd() {
		log.Panicf("attempted to allocate more memory than is available "+
			"to the process: requested brk 0x%x, heap ends at 0x%x",
			newBrk, r.HeapEnd())
	}

	r.brk = newBrk
	return r.brk
}

// Allocate maps length bytes and returns the start address. A zero hint
// lets the region choose the placement.
func (r *MemRegion) Allocate(
	hint, length uint64,
	prot, flags int,
	file *FileMapping,
) uint64 {
	return r.vmas.Add(hint, length, prot, flags, file,
		r.layout.MmapStart, r.layout.PageSize)
}

// Deallocate unmaps [addr, addr+length) and returns length.
func (r *MemRegion) Deallocate(addr, length uint64) (uint64, error) {
	return r.vmas.Remove(addr, length, r.layout.PageSize)
}

// Lookup returns the VMA containing addr.
func (r *MemRegion) Lookup(addr uint64) (VMA, bool) {
	return r.vmas.Find(addr)
}

// VMACount returns the number of mapped areas.
func (r *MemRegion) VMACount() int { return r.vmas.Len() }

// VMAs returns the mapped areas in ascending order.
func (r *MemRegion) VMAs() []VMA { return r.vmas.All() }

// IsInStack reports whether addr lies in the stack.
func (r *MemRegion) IsInStack(addr uint64) bool {
	return addr >= r.StackEnd() && addr < r.StackStart()
}

// IsInHeap reports whether addr lies below the current brk.
func (r *MemRegion) IsInHeap(addr uint64) bool {
	return addr >= r.layout.HeapStart && addr < r.brk
}

// IsValid reports whether addr is backed by the stack, the heap or a VMA.
func (r *MemRegion) IsValid(addr uint64) bool {
	if r.IsInStack(addr) || r.IsInHeap(addr) {
		return true
	}

	_, found := r.vmas.Find(addr)
	return found
}

// Release unmaps everything.
func (r *MemRegion) Release() {
	r.vmas.Release()
}
