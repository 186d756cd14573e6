package kernel

import (
	"log"
	"math/bits"

	"github.com/sarchlab/akita/v4/mem/vm"
)

// Process is a simulated process: its address space and its page table.
type Process struct {
	TID    uint64
	Region *MemRegion

	pageTable vm.PageTable
	pages     int
	frames    *FrameAllocator
}

func newProcess(
	tid uint64,
	layout RegionLayout,
	frames *FrameAllocator,
) *Process {
	if bits.OnesCount64(layout.PageSize) != 1 {
		log.Panicf("page size 0x%x is not a power of two", layout.PageSize)
	}

	log2PageSize := uint64(bits.TrailingZeros64(layout.PageSize))

	return &Process{
		TID:       tid,
		Region:    NewMemRegion(layout),
		pageTable: vm.NewPageTable(log2PageSize),
		frames:    frames,
	}
}

func (p *Process) pid() vm.PID {
	return vm.PID(p.TID)
}

func (p *Process) pageBase(vaddr uint64) uint64 {
	return vaddr &^ (p.Region.PageSize() - 1)
}

// Translate returns the physical address of vaddr. A page touched for the
// first time gets a fresh frame.
func (p *Process) Translate(vaddr uint64) uint64 {
	pageSize := p.Region.PageSize()
	offset := vaddr & (pageSize - 1)

	page, found := p.pageTable.Find(p.pid(), vaddr)
	if !found {
		page = vm.Page{
			PID:      p.pid(),
			VAddr:    p.pageBase(vaddr),
			PAddr:    p.frames.AllocateFrames(pageSize),
			PageSize: pageSize,
			Valid:    true,
		}
		p.pageTable.Insert(page)
		p.pages++
	}

	return page.PAddr + offset
}

// IsMapped reports whether the page holding vaddr has a frame.
func (p *Process) IsMapped(vaddr uint64) bool {
	_, found := p.pageTable.Find(p.pid(), vaddr)
	return found
}

// MappedPages returns the number of pages with a frame.
func (p *Process) MappedPages() int { return p.pages }

// Unmap deallocates [addr, addr+length) from the region and drops the
// page table entries of the covered pages.
func (p *Process) Unmap(addr, length uint64) (uint64, error) {
	n, err := p.Region.Deallocate(addr, length)
	if err != nil {
		return 0, err
	}

	pageSize := p.Region.PageSize()
	end := roundUp(addr+length, pageSize)
	for page := addr; page < end; page += pageSize {
		if _, found := p.pageTable.Find(p.pid(), page); found {
			p.pageTable.Remove(p.pid(), page)
			p.pages--
		}
	}

	return n, nil
}

// Release tears down the address space.
func (p *Process) Release() {
	p.Region.Release()
}
