package kernel

import "log"

// Kernel owns the processes of a simulation and translates their virtual
// addresses.
type Kernel struct {
	frames    *FrameAllocator
	processes map[uint64]*Process
	nextTID   uint64
}

// New creates a kernel managing physCapacity bytes of physical memory.
func New(physCapacity uint64) *Kernel {
	return &Kernel{
		frames:    NewFrameAllocator(physCapacity),
		processes: make(map[uint64]*Process),
	}
}

// CreateProcess starts a process with the given layout. Thread ids are
// handed out from zero.
func (k *Kernel) CreateProcess(layout RegionLayout) *Process {
	p := newProcess(k.nextTID, layout, k.frames)
	k.processes[p.TID] = p
	k.nextTID++

	return p
}

// Process returns the process with the given tid.
func (k *Kernel) Process(tid uint64) (*Process, bool) {
	p, ok := k.processes[tid]
	return p, ok
}

// Frames returns the physical frame allocator.
func (k *Kernel) Frames() *FrameAllocator { return k.frames }

// Translate maps vaddr of thread tid to a physical address.
func (k *Kernel) Translate(vaddr, tid uint64) uint64 {
	p, ok := k.processes[tid]
	if !ok {
		log.Panicf("translation requested for unknown tid %d", tid)
	}

	return p.Translate(vaddr)
}

// Terminate releases the process with the given tid.
func (k *Kernel) Terminate(tid uint64) {
	p, ok := k.processes[tid]
	if !ok {
		return
	}

	p.Release()
	delete(k.processes, tid)
}
