package kernel

import "errors"

// AArch64 Linux syscall numbers for memory management.
const (
	SyscallBrk    uint64 = 214 // brk(addr)
	SyscallMunmap uint64 = 215 // munmap(addr, length)
	SyscallMmap   uint64 = 222 // mmap(addr, length, prot, flags, fd, offset)
)

// Linux error codes.
const (
	EINVAL = 22 // Invalid argument
	ENOSYS = 38 // Function not implemented
)

// MapAnonymous is the mmap flag for mappings without a backing file.
const MapAnonymous = 0x20

// SyscallResult represents the result of a syscall execution.
type SyscallResult struct {
	// Ret is the value returned in X0. Failures are negative errno values.
	Ret int64
}

// SyscallHandler serves the memory syscalls of the processes of a kernel.
type SyscallHandler struct {
	kernel *Kernel
}

// NewSyscallHandler creates a syscall handler for the given kernel.
func NewSyscallHandler(k *Kernel) *SyscallHandler {
	return &SyscallHandler{kernel: k}
}

// Handle executes syscall num for thread tid. Arguments follow the ARM64
// Linux convention, args[0] being X0.
func (h *SyscallHandler) Handle(
	tid uint64,
	num uint64,
	args [6]uint64,
) SyscallResult {
	p, ok := h.kernel.Process(tid)
	if !ok {
		return SyscallResult{Ret: -EINVAL}
	}

	switch num {
	case SyscallBrk:
		return h.handleBrk(p, args)
	case SyscallMunmap:
		return h.handleMunmap(p, args)
	case SyscallMmap:
		return h.handleMmap(p, args)
	default:
		return SyscallResult{Ret: -ENOSYS}
	}
}

// handleBrk handles brk (214). brk(0) queries the current break.
func (h *SyscallHandler) handleBrk(p *Process, args [6]uint64) SyscallResult {
	return SyscallResult{Ret: int64(p.Region.GrowHeap(args[0]))}
}

// handleMunmap handles munmap (215).
func (h *SyscallHandler) handleMunmap(
	p *Process,
	args [6]uint64,
) SyscallResult {
	_, err := p.Unmap(args[0], args[1])
	if errors.Is(err, ErrUnalignedAddress) {
		return SyscallResult{Ret: -EINVAL}
	}

	return SyscallResult{Ret: 0}
}

// handleMmap handles mmap (222).
func (h *SyscallHandler) handleMmap(p *Process, args [6]uint64) SyscallResult {
	hint, length := args[0], args[1]
	prot, flags := int(args[2]), int(args[3])

	if length == 0 {
		return SyscallResult{Ret: -EINVAL}
	}

	var file *FileMapping
	if flags&MapAnonymous == 0 {
		file = &FileMapping{FD: int(int32(args[4])), Offset: args[5]}
	}

	addr := p.Region.Allocate(hint, length, prot, flags, file)
	return SyscallResult{Ret: int64(addr)}
}
