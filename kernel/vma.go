// Package kernel models the OS side of a simulated process: its address
// space layout, its mapped regions, its page table, and the memory
// syscalls that change them.
package kernel

import (
	"errors"
	"sort"
)

// ErrUnalignedAddress is returned when an unmap does not start on a page
// boundary.
var ErrUnalignedAddress = errors.New("address is not page aligned")

// FileMapping describes the host file backing a VMA.
type FileMapping struct {
	FD     int
	Offset uint64
}

// VMA is one contiguous mapped region [Start, End).
type VMA struct {
	Start  uint64
	End    uint64
	Length uint64
	Prot   int
	Flags  int
	File   *FileMapping
}

// Size returns the number of mapped bytes.
func (v VMA) Size() uint64 {
	return v.End - v.Start
}

// Contains reports whether addr falls inside the VMA.
func (v VMA) Contains(addr uint64) bool {
	return addr >= v.Start && addr < v.End
}

// Overlaps reports whether [start, end) intersects the VMA.
func (v VMA) Overlaps(start, end uint64) bool {
	return start < v.End && v.Start < end
}

func roundUp(addr, pageSize uint64) uint64 {
	return (addr + pageSize - 1) / pageSize * pageSize
}

// VMAList keeps the VMAs of one process sorted by start address. VMAs never
// overlap.
type VMAList struct {
	vmas []VMA
}

// Len returns the number of VMAs.
func (l *VMAList) Len() int { return len(l.vmas) }

// All returns a copy of the VMAs in ascending order.
func (l *VMAList) All() []VMA {
	out := make([]VMA, len(l.vmas))
	copy(out, l.vmas)
	return out
}

// Find returns the VMA containing addr.
func (l *VMAList) Find(addr uint64) (VMA, bool) {
	i := sort.Search(len(l.vmas), func(i int) bool {
		return l.vmas[i].End > addr
	})
	if i < len(l.vmas) && l.vmas[i].Contains(addr) {
		return l.vmas[i], true
	}
	return VMA{}, false
}

// Add maps length bytes and returns the start address chosen.
//
// Without a hint the VMA goes into the first gap between neighbours that is
// large enough, after the last VMA otherwise, or at mmapBase when the list
// is empty. With a hint the VMA starts at the page-rounded hint, or at the
// first free page-aligned address above it when that range is taken.
func (l *VMAList) Add(
	hint, length uint64,
	prot, flags int,
	file *FileMapping,
	mmapBase, pageSize uint64,
) uint64 {
	size := roundUp(length, pageSize)
	if size == 0 {
		size = pageSize
	}

	var start uint64
	if hint != 0 {
		start = l.placeAtOrAbove(roundUp(hint, pageSize), size)
	} else {
		start = l.firstFit(mmapBase, size)
	}

	l.insert(VMA{
		Start:  start,
		End:    start + size,
		Length: length,
		Prot:   prot,
		Flags:  flags,
		File:   file,
	})

	return start
}

func (l *VMAList) firstFit(mmapBase, size uint64) uint64 {
	if len(l.vmas) == 0 {
		return mmapBase
	}

	for i := 0; i+1 < len(l.vmas); i++ {
		if l.vmas[i+1].Start-l.vmas[i].End >= size {
			return l.vmas[i].End
		}
	}

	return l.vmas[len(l.vmas)-1].End
}

func (l *VMAList) placeAtOrAbove(start, size uint64) uint64 {
	for _, v := range l.vmas {
		if v.End <= start {
			continue
		}
		if v.Overlaps(start, start+size) {
			start = v.End
			continue
		}
		break
	}
	return start
}

func (l *VMAList) insert(vma VMA) {
	i := sort.Search(len(l.vmas), func(i int) bool {
		return l.vmas[i].Start > vma.Start
	})
	l.vmas = append(l.vmas, VMA{})
	copy(l.vmas[i+1:], l.vmas[i:])
	l.vmas[i] = vma
}

// Remove unmaps [addr, addr+length). VMAs fully covered are deleted, VMAs
// covered at one end are trimmed, and a VMA with the range strictly inside
// is split in two. It returns length; unmapping unmapped pages is not an
// error.
func (l *VMAList) Remove(addr, length, pageSize uint64) (uint64, error) {
	if addr%pageSize != 0 {
		return 0, ErrUnalignedAddress
	}
	if length == 0 || len(l.vmas) == 0 {
		return length, nil
	}

	end := roundUp(addr+length, pageSize)
	kept := make([]VMA, 0, len(l.vmas)+1)
	for _, v := range l.vmas {
		if !v.Overlaps(addr, end) {
			kept = append(kept, v)
			continue
		}

		switch {
		case addr <= v.Start && end >= v.End:
			// whole VMA unmapped
		case addr <= v.Start:
			v.Start = end
			v.Length = v.End - v.Start
			kept = append(kept, v)
		case end >= v.End:
			v.End = addr
			v.Length = v.End - v.Start
			kept = append(kept, v)
		default:
			head, tail := v, v
			head.End = addr
			head.Length = head.End - head.Start
			tail.Start = end
			tail.Length = tail.End - tail.Start
			if v.File != nil {
				file := *v.File
				file.Offset += tail.Start - v.Start
				tail.File = &file
			}
			kept = append(kept, head, tail)
		}
	}
	l.vmas = kept

	return length, nil
}

// Release drops every VMA.
func (l *VMAList) Release() {
	l.vmas = nil
}
