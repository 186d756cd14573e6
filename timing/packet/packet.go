// Package packet defines the request/response packets exchanged between the
// MMU and the backing memory.
package packet

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/sarchlab/memsim/insts"
)

// AddressMask keeps the 56 address-space bits of a virtual address. The top
// byte is reserved for tags.
const AddressMask uint64 = 0x00ffffffffffffff

// Kind is the direction and access type of a packet.
type Kind uint8

const (
	// ReadRequest asks the memory to return Size bytes.
	ReadRequest Kind = iota
	// WriteRequest asks the memory to store Payload.
	WriteRequest
	// ReadResponse carries the bytes of a completed ReadRequest.
	ReadResponse
	// WriteResponse acknowledges a completed WriteRequest.
	WriteResponse
)

// String returns a readable name of the kind.
func (k Kind) String() string {
	switch k {
	case ReadRequest:
		return "ReadRequest"
	case WriteRequest:
		return "WriteRequest"
	case ReadResponse:
		return "ReadResponse"
	case WriteResponse:
		return "WriteResponse"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

var nextID atomic.Uint64

// Packet is a single memory request, or the response it was turned into.
type Packet struct {
	// ID is unique and increases monotonically across all packets.
	ID uint64

	kind Kind

	// VAddr is the masked virtual address of the first byte.
	VAddr uint64
	// PAddr is the translated physical address, set by the MMU.
	PAddr uint64
	// Size is the number of bytes accessed.
	Size uint32

	// InsnSeqID is the sequence id of the originating instruction.
	InsnSeqID uint64
	// OrderID is the index of the packet among its instruction's packets.
	OrderID uint16
	// TID is the thread that issued the request.
	TID uint64

	// Payload holds write data for requests and read data for responses.
	Payload []byte

	// Untimed packets are served without modeled latency.
	Untimed bool
	// InstrFetch marks an instruction fetch read.
	InstrFetch bool
}

func newPacket(
	kind Kind,
	vaddr uint64,
	size uint32,
	seqID uint64,
	orderID uint16,
	tid uint64,
) *Packet {
	return &Packet{
		ID:        nextID.Add(1),
		kind:      kind,
		VAddr:     vaddr & AddressMask,
		Size:      size,
		InsnSeqID: seqID,
		OrderID:   orderID,
		TID:       tid,
	}
}

// NewReadRequest creates a read request packet.
func NewReadRequest(
	vaddr uint64,
	size uint32,
	seqID uint64,
	orderID uint16,
	tid uint64,
) *Packet {
	return newPacket(ReadRequest, vaddr, size, seqID, orderID, tid)
}

// NewWriteRequest creates a write request packet carrying payload.
func NewWriteRequest(
	vaddr uint64,
	size uint32,
	seqID uint64,
	orderID uint16,
	tid uint64,
	payload []byte,
) *Packet {
	p := newPacket(WriteRequest, vaddr, size, seqID, orderID, tid)
	p.Payload = payload
	return p
}

// Kind returns the current kind of the packet.
func (p *Packet) Kind() Kind { return p.kind }

// IsRequest reports whether the packet still travels towards memory.
func (p *Packet) IsRequest() bool {
	return p.kind == ReadRequest || p.kind == WriteRequest
}

// IsResponse reports whether the packet has been answered.
func (p *Packet) IsResponse() bool { return !p.IsRequest() }

// IsRead reports whether the packet is a read request or response.
func (p *Packet) IsRead() bool {
	return p.kind == ReadRequest || p.kind == ReadResponse
}

// IsWrite reports whether the packet is a write request or response.
func (p *Packet) IsWrite() bool { return !p.IsRead() }

// Target returns the virtual range accessed by the packet.
func (p *Packet) Target() insts.MemoryAccessTarget {
	return insts.MemoryAccessTarget{Address: p.VAddr, Size: uint16(p.Size)}
}

// IntoReadResponse turns a read request into its response in place.
func (p *Packet) IntoReadResponse(payload []byte) {
	switch p.kind {
	case ReadRequest:
		p.kind = ReadResponse
		p.Payload = payload
	case WriteRequest, ReadResponse, WriteResponse:
		log.Panicf("packet %d: only a ReadRequest can become a ReadResponse, got %s",
			p.ID, p.kind)
	default:
		log.Panicf("packet %d: unknown kind %s", p.ID, p.kind)
	}
}

// IntoWriteResponse turns a write request into its response in place.
func (p *Packet) IntoWriteResponse() {
	switch p.kind {
	case WriteRequest:
		p.kind = WriteResponse
	case ReadRequest, ReadResponse, WriteResponse:
		log.Panicf("packet %d: only a WriteRequest can become a WriteResponse, got %s",
			p.ID, p.kind)
	default:
		log.Panicf("packet %d: unknown kind %s", p.ID, p.kind)
	}
}

// String formats the packet for diagnostics.
func (p *Packet) String() string {
	return fmt.Sprintf("%s#%d{seq=%d order=%d tid=%d vaddr=0x%X size=%d}",
		p.kind, p.ID, p.InsnSeqID, p.OrderID, p.TID, p.VAddr, p.Size)
}
