// Package insts provides the view of in-flight micro-ops that the memory
// subsystem works with.
//
// The pipeline owns its instructions; the LSQ and MMU only see them through
// the Instruction interface. MicroOp is a self-contained implementation for
// traces and tests:
//
//	load := insts.NewLoad(7, insts.MemoryAccessTarget{Address: 0x1000, Size: 8})
//	queue.AddLoad(load)
//	queue.StartLoad(load)
package insts
