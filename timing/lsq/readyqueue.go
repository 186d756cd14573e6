package lsq

import (
	"github.com/google/btree"

	"github.com/sarchlab/memsim/insts"
)

// bucket holds the instructions that become ready in one cycle, in the
// order they were scheduled.
type bucket struct {
	cycle   uint64
	entries []insts.Instruction
}

// readyQueue is a time-bucketed queue ordered by cycle.
type readyQueue struct {
	tree *btree.BTreeG[*bucket]
	size int
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		tree: btree.NewG[*bucket](8, func(a, b *bucket) bool {
			return a.cycle < b.cycle
		}),
	}
}

func (q *readyQueue) schedule(cycle uint64, insn insts.Instruction) {
	q.size++

	if b, found := q.tree.Get(&bucket{cycle: cycle}); found {
		b.entries = append(b.entries, insn)
		return
	}

	q.tree.ReplaceOrInsert(&bucket{
		cycle:   cycle,
		entries: []insts.Instruction{insn},
	})
}

// due returns the earliest bucket whose cycle is not after now.
func (q *readyQueue) due(now uint64) (*bucket, bool) {
	b, found := q.tree.Min()
	if !found || b.cycle > now {
		return nil, false
	}
	return b, true
}

// popFront removes the first entry of b, and b itself once empty.
func (q *readyQueue) popFront(b *bucket) insts.Instruction {
	insn := b.entries[0]
	b.entries = b.entries[1:]
	q.size--

	if len(b.entries) == 0 {
		q.tree.Delete(b)
	}

	return insn
}

// filter drops every entry for which keep returns false, along with the
// buckets left empty.
func (q *readyQueue) filter(keep func(insts.Instruction) bool) {
	var empty []*bucket

	q.tree.Ascend(func(b *bucket) bool {
		kept := b.entries[:0]
		for _, insn := range b.entries {
			if keep(insn) {
				kept = append(kept, insn)
			} else {
				q.size--
			}
		}
		b.entries = kept

		if len(kept) == 0 {
			empty = append(empty, b)
		}
		return true
	})

	for _, b := range empty {
		q.tree.Delete(b)
	}
}

func (q *readyQueue) len() int { return q.size }

func (q *readyQueue) buckets() int { return q.tree.Len() }
