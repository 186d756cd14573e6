package lsq_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/memsim/insts"
	"github.com/sarchlab/memsim/timing/config"
	"github.com/sarchlab/memsim/timing/lsq"
)

func target(addr uint64, size uint16) insts.MemoryAccessTarget {
	return insts.MemoryAccessTarget{Address: addr, Size: size}
}

func value(v uint64) []insts.RegisterValue {
	return []insts.RegisterValue{insts.NewRegisterValue(v, 8)}
}

func supply(ld *insts.MicroOp) {
	for _, t := range ld.GeneratedAddresses() {
		ld.SupplyData(t.Address, make([]byte, t.Size))
	}
}

var _ = Describe("LSQ", func() {
	var (
		mockCtrl *gomock.Controller
		mem      *MockMemoryUnit
		cfg      config.LSQConfig
		slots    []*lsq.SlotBuffer
		q        *lsq.LSQ

		acceptReads bool
		reads       []insts.Instruction
		readCycles  []uint64
		writes      []insts.MemoryAccessTarget
		writeData   []insts.RegisterValue
		condWrites  []insts.Instruction
		forwarded   [][]insts.RegisterValue
	)

	tick := func(n int) {
		for i := 0; i < n; i++ {
			q.Tick()
		}
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		mem = NewMockMemoryUnit(mockCtrl)

		acceptReads = true
		reads, readCycles = nil, nil
		writes, writeData = nil, nil
		condWrites, forwarded = nil, nil

		cfg = config.LSQConfig{
			LoadCapacity:    8,
			StoreCapacity:   8,
			CompletionOrder: config.InOrder,
			RequestLimits:   config.DefaultLimits(),
		}
	})

	JustBeforeEach(func() {
		slots = []*lsq.SlotBuffer{lsq.NewSlotBuffer(), lsq.NewSlotBuffer()}
		q = lsq.New(cfg, mem,
			[]lsq.CompletionSlot{slots[0], slots[1]},
			func(_ []insts.Register, values []insts.RegisterValue) {
				forwarded = append(forwarded, values)
			})

		mem.EXPECT().RequestRead(gomock.Any()).
			DoAndReturn(func(insn insts.Instruction) bool {
				if !acceptReads {
					return false
				}
				reads = append(reads, insn)
				readCycles = append(readCycles, q.Cycle())
				return true
			}).AnyTimes()
		mem.EXPECT().RequestWriteTarget(gomock.Any(), gomock.Any()).
			Do(func(t insts.MemoryAccessTarget, data insts.RegisterValue) {
				writes = append(writes, t)
				writeData = append(writeData, data)
			}).AnyTimes()
		mem.EXPECT().RequestWrite(gomock.Any(), gomock.Any()).
			DoAndReturn(func(insn insts.Instruction, _ []insts.RegisterValue) bool {
				condWrites = append(condWrites, insn)
				return true
			}).AnyTimes()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	Describe("Capacity", func() {
		It("should track split queues separately", func() {
			q.AddLoad(insts.NewLoad(1, target(0, 8)))

			Expect(q.IsCombined()).To(BeFalse())
			Expect(q.LoadQueueSpace()).To(Equal(uint64(7)))
			Expect(q.StoreQueueSpace()).To(Equal(uint64(8)))
			Expect(q.TotalSpace()).To(Equal(uint64(15)))
		})

		Context("when combined", func() {
			BeforeEach(func() {
				cfg.Combined = true
				cfg.CombinedCapacity = 4
			})

			It("should share one capacity", func() {
				q.AddLoad(insts.NewLoad(1, target(0, 8)))
				q.AddStore(insts.NewStore(2, value(0), target(8, 8)))

				Expect(q.IsCombined()).To(BeTrue())
				Expect(q.LoadQueueSpace()).To(Equal(uint64(2)))
				Expect(q.StoreQueueSpace()).To(Equal(uint64(2)))
				Expect(q.TotalSpace()).To(Equal(uint64(2)))
			})
		})
	})

	Describe("Loads", func() {
		It("should request memory once its latency has passed", func() {
			ld := insts.NewLoad(1, target(0x100, 8))
			ld.SetLSQLatency(2)
			q.AddLoad(ld)
			q.StartLoad(ld)
			Expect(q.IsOutstanding(1)).To(BeTrue())

			tick(2)
			Expect(reads).To(BeEmpty())

			tick(1)
			Expect(reads).To(HaveLen(1))
			Expect(readCycles[0]).To(Equal(uint64(2)))
		})

		It("should write back a load once its data has arrived", func() {
			ld := insts.NewLoad(1, target(0x100, 8))
			q.AddLoad(ld)
			q.StartLoad(ld)
			tick(2)

			tick(1)
			Expect(slots[0].Entries()).To(BeEmpty())

			supply(ld)
			tick(1)

			Expect(ld.HasExecuted()).To(BeTrue())
			Expect(slots[0].Entries()).To(ConsistOf(ld))
			Expect(forwarded).To(HaveLen(1))
			Expect(q.Stats().LoadsCompleted).To(Equal(uint64(1)))
		})

		It("should complete a load without targets at once", func() {
			ld := insts.NewLoad(1)
			q.AddLoad(ld)
			q.StartLoad(ld)

			Expect(ld.HasExecuted()).To(BeTrue())

			tick(1)
			Expect(slots[0].Entries()).To(ConsistOf(ld))
			Expect(reads).To(BeEmpty())
		})

		It("should retire the head load only", func() {
			l1 := insts.NewLoad(1, target(0x100, 8))
			l2 := insts.NewLoad(2, target(0x200, 8))
			q.AddLoad(l1)
			q.AddLoad(l2)

			Expect(func() { q.CommitLoad(l2) }).To(Panic())

			q.StartLoad(l1)
			q.CommitLoad(l1)
			Expect(q.LoadQueueSize()).To(Equal(1))
			Expect(q.IsOutstanding(1)).To(BeFalse())
		})

		It("should abort when committing from an empty queue", func() {
			Expect(func() { q.CommitLoad(insts.NewLoad(1)) }).To(Panic())
		})

		It("should skip stalled completion slots", func() {
			slots[0].SetStalled(true)

			ld := insts.NewLoad(1)
			q.AddLoad(ld)
			q.StartLoad(ld)
			tick(1)

			Expect(slots[0].Entries()).To(BeEmpty())
			Expect(slots[1].Entries()).To(ConsistOf(ld))
		})
	})

	Describe("Store to load ordering", func() {
		It("should hold a load that overlaps an older store", func() {
			st := insts.NewStore(5, value(1), target(100, 4))
			st.SetLSQLatency(3)
			q.AddStore(st)

			ld := insts.NewLoad(6, target(100, 4))
			q.AddLoad(ld)
			q.StartLoad(ld)

			Expect(q.ConflictingLoads(5)).To(ConsistOf(ld))
			Expect(q.IsOutstanding(6)).To(BeFalse())

			tick(2)
			Expect(reads).To(BeEmpty())

			Expect(q.CommitStore(st)).To(BeFalse())
			Expect(writes).To(ConsistOf(target(100, 4)))
			Expect(q.ConflictingLoads(5)).To(BeEmpty())
			Expect(q.IsOutstanding(6)).To(BeTrue())

			tick(3)
			Expect(reads).To(BeEmpty())

			tick(1)
			Expect(reads).To(ConsistOf(ld))
			Expect(readCycles[0]).To(Equal(uint64(5)))
		})

		It("should ignore younger stores", func() {
			q.AddStore(insts.NewStore(7, value(1), target(100, 4)))

			ld := insts.NewLoad(6, target(100, 4))
			q.AddLoad(ld)
			q.StartLoad(ld)

			Expect(q.ConflictingLoads(7)).To(BeEmpty())
			Expect(q.IsOutstanding(6)).To(BeTrue())
		})

		It("should ignore stores that do not overlap", func() {
			q.AddStore(insts.NewStore(5, value(1), target(104, 4)))

			ld := insts.NewLoad(6, target(100, 4))
			q.AddLoad(ld)
			q.StartLoad(ld)

			Expect(q.IsOutstanding(6)).To(BeTrue())
		})

		It("should wait on the youngest older overlapping store", func() {
			q.AddStore(insts.NewStore(3, value(1), target(100, 4)))
			q.AddStore(insts.NewStore(5, value(1), target(102, 4)))

			ld := insts.NewLoad(6, target(100, 8))
			q.AddLoad(ld)
			q.StartLoad(ld)

			Expect(q.ConflictingLoads(3)).To(BeEmpty())
			Expect(q.ConflictingLoads(5)).To(ConsistOf(ld))
		})

		It("should report the oldest overlapping outstanding load", func() {
			st := insts.NewStore(5, value(1))
			q.AddStore(st)

			l6 := insts.NewLoad(6, target(0x100, 8))
			l7 := insts.NewLoad(7, target(0x104, 4))
			l8 := insts.NewLoad(8, target(0x200, 4))
			for _, ld := range []*insts.MicroOp{l6, l7, l8} {
				q.AddLoad(ld)
				q.StartLoad(ld)
			}

			st.SetGeneratedAddresses(target(0x104, 4))

			Expect(q.CommitStore(st)).To(BeTrue())
			Expect(q.ViolatingLoad()).To(BeIdenticalTo(l6))
			Expect(q.Stats().Violations).To(Equal(uint64(1)))
		})

		It("should not report a load of the same instruction", func() {
			ld := insts.NewLoad(5, target(0x100, 8))
			q.AddLoad(ld)
			q.StartLoad(ld)

			st := insts.NewStore(5, value(1), target(0x100, 8))
			q.AddStore(st)

			Expect(q.CommitStore(st)).To(BeFalse())
			Expect(q.ViolatingLoad()).To(BeNil())
		})

		It("should retire the head store only", func() {
			s1 := insts.NewStore(1, value(1), target(0, 8))
			s2 := insts.NewStore(2, value(1), target(8, 8))
			q.AddStore(s1)
			q.AddStore(s2)

			Expect(func() { q.CommitStore(s2) }).To(Panic())
			Expect(q.CommitStore(s1)).To(BeFalse())
			Expect(q.StoreQueueSize()).To(Equal(1))
		})

		It("should abort when committing from an empty queue", func() {
			Expect(func() {
				q.CommitStore(insts.NewStore(1, value(1), target(0, 8)))
			}).To(Panic())
		})

		It("should write the data supplied by a store-data micro-op", func() {
			sa := insts.NewStore(3, nil, target(0x100, 8))
			sd := insts.NewStoreData(4, 3, value(0xAA))
			q.AddStore(sa)

			q.SupplyStoreData(sd)
			q.CommitStore(sa)

			Expect(writes).To(ConsistOf(target(0x100, 8)))
			Expect(writeData[0].Uint64()).To(Equal(uint64(0xAA)))
		})
	})

	Describe("Request scheduling", func() {
		startLoads := func(n int) {
			for i := 0; i < n; i++ {
				ld := insts.NewLoad(uint64(10+i), target(uint64(i)*8, 8))
				q.AddLoad(ld)
				q.StartLoad(ld)
			}
		}

		commitStores := func(n int) {
			for i := 0; i < n; i++ {
				st := insts.NewStore(uint64(1+i), value(0),
					target(0x1000+uint64(i)*8, 8))
				q.AddStore(st)
				q.CommitStore(st)
			}
		}

		It("should respect the per-type and total limits", func() {
			startLoads(3)
			commitStores(2)

			tick(1)
			Expect(reads).To(BeEmpty())

			tick(1)
			Expect(reads).To(HaveLen(2))
			Expect(q.Stats().StoresScheduled).To(Equal(uint64(1)))

			tick(1)
			Expect(reads).To(HaveLen(3))
			Expect(q.Stats().StoresScheduled).To(Equal(uint64(2)))
		})

		It("should retry loads the MMU rejected", func() {
			startLoads(1)
			tick(1)

			acceptReads = false
			tick(1)
			Expect(reads).To(BeEmpty())
			Expect(q.Stats().MMURejections).To(Equal(uint64(1)))

			acceptReads = true
			tick(1)
			Expect(reads).To(HaveLen(1))
		})

		Context("with a narrow load bandwidth", func() {
			BeforeEach(func() {
				cfg.PermittedLoads = 3
				cfg.LoadBandwidth = 16
			})

			It("should stop at the byte budget", func() {
				startLoads(3)
				tick(2)
				Expect(reads).To(HaveLen(2))

				tick(1)
				Expect(reads).To(HaveLen(3))
			})
		})

		Context("with one request per cycle", func() {
			BeforeEach(func() {
				cfg.PermittedRequests = 1
			})

			It("should prefer stores on a tie", func() {
				startLoads(1)
				commitStores(1)

				tick(2)
				Expect(reads).To(BeEmpty())
				Expect(q.Stats().StoresScheduled).To(Equal(uint64(1)))

				tick(1)
				Expect(reads).To(HaveLen(1))
			})

			It("should prefer the earliest bucket", func() {
				startLoads(1)
				st := insts.NewStore(1, value(0), target(0x1000, 8))
				st.SetLSQLatency(2)
				q.AddStore(st)
				q.CommitStore(st)
				tick(1)

				acceptReads = false
				tick(1)
				Expect(reads).To(BeEmpty())

				acceptReads = true
				tick(1)
				Expect(reads).To(HaveLen(1))
				Expect(q.Stats().StoresScheduled).To(BeZero())

				tick(1)
				Expect(q.Stats().StoresScheduled).To(Equal(uint64(1)))
			})
		})

		Context("with exclusive request types", func() {
			BeforeEach(func() {
				cfg.Exclusive = true
			})

			It("should not mix loads and stores in a cycle", func() {
				startLoads(1)
				commitStores(1)

				tick(2)
				Expect(q.Stats().StoresScheduled).To(Equal(uint64(1)))
				Expect(reads).To(BeEmpty())

				tick(1)
				Expect(reads).To(HaveLen(1))
			})
		})
	})

	Describe("Store-conditional", func() {
		var sc *insts.MicroOp

		BeforeEach(func() {
			sc = insts.NewStoreConditional(5, value(1), target(0x100, 8))
			sc.SetDestinationRegisters(insts.Register{Tag: 3})
		})

		It("should go through the MMU instead of writing at commit", func() {
			q.AddStore(sc)
			q.CommitStore(sc)
			Expect(writes).To(BeEmpty())

			tick(2)
			Expect(condWrites).To(ConsistOf(sc))
			Expect(sc.CanCommit()).To(BeFalse())
			Expect(q.HasPendingWork()).To(BeTrue())

			sc.UpdateCondStoreResult(true)
			tick(1)

			Expect(sc.CanCommit()).To(BeTrue())
			Expect(forwarded).To(HaveLen(1))
			Expect(forwarded[0][0].Uint64()).To(Equal(uint64(0)))
			Expect(q.HasPendingWork()).To(BeFalse())
		})

		It("should abort on a second store-conditional in flight", func() {
			q.AddStore(sc)
			q.CommitStore(sc)

			second := insts.NewStoreConditional(6, value(1), target(0x100, 8))
			q.AddStore(second)
			Expect(func() { q.CommitStore(second) }).To(Panic())
		})

		It("should accept the next one after the first resolves", func() {
			q.AddStore(sc)
			q.CommitStore(sc)
			tick(2)
			sc.UpdateCondStoreResult(false)
			tick(1)

			second := insts.NewStoreConditional(6, value(1), target(0x100, 8))
			q.AddStore(second)
			Expect(func() { q.CommitStore(second) }).NotTo(Panic())
		})

		It("should hold a younger overlapping load until it resolves", func() {
			q.AddStore(sc)
			q.CommitStore(sc)

			ld := insts.NewLoad(6, target(0x104, 4))
			q.AddLoad(ld)
			q.StartLoad(ld)
			Expect(q.ConflictingLoads(5)).To(ConsistOf(ld))
			Expect(q.Stats().Conflicts).To(Equal(uint64(1)))

			tick(3)
			Expect(condWrites).To(ConsistOf(sc))
			Expect(reads).To(BeEmpty())

			sc.UpdateCondStoreResult(true)
			tick(2)

			Expect(reads).To(ConsistOf(ld))
			Expect(q.ConflictingLoads(5)).To(BeEmpty())
		})

		It("should keep a load held since before commit until it resolves", func() {
			q.AddStore(sc)

			ld := insts.NewLoad(6, target(0x100, 8))
			q.AddLoad(ld)
			q.StartLoad(ld)

			q.CommitStore(sc)
			tick(2)
			Expect(reads).To(BeEmpty())
			Expect(q.ConflictingLoads(5)).To(ConsistOf(ld))

			sc.UpdateCondStoreResult(false)
			tick(2)
			Expect(reads).To(ConsistOf(ld))
		})

		It("should not hold loads to other addresses", func() {
			q.AddStore(sc)
			q.CommitStore(sc)

			ld := insts.NewLoad(6, target(0x200, 8))
			q.AddLoad(ld)
			q.StartLoad(ld)

			tick(1)
			Expect(reads).To(ConsistOf(ld))
		})

		It("should release held loads when it is flushed", func() {
			q.AddStore(sc)
			q.CommitStore(sc)

			ld := insts.NewLoad(6, target(0x100, 8))
			q.AddLoad(ld)
			q.StartLoad(ld)

			sc.SetFlushed()
			q.PurgeFlushed()
			tick(1)

			Expect(reads).To(ConsistOf(ld))
			Expect(q.ConflictingLoads(5)).To(BeEmpty())
		})
	})

	Describe("Completion order", func() {
		var l1, l2 *insts.MicroOp

		JustBeforeEach(func() {
			l1 = insts.NewLoad(1, target(0x100, 8))
			l2 = insts.NewLoad(2, target(0x200, 8))
			q.AddLoad(l1)
			q.AddLoad(l2)
			q.StartLoad(l1)
			q.StartLoad(l2)
			tick(2)
		})

		It("should write back in program order", func() {
			supply(l2)
			tick(1)
			Expect(l2.HasExecuted()).To(BeTrue())
			Expect(slots[0].Entries()).To(BeEmpty())

			supply(l1)
			tick(1)
			Expect(slots[0].Entries()).To(ConsistOf(l1))
			Expect(slots[1].Entries()).To(ConsistOf(l2))
		})

		Context("when out of order", func() {
			BeforeEach(func() {
				cfg.CompletionOrder = config.OutOfOrder
			})

			It("should write back whichever load finishes first", func() {
				supply(l2)
				tick(1)
				Expect(slots[0].Entries()).To(ConsistOf(l2))
				Expect(slots[1].Entries()).To(BeEmpty())

				supply(l1)
				tick(1)
				Expect(slots[0].Entries()).To(ConsistOf(l2, l1))
			})
		})
	})

	Describe("PurgeFlushed", func() {
		It("should drop flushed loads before they issue", func() {
			ld := insts.NewLoad(1, target(0x100, 8))
			q.AddLoad(ld)
			q.StartLoad(ld)

			ld.SetFlushed()
			q.PurgeFlushed()

			Expect(q.LoadQueueSize()).To(Equal(0))
			Expect(q.IsOutstanding(1)).To(BeFalse())

			tick(3)
			Expect(reads).To(BeEmpty())
			Expect(slots[0].Entries()).To(BeEmpty())
			Expect(q.HasPendingWork()).To(BeFalse())
		})

		It("should release loads waiting on a flushed store", func() {
			st := insts.NewStore(5, value(1), target(100, 4))
			q.AddStore(st)
			ld := insts.NewLoad(6, target(100, 4))
			q.AddLoad(ld)
			q.StartLoad(ld)

			st.SetFlushed()
			q.PurgeFlushed()

			Expect(q.StoreQueueSize()).To(Equal(0))
			Expect(q.ConflictingLoads(5)).To(BeEmpty())
			Expect(q.IsOutstanding(6)).To(BeTrue())

			tick(2)
			Expect(reads).To(ConsistOf(ld))
		})

		It("should forget flushed loads waiting on a store", func() {
			st := insts.NewStore(5, value(1), target(100, 4))
			q.AddStore(st)
			ld := insts.NewLoad(6, target(100, 4))
			q.AddLoad(ld)
			q.StartLoad(ld)

			ld.SetFlushed()
			q.PurgeFlushed()
			Expect(q.ConflictingLoads(5)).To(BeEmpty())

			q.CommitStore(st)
			tick(4)
			Expect(reads).To(BeEmpty())
		})

		It("should drop a flushed store-conditional", func() {
			sc := insts.NewStoreConditional(5, value(1), target(0x100, 8))
			q.AddStore(sc)
			q.CommitStore(sc)

			sc.SetFlushed()
			q.PurgeFlushed()

			tick(2)
			Expect(condWrites).To(BeEmpty())
			Expect(q.HasPendingWork()).To(BeFalse())
		})
	})
})
