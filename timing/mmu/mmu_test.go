package mmu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/memsim/insts"
	"github.com/sarchlab/memsim/timing/config"
	"github.com/sarchlab/memsim/timing/mmu"
	"github.com/sarchlab/memsim/timing/packet"
)

func target(addr uint64, size uint16) insts.MemoryAccessTarget {
	return insts.MemoryAccessTarget{Address: addr, Size: size}
}

func value(v uint64) []insts.RegisterValue {
	return []insts.RegisterValue{insts.NewRegisterValue(v, 8)}
}

var _ = Describe("MMU", func() {
	var (
		mockCtrl   *gomock.Controller
		translator *MockTranslator
		memory     *MockMemory
		cfg        config.MMUConfig
		m          *mmu.MMU
		sent       []*packet.Packet
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		translator = NewMockTranslator(mockCtrl)
		memory = NewMockMemory(mockCtrl)
		sent = nil

		translator.EXPECT().Translate(gomock.Any(), gomock.Any()).
			DoAndReturn(func(vaddr, _ uint64) uint64 {
				return vaddr + 0x10000
			}).AnyTimes()

		cfg = config.MMUConfig{
			CacheLineWidth: 64,
			RequestLimits:  config.DefaultLimits(),
		}
	})

	JustBeforeEach(func() {
		m = mmu.New(translator, cfg)
		m.ConnectMemory(memory)

		memory.EXPECT().Send(gomock.Any()).
			Do(func(pkt *packet.Packet) {
				if pkt.Untimed {
					if pkt.IsRead() {
						pkt.IntoReadResponse(make([]byte, pkt.Size))
					} else {
						pkt.IntoWriteResponse()
					}
					m.Receive(pkt)
					return
				}
				sent = append(sent, pkt)
			}).AnyTimes()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	respond := func(pkt *packet.Packet, data []byte) {
		if pkt.IsRead() {
			pkt.IntoReadResponse(data)
		} else {
			pkt.IntoWriteResponse()
		}
		m.Receive(pkt)
	}

	Describe("Reads", func() {
		It("should issue one translated packet per target on tick", func() {
			ld := insts.NewLoad(5, target(0x100, 8), target(0x200, 4))
			m.SetTID(2)

			Expect(m.RequestRead(ld)).To(BeTrue())
			Expect(sent).To(BeEmpty())
			Expect(m.HasPendingRequests()).To(BeTrue())

			m.Tick()

			Expect(sent).To(HaveLen(2))
			Expect(sent[0].VAddr).To(Equal(uint64(0x100)))
			Expect(sent[0].PAddr).To(Equal(uint64(0x10100)))
			Expect(sent[0].InsnSeqID).To(Equal(uint64(5)))
			Expect(sent[0].TID).To(Equal(uint64(2)))
			Expect(sent[1].OrderID).To(Equal(uint16(1)))
		})

		It("should supply response data to the load", func() {
			ld := insts.NewLoad(5, target(0x100, 8))
			m.RequestRead(ld)
			m.Tick()

			respond(sent[0], insts.NewRegisterValue(0xAB, 8))

			Expect(ld.HasAllData()).To(BeTrue())
			Expect(ld.LoadedData()[0].Uint64()).To(Equal(uint64(0xAB)))
			Expect(m.HasPendingRequests()).To(BeFalse())
		})

		It("should drop responses for flushed loads", func() {
			ld := insts.NewLoad(5, target(0x100, 8))
			m.RequestRead(ld)
			m.Tick()

			ld.SetFlushed()
			respond(sent[0], make([]byte, 8))

			Expect(ld.HasAllData()).To(BeFalse())
			Expect(m.Stats().DroppedResponses).To(Equal(uint64(1)))
		})

		It("should not send requests of flushed loads", func() {
			ld := insts.NewLoad(5, target(0x100, 8))
			m.RequestRead(ld)
			ld.SetFlushed()

			m.Tick()

			Expect(sent).To(BeEmpty())
			Expect(m.HasPendingRequests()).To(BeFalse())
		})

		It("should abort on an overflowing target", func() {
			ld := insts.NewLoad(5, target(^uint64(0)-2, 8))
			Expect(func() { m.RequestRead(ld) }).To(Panic())
		})
	})

	Describe("Request limits", func() {
		It("should reject loads beyond the per-type limit", func() {
			Expect(m.RequestRead(insts.NewLoad(1, target(0x0, 8)))).To(BeTrue())
			Expect(m.RequestRead(insts.NewLoad(2, target(0x8, 8)))).To(BeTrue())

			third := insts.NewLoad(3, target(0x10, 8))
			Expect(m.RequestRead(third)).To(BeFalse())

			m.Tick()
			Expect(sent).To(HaveLen(2))
			Expect(m.Stats().Rejected).To(Equal(uint64(1)))
		})

		It("should reject requests beyond the total limit", func() {
			cfg.PermittedRequests = 2

			m2 := mmu.New(translator, cfg)
			m2.ConnectMemory(memory)
			Expect(m2.RequestRead(insts.NewLoad(1, target(0x0, 8)))).To(BeTrue())
			Expect(m2.RequestWrite(insts.NewStore(2, value(1), target(0x40, 8)),
				value(1))).To(BeTrue())
			Expect(m2.RequestRead(insts.NewLoad(3, target(0x80, 8)))).To(BeFalse())
		})

		It("should share the load bandwidth of a cycle", func() {
			cfg.PermittedLoads = 3
			cfg.LoadBandwidth = 16

			m2 := mmu.New(translator, cfg)
			m2.ConnectMemory(memory)
			for i := uint64(0); i < 3; i++ {
				Expect(m2.RequestRead(insts.NewLoad(i, target(i*8, 8)))).
					To(BeTrue())
			}

			m2.Tick()
			Expect(sent).To(HaveLen(2))

			m2.Tick()
			Expect(sent).To(HaveLen(3))
		})

		It("should let a request wider than the bandwidth go alone", func() {
			ld := insts.NewLoad(1, target(0x0, 64))
			m.RequestRead(ld)
			m.RequestRead(insts.NewLoad(2, target(0x40, 8)))

			m.Tick()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Size).To(Equal(uint32(64)))
		})

		It("should share the store bandwidth of a cycle", func() {
			cfg.PermittedStores = 3
			cfg.StoreBandwidth = 16

			m2 := mmu.New(translator, cfg)
			m2.ConnectMemory(memory)
			for i := uint64(0); i < 3; i++ {
				st := insts.NewStore(i, value(i), target(i*8, 8))
				Expect(m2.RequestWrite(st, st.Data())).To(BeTrue())
			}

			m2.Tick()
			Expect(sent).To(HaveLen(2))

			m2.Tick()
			Expect(sent).To(HaveLen(3))
			Expect(sent[2].VAddr).To(Equal(uint64(0x10)))
		})

		It("should reject stores beyond the per-type limit", func() {
			first := insts.NewStore(1, value(1), target(0x0, 8))
			Expect(m.RequestWrite(first, first.Data())).To(BeTrue())

			second := insts.NewStore(2, value(2), target(0x40, 8))
			Expect(m.RequestWrite(second, second.Data())).To(BeFalse())

			m.Tick()
			Expect(sent).To(HaveLen(1))
			Expect(m.Stats().Rejected).To(Equal(uint64(1)))

			Expect(m.RequestWrite(second, second.Data())).To(BeTrue())
			m.Tick()
			Expect(sent).To(HaveLen(2))
		})

		Context("when loads and stores are exclusive", func() {
			BeforeEach(func() {
				cfg.Exclusive = true
			})

			It("should not queue loads while stores are pending", func() {
				st := insts.NewStore(1, value(1), target(0x0, 8))
				Expect(m.RequestWrite(st, st.Data())).To(BeTrue())
				Expect(m.RequestRead(insts.NewLoad(2, target(0x40, 8)))).
					To(BeFalse())

				m.Tick()
				Expect(sent).To(HaveLen(1))
				Expect(sent[0].IsWrite()).To(BeTrue())

				Expect(m.RequestRead(insts.NewLoad(2, target(0x40, 8)))).
					To(BeTrue())
			})

			It("should issue a cycle of stores alone", func() {
				cfg.PermittedStores = 2

				m2 := mmu.New(translator, cfg)
				m2.ConnectMemory(memory)
				for i := uint64(0); i < 2; i++ {
					st := insts.NewStore(i, value(i), target(i*8, 8))
					Expect(m2.RequestWrite(st, st.Data())).To(BeTrue())
				}

				m2.Tick()
				Expect(sent).To(HaveLen(2))
				Expect(sent[0].IsWrite()).To(BeTrue())
				Expect(sent[1].IsWrite()).To(BeTrue())

				Expect(m2.RequestRead(insts.NewLoad(3, target(0x40, 8)))).
					To(BeTrue())
				m2.Tick()
				Expect(sent).To(HaveLen(3))
				Expect(sent[2].IsRead()).To(BeTrue())
			})
		})
	})

	Describe("Untracked writes", func() {
		It("should write without waiting for a tick", func() {
			m.RequestWriteTarget(target(0x100, 4), insts.NewRegisterValue(7, 4))

			Expect(sent).To(BeEmpty())
			Expect(m.HasPendingRequests()).To(BeFalse())
			Expect(m.Stats().PacketsIssued).To(Equal(uint64(1)))
		})
	})

	Describe("Instruction reads", func() {
		It("should buffer completed fetches until cleared", func() {
			m.RequestInstrRead(target(0x400, 4))
			m.RequestInstrRead(target(0x404, 4))

			reads := m.CompletedInstrReads()
			Expect(reads).To(HaveLen(2))
			Expect(reads[0].Target).To(Equal(target(0x400, 4)))
			Expect(reads[1].Data).To(HaveLen(4))

			m.ClearCompletedInstrReads()
			Expect(m.CompletedInstrReads()).To(BeEmpty())
		})
	})

	Describe("LL/SC", func() {
		var lr *insts.MicroOp

		JustBeforeEach(func() {
			lr = insts.NewLoadReserved(1, target(0x100, 8))
			Expect(m.RequestRead(lr)).To(BeTrue())
			m.Tick()
			respond(sent[0], make([]byte, 8))
			sent = nil
		})

		It("should succeed when the line is untouched", func() {
			sc := insts.NewStoreConditional(2, value(9), target(0x100, 8))
			Expect(m.RequestWrite(sc, sc.Data())).To(BeTrue())
			Expect(sc.IsCondResultReady()).To(BeFalse())

			m.Tick()
			Expect(sent).To(HaveLen(1))
			respond(sent[0], nil)

			Expect(sc.IsCondResultReady()).To(BeTrue())
			Expect(sc.CondStoreSucceeded()).To(BeTrue())
		})

		It("should fail without traffic after a store to the line", func() {
			m.RequestWriteTarget(target(0x138, 8), insts.NewRegisterValue(1, 8))

			sc := insts.NewStoreConditional(2, value(9), target(0x100, 8))
			Expect(m.RequestWrite(sc, sc.Data())).To(BeTrue())

			Expect(sc.IsCondResultReady()).To(BeTrue())
			Expect(sc.CondStoreSucceeded()).To(BeFalse())

			m.Tick()
			Expect(sent).To(BeEmpty())
			Expect(m.Stats().LLSCFailures).To(Equal(uint64(1)))
		})

		It("should ignore stores to other lines", func() {
			m.RequestWriteTarget(target(0x140, 8), insts.NewRegisterValue(1, 8))

			sc := insts.NewStoreConditional(2, value(9), target(0x100, 8))
			Expect(m.CheckLLSCMonitor(sc)).To(BeTrue())
		})

		It("should fail on a line outside the reservation", func() {
			sc := insts.NewStoreConditional(2, value(9), target(0x200, 8))
			Expect(m.CheckLLSCMonitor(sc)).To(BeFalse())
		})

		It("should close the monitor after one check", func() {
			sc := insts.NewStoreConditional(2, value(9), target(0x100, 8))
			Expect(m.CheckLLSCMonitor(sc)).To(BeTrue())
			Expect(m.CheckLLSCMonitor(sc)).To(BeFalse())
		})

		It("should drop the first reservation when a second opens", func() {
			m.OpenLLSCMonitor(insts.NewLoadReserved(3, target(0x300, 8)))

			sc := insts.NewStoreConditional(4, value(1), target(0x100, 8))
			Expect(m.CheckLLSCMonitor(sc)).To(BeFalse())
		})

		It("should cover every line of a straddling reservation", func() {
			wide := insts.NewLoadReserved(3, target(0x13C, 8))
			m.OpenLLSCMonitor(wide)

			sc := insts.NewStoreConditional(4, value(1), target(0x140, 4))
			Expect(m.CheckLLSCMonitor(sc)).To(BeTrue())
		})
	})

	Describe("LL/SC at the edges of the address space", func() {
		It("should reserve the top line of the address space", func() {
			top := insts.NewLoadReserved(1, target(0xFFFFFFFFFFFFFFC0, 8))
			Expect(m.RequestRead(top)).To(BeTrue())

			sc := insts.NewStoreConditional(2, value(1),
				target(0xFFFFFFFFFFFFFFC0, 8))
			Expect(m.CheckLLSCMonitor(sc)).To(BeTrue())
		})

		It("should cover a reservation ending at the last byte", func() {
			m.OpenLLSCMonitor(insts.NewLoadReserved(1,
				target(0xFFFFFFFFFFFFFFF8, 8)))

			sc := insts.NewStoreConditional(2, value(1),
				target(0xFFFFFFFFFFFFFFFC, 4))
			Expect(m.CheckLLSCMonitor(sc)).To(BeTrue())
		})

		It("should match writes against the masked address", func() {
			m.OpenLLSCMonitor(insts.NewLoadReserved(1,
				target(0xFF00000000000100, 8)))

			m.RequestWriteTarget(target(0x108, 8), insts.NewRegisterValue(1, 8))

			sc := insts.NewStoreConditional(2, value(1),
				target(0xFF00000000000100, 8))
			Expect(m.CheckLLSCMonitor(sc)).To(BeFalse())
		})

		It("should accept a store-conditional through the high address bits", func() {
			m.OpenLLSCMonitor(insts.NewLoadReserved(1, target(0x100, 8)))

			sc := insts.NewStoreConditional(2, value(1),
				target(0xAB00000000000100, 8))
			Expect(m.CheckLLSCMonitor(sc)).To(BeTrue())
		})
	})

	It("should reject request packets as responses", func() {
		Expect(func() {
			m.Receive(packet.NewReadRequest(0, 8, 1, 0, 0))
		}).To(Panic())
	})
})

var _ = Describe("TranslatorFunc", func() {
	It("should call the wrapped function", func() {
		var f mmu.Translator = mmu.TranslatorFunc(func(vaddr, tid uint64) uint64 {
			return vaddr<<4 | tid
		})

		Expect(f.Translate(0x10, 3)).To(Equal(uint64(0x103)))
		Expect(mmu.IdentityTranslator.Translate(0x55, 1)).To(Equal(uint64(0x55)))
	})
})
