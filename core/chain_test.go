package core

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/clsplane/clsplane/ops"
)

type fakeOps struct {
	kind    string
	handles map[ops.Handle]bool
}

func newFakeOps(kind string) *fakeOps { return &fakeOps{kind: kind, handles: map[ops.Handle]bool{}} }

func (f *fakeOps) Kind() string { return f.kind }
func (f *fakeOps) Init(context.Context) (any, error) { return f, nil }
func (f *fakeOps) Destroy(any) {}
func (f *fakeOps) Classify(*ops.Packet, any, *ops.Result) ops.ActionCode { return ops.Ok }
func (f *fakeOps) Change(_ context.Context, priv any, handle ops.Handle, _ map[string]any, _ bool) error {
	priv.(*fakeOps).handles[handle] = true
	return nil
}
func (f *fakeOps) Delete(priv any, handle ops.Handle) (bool, error) {
	delete(priv.(*fakeOps).handles, handle)
	return len(priv.(*fakeOps).handles) == 0, nil
}
func (f *fakeOps) Get(priv any, handle ops.Handle) (any, error) { return priv.(*fakeOps).handles[handle], nil }
func (f *fakeOps) Walk(priv any, visit func(ops.Handle) bool) {
	for h := range priv.(*fakeOps).handles {
		if !visit(h) {
			return
		}
	}
}
func (f *fakeOps) Reoffload(any, any, bool) error           { return nil }
func (f *fakeOps) TmpltCreate(map[string]any) (any, error)  { return nil, nil }
func (f *fakeOps) TmpltDestroy(any)                         {}
func (f *fakeOps) TmpltDump(any) map[string]any              { return nil }

func newTestProto(chain *Chain, kind string, prio, protocol uint32) *Proto {
	fo := newFakeOps(kind)
	p, err := NewProto(context.Background(), kind, fo, nil, nil, prio, protocol, chain)
	Expect(err).NotTo(HaveOccurred())
	return p
}

var _ = Describe("Chain PrioList", func() {
	var (
		block *Block
		chain *Chain
	)

	BeforeEach(func() {
		block = newBlock(0, false, nil)
		chain, _, _ = block.GetChain(0, true, false)
	})

	It("keeps strictly increasing prio under InsertUnique", func() {
		chain.Lock()
		p1 := newTestProto(chain, "k", 10, 0x0800)
		_, prev1, _ := chain.Find(10, 0x0800, false, false)
		_, err := chain.InsertUnique(p1, prev1)
		Expect(err).NotTo(HaveOccurred())

		p2 := newTestProto(chain, "k", 5, 0x0800)
		_, prev2, _ := chain.Find(5, 0x0800, false, false)
		_, err = chain.InsertUnique(p2, prev2)
		Expect(err).NotTo(HaveOccurred())
		chain.Unlock()

		var prios []uint32
		for p := chain.Head(); p != nil; p = p.Next() {
			prios = append(prios, p.Prio)
		}
		Expect(prios).To(Equal([]uint32{5, 10}))
	})

	It("rejects a second InsertUnique at the same (prio,protocol) and returns the existing proto", func() {
		chain.Lock()
		p1 := newTestProto(chain, "k", 100, 0x0800)
		_, prev, _ := chain.Find(100, 0x0800, false, false)
		linked, err := chain.InsertUnique(p1, prev)
		chain.Unlock()
		Expect(err).NotTo(HaveOccurred())
		Expect(linked).To(Equal(p1))

		chain.Lock()
		p2 := newTestProto(chain, "k", 100, 0x0800)
		existing, _, _ := chain.Find(100, 0x0800, true, false)
		Expect(existing).To(Equal(p1))
		linked2, err2 := chain.InsertUnique(p2, nil)
		chain.Unlock()
		Expect(err2).NotTo(HaveOccurred())
		Expect(linked2).To(Equal(p1))
	})

	It("allocates auto-prio as (least existing prio) - 1, seeded when empty", func() {
		seed := uint32(0xC0000000)
		Expect(chain.AllocPrio(seed)).To(Equal(seed))

		chain.Lock()
		p := newTestProto(chain, "k", seed, 0x0800)
		_, prev, _ := chain.Find(seed, 0x0800, false, false)
		chain.InsertUnique(p, prev)
		chain.Unlock()

		Expect(chain.AllocPrio(seed)).To(Equal(seed - 1))
	})

	It("notifies chain0 observers with the new head on insert/remove", func() {
		var heads []*Proto
		block0 := newBlock(0, false, nil)
		c0, _, _ := block0.GetChain(0, true, false)
		block0.mu.Lock()
		block0.chain0Observers = append(block0.chain0Observers, func(h *Proto) { heads = append(heads, h) })
		block0.mu.Unlock()

		c0.Lock()
		p := newTestProto(c0, "k", 1, ops.ProtoAll)
		_, prev, _ := c0.Find(1, ops.ProtoAll, false, false)
		c0.InsertUnique(p, prev)
		c0.Unlock()

		c0.Remove(p)

		Expect(heads).To(HaveLen(2))
		Expect(heads[0]).To(Equal(p))
		Expect(heads[1]).To(BeNil())
	})
})
