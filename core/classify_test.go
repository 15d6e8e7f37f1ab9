package core

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/clsplane/clsplane/ops"
)

type reclassifyOps struct{ *fakeOps }

func (r reclassifyOps) Classify(*ops.Packet, any, *ops.Result) ops.ActionCode { return ops.Reclassify }

type gotoOps struct {
	*fakeOps
	target uint32
}

func (g gotoOps) Classify(_ *ops.Packet, _ any, res *ops.Result) ops.ActionCode {
	res.GotoIndex = g.target
	return ops.GotoChain
}

var _ = Describe("ClassifyDispatcher", func() {
	It("caps reclassify restarts at MaxReclassifyLoop and returns Shot", func() {
		block := newBlock(1, false, nil)
		chain, _, _ := block.GetChain(0, true, false)

		ro := reclassifyOps{newFakeOps("recl")}
		chain.Lock()
		p, err := NewProto(context.Background(), "recl", ro, nil, nil, 100, 0x0800, chain)
		Expect(err).NotTo(HaveOccurred())
		_, prev, _ := chain.Find(100, 0x0800, false, false)
		chain.InsertUnique(p, prev)
		chain.Unlock()

		d := NewClassifyDispatcher(4)
		out := &ops.Result{}
		code := d.Classify(&ops.Packet{Protocol: 0x0800}, p, nil, func(uint32) (*Proto, bool) { return nil, false }, 1, false, out)
		Expect(code).To(Equal(ops.Shot))
	})

	It("persists a goto-chain hint and a subsequent classify enters that chain directly", func() {
		block := newBlock(1, false, nil)
		chain0, _, _ := block.GetChain(0, true, false)
		chain7, _, _ := block.GetChain(7, true, false)

		gOps := gotoOps{newFakeOps("g"), 7}
		chain0.Lock()
		p0, _ := NewProto(context.Background(), "g", gOps, nil, nil, 1, ops.ProtoAll, chain0)
		_, prev0, _ := chain0.Find(1, ops.ProtoAll, false, false)
		chain0.InsertUnique(p0, prev0)
		chain0.Unlock()

		okOps := newFakeOps("ok")
		chain7.Lock()
		p7, _ := NewProto(context.Background(), "ok", okOps, nil, nil, 1, ops.ProtoAll, chain7)
		_, prev7, _ := chain7.Find(1, ops.ProtoAll, false, false)
		chain7.InsertUnique(p7, prev7)
		chain7.Unlock()

		resolve := func(idx uint32) (*Proto, bool) {
			if idx == 7 {
				return chain7.Head(), true
			}
			return nil, false
		}

		d := NewClassifyDispatcher(4)
		hint := &ChainHint{}
		out := &ops.Result{}
		code := d.Classify(&ops.Packet{Protocol: 0x0800}, p0, hint, resolve, 1, false, out)
		Expect(code).To(Equal(ops.Ok))

		idx, ok := hint.Get()
		Expect(ok).To(BeTrue())
		Expect(idx).To(Equal(uint32(7)))

		out2 := &ops.Result{}
		code2 := d.Classify(&ops.Packet{Protocol: 0x0800}, nil, hint, resolve, 1, false, out2)
		Expect(code2).To(Equal(ops.Ok))
	})
})
