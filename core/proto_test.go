package core

import (
	"context"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/clsplane/clsplane/ops"
)

// countingOps.Destroy counts its calls so a test can assert "exactly
// once" (spec.md §3 Proto lifecycle).
type countingOps struct {
	*fakeOps
	destroys int32
}

func (c *countingOps) Destroy(priv any) { atomic.AddInt32(&c.destroys, 1) }

var _ = Describe("Proto lifecycle", func() {
	It("blocks the final Put's ops.Destroy until an in-flight reader exits the chain's quiesce RLock", func() {
		block := newBlock(0, false, nil)
		chain, _, _ := block.GetChain(0, true, false)

		co := &countingOps{fakeOps: newFakeOps("b")}
		chain.Lock()
		p, err := NewProto(context.Background(), "b", co, nil, nil, 1, ops.ProtoAll, chain)
		Expect(err).NotTo(HaveOccurred())
		_, prev, _ := chain.Find(1, ops.ProtoAll, false, false)
		chain.InsertUnique(p, prev)
		chain.Unlock()

		chain.EnterRead() // simulate an in-flight Classify traversal

		putDone := make(chan struct{})
		go func() {
			p.Put() // last strong ref; must block on chain.quiesce.Lock()
			close(putDone)
		}()

		Consistently(func() int32 { return atomic.LoadInt32(&co.destroys) }, "30ms").Should(Equal(int32(0)))

		chain.ExitRead()

		Eventually(putDone, "200ms").Should(BeClosed())
		Expect(atomic.LoadInt32(&co.destroys)).To(Equal(int32(1)))
	})

	It("is idempotent-safe under concurrent Hold/Put pairs and destroys exactly once overall", func() {
		block := newBlock(0, false, nil)
		chain, _, _ := block.GetChain(0, true, false)

		co := &countingOps{fakeOps: newFakeOps("k")}
		chain.Lock()
		p, err := NewProto(context.Background(), "k", co, nil, nil, 1, ops.ProtoAll, chain)
		Expect(err).NotTo(HaveOccurred())
		_, prev, _ := chain.Find(1, ops.ProtoAll, false, false)
		chain.InsertUnique(p, prev)
		chain.Unlock()

		const n = 50
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			p.Hold()
		}
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Put()
			}()
		}
		wg.Wait()
		Expect(p.refcnt.Load()).To(Equal(int32(1)))
		Expect(atomic.LoadInt32(&co.destroys)).To(Equal(int32(0)))

		p.Put()
		Expect(p.refcnt.Load()).To(Equal(int32(0)))
		Expect(atomic.LoadInt32(&co.destroys)).To(Equal(int32(1)))
	})
})
