package core

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Block/Chain lifecycle", func() {
	It("hides an action-only chain from Visible() and reveals it once a non-action ref exists", func() {
		block := newBlock(0, false, nil)
		chain, added, err := block.GetChain(3, true, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(added).To(BeFalse())
		Expect(chain.Visible()).To(BeFalse())

		_, added2, err2 := block.GetChain(3, true, false)
		Expect(err2).NotTo(HaveOccurred())
		Expect(added2).To(BeTrue())
		Expect(chain.Visible()).To(BeTrue())
	})

	It("keeps no two chains sharing an index, and Chains() lists each present chain once", func() {
		block := newBlock(0, false, nil)
		block.GetChain(1, true, false)
		block.GetChain(2, true, false)
		block.GetChain(1, true, false)

		seen := map[uint32]int{}
		for _, c := range block.Chains() {
			seen[c.Index]++
		}
		Expect(seen).To(HaveLen(2))
		for _, n := range seen {
			Expect(n).To(Equal(1))
		}
	})

	It("detaches a chain from the block once its refcount reaches zero", func() {
		block := newBlock(0, false, nil)
		chain, _, _ := block.GetChain(5, true, false)
		Expect(block.PutChain(chain, false)).To(BeTrue())
		Expect(block.Chains()).To(BeEmpty())
	})
})
