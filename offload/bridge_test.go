package offload

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/clsplane/clsplane/collab"
	"github.com/clsplane/clsplane/core"
	"github.com/clsplane/clsplane/ops"
)

type fakeQdisc struct{ id string }

func (q fakeQdisc) ID() string       { return q.id }
func (q fakeQdisc) Unlocked() bool   { return true }
func (q fakeQdisc) SetCanBypass(bool) {}

type fakeNetdev struct {
	id           string
	ingressBlock uint32
	hasIngress   bool
}

func (n *fakeNetdev) ID() string               { return n.id }
func (n *fakeNetdev) SupportsOffload() bool     { return false } // skip direct-bind path in these tests
func (n *fakeNetdev) SetupTCBind(uint32, collab.BinderKind) ([]collab.OffloadCallback, error) {
	return nil, nil
}
func (n *fakeNetdev) SetupTCUnbind(uint32, collab.BinderKind) {}
func (n *fakeNetdev) IngressBlock() (uint32, bool)            { return n.ingressBlock, n.hasIngress }

type logEntry struct {
	kind string
	cb   string
	add  bool
}

type recordingOps struct {
	kind       string
	mu         *sync.Mutex
	log        *[]logEntry
	failOnAdd  bool // fail this instance's first add=true call, then succeed
	failedOnce bool
}

func (r *recordingOps) Kind() string                                { return r.kind }
func (r *recordingOps) Init(context.Context) (any, error)           { return r, nil }
func (r *recordingOps) Destroy(any)                                 {}
func (r *recordingOps) Classify(*ops.Packet, any, *ops.Result) ops.ActionCode { return ops.Ok }
func (r *recordingOps) Change(context.Context, any, ops.Handle, map[string]any, bool) error {
	return nil
}
func (r *recordingOps) Delete(any, ops.Handle) (bool, error)      { return true, nil }
func (r *recordingOps) Get(any, ops.Handle) (any, error)          { return nil, nil }
func (r *recordingOps) Walk(any, func(ops.Handle) bool)           {}
func (r *recordingOps) TmpltCreate(map[string]any) (any, error)   { return nil, nil }
func (r *recordingOps) TmpltDestroy(any)                          {}
func (r *recordingOps) TmpltDump(any) map[string]any              { return nil }

func (r *recordingOps) Reoffload(priv any, cb any, add bool) error {
	cbID := cb.(collab.OffloadCallback).ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if add && r.failOnAdd && !r.failedOnce {
		r.failedOnce = true
		return errFail
	}
	*r.log = append(*r.log, logEntry{kind: r.kind, cb: cbID, add: add})
	return nil
}

var errFail = &fakeErr{"reoffload failed"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

type fakeCallback struct{ id string }

func (c fakeCallback) ID() string                      { return c.id }
func (c fakeCallback) Bind(collab.OffloadEvent) error   { return nil }
func (c fakeCallback) Unbind(collab.OffloadEvent) error { return nil }

// fakeWalker implements BlockWalker over real core.Block/Chain/Proto
// graphs built via the exported API only.
type fakeWalker struct {
	blocks map[uint32]*core.Block
}

func (w *fakeWalker) BlockByIndex(index uint32) *core.Block { return w.blocks[index] }

func (w *fakeWalker) WalkProtos(b *core.Block, visit func(chainIndex uint32, p *core.Proto) error) error {
	for _, c := range b.Chains() {
		for p := c.Head(); p != nil; p = p.Next() {
			if err := visit(c.Index, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func addProto(block *core.Block, chainIndex uint32, kind string, prio uint32, mu *sync.Mutex, log *[]logEntry, failOnAdd bool) {
	chain, _, err := block.GetChain(chainIndex, true, false)
	Expect(err).NotTo(HaveOccurred())
	ro := &recordingOps{kind: kind, mu: mu, log: log, failOnAdd: failOnAdd}
	chain.Lock()
	p, err := core.NewProto(context.Background(), kind, ro, nil, nil, prio, ops.ProtoAll, chain)
	Expect(err).NotTo(HaveOccurred())
	_, prev, _ := chain.Find(prio, ops.ProtoAll, false, false)
	_, err = chain.InsertUnique(p, prev)
	Expect(err).NotTo(HaveOccurred())
	chain.Unlock()
}

var _ = Describe("Bridge indirect playback", func() {
	It("replays BIND for every live proto, in chain order, to a newly-registered callback", func() {
		br := NewBridge()
		nd := &fakeNetdev{id: "eth0", ingressBlock: 7, hasIngress: true}

		ns := core.NewNamespace(br)
		block, err := ns.GetOrCreate(context.Background(), fakeQdisc{"q0"}, nd, 0, collab.BinderIngress, nil)
		Expect(err).NotTo(HaveOccurred())

		var mu sync.Mutex
		var log []logEntry
		addProto(block, 0, "p1", 10, &mu, &log, false)
		addProto(block, 0, "p2", 20, &mu, &log, false)

		walker := &fakeWalker{blocks: map[uint32]*core.Block{7: block}}
		cb := fakeCallback{"cb-a"}

		Expect(br.RegisterIndirect(context.Background(), nd, cb, walker)).To(Succeed())

		mu.Lock()
		defer mu.Unlock()
		Expect(log).To(Equal([]logEntry{
			{kind: "p1", cb: "cb-a", add: true},
			{kind: "p2", cb: "cb-a", add: true},
		}))
	})

	It("reverse-plays UNBIND, in inverse order, when the failing step's partial BINDs are unwound", func() {
		br := NewBridge()
		nd := &fakeNetdev{id: "eth1", ingressBlock: 9, hasIngress: true}

		ns := core.NewNamespace(br)
		block, err := ns.GetOrCreate(context.Background(), fakeQdisc{"q1"}, nd, 0, collab.BinderIngress, nil)
		Expect(err).NotTo(HaveOccurred())

		var mu sync.Mutex
		var log []logEntry
		addProto(block, 0, "p1", 10, &mu, &log, false)
		addProto(block, 0, "p2", 20, &mu, &log, true) // this one's add=true call fails

		walker := &fakeWalker{blocks: map[uint32]*core.Block{9: block}}
		cb := fakeCallback{"cb-b"}

		err = br.RegisterIndirect(context.Background(), nd, cb, walker)
		Expect(err).To(HaveOccurred())

		mu.Lock()
		defer mu.Unlock()
		// p1's BIND applied, then p2's BIND failed; only p1's BIND is
		// unwound (UNBIND), since p2's never actually applied.
		Expect(log).To(Equal([]logEntry{
			{kind: "p1", cb: "cb-b", add: true},
			{kind: "p1", cb: "cb-b", add: false},
		}))
	})

	It("reverse-plays UNBIND for every proto, in inverse order, on the last UnregisterIndirect", func() {
		br := NewBridge()
		nd := &fakeNetdev{id: "eth2", ingressBlock: 3, hasIngress: true}

		ns := core.NewNamespace(br)
		block, err := ns.GetOrCreate(context.Background(), fakeQdisc{"q2"}, nd, 0, collab.BinderIngress, nil)
		Expect(err).NotTo(HaveOccurred())

		var mu sync.Mutex
		var log []logEntry
		addProto(block, 0, "p1", 10, &mu, &log, false)
		addProto(block, 0, "p2", 20, &mu, &log, false)

		walker := &fakeWalker{blocks: map[uint32]*core.Block{3: block}}
		cb := fakeCallback{"cb-c"}

		Expect(br.RegisterIndirect(context.Background(), nd, cb, walker)).To(Succeed())

		mu.Lock()
		log = nil // discard the playback entries, focus on unregister
		mu.Unlock()

		Expect(br.UnregisterIndirect(context.Background(), nd, cb, walker)).To(Succeed())

		mu.Lock()
		defer mu.Unlock()
		Expect(log).To(Equal([]logEntry{
			{kind: "p2", cb: "cb-c", add: false},
			{kind: "p1", cb: "cb-c", add: false},
		}))
	})
})
