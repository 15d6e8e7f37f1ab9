package core

import (
	"sync"
	"sync/atomic"

	"github.com/clsplane/clsplane/internal/ratomic"
	"github.com/clsplane/clsplane/internal/xerrors"
)

// protoPtr is a lock-free head pointer into a Chain's PrioList (spec.md
// §5 read-side discipline: readers must never block on filter_chain_lock).
type protoPtr struct {
	p atomic.Pointer[Proto]
}

func (pp *protoPtr) load() *Proto     { return pp.p.Load() }
func (pp *protoPtr) store(p *Proto)   { pp.p.Store(p) }

// HeadChangeObserver is notified with the new head of chain 0 whenever it
// changes (insertion at head, removal of head, or flush); nil means
// "now empty" (spec.md §3 Block.chain0, §4.2).
type HeadChangeObserver func(head *Proto)

// Chain is a numbered compartment inside a Block holding one
// priority-ordered PrioList of Protos (spec.md §3 Chain).
type Chain struct {
	Block *Block
	Index uint32

	// mu is filter_chain_lock: guards structural mutation of the
	// PrioList and the flushing flag (spec.md §3, §5).
	mu   sync.Mutex
	head protoPtr

	// quiesce gates a Proto's ops.Destroy until no Classify call is
	// mid-traversal of this chain (spec.md §3 "deferred reclamation",
	// §9 Design Notes "reader-writer exchange of a sealed snapshot").
	quiesce sync.RWMutex

	// refcnt/actionRefcnt are guarded by Block.mu, not by mu (spec.md
	// §3: "refcnt: u32 (guarded by block.lock)").
	refcnt       uint32
	actionRefcnt uint32

	explicitlyCreated bool
	flushing          ratomic.Bool

	tmpltOps  any
	tmpltPriv any
}

func newChain(b *Block, index uint32) *Chain {
	return &Chain{Block: b, Index: index}
}

// Head returns the current first Proto (nil if empty); safe for
// lock-free concurrent traversal (spec.md §5).
func (c *Chain) Head() *Proto { return c.head.load() }

// Visible reports whether this chain should appear in user-facing
// enumeration: an action-only chain (refcnt == actionRefcnt) never is
// (spec.md §3 invariants, §8 property 6). Caller must hold Block.mu.
func (c *Chain) Visible() bool { return c.refcnt != c.actionRefcnt }

// ExplicitlyCreated reports whether a user RTM_NEWCHAIN created this
// chain, vs. it coming into being implicitly (spec.md §3).
func (c *Chain) ExplicitlyCreated() bool { return c.explicitlyCreated }

// MarkExplicit promotes an implicitly/action-only created chain to
// explicit, the way a NewChain command does even when the chain already
// existed by action-ref (spec.md §4.7 NewChain: "promote ... by taking
// an additional reference").
func (c *Chain) MarkExplicit() {
	c.mu.Lock()
	c.explicitlyCreated = true
	c.mu.Unlock()
}

func (c *Chain) SetTemplate(o any, priv any) { c.tmpltOps, c.tmpltPriv = o, priv }
func (c *Chain) Template() (any, any)        { return c.tmpltOps, c.tmpltPriv }

// EnterRead / ExitRead bracket one Classify call's traversal of this
// chain; Put (proto.go) takes the write side of the same lock once a
// proto has been unlinked, guaranteeing no reader ever sees a
// destroyed priv (spec.md §5 read-side discipline).
func (c *Chain) EnterRead() { c.quiesce.RLock() }
func (c *Chain) ExitRead()  { c.quiesce.RUnlock() }

// --- PrioList operations (spec.md §4.4) ---

// Find walks the PrioList until it reaches a Proto whose prio >= the
// requested one. If an exact (prio) match exists, it is returned as
// found. Otherwise found is nil and prev is the Proto to insert after
// (nil meaning "insert at head"). If a Proto already occupies prio with a different
// protocol and autoProto is false, Find fails with Invalid (spec.md §4.4
// Find). When autoAlloc is true, prio was produced by auto-allocation
// rather than supplied by the caller, and ANY occupant at that prio
// (same protocol included) fails with Invalid: an auto-allocated prio is
// only valid if it is actually free.
func (c *Chain) Find(prio, protocol uint32, autoProto, autoAlloc bool) (found *Proto, prev *Proto, err error) {
	var p, pr *Proto
	for p = c.head.load(); p != nil && p.Prio < prio; p = p.Next() {
		pr = p
	}
	if p != nil && p.Prio == prio {
		if autoAlloc {
			return nil, nil, xerrors.Invalid("auto-allocated prio collided with an existing proto")
		}
		if p.Protocol != protocol && !autoProto {
			return nil, nil, xerrors.Invalid("prio already used by a different protocol")
		}
		return p, pr, nil
	}
	return nil, pr, nil
}

// allocPrio implements spec.md §3's auto-prio allocation: when the
// caller requests prio=0, the new prio is (least existing prio) - 1,
// seeded at config's AutoPrioSeed (0xC0000000) when the chain is empty.
//
// This does not guard against colliding with a proto manually inserted
// at seed-1 by an earlier call (spec.md §9 Open Questions): that is
// documented caller responsibility, reimplemented literally rather than
// papered over.
func (c *Chain) allocPrio(seed uint32) uint32 {
	head := c.head.load()
	if head == nil {
		return seed
	}
	return head.Prio - 1
}

// AllocPrio is the exported form of allocPrio, used by NewFilter when
// prio == 0 (spec.md §4.7 NewFilter). Must be called with mu held so the
// allocation is stable against a concurrent insert.
func (c *Chain) AllocPrio(seed uint32) uint32 { return c.allocPrio(seed) }

// Lock/Unlock expose filter_chain_lock to callers (ControlPlane) that
// must hold it across a Find+decide+Insert sequence (spec.md §4.7
// NewFilter: "Under chain.filter_chain_lock, find or create a proto").
func (c *Chain) Lock()   { c.mu.Lock() }
func (c *Chain) Unlock() { c.mu.Unlock() }

func (c *Chain) Flushing() bool { return c.flushing.Load() }

// InsertUnique links newP into the PrioList after prev (nil meaning
// head), unless a Proto with the same (prio,protocol) now exists (in
// which case newP is dropped and the existing one returned), or the
// chain is flushing (TryAgain). Caller must hold mu (spec.md §4.4
// Insert-unique).
func (c *Chain) InsertUnique(newP *Proto, prev *Proto) (*Proto, error) {
	if c.flushing.Load() {
		return nil, xerrors.TryAgain("chain is flushing")
	}
	existing, _, err := c.Find(newP.Prio, newP.Protocol, true, false)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var next *Proto
	if prev == nil {
		next = c.head.load()
	} else {
		next = prev.Next()
	}
	newP.setNext(next)
	wasHead := prev == nil
	if wasHead {
		c.head.store(newP)
	} else {
		prev.setNext(newP)
	}
	if wasHead && c.Index == 0 {
		c.Block.notifyChain0(newP)
	}
	return newP, nil
}

// Remove unlinks p from the PrioList. If p was the head of chain 0,
// registered observers are notified with the new head (spec.md §4.4
// Remove).
func (c *Chain) Remove(p *Proto) {
	var prev *Proto
	for cur := c.head.load(); cur != nil && cur != p; cur = cur.Next() {
		prev = cur
	}
	next := p.Next()
	wasHead := prev == nil
	if wasHead {
		c.head.store(next)
	} else {
		prev.setNext(next)
	}
	if wasHead && c.Index == 0 {
		c.Block.notifyChain0(next)
	}
}

// DeleteIfEmpty marks p deleting and unlinks it if, under mu, p still
// carries no filter handles and still occupies the same slot (spec.md
// §4.4 Delete-if-empty: garbage-collects transient empty protos after
// the last handle deletion).
func (c *Chain) DeleteIfEmpty(p *Proto) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !p.Empty() {
		return false
	}
	cur, _, _ := c.Find(p.Prio, p.Protocol, true, false)
	if cur != p {
		return false
	}
	if !p.MarkDeleting() {
		return false
	}
	c.Remove(p)
	return true
}

// Flush atomically swaps the PrioList to empty, marks the chain
// flushing, notifies chain0 observers (if Index==0), and returns the
// protos that were linked so the caller can drop their chain-owned
// reference (spec.md §4.3 flush, §4.7 DelFilter "flush the entire
// chain").
func (c *Chain) Flush() []*Proto {
	c.mu.Lock()
	var all []*Proto
	for p := c.head.load(); p != nil; p = p.Next() {
		all = append(all, p)
	}
	c.head.store(nil)
	c.flushing.Store(true)
	if c.Index == 0 {
		c.Block.notifyChain0(nil)
	}
	c.mu.Unlock()
	return all
}
