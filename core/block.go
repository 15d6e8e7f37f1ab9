package core

import (
	"context"
	"sync"

	"github.com/clsplane/clsplane/collab"
	"github.com/clsplane/clsplane/internal/ratomic"
	"github.com/clsplane/clsplane/internal/xerrors"
)

// ownerKey identifies one (qdisc, binder-kind) attachment of a shared
// Block (spec.md §3 Block.owners).
type ownerKey struct {
	qdiscID string
	binder  collab.BinderKind
}

// offloadState is a Block's per-device offload bookkeeping (spec.md §3
// Block.offload).
type offloadState struct {
	noOffloadDevCount   uint32
	offloadedFilterCnt  uint32
	callbacks           []collab.OffloadCallback
	keepDst             bool
}

// Offloader is the narrow capability core.Block uses to bind/unbind to a
// device and to mirror classifier mutations to already-bound callbacks
// (spec.md §4.6 OffloadBridge); implemented by package offload.
type Offloader interface {
	Bind(ctx context.Context, block *Block, nd collab.Netdev, binder collab.BinderKind) ([]collab.OffloadCallback, error)
	Unbind(block *Block, nd collab.Netdev, binder collab.BinderKind)
	Mirror(ctx context.Context, block *Block, evt collab.OffloadEvent) error
}

// Block is a container of filter chains with optional shared identity
// across multiple qdiscs (spec.md §3 Block).
type Block struct {
	Index  uint32
	Shared bool

	mu sync.Mutex // block.lock

	chains     map[uint32]*Chain
	chainOrder []uint32

	chain0          *Chain
	chain0Observers []HeadChangeObserver

	owners map[ownerKey]struct{}

	refcnt ratomic.Int32

	offload offloadState

	offloader Offloader
}

func newBlock(index uint32, shared bool, offloader Offloader) *Block {
	b := &Block{
		Index:     index,
		Shared:    shared,
		chains:    make(map[uint32]*Chain),
		owners:    make(map[ownerKey]struct{}),
		offloader: offloader,
	}
	b.refcnt.Store(1)
	return b
}

// Hold manages the block's own strong reference count with
// increment-if-nonzero lookup semantics (spec.md §3 Block.refcnt).
func (b *Block) Hold() bool { return b.refcnt.IncIfNonZero() }

// Namespace is the per-namespace shared-block index table (spec.md §4.2
// get_or_create: "namespace table").
type Namespace struct {
	mu     sync.Mutex
	byIdx  map[uint32]*Block
	loader Offloader
}

func NewNamespace(offloader Offloader) *Namespace {
	return &Namespace{byIdx: make(map[uint32]*Block), loader: offloader}
}

// Lookup resolves an existing shared block by index alone (spec.md §6
// MAGIC_BLOCK sentinel path), taking a strong reference via
// increment-if-nonzero.
func (n *Namespace) Lookup(index uint32) (*Block, bool) {
	n.mu.Lock()
	b, ok := n.byIdx[index]
	n.mu.Unlock()
	if !ok || !b.Hold() {
		return nil, false
	}
	return b, true
}

// GetOrCreate resolves a Block by requestedIndex (0 meaning "private,
// unshared"), installs the (qdisc,binder) owner entry, installs the
// chain0 head-change observer, and performs the offload bind — unwinding
// every completed sub-step in strict reverse order on failure (spec.md
// §4.2).
func (n *Namespace) GetOrCreate(ctx context.Context, qdisc collab.Qdisc, nd collab.Netdev, requestedIndex uint32, binder collab.BinderKind, observer HeadChangeObserver) (*Block, error) {
	var (
		block   *Block
		created bool
	)

	if requestedIndex != 0 {
		n.mu.Lock()
		if existing, ok := n.byIdx[requestedIndex]; ok && existing.Hold() {
			block = existing
		} else {
			block = newBlock(requestedIndex, true, n.loader)
			n.byIdx[requestedIndex] = block
			created = true
		}
		n.mu.Unlock()
	} else {
		block = newBlock(0, false, n.loader)
		created = true
	}

	unwindShared := func() {
		if block.Shared {
			n.mu.Lock()
			delete(n.byIdx, block.Index)
			n.mu.Unlock()
		}
	}

	ownerK := ownerKey{qdiscID: qdisc.ID(), binder: binder}
	block.mu.Lock()
	if _, dup := block.owners[ownerK]; dup {
		block.mu.Unlock()
		if created {
			unwindShared()
		}
		return nil, xerrors.Exists("owner already attached to block")
	}
	block.owners[ownerK] = struct{}{}
	block.mu.Unlock()

	unwindOwner := func() {
		block.mu.Lock()
		delete(block.owners, ownerK)
		block.mu.Unlock()
	}

	observerSlot := -1
	if observer != nil {
		block.mu.Lock()
		observerSlot = len(block.chain0Observers)
		block.chain0Observers = append(block.chain0Observers, observer)
		var head *Proto
		if block.chain0 != nil {
			head = block.chain0.Head()
		}
		block.mu.Unlock()
		observer(head)
	}

	unwindObserver := func() {
		if observerSlot < 0 {
			return
		}
		block.mu.Lock()
		block.chain0Observers = append(block.chain0Observers[:observerSlot], block.chain0Observers[observerSlot+1:]...)
		block.mu.Unlock()
	}

	if block.offloader != nil && nd != nil && nd.SupportsOffload() {
		cbs, err := block.offloader.Bind(ctx, block, nd, binder)
		if err != nil {
			unwindObserver()
			unwindOwner()
			if created {
				unwindShared()
			}
			return nil, err
		}
		block.mu.Lock()
		block.offload.callbacks = append(block.offload.callbacks, cbs...)
		block.mu.Unlock()
	} else {
		block.mu.Lock()
		block.offload.noOffloadDevCount++
		block.mu.Unlock()
	}

	return block, nil
}

// Put removes the (qdisc,binder) owner entry and offload-unbinds, then
// drops the block's strong reference; destruction fires when the strong
// count hits zero AND the chain list is empty, removing it from the
// namespace table first (spec.md §4.2 put).
func (n *Namespace) Put(block *Block, qdisc collab.Qdisc, nd collab.Netdev, binder collab.BinderKind) {
	block.mu.Lock()
	delete(block.owners, ownerKey{qdiscID: qdisc.ID(), binder: binder})
	block.mu.Unlock()

	if block.offloader != nil && nd != nil {
		block.offloader.Unbind(block, nd, binder)
	}

	if block.refcnt.Dec() > 0 {
		return
	}

	block.mu.Lock()
	empty := len(block.chains) == 0
	block.mu.Unlock()
	if !empty {
		return
	}

	if block.Shared {
		n.mu.Lock()
		delete(n.byIdx, block.Index)
		n.mu.Unlock()
	}
}

// notifyChain0 snapshots the observer list under mu, then dispatches
// unlocked (spec.md §9 Design Notes: "never traversed while holding the
// lock that protects the thing they observe").
func (b *Block) notifyChain0(head *Proto) {
	b.mu.Lock()
	observers := make([]HeadChangeObserver, len(b.chain0Observers))
	copy(observers, b.chain0Observers)
	b.mu.Unlock()
	for _, o := range observers {
		o(head)
	}
}

// GetChain resolves (or, when create is true, creates) the chain at
// index, bumping refcnt (and actionRefcnt when byAction) under
// block.lock. The first non-action reference returns added=true so the
// caller can emit a "chain added" notification (spec.md §4.3 get).
func (b *Block) GetChain(index uint32, create, byAction bool) (chain *Chain, added bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.chains[index]
	if !ok {
		if !create {
			return nil, false, xerrors.NotFound("chain not found")
		}
		c = newChain(b, index)
		b.chains[index] = c
		b.chainOrder = append(b.chainOrder, index)
		if index == 0 {
			b.chain0 = c
		}
	}

	wasNonAction := c.refcnt > c.actionRefcnt
	c.refcnt++
	if byAction {
		c.actionRefcnt++
	}
	return c, c.refcnt > c.actionRefcnt && !wasNonAction, nil
}

// PutChain symmetrically decrements refcnt (and actionRefcnt). Crossing
// from refcnt>actionRefcnt down to equality reports deleted=true (a
// "chain deleted" notification, even though the chain lives on for
// actions); crossing to zero detaches it from the block, and if that
// empties the block and block.refcnt is zero, releases the block
// (spec.md §4.3 put).
func (b *Block) PutChain(c *Chain, byAction bool) (deleted bool) {
	b.mu.Lock()
	wasVisible := c.refcnt > c.actionRefcnt
	c.refcnt--
	if byAction && c.actionRefcnt > 0 {
		c.actionRefcnt--
	}
	nowVisible := c.refcnt > c.actionRefcnt
	deleted = wasVisible && !nowVisible

	zero := c.refcnt == 0
	if zero {
		delete(b.chains, c.Index)
		for i, idx := range b.chainOrder {
			if idx == c.Index {
				b.chainOrder = append(b.chainOrder[:i], b.chainOrder[i+1:]...)
				break
			}
		}
		if b.chain0 == c {
			b.chain0 = nil
		}
	}
	b.mu.Unlock()
	return deleted
}

// Chains returns a deterministic snapshot of currently-present chains,
// insertion order (spec.md §3 ChainList invariants: "each present chain
// appears once").
func (b *Block) Chains() []*Chain {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Chain, 0, len(b.chainOrder))
	for _, idx := range b.chainOrder {
		out = append(out, b.chains[idx])
	}
	return out
}

func (b *Block) Chain0() *Chain {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chain0
}

// Lock/Unlock expose block.lock to ControlPlane for reads that require it
// (e.g. Chain.Visible and Chain.ExplicitlyCreated in DelChain, GetChain
// and DumpChain).
func (b *Block) Lock()   { b.mu.Lock() }
func (b *Block) Unlock() { b.mu.Unlock() }

func (b *Block) MirrorOffload(ctx context.Context, evt collab.OffloadEvent) error {
	if b.offloader == nil {
		return nil
	}
	return b.offloader.Mirror(ctx, b, evt)
}

// HasOffloadedFilters reports whether this block currently has any
// offloaded proto at all, the condition spec.md §4.6 gates a refusing
// device's NotSupported terminal failure on.
func (b *Block) HasOffloadedFilters() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offload.offloadedFilterCnt > 0
}

// OffloadCallbacks returns a snapshot of the block's directly-bound
// callbacks (spec.md §3 Block.offload.shared-cb-list).
func (b *Block) OffloadCallbacks() []collab.OffloadCallback {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]collab.OffloadCallback, len(b.offload.callbacks))
	copy(out, b.offload.callbacks)
	return out
}

// ToleratesOffloadFailure reports whether a mirror failure on this
// block should be counted (nooffload_dev_count) rather than propagated,
// per the block's can_offload policy (spec.md §4.6: "failures are
// either tolerated ... or fatal depending on the can_offload policy").
// A block that already has at least one device attached without offload
// (noOffloadDevCount > 0) tolerates the failure and counts it there; any
// other block reports false, so the failure is propagated.
func (b *Block) ToleratesOffloadFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offload.noOffloadDevCount > 0 {
		b.offload.noOffloadDevCount++
		return true
	}
	return false
}

// SetOffloadedFilterCount lets ControlPlane update the offloaded-filter
// tally as protos are bound/unbound (spec.md §3 Block.offload).
func (b *Block) SetOffloadedFilterCount(n uint32) {
	b.mu.Lock()
	b.offload.offloadedFilterCnt = n
	b.mu.Unlock()
}
