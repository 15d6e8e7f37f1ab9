// Package core implements the hard part of spec.md: the reference
// counted block/chain/proto object graph, the priority-ordered chain
// list with deferred reclamation, and the classify dispatcher.
package core

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/clsplane/clsplane/internal/debug"
	"github.com/clsplane/clsplane/internal/ratomic"
	"github.com/clsplane/clsplane/ops"
)

// Proto is one (priority, protocol, kind)-triple classifier instance
// (spec.md §3 Proto).
type Proto struct {
	Kind     string
	Ops      ops.Ops
	Prio     uint32
	Protocol uint32
	Chain    *Chain

	opsRelease ops.Release
	destroy    func(kind string) func() // registry.TrackDestroy, injected to avoid an ops<->core import for tests

	next atomic.Pointer[Proto]

	refcnt ratomic.Int32

	mu       sync.Mutex
	deleting bool

	priv any
}

// ProtoAll is the wire-protocol sentinel meaning "match any protocol"
// (spec.md §4.5 step 2, kernel ETH_P_ALL).
const ProtoAll uint32 = 0

// NewProto constructs and inits a Proto via o.Init; the caller (control.Plane's
// NewFilter, or a test) still owns linking it into a Chain's PrioList.
func NewProto(ctx context.Context, kind string, o ops.Ops, release ops.Release, track func(string) func(), prio, protocol uint32, chain *Chain) (*Proto, error) {
	p := &Proto{
		Kind:       kind,
		Ops:        o,
		Prio:       prio,
		Protocol:   protocol,
		Chain:      chain,
		opsRelease: release,
		destroy:    track,
	}
	p.refcnt.Store(1)
	priv, err := o.Init(ctx)
	if err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}
	p.priv = priv
	return p, nil
}

// Next returns the next Proto in priority order (lock-free load; safe
// for concurrent traversal per spec.md §5 read-side discipline).
func (p *Proto) Next() *Proto { return p.next.Load() }

func (p *Proto) setNext(n *Proto) { p.next.Store(n) }

// Hold takes an additional strong reference (spec.md §3 Ownership
// summary: "external references are strong counts").
func (p *Proto) Hold() { p.refcnt.Inc() }

// Put drops a strong reference; at zero it quiesces readers on the
// owning chain (so no in-flight Classify call is mid-dereference of
// priv) and then calls ops.Destroy, exactly once (spec.md §3 Proto
// lifecycle: "destroyed via ops.destroy then deferred reclamation").
func (p *Proto) Put() {
	if n := p.refcnt.Dec(); n > 0 {
		return
	}
	debug.Assertf(p.refcnt.Load() == 0, "proto %s/%d over-released", p.Kind, p.Prio)

	var done func()
	if p.destroy != nil {
		done = p.destroy(p.Kind)
	}
	p.Chain.quiesce.Lock()
	p.Ops.Destroy(p.priv)
	p.Chain.quiesce.Unlock()
	if done != nil {
		done()
	}
	if p.opsRelease != nil {
		p.opsRelease()
	}
}

// MarkDeleting sets the per-proto "deleting" flag iterators consult to
// restart their search at prio+1 on a race (spec.md §4.8 Deletion
// races). Returns false if another caller already won the race.
func (p *Proto) MarkDeleting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleting {
		return false
	}
	p.deleting = true
	return true
}

func (p *Proto) IsDeleting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleting
}

// Empty reports whether priv carries no filter handles, via ops.Walk
// (spec.md §4.4 Delete-if-empty).
func (p *Proto) Empty() bool {
	empty := true
	p.Ops.Walk(p.priv, func(ops.Handle) bool {
		empty = false
		return false
	})
	return empty
}

func (p *Proto) Priv() any { return p.priv }
