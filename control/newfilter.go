package control

import (
	"context"

	"github.com/clsplane/clsplane/core"
	"github.com/clsplane/clsplane/internal/xerrors"
	"github.com/clsplane/clsplane/ops"
)

// NewFilter implements spec.md §4.7 NewFilter: find-or-create a proto at
// (prio, protocol), then apply the requested match via ops.Change.
func (p *Plane) NewFilter(ctx context.Context, req Request) (resp Response, err error) {
	if err := p.prologue(ctx, req, true); err != nil {
		return Response{}, err
	}

	cc := &commandCtx{ctx: ctx, req: req}
	err = replay(cc, "NewFilter", true, func(cc *commandCtx) error {
		r, e := p.newFilterAttempt(cc)
		resp = r
		return e
	})
	logCommand("NewFilter", req, err)
	return resp, err
}

func (p *Plane) newFilterAttempt(cc *commandCtx) (Response, error) {
	req := cc.req

	kind, _ := req.Attrs.String("KIND")
	if kind == "" {
		return Response{}, xerrors.Invalid("KIND attribute required")
	}

	prio := req.Header.Prio
	if prio == 0 && !req.Flags.Has(FlagCreate) {
		return Response{}, xerrors.Invalid("prio=0 requires CREATE")
	}

	block, qdisc, err := p.resolveBlock(cc.ctx, req, true, 0, nil)
	if err != nil {
		return Response{}, err
	}

	chainIdx, err := resolveChainIndex(req)
	if err != nil {
		return Response{}, err
	}
	// This GetChain's reference is released here unless this attempt goes
	// on to actually insert a brand new, persisting proto (the linked ==
	// newP case below): a filter is modeled as holding its chain open for
	// as long as it lives, so only that case keeps the reference, and
	// every other return path (errors, or modifying something that
	// already existed) balances it with PutChain before returning.
	chain, added, err := block.GetChain(chainIdx, true, false)
	if err != nil {
		return Response{}, err
	}
	if added {
		// "chain added" notification: spec.md §4.3 get. Observers of the
		// control channel itself are out of this core's scope (§1); the
		// log line stands in for that notification.
		logCommand("NewFilter: chain added", req, nil)
	}

	chain.Lock()
	autoAllocated := prio == 0
	if autoAllocated {
		prio = chain.AllocPrio(autoPrioSeed())
	}
	protocol := req.Header.Protocol

	// An auto-allocated prio must land on a free slot: any occupant there,
	// even at the same protocol, is rejected rather than silently reused
	// (ground truth: prio_allocate unconditionally -EINVALs on collision).
	existing, prev, findErr := chain.Find(prio, protocol, false, autoAllocated)
	if findErr != nil {
		chain.Unlock()
		block.PutChain(chain, false)
		return Response{}, findErr
	}

	tmpltOps, _ := chain.Template()
	if existing != nil {
		chain.Unlock()
		defer block.PutChain(chain, false)
		return p.changeExisting(cc.ctx, existing, req, qdisc)
	}

	if tmpltOps != nil {
		if tOps, ok := tmpltOps.(ops.Ops); ok && tOps.Kind() != kind {
			chain.Unlock()
			block.PutChain(chain, false)
			return Response{}, xerrors.Invalid("proto kind does not match chain template")
		}
	}
	chain.Unlock()

	// Instantiate outside filter_chain_lock: ops.Init may block (spec.md
	// §4.7 NewFilter: "release the chain lock, instantiate the proto via
	// OpsRegistry").
	classifierOps, release, err := p.Registry.Lookup(cc.ctx, kind)
	if err != nil {
		block.PutChain(chain, false)
		return Response{}, err
	}

	newP, err := core.NewProto(cc.ctx, kind, classifierOps, release, p.Registry.TrackDestroy, prio, protocol, chain)
	if err != nil {
		block.PutChain(chain, false)
		return Response{}, err
	}

	chain.Lock()
	linked, insErr := chain.InsertUnique(newP, prev)
	chain.Unlock()
	if insErr != nil {
		newP.Put()
		block.PutChain(chain, false)
		return Response{}, insErr
	}
	if linked != newP {
		// lost the race: someone else inserted first, so this attempt's
		// chain reference was never claimed by a persisting proto.
		newP.Put()
		defer block.PutChain(chain, false)
		return p.changeExisting(cc.ctx, linked, req, qdisc)
	}

	// linked == newP: this attempt's chain reference now belongs to newP
	// for as long as it lives; applyChange releases it if Change fails
	// and tears newP back down.
	return p.applyChange(cc.ctx, newP, req, qdisc, true)
}

func (p *Plane) changeExisting(ctx context.Context, pr *core.Proto, req Request, qdisc interface{ SetCanBypass(bool) }) (Response, error) {
	if req.Flags.Has(FlagExcl) {
		return Response{}, xerrors.Exists("proto already exists at this (prio,protocol)")
	}
	return p.applyChange(ctx, pr, req, qdisc, false)
}

func (p *Plane) applyChange(ctx context.Context, pr *core.Proto, req Request, qdisc interface{ SetCanBypass(bool) }, created bool) (Response, error) {
	handle := ops.Handle(req.Header.Handle)
	create := created || req.Flags.Has(FlagCreate)

	err := pr.Ops.Change(ctx, pr.Priv(), handle, req.Attrs, create)
	if err != nil {
		if created {
			pr.Chain.DeleteIfEmpty(pr)
			pr.Put()
			pr.Chain.Block.PutChain(pr.Chain, false)
		}
		return Response{}, err
	}

	if qdisc != nil {
		qdisc.SetCanBypass(false)
	}

	resp := Response{Header: req.Header, Attrs: req.Attrs}
	resp.Header.Prio = pr.Prio
	return resp, nil
}
