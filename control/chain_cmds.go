package control

import (
	"context"

	"github.com/clsplane/clsplane/collab"
	"github.com/clsplane/clsplane/internal/xerrors"
)

// NewChain implements spec.md §4.7 NewChain: under block.lock, find or
// create the chain explicitly; if it already existed only by action-ref,
// this promotes it to explicit by taking an additional reference. A
// KIND attribute instantiates a template pinning the chain's kind.
func (p *Plane) NewChain(ctx context.Context, req Request) (resp Response, err error) {
	if err := p.prologue(ctx, req, true); err != nil {
		return Response{}, err
	}

	cc := &commandCtx{ctx: ctx, req: req}
	err = replay(cc, "NewChain", true, func(cc *commandCtx) error {
		r, e := p.newChainAttempt(cc)
		resp = r
		return e
	})
	logCommand("NewChain", req, err)
	return resp, err
}

func (p *Plane) newChainAttempt(cc *commandCtx) (Response, error) {
	req := cc.req

	block, _, err := p.resolveBlock(cc.ctx, req, true, 0, nil)
	if err != nil {
		return Response{}, err
	}
	chainIdx, err := resolveChainIndex(req)
	if err != nil {
		return Response{}, err
	}

	chain, _, err := block.GetChain(chainIdx, true, false)
	if err != nil {
		return Response{}, err
	}
	chain.MarkExplicit()

	if kind, ok := req.Attrs.String("KIND"); ok && kind != "" {
		// The chain's own explicit-creation reference (taken by GetChain
		// above) already stuck regardless of what happens here: a failed
		// template attach is reported as this command's error, but the
		// chain itself persists exactly as a templateless explicit
		// NewChain would, so no reference is released on this path.
		classifierOps, release, lookupErr := p.Registry.Lookup(cc.ctx, kind)
		if lookupErr != nil {
			return Response{}, lookupErr
		}
		priv, tErr := classifierOps.TmpltCreate(req.Attrs)
		if tErr != nil {
			release()
			return Response{}, tErr
		}
		chain.SetTemplate(classifierOps, priv)
	}

	return Response{Header: req.Header}, nil
}

// DelChain implements spec.md §4.7 DelChain: refuses (reported as
// Invalid with the user-facing message "cannot find chain", per §S6) a
// chain that is only action-referenced or was never explicitly created.
func (p *Plane) DelChain(ctx context.Context, req Request) (resp Response, err error) {
	if err := p.prologue(ctx, req, true); err != nil {
		return Response{}, err
	}

	cc := &commandCtx{ctx: ctx, req: req}
	err = replay(cc, "DelChain", true, func(cc *commandCtx) error {
		r, e := p.delChainAttempt(cc)
		resp = r
		return e
	})
	logCommand("DelChain", req, err)
	return resp, err
}

func (p *Plane) delChainAttempt(cc *commandCtx) (Response, error) {
	req := cc.req

	block, _, err := p.resolveBlock(cc.ctx, req, false, 0, nil)
	if err != nil {
		return Response{}, err
	}
	chainIdx, err := resolveChainIndex(req)
	if err != nil {
		return Response{}, err
	}
	chain, _, err := block.GetChain(chainIdx, false, false)
	if err != nil {
		return Response{}, err
	}

	block.Lock()
	visible := chain.Visible()
	explicit := chain.ExplicitlyCreated()
	block.Unlock()
	if !visible || !explicit {
		block.PutChain(chain, false)
		return Response{}, xerrors.Invalid("cannot find chain")
	}

	// Each flushed proto gives back its own persistent chain reference,
	// the same way DelFilter's flush path does.
	for _, pr := range chain.Flush() {
		pr.Put()
		block.PutChain(chain, false)
	}
	// One PutChain balances this attempt's own lookup GetChain above; a
	// second releases the persistent reference NewChain took when it
	// explicitly created (or promoted) this chain, the only way that
	// reference is ever given back (spec.md §4.7 DelChain).
	block.PutChain(chain, false)
	block.PutChain(chain, false)
	return Response{Header: req.Header}, nil
}

// GetChain implements spec.md §4.7 GetChain.
func (p *Plane) GetChain(ctx context.Context, req Request) (Response, error) {
	if err := p.prologue(ctx, req, false); err != nil {
		return Response{}, err
	}

	block, _, err := p.resolveBlock(ctx, req, false, 0, nil)
	if err != nil {
		return Response{}, err
	}
	chainIdx, err := resolveChainIndex(req)
	if err != nil {
		return Response{}, err
	}
	// The lookup reference is taken as an action reference so it leaves
	// the refcnt-vs-actionRefcnt balance, and so Visible(), unchanged.
	chain, _, err := block.GetChain(chainIdx, false, true)
	if err != nil {
		return Response{}, err
	}
	defer block.PutChain(chain, true)

	block.Lock()
	visible := chain.Visible()
	block.Unlock()
	if !visible {
		return Response{}, xerrors.NotFound("chain not found")
	}

	attrs := make(collab.AttrTable)
	if tOps, tPriv := chain.Template(); tOps != nil {
		if o, ok := tOps.(interface{ TmpltDump(any) map[string]any }); ok {
			attrs["OPTIONS"] = o.TmpltDump(tPriv)
		}
	}
	return Response{Header: req.Header, Attrs: attrs}, nil
}
