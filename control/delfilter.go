package control

import (
	"context"

	"github.com/clsplane/clsplane/internal/xerrors"
	"github.com/clsplane/clsplane/ops"
)

// DelFilter implements spec.md §4.7 DelFilter: a bare prio=0 (no
// kind/handle/protocol) flushes the entire chain; otherwise it deletes
// one handle, or the whole proto when handle==0.
func (p *Plane) DelFilter(ctx context.Context, req Request) (resp Response, err error) {
	if err := p.prologue(ctx, req, true); err != nil {
		return Response{}, err
	}

	cc := &commandCtx{ctx: ctx, req: req}
	err = replay(cc, "DelFilter", true, func(cc *commandCtx) error {
		r, e := p.delFilterAttempt(cc)
		resp = r
		return e
	})
	logCommand("DelFilter", req, err)
	return resp, err
}

func (p *Plane) delFilterAttempt(cc *commandCtx) (Response, error) {
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
	// This attempt's own lookup reference, separate from the persistent
	// one NewFilter left behind per live proto: the structural removal
	// paths below (flush, removing the whole proto, or the last-handle
	// DeleteIfEmpty path) each release one matching PutChain per proto
	// that actually leaves, in addition to this one.
	defer block.PutChain(chain, false)

	kind, hasKind := req.Attrs.String("KIND")
	protocol := req.Header.Protocol
	handle := req.Header.Handle

	if req.Header.Prio == 0 && !hasKind && handle == 0 {
		flushed := chain.Flush()
		for _, pr := range flushed {
			pr.Put()
			block.PutChain(chain, false)
		}
		return Response{Header: req.Header}, nil
	}

	chain.Lock()
	pr, _, findErr := chain.Find(req.Header.Prio, protocol, false, false)
	chain.Unlock()
	if findErr != nil {
		return Response{}, findErr
	}
	if pr == nil {
		return Response{}, xerrors.NotFound("proto not found")
	}
	if hasKind && pr.Kind != kind {
		return Response{}, xerrors.Invalid("kind mismatch")
	}

	if handle == 0 {
		if !pr.MarkDeleting() {
			return Response{}, xerrors.TryAgain("proto deletion already in progress")
		}
		chain.Remove(pr)
		pr.Put()
		block.PutChain(chain, false)
		return Response{Header: req.Header}, nil
	}

	last, delErr := pr.Ops.Delete(pr.Priv(), ops.Handle(handle))
	if delErr != nil {
		return Response{}, delErr
	}
	if last {
		if chain.DeleteIfEmpty(pr) {
			pr.Put()
			block.PutChain(chain, false)
		}
	}
	return Response{Header: req.Header}, nil
}
