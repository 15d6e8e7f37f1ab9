package control

import (
	"context"

	"github.com/clsplane/clsplane/internal/xerrors"
	"github.com/clsplane/clsplane/ops"
)

// GetFilter implements spec.md §4.7 GetFilter: locate the proto's
// handle via ops.Get and format a unicast response. Unlike the other
// filter commands, GetFilter does not require admin capability (spec.md
// §6: "require CAP_NET_ADMIN (except Get)").
func (p *Plane) GetFilter(ctx context.Context, req Request) (Response, error) {
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
	chain, _, err := block.GetChain(chainIdx, false, false)
	if err != nil {
		return Response{}, err
	}
	defer block.PutChain(chain, false)

	chain.Lock()
	pr, _, findErr := chain.Find(req.Header.Prio, req.Header.Protocol, false, false)
	chain.Unlock()
	if findErr != nil {
		return Response{}, findErr
	}
	if pr == nil {
		return Response{}, xerrors.NotFound("proto not found")
	}

	val, err := pr.Ops.Get(pr.Priv(), ops.Handle(req.Header.Handle))
	if err != nil {
		return Response{}, err
	}

	attrs := collabAttrsFromValue(req, val)
	return Response{Header: req.Header, Attrs: attrs}, nil
}
