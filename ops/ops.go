// Package ops declares the classifier-ops capability: the narrow,
// closed-set interface through which concrete classifier kinds (u32, fw,
// flower, …) plug into the core without the core ever knowing their
// internals (spec.md §1, §9 Design Notes). It is intentionally free of
// any dependency on package core.
package ops

import "context"

// Handle identifies a single match rule inside a Proto (spec.md
// GLOSSARY). It is private to whichever Ops implementation owns it.
type Handle uint32

// ActionCode is the verdict a classifier's Classify returns, matching
// spec.md §4.5's {Unspec, Ok, Shot, Stolen, Queued, Repeat, Reclassify,
// GotoChain, Trap, …}.
type ActionCode int

const (
	Unspec ActionCode = iota
	Ok
	Shot
	Stolen
	Queued
	Repeat
	Reclassify
	GotoChain
	Trap
)

func (a ActionCode) String() string {
	switch a {
	case Unspec:
		return "unspec"
	case Ok:
		return "ok"
	case Shot:
		return "shot"
	case Stolen:
		return "stolen"
	case Queued:
		return "queued"
	case Repeat:
		return "repeat"
	case Reclassify:
		return "reclassify"
	case GotoChain:
		return "goto-chain"
	case Trap:
		return "trap"
	default:
		return "unknown"
	}
}

// Packet is the narrow, data-plane-agnostic view the dispatcher and
// classifier ops need of an inbound packet (spec.md §1 Non-goals: no
// packet-data-plane fast path beyond the classify dispatcher itself).
type Packet struct {
	Protocol uint32
}

// Result carries classify's out-parameters (spec.md §4.5): when a
// classifier returns GotoChain, it fills GotoIndex with the target
// chain index; the dispatcher (not the classifier) is responsible for
// resolving that index to a starting Proto within the current block.
type Result struct {
	GotoIndex uint32
}

// Ops is the classifier-kind capability table: a closed set of
// operations with an opaque per-instance private payload (spec.md §9:
// "express as a trait/interface with init, destroy, classify, change,
// delete, get, walk, reoffload, tmplt_{create,destroy,dump}").
type Ops interface {
	// Kind is the registered name this Ops was looked up by.
	Kind() string

	// Init constructs the private payload for a brand new Proto. Called
	// by ControlPlane.NewFilter outside of chain.filter_chain_lock
	// (spec.md §4.7 NewFilter).
	Init(ctx context.Context) (priv any, err error)

	// Destroy releases resources held by priv; called once, after the
	// owning Proto has been unlinked and is no longer reachable by new
	// readers (spec.md §3 Proto lifecycle).
	Destroy(priv any)

	// Classify evaluates one packet against one Proto instance.
	Classify(pkt *Packet, priv any, res *Result) ActionCode

	// Change applies (or creates, when create is true) a single match
	// rule described by attrs under handle.
	Change(ctx context.Context, priv any, handle Handle, attrs map[string]any, create bool) error

	// Delete removes handle from priv; last reports whether priv now
	// carries no handles at all (spec.md §4.4 Delete-if-empty).
	Delete(priv any, handle Handle) (last bool, err error)

	// Get returns a representation of a single handle for GetFilter.
	Get(priv any, handle Handle) (any, error)

	// Walk invokes visit once per live handle in priv, stopping early if
	// visit returns false. Used by Delete-if-empty to test "no handles".
	Walk(priv any, visit func(Handle) bool)

	// Reoffload mirrors priv's current handles to (or unwinds them from,
	// when add is false) an offload callback during OffloadBridge
	// playback (spec.md §4.6).
	Reoffload(priv any, cb any, add bool) error

	// TmpltCreate/TmpltDestroy/TmpltDump back a chain-level template
	// constraint (spec.md §3 Chain.tmplt_ops/tmplt_priv, §4.7 NewChain).
	TmpltCreate(attrs map[string]any) (priv any, err error)
	TmpltDestroy(priv any)
	TmpltDump(priv any) map[string]any
}
