package core

import (
	"sync"

	"github.com/seiflotfy/cuckoofilter"

	"github.com/clsplane/clsplane/config"
	"github.com/clsplane/clsplane/internal/nlog"
	"github.com/clsplane/clsplane/ops"
)

// ChainHint is the persisted side-band a packet carries across
// classify passes, recording the last Goto-chain target (spec.md §4.5
// step 5, GLOSSARY "Chain-hint").
type ChainHint struct {
	set   bool
	index uint32
}

func (h *ChainHint) Set(index uint32) { h.set, h.index = true, index }
func (h *ChainHint) Get() (uint32, bool) { return h.index, h.set }

// ChainResolver resolves a chain index, within the block currently being
// classified, to that chain's filter head (spec.md §4.5 step 1: "jump to
// chain[hint]'s filter head in the current ingress block").
type ChainResolver func(index uint32) (*Proto, bool)

// ClassifyDispatcher walks a chain's PrioList against one packet,
// applying the reclassify/goto-chain/shot state machine (spec.md §4.5).
type ClassifyDispatcher struct {
	// MaxReclassifyLoop bounds restarts triggered by ops.Reclassify
	// (spec.md §4.5 step 4, §8 property 8); normally config.Get().MaxReclassifyLoop.
	MaxReclassifyLoop int

	noticeMu     sync.Mutex
	noticeFilter *cuckoo.Filter
}

// NewClassifyDispatcher builds a dispatcher with a rate-limiting filter
// for the "reclassify cap exceeded" notice (spec.md §4.5 step 4:
// "emits a rate-limited notice"), grounded on the teacher's use of a
// cuckoo filter for approximate membership tests. The filter's capacity
// is config.Get().ReclassifyNoticeWindow.
func NewClassifyDispatcher(maxReclassifyLoop int) *ClassifyDispatcher {
	return &ClassifyDispatcher{
		MaxReclassifyLoop: maxReclassifyLoop,
		noticeFilter:      cuckoo.NewFilter(config.Get().ReclassifyNoticeWindow),
	}
}

// CompatMode disables the Reclassify restart entirely (spec.md §4.5 step 4:
// "and not in compat mode").
type CompatMode bool

// Classify implements spec.md §4.5's tcf_classify semantics: start is the
// Proto to begin walking from, except that when hint carries a chain
// index that resolve finds (and compat is off), the walk begins at that
// chain's head instead. blockIndex identifies the owning block purely
// for notice attribution, and resolve looks up a chain by index for both
// the hint and Goto-chain restarts.
func (d *ClassifyDispatcher) Classify(pkt *ops.Packet, start *Proto, hint *ChainHint, resolve ChainResolver, blockIndex uint32, compat CompatMode, out *ops.Result) ops.ActionCode {
	tp := start
	if !compat && hint != nil {
		if idx, ok := hint.Get(); ok {
			if h, found := resolve(idx); found {
				tp = h
			}
		}
	}

	// origStart is fixed at the proto resolved in step 1 above and never
	// reassigned: a Reclassify always restarts the walk there, even after
	// one or more Goto-chain jumps have moved tp elsewhere (ground truth:
	// orig_tp is set once and only first_tp moves on goto chain).
	origStart := tp
	restarts := 0

	for tp != nil {
		if tp.Protocol != ops.ProtoAll && tp.Protocol != pkt.Protocol {
			tp = tp.Next()
			continue
		}

		tp.Chain.EnterRead()
		code := tp.Ops.Classify(pkt, tp.Priv(), out)
		tp.Chain.ExitRead()

		switch code {
		case ops.Reclassify:
			if compat {
				return code
			}
			restarts++
			if restarts > d.MaxReclassifyLoop {
				d.emitReclassifyExceeded(blockIndex, origStart)
				return ops.Shot
			}
			tp = origStart
			continue

		case ops.GotoChain:
			if hint != nil {
				hint.Set(out.GotoIndex)
			}
			next, found := resolve(out.GotoIndex)
			if !found {
				return ops.Shot
			}
			tp = next
			continue

		case ops.Unspec:
			tp = tp.Next()
			continue

		default:
			return code
		}
	}

	return ops.Unspec
}

// emitReclassifyExceeded logs at most once per (blockIndex,prio,protocol)
// key burst, using the cuckoo filter as an approximate "have we already
// warned about this" set (spec.md §4.5 step 4, §S3).
func (d *ClassifyDispatcher) emitReclassifyExceeded(blockIndex uint32, tp *Proto) {
	if tp == nil {
		return
	}
	key := noticeKey(blockIndex, tp.Prio, tp.Protocol)

	d.noticeMu.Lock()
	seen := d.noticeFilter.Lookup(key)
	if !seen {
		d.noticeFilter.InsertUnique(key)
	}
	d.noticeMu.Unlock()

	if !seen {
		nlog.Warnf("reclassify loop exceeded: block=%d prio=%d protocol=0x%x", blockIndex, tp.Prio, tp.Protocol)
	}
}

func noticeKey(blockIndex, prio, protocol uint32) []byte {
	b := make([]byte, 12)
	putU32(b[0:4], blockIndex)
	putU32(b[4:8], prio)
	putU32(b[8:12], protocol)
	return b
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
