package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/pierrec/lz4/v3"
	"github.com/teris-io/shortid"
	"github.com/tidwall/buntdb"

	"github.com/clsplane/clsplane/config"
	"github.com/clsplane/clsplane/internal/xerrors"
)

// cursorIndex is the in-memory buntdb index mapping an opaque shortid
// cursor token to the ordinal offset a resumed dump should continue
// from, keyed "%08x:%08x:%08x:%s" (block, chain, prio, token) per
// SPEC_FULL.md §4.10; DumpFilter always passes prio 0. Offsets count
// protos from the chain's current head, so dump pagination tolerates
// concurrent insert/delete between calls (snapshot semantics, spec.md
// §4.7 Dump filter/Dump chain).
type cursorIndex struct {
	mu sync.Mutex
	db *buntdb.DB
}

func newCursorIndex() *cursorIndex {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		// :memory: never fails to open; this would indicate a packaging
		// defect in buntdb itself.
		panic(err)
	}
	return &cursorIndex{db: db}
}

var globalCursors = newCursorIndex()

func (c *cursorIndex) put(blockIdx, chainIdx, prio uint32, offset int) (string, error) {
	tok, err := shortid.Generate()
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%08x:%08x:%08x:%s", blockIdx, chainIdx, prio, tok)
	c.mu.Lock()
	err = c.db.Update(func(tx *buntdb.Tx) error {
		_, _, e := tx.Set(key, fmt.Sprintf("%d", offset), nil)
		return e
	})
	c.mu.Unlock()
	if err != nil {
		return "", err
	}
	return tok, nil
}

func (c *cursorIndex) resume(blockIdx, chainIdx, prio uint32, tok string) (int, bool) {
	key := fmt.Sprintf("%08x:%08x:%08x:%s", blockIdx, chainIdx, prio, tok)
	c.mu.Lock()
	defer c.mu.Unlock()
	var val string
	err := c.db.View(func(tx *buntdb.Tx) error {
		v, e := tx.Get(key)
		val = v
		return e
	})
	if err != nil {
		return 0, false
	}
	var offset int
	fmt.Sscanf(val, "%d", &offset)
	return offset, true
}

// DumpEntry is one row of a filter/chain dump page.
type DumpEntry struct {
	Prio     uint32
	Protocol uint32
	Kind     string
	Handle   uint32
}

// DumpPage is one resumable page of dump output plus the cursor to pass
// back for the next page. Cursor is "" when the page holds fewer entries
// than the page size; a full page always carries a cursor, even when it
// ends exactly at the end of the chain (the next page is then empty).
type DumpPage struct {
	Entries []DumpEntry
	Cursor  string
	Packed  bool // true if Entries was dropped in favor of PackedBytes (MessageTooBig avoidance)
	PackedBytes []byte
}

// DumpFilter implements spec.md §4.7 "Dump filter": paginated iteration
// over one chain's PrioList with a resumable cursor. Each call
// re-acquires a snapshot of the chain's current head rather than
// holding any lock across pages, tolerating concurrent insert/delete
// (spec.md §4.7: "may miss or duplicate a just-mutated entry, but never
// crashes").
func (p *Plane) DumpFilter(ctx context.Context, req Request, cursor string) (DumpPage, error) {
	if err := p.prologue(ctx, req, false); err != nil {
		return DumpPage{}, err
	}

	block, _, err := p.resolveBlock(ctx, req, false, 0, nil)
	if err != nil {
		return DumpPage{}, err
	}
	chainIdx, err := resolveChainIndex(req)
	if err != nil {
		return DumpPage{}, err
	}
	chain, _, err := block.GetChain(chainIdx, false, false)
	if err != nil {
		return DumpPage{}, err
	}
	defer block.PutChain(chain, false)

	startOffset := 0
	if cursor != "" {
		if off, ok := globalCursors.resume(block.Index, chainIdx, 0, cursor); ok {
			startOffset = off
		}
	}

	cfg := config.Get()
	var (
		entries []DumpEntry
		skipped int
		emitted int
	)
	for pr := chain.Head(); pr != nil; pr = pr.Next() {
		if skipped < startOffset {
			skipped++
			continue
		}
		entries = append(entries, DumpEntry{Prio: pr.Prio, Protocol: pr.Protocol, Kind: pr.Kind})
		emitted++
		if emitted >= cfg.DumpPageSize {
			break
		}
	}

	page := DumpPage{Entries: entries}
	if totalBytes(entries) > cfg.DumpMaxBytes {
		packed, cerr := compressEntries(entries)
		if cerr != nil {
			return DumpPage{}, xerrors.MessageTooBig("dump page exceeds buffer and compression failed: " + cerr.Error())
		}
		page = DumpPage{Packed: true, PackedBytes: packed}
	}

	if emitted == cfg.DumpPageSize {
		tok, cerr := globalCursors.put(block.Index, chainIdx, 0, startOffset+emitted)
		if cerr == nil {
			page.Cursor = tok
		}
	}
	return page, nil
}

// DumpChain implements spec.md §4.7 "Dump chain": enumerates visible
// chains in the block (spec.md §8 property 6: action-only chains never
// appear).
func (p *Plane) DumpChain(ctx context.Context, req Request) ([]uint32, error) {
	if err := p.prologue(ctx, req, false); err != nil {
		return nil, err
	}
	block, _, err := p.resolveBlock(ctx, req, false, 0, nil)
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, c := range block.Chains() {
		block.Lock()
		visible := c.Visible()
		block.Unlock()
		if visible {
			out = append(out, c.Index)
		}
	}
	return out, nil
}

func totalBytes(entries []DumpEntry) int {
	return len(entries) * 24
}

func compressEntries(entries []DumpEntry) ([]byte, error) {
	raw := make([]byte, 0, len(entries)*16)
	for _, e := range entries {
		raw = append(raw, byte(e.Prio>>24), byte(e.Prio>>16), byte(e.Prio>>8), byte(e.Prio))
		raw = append(raw, byte(e.Protocol>>24), byte(e.Protocol>>16), byte(e.Protocol>>8), byte(e.Protocol))
		raw = append(raw, []byte(e.Kind)...)
		raw = append(raw, 0)
	}
	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, dst, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return raw, nil
	}
	return dst[:n], nil
}
