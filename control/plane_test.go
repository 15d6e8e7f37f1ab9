package control

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clsplane/clsplane/collab"
	"github.com/clsplane/clsplane/control/auth"
	"github.com/clsplane/clsplane/core"
	"github.com/clsplane/clsplane/ops"
)

// fakeQdisc and fakeNetdev are minimal collab collaborators: fakeNetdev
// never supports offload, so every command handler test's block attach
// takes the "device does not support offload" path.
type fakeQdisc struct{ id string }

func (f fakeQdisc) ID() string      { return f.id }
func (f fakeQdisc) Unlocked() bool  { return false }
func (f fakeQdisc) SetCanBypass(bool) {}

type fakeNetdev struct{ id string }

func (f fakeNetdev) ID() string                                           { return f.id }
func (f fakeNetdev) SupportsOffload() bool                                { return false }
func (f fakeNetdev) SetupTCBind(uint32, collab.BinderKind) ([]collab.OffloadCallback, error) { return nil, nil }
func (f fakeNetdev) SetupTCUnbind(uint32, collab.BinderKind)              {}
func (f fakeNetdev) IngressBlock() (uint32, bool)                        { return 0, false }

// fakeLocator derives a distinct (qdisc,netdev) pair per ifindex, the
// way separate real qdisc instances would each have their own identity:
// tests that attach several times to one shared block vary Ifindex per
// call so the block's owner-set doesn't see the same (qdisc,binder) key
// twice (spec.md §3 Block.owners: "no duplicate (qdisc,binder) entries").
type fakeLocator struct{}

func (fakeLocator) Resolve(ifindex, parent uint32) (collab.Qdisc, collab.Netdev, error) {
	return fakeQdisc{id: fmt.Sprintf("qd%d", ifindex)}, fakeNetdev{id: fmt.Sprintf("nd%d", ifindex)}, nil
}

// fakeOps is a classifier-ops stand-in tracking handles in a map, the
// way a real kind (u32, fw, ...) tracks its match rules, so Delete's
// "last handle removed" and Empty's "no handles left" both have
// something real to answer from.
type fakeOps struct{ kind string }

type fakeProtoState struct {
	mu      sync.Mutex
	handles map[ops.Handle]map[string]any
}

func (f fakeOps) Kind() string { return f.kind }

func (f fakeOps) Init(context.Context) (any, error) {
	return &fakeProtoState{handles: make(map[ops.Handle]map[string]any)}, nil
}

func (f fakeOps) Destroy(any) {}

func (f fakeOps) Classify(*ops.Packet, any, *ops.Result) ops.ActionCode { return ops.Ok }

func (f fakeOps) Change(ctx context.Context, priv any, handle ops.Handle, attrs map[string]any, create bool) error {
	st := priv.(*fakeProtoState)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.handles[handle] = attrs
	return nil
}

func (f fakeOps) Delete(priv any, handle ops.Handle) (bool, error) {
	st := priv.(*fakeProtoState)
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.handles, handle)
	return len(st.handles) == 0, nil
}

func (f fakeOps) Get(priv any, handle ops.Handle) (any, error) {
	st := priv.(*fakeProtoState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.handles[handle], nil
}

func (f fakeOps) Walk(priv any, fn func(ops.Handle) bool) {
	st := priv.(*fakeProtoState)
	st.mu.Lock()
	defer st.mu.Unlock()
	for h := range st.handles {
		if !fn(h) {
			return
		}
	}
}

func (f fakeOps) Reoffload(any, any, bool) error          { return nil }
func (f fakeOps) TmpltCreate(map[string]any) (any, error) { return nil, nil }
func (f fakeOps) TmpltDestroy(any)                        {}
func (f fakeOps) TmpltDump(any) map[string]any             { return nil }

// newTestPlane wires a Plane against an in-memory Namespace/Registry
// pair with no offloader, mirroring a block whose netdev does not
// support offload (the common case these command-handler tests exercise).
func newTestPlane(t *testing.T) (*Plane, context.Context) {
	t.Helper()
	reg := ops.NewRegistry(nil)
	if err := reg.Register(fakeOps{kind: "u32"}); err != nil {
		t.Fatalf("register u32: %v", err)
	}

	secret := []byte("test-secret")
	checker := auth.NewChecker(secret)
	tok, err := checker.Issue("ns0", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	plane := &Plane{
		NS:       core.NewNamespace(nil),
		Registry: reg,
		Locator:  fakeLocator{},
		Auth:     checker,
	}
	ctx := auth.WithToken(context.Background(), tok)
	return plane, ctx
}

// baseHeader targets an explicitly shared block (nonzero BlockIndex) so
// a create=false lookup (GetFilter/DelFilter/GetChain) after an earlier
// create=true one (NewFilter/NewChain) resolves the same *core.Block via
// Namespace.Lookup, without needing to mimic a qdisc's own cached block
// pointer for a private, unshared block (spec.md §4.2 get_or_create).
func baseHeader(ns string) Header {
	return Header{Ifindex: 1, Parent: 0, BlockIndex: 77, Namespace: ns}
}
