package ops

import (
	"context"
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/clsplane/clsplane/internal/nlog"
	"github.com/clsplane/clsplane/internal/ratomic"
	"github.com/clsplane/clsplane/internal/xerrors"
)

// kindKey hashes a classifier kind name down to the registry's map key
// (spec.md §2 Domain-stack wiring: "hashing of composite registry ...
// keys"), the way the teacher's stack reaches for xxhash over raw
// strings. entry.ops.Kind() remains the source of truth for the name
// itself; only the map key is hashed.
func kindKey(kind string) uint64 { return xxhash.Checksum64([]byte(kind)) }

// Loader is the external module-loader capability spec.md §4.1 delegates
// to on an OpsRegistry miss (e.g. a dynamic plugin load). It is a narrow
// collaborator, not something this package implements.
type Loader interface {
	Load(ctx context.Context, kind string) error
}

type noopLoader struct{}

func (noopLoader) Load(context.Context, string) error {
	return xerrors.NotFound("no loader configured")
}

type entry struct {
	ops Ops
	// module refcount: held by every live Lookup until its Release is
	// called, mirroring __tcf_proto_lookup_ops's try_module_get.
	refcnt ratomic.Int32
	// destroyWG tracks in-flight deferred reclamations issued by this
	// kind's classifier-destroy paths; Unregister drains it before
	// removing the entry (spec.md §4.1).
	destroyWG sync.WaitGroup
}

// Registry is the process-wide kind -> ops-capability table (spec.md
// §4.1 OpsRegistry), grounded on the teacher's xreg.Renewable registry
// shape (register/lookup/unregister over a mutex-guarded map).
type Registry struct {
	mu     sync.RWMutex
	byKind map[uint64]*entry
	loader Loader
}

func NewRegistry(loader Loader) *Registry {
	if loader == nil {
		loader = noopLoader{}
	}
	return &Registry{byKind: make(map[uint64]*entry), loader: loader}
}

// Register adds ops under its own Kind(); fails with Exists if the kind
// is already registered (spec.md §4.1).
func (r *Registry) Register(o Ops) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := kindKey(o.Kind())
	if _, ok := r.byKind[key]; ok {
		return xerrors.Exists("ops kind already registered: " + o.Kind())
	}
	r.byKind[key] = &entry{ops: o}
	return nil
}

// Release drops the module reference taken by a successful Lookup.
type Release func()

// Lookup resolves kind to its Ops capability. On a hit it atomically
// takes a module reference (preventing concurrent Unregister from
// completing) and returns a Release to drop it. On a miss it asks the
// Loader to load the kind and retries once: if the retry then succeeds,
// it deliberately returns TryAgain rather than the ops, because loading
// may have required the caller to have dropped its own exclusive lock,
// so the whole command must restart to re-observe a consistent state
// (spec.md §4.1).
func (r *Registry) Lookup(ctx context.Context, kind string) (Ops, Release, error) {
	if o, rel, ok := r.tryLookup(kind); ok {
		return o, rel, nil
	}

	if err := r.loader.Load(ctx, kind); err != nil {
		return nil, nil, xerrors.NotFound("classifier kind " + kind + ": " + err.Error())
	}

	if _, rel, ok := r.tryLookup(kind); ok {
		// A second, successful lookup after a load is reported as
		// TryAgain, not as the ops themselves: the load may have
		// dropped the caller's global lock (spec.md §4.1, §5). The
		// module reference that lookup took is dropped right away.
		rel()
		return nil, nil, xerrors.TryAgain("classifier kind " + kind + " loaded; replay command")
	}
	return nil, nil, xerrors.NotFound("classifier kind " + kind + " not found after load")
}

func (r *Registry) tryLookup(kind string) (Ops, Release, bool) {
	r.mu.RLock()
	e, ok := r.byKind[kindKey(kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	e.refcnt.Inc()
	released := false
	return e.ops, func() {
		if released {
			return
		}
		released = true
		e.refcnt.Dec()
	}, true
}

// TrackDestroy must be called by core.Proto immediately before it defers
// the final ops.Destroy reclamation, and the returned func called once
// that reclamation has actually run. Unregister waits on exactly this
// set of in-flight reclamations before removing the kind (spec.md
// §4.1: "waits for all deferred reclamations ... to drain").
func (r *Registry) TrackDestroy(kind string) func() {
	r.mu.RLock()
	e, ok := r.byKind[kindKey(kind)]
	r.mu.RUnlock()
	if !ok {
		return func() {}
	}
	e.destroyWG.Add(1)
	done := false
	return func() {
		if done {
			return
		}
		done = true
		e.destroyWG.Done()
	}
}

// Unregister removes a provider's entry, first draining every deferred
// reclamation TrackDestroy is tracking for it (spec.md §4.1).
func (r *Registry) Unregister(o Ops) error {
	key := kindKey(o.Kind())
	r.mu.Lock()
	e, ok := r.byKind[key]
	if !ok {
		r.mu.Unlock()
		return xerrors.NotFound("ops kind not registered: " + o.Kind())
	}
	delete(r.byKind, key)
	r.mu.Unlock()

	e.destroyWG.Wait()
	nlog.Infof("ops registry: %s unregistered", o.Kind())
	return nil
}
