// Package config holds the process-wide, atomically-swappable
// configuration, mirroring the teacher's global-config-owner pattern
// (cmn.GCO.Get() in xact/xs/tcb.go and tcobjs.go) rather than threading a
// *Config through every call.
package config

import "sync/atomic"

type Config struct {
	// MaxReclassifyLoop bounds ClassifyDispatcher restarts (spec.md §4.5,
	// §8 property 8). Spec fixes this at 4; kept configurable so tests
	// can shrink it without recompiling.
	MaxReclassifyLoop int

	// AutoPrioSeed is the starting major priority handed out when a
	// chain's PrioList is empty and prio=0 is requested (spec.md §3).
	AutoPrioSeed uint32

	// OffloadParallelism bounds the errgroup fan-out offload.Bridge.Mirror
	// uses to call bound callbacks (spec.md §4.6); playback and reverse
	// playback walk the protos one at a time.
	OffloadParallelism int

	// DumpPageSize is the default page size for DumpFilter/DumpChain
	// (spec.md §4.7, §SPEC_FULL §4.10).
	DumpPageSize int

	// DumpMaxBytes is the uncompressed-page size past which dump tries
	// lz4 compression before giving up with MessageTooBig.
	DumpMaxBytes int

	// AdminNamespaces lists the user-namespace names treated as holding
	// CAP_NET_ADMIN-equivalent (spec.md §4.7 step 1). control/auth does
	// not read it: admin capability comes only from a token's admin and
	// ns claims.
	AdminNamespaces []string

	// ReclassifyNoticeWindow is the capacity core.NewClassifyDispatcher
	// gives the cuckoo filter that remembers which distinct
	// (block,prio,proto) reclassify-loop notices were already logged.
	// Entries do not expire; once the filter is full, a further key may
	// not be remembered and its notice is then logged again.
	ReclassifyNoticeWindow uint
}

func defaults() *Config {
	return &Config{
		MaxReclassifyLoop:      4,
		AutoPrioSeed:           0xC0000000,
		OffloadParallelism:     8,
		DumpPageSize:           64,
		DumpMaxBytes:           1 << 16,
		AdminNamespaces:        []string{"default"},
		ReclassifyNoticeWindow: 10000,
	}
}

var current atomic.Pointer[Config]

func init() { current.Store(defaults()) }

// Get returns the currently active configuration. Safe for concurrent
// use from the classify hot path: it never blocks and never allocates.
func Get() *Config { return current.Load() }

// Set atomically installs a new configuration, e.g. at the top of a
// test.
func Set(c *Config) { current.Store(c) }

// Default returns a fresh copy of the built-in defaults, for tests that
// want to mutate a field without affecting other tests.
func Default() *Config {
	c := *defaults()
	return &c
}
