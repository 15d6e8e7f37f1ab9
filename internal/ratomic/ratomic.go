// Package ratomic wraps sync/atomic in small typed counters, the way the
// teacher's cmn/atomic wraps it (Int32.Dec(), Int64.Store(), ...). The
// one addition stdlib sync/atomic doesn't provide is IncIfNonZero, which
// Block.refcnt's lookup-time semantics (spec.md §3, §4.2) depend on.
package ratomic

import "sync/atomic"

type Int32 struct{ v atomic.Int32 }

func (i *Int32) Load() int32     { return i.v.Load() }
func (i *Int32) Store(n int32)   { i.v.Store(n) }
func (i *Int32) Inc() int32      { return i.v.Add(1) }
func (i *Int32) Dec() int32      { return i.v.Add(-1) }
func (i *Int32) Add(n int32) int32 { return i.v.Add(n) }
func (i *Int32) CAS(old, new int32) bool { return i.v.CompareAndSwap(old, new) }

// IncIfNonZero atomically increments and returns true, unless the
// current value is zero, in which case it returns false without
// mutating. Used by strong-reference lookups that must not resurrect an
// object mid-teardown (Block.refcnt, spec.md §4.2 get_or_create).
func (i *Int32) IncIfNonZero() bool {
	for {
		cur := i.v.Load()
		if cur == 0 {
			return false
		}
		if i.v.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

type Int64 struct{ v atomic.Int64 }

func (i *Int64) Load() int64   { return i.v.Load() }
func (i *Int64) Store(n int64) { i.v.Store(n) }
func (i *Int64) Inc() int64    { return i.v.Add(1) }
func (i *Int64) Dec() int64    { return i.v.Add(-1) }

type Bool struct{ v atomic.Bool }

func (b *Bool) Load() bool    { return b.v.Load() }
func (b *Bool) Store(v bool)  { b.v.Store(v) }
func (b *Bool) CAS(old, new bool) bool { return b.v.CompareAndSwap(old, new) }
