package offload

import (
	"sync"

	"github.com/clsplane/clsplane/internal/xerrors"
)

// PrioHPNumStore reimplements the driver-level "prio_hp_num_store"
// sysfs-style accessory knob literally, including its documented quirk:
// it rejects both enable-when-already-enabled and
// disable-when-already-disabled with Invalid rather than being
// idempotent (spec.md §9 Open Questions: "reimplement literally; this
// may be a latent bug").
type PrioHPNumStore struct {
	mu      sync.Mutex
	enabled bool
}

// Set toggles the knob. enable=true while already enabled, or
// enable=false while already disabled, both fail with Invalid.
func (s *PrioHPNumStore) Set(enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enable == s.enabled {
		return xerrors.Invalid("prio_hp_num already in requested state")
	}
	s.enabled = enable
	return nil
}

func (s *PrioHPNumStore) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// RateStore reimplements the first driver file's "rate_store" path,
// which reads but never writes the hardware before returning success
// (spec.md §9 Open Questions: "reimplement as a no-op write-through;
// comment says 'update' but does not"). There is no hardware access in
// either direction; Opened only changes what Read reports as its second
// result.
type RateStore struct {
	mu     sync.Mutex
	opened bool
	rate   uint32
}

func (s *RateStore) Open()  { s.mu.Lock(); s.opened = true; s.mu.Unlock() }
func (s *RateStore) Close() { s.mu.Lock(); s.opened = false; s.mu.Unlock() }

// Write updates the stored rate but, matching the original, does not
// propagate it to hardware.
func (s *RateStore) Write(rate uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate
	return nil
}

// Read returns the last value passed to Write together with whether the
// store is opened; the returned rate is the same in either state.
func (s *RateStore) Read() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate, s.opened
}
