package transport

import (
	"log/slog"
	"sync"

	"github.com/malbeclabs/p3gateway/internal/wire"
)

// FailureCallback is invoked once, synchronously, the first time a driver is
// observed to have transitioned Good->Failed. The Registry has already
// cleared the driver's bit in the enabled bitset by the time it fires.
type FailureCallback func(kind wire.Kind)

// Registry owns the set of transport driver instances, tracks their health
// and dispatches operations to the ones currently enabled (spec.md §4.2).
// It is process-wide state, but unlike the original source's global, it is
// an ordinary value constructed in main and threaded down to every
// component that needs it.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	drivers  [wire.Count]Driver
	enabled  wire.Bitset
	onFailed FailureCallback
}

// New returns an empty Registry. Transports are added with Enable.
func New(log *slog.Logger) *Registry {
	return &Registry{log: log}
}

// SetFailureCallback installs the callback invoked on driver failure. The
// callback is read when a failed driver is reaped, so it observes every
// transition if installed before the first ForEachEnabled or ForOne call.
func (r *Registry) SetFailureCallback(cb FailureCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailed = cb
}

// Enable installs driver under its own Kind and sets its bit. Idempotent: a
// second Enable for an already-enabled kind replaces the driver instance.
func (r *Registry) Enable(driver Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := driver.Kind()
	r.drivers[k] = driver
	r.enabled = r.enabled.Set(k)
	r.log.Info("transport enabled", "kind", k)
}

// Terminate drops every driver, closing each one. No other Registry method
// may be called concurrently with Terminate.
func (r *Registry) Terminate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.drivers {
		if d := r.drivers[k]; d != nil {
			if err := d.Close(); err != nil {
				r.log.Warn("transport close failed", "kind", wire.Kind(k), "error", err)
			}
			r.drivers[k] = nil
		}
	}
	r.enabled = 0
}

// Bitset returns the currently enabled transport kinds.
func (r *Registry) Bitset() wire.Bitset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Driver returns the driver for kind if it is enabled and Good, else nil.
func (r *Registry) Driver(k wire.Kind) Driver {
	r.mu.RLock()
	d := r.drivers[k]
	enabled := r.enabled.Has(k)
	r.mu.RUnlock()
	if !enabled || d == nil || d.Status() != StatusGood {
		return nil
	}
	return d
}

// ForEachEnabled invokes op on every driver whose status is Good, then
// reaps any driver that has transitioned to Failed since the last call.
func (r *Registry) ForEachEnabled(op func(Driver)) {
	r.mu.RLock()
	snapshot := make([]Driver, 0, wire.Count)
	for k := 0; k < wire.Count; k++ {
		if r.enabled.Has(wire.Kind(k)) && r.drivers[k] != nil {
			snapshot = append(snapshot, r.drivers[k])
		}
	}
	r.mu.RUnlock()

	for _, d := range snapshot {
		if d.Status() == StatusGood {
			op(d)
		}
	}
	r.reapFailed()
}

// ForOne invokes op on the driver for kind, if it is enabled and Good.
func (r *Registry) ForOne(k wire.Kind, op func(Driver)) {
	d := r.Driver(k)
	if d == nil {
		return
	}
	if d.Status() == StatusGood {
		op(d)
	}
	r.reapFailed()
}

// reapFailed polls every enabled driver's status and transitions any that
// report Failed to Disabled, clearing its bit and firing onFailed.
func (r *Registry) reapFailed() {
	r.mu.Lock()
	var toNotify []wire.Kind
	for k := 0; k < wire.Count; k++ {
		d := r.drivers[k]
		if d == nil || !r.enabled.Has(wire.Kind(k)) {
			continue
		}
		if d.Status() == StatusFailed {
			r.enabled = r.enabled.Clear(wire.Kind(k))
			toNotify = append(toNotify, wire.Kind(k))
		}
	}
	cb := r.onFailed
	r.mu.Unlock()

	for _, k := range toNotify {
		r.log.Warn("transport quarantined after failure", "kind", k)
		if cb != nil {
			cb(k)
		}
	}
}

// FindMatching returns preferred if it is set in both local and remote
// bitsets, otherwise the first local-enabled kind also present in remote,
// otherwise wire.None (spec.md §4.2).
func (r *Registry) FindMatching(remote wire.Bitset, preferred wire.Kind) wire.Kind {
	local := r.Bitset()
	if preferred != wire.None && local.Has(preferred) && remote.Has(preferred) {
		return preferred
	}
	for k := 0; k < wire.Count; k++ {
		kind := wire.Kind(k)
		if local.Has(kind) && remote.Has(kind) {
			return kind
		}
	}
	return wire.None
}
