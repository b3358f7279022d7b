package beacon

import (
	"sync/atomic"

	"github.com/onsite-data/position.report/internal/monitoring"
)

// snapshot is one immutable generation of the registry. Reload swaps the
// whole snapshot so concurrent readers observe either the fully-old or
// fully-new beacon set, never a mix.
type snapshot struct {
	byID              map[string]Beacon
	propagationFactor float64
}

// Registry maps beacon identities to surveyed beacons and carries the shared
// signal propagation factor. Read-mostly: lookups are lock-free reads of an
// atomically swapped snapshot.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// NewRegistry builds a registry from an initial beacon set.
func NewRegistry(beacons []Beacon, propagationFactor float64) *Registry {
	r := &Registry{}
	r.Reload(beacons, propagationFactor)
	return r
}

// Reload atomically replaces the active beacon set and propagation factor.
// Duplicate identities keep the last entry, matching config-file order.
func (r *Registry) Reload(beacons []Beacon, propagationFactor float64) {
	byID := make(map[string]Beacon, len(beacons))
	for _, b := range beacons {
		if b.ID == "" {
			monitoring.Logf("[beacon] skipping beacon with empty identity at (%.2f, %.2f)", b.X, b.Y)
			continue
		}
		byID[b.ID] = b
	}
	r.current.Store(&snapshot{byID: byID, propagationFactor: propagationFactor})
	monitoring.Logf("[beacon] registry loaded: %d beacons, propagation factor %.2f", len(byID), propagationFactor)
}

// Lookup resolves a canonical beacon identity. The second return is false
// when the beacon is unknown; callers skip that observation.
func (r *Registry) Lookup(id string) (Beacon, bool) {
	snap := r.current.Load()
	b, ok := snap.byID[id]
	return b, ok
}

// PropagationFactor returns the shared path-loss exponent n.
func (r *Registry) PropagationFactor() float64 {
	return r.current.Load().propagationFactor
}

// Len returns the number of registered beacons.
func (r *Registry) Len() int {
	return len(r.current.Load().byID)
}

// All returns a copy of the active beacon set, for serving to UI consumers.
func (r *Registry) All() []Beacon {
	snap := r.current.Load()
	out := make([]Beacon, 0, len(snap.byID))
	for _, b := range snap.byID {
		out = append(out, b)
	}
	return out
}
