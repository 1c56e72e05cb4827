// Package registry holds the in-memory allocation table. The table is NOT
// goroutine-safe on its own: it is owned by the coordinator's serializing
// loop, which is the single writer (and reader) of every record.
package registry

import (
	"sort"
	"time"

	"github.com/Foundup/Foundups-Agent-sub000/internal/models"
)

type Registry struct {
	records map[models.ResourceKey]*models.ResourceAllocation
}

func New() *Registry {
	return &Registry{records: map[models.ResourceKey]*models.ResourceAllocation{}}
}

func (r *Registry) Get(key models.ResourceKey) (*models.ResourceAllocation, bool) {
	rec, ok := r.records[key]
	return rec, ok
}

func (r *Registry) Put(rec *models.ResourceAllocation) {
	r.records[rec.Key] = rec
}

func (r *Registry) Delete(key models.ResourceKey) {
	delete(r.records, key)
}

func (r *Registry) Len() int {
	return len(r.records)
}

// Available reports whether key can be granted to a new requester.
// True when no record exists, or when the record is non-exclusive and Idle.
// An exclusive grant additionally requires the record to have no live
// holders at all (shared holders block exclusive requests; there is no
// upgrade-in-place).
func (r *Registry) Available(key models.ResourceKey, wantExclusive bool) bool {
	rec, ok := r.records[key]
	if !ok {
		return true
	}
	if rec.State == models.StateBusy || (rec.Exclusive && rec.OwnerID != "") {
		return false
	}
	if wantExclusive {
		return rec.HolderCount() == 0
	}
	return rec.State == models.StateIdle
}

// Touch refreshes the activity timestamp on an existing record.
func (r *Registry) Touch(key models.ResourceKey, now time.Time) bool {
	rec, ok := r.records[key]
	if !ok {
		return false
	}
	rec.LastActivity = now
	return true
}

// Stale returns every record whose last activity is older than timeout.
func (r *Registry) Stale(now time.Time, timeout time.Duration) []*models.ResourceAllocation {
	var out []*models.ResourceAllocation
	for _, rec := range r.records {
		if rec.HolderCount() == 0 {
			continue
		}
		if now.Sub(rec.LastActivity) > timeout {
			out = append(out, rec)
		}
	}
	return out
}

// IdleByKind returns idle pooled keys of the given kind, sorted for stable
// output, capped at limit. Used to suggest fallbacks in BusyError.
func (r *Registry) IdleByKind(kind string, limit int) []models.ResourceKey {
	var keys []models.ResourceKey
	for key, rec := range r.records {
		if key.Kind != kind || rec.Ephemeral {
			continue
		}
		if rec.State == models.StateIdle && rec.HolderCount() == 0 {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

// Snapshot deep-copies every record for observers outside the loop.
func (r *Registry) Snapshot() []models.ResourceAllocation {
	out := make([]models.ResourceAllocation, 0, len(r.records))
	for _, rec := range r.records {
		cp := *rec
		cp.SharedHolders = append([]string(nil), rec.SharedHolders...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}
