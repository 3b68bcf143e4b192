package plugins

import (
	"sort"
	"sync"
)

// Registry is the authoritative in-memory table of loaded plugins. It starts
// empty and is populated only by the lifecycle manager; the persistence
// layer mirrors it and is never read back during normal operation.
//
// The registry performs no validation of its own and Put overwrites without
// merging. The embedded lock makes individual operations safe for the
// dispatcher's concurrent reads; serializing load/toggle/delete sequences
// per identifier is the lifecycle manager's job.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Put stores a record under its id, overwriting any previous record.
func (r *Registry) Put(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
}

// Get returns the record for id, or nil if not loaded.
func (r *Registry) Get(id string) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[id]
}

// Remove deletes the record for id and returns it, or nil if absent.
func (r *Registry) Remove(id string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[id]
	delete(r.records, id)
	return rec
}

// ListAll returns every record sorted by id.
func (r *Registry) ListAll() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListEnabled returns every enabled record sorted by id.
func (r *Registry) ListEnabled() []*Record {
	all := r.ListAll()
	out := all[:0]
	for _, rec := range all {
		if rec.Enabled() {
			out = append(out, rec)
		}
	}
	return out
}

// Count returns the number of loaded plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
