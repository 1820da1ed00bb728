package persist

import "sync"

// Resolver is the load-scoped table that turns serials back into live
// handles. One resolver exists per load: it is populated while entities
// are materialized, queried while their fields are decoded, and discarded
// when the load finishes. It is never shared across loads and never a
// process-wide singleton.
type Resolver struct {
	mu       sync.Mutex
	entities map[Serial]Entity
	dangling []Serial
}

func NewResolver() *Resolver {
	return &Resolver{entities: make(map[Serial]Entity)}
}

// Register binds s to e. Returns false without overwriting when s is
// already bound or is the nil serial: the first record for a serial wins.
func (r *Resolver) Register(s Serial, e Entity) bool {
	if s == None || e == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entities[s]; ok {
		return false
	}
	r.entities[s] = e
	return true
}

// Resolve returns the entity bound to s. The nil serial resolves to nil
// silently; an unbound serial resolves to nil and is recorded as a
// dangling reference. Safe for concurrent use while field decoding runs
// in parallel.
func (r *Resolver) Resolve(s Serial) Entity {
	if s == None {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entities[s]; ok {
		return e
	}
	r.dangling = append(r.dangling, s)
	return nil
}

// Remove unbinds s, for records that materialized but failed to decode.
func (r *Resolver) Remove(s Serial) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entities, s)
}

func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entities)
}

// Dangling returns every unresolved serial seen so far, one entry per
// failed lookup.
func (r *Resolver) Dangling() []Serial {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Serial, len(r.dangling))
	copy(out, r.dangling)
	return out
}

// Take hands the underlying table to the caller and leaves the resolver
// empty. Called once when a load completes.
func (r *Resolver) Take() map[Serial]Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.entities
	r.entities = make(map[Serial]Entity)
	return m
}
