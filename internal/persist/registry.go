package persist

import (
	"fmt"
	"sort"
)

// Registry is the closed set of persistable types. Types are registered
// once at startup; after that the registry is read-only and safe for
// concurrent lookups without locking.
type Registry struct {
	byID   map[uint32]*Type
	byName map[string]*Type
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uint32]*Type),
		byName: make(map[string]*Type),
	}
}

// Register validates t and adds it. Duplicate ids and names are rejected:
// both are permanent once a snapshot containing them has shipped.
func (r *Registry) Register(t Type) error {
	if err := t.validate(); err != nil {
		return err
	}
	if prev, ok := r.byID[t.ID]; ok {
		return fmt.Errorf("type id %d already registered as %q", t.ID, prev.Name)
	}
	if _, ok := r.byName[t.Name]; ok {
		return fmt.Errorf("type name %q already registered", t.Name)
	}
	tc := t
	r.byID[tc.ID] = &tc
	r.byName[tc.Name] = &tc
	return nil
}

func (r *Registry) ByID(id uint32) (*Type, bool) {
	t, ok := r.byID[id]
	return t, ok
}

func (r *Registry) ByName(name string) (*Type, bool) {
	t, ok := r.byName[name]
	return t, ok
}

func (r *Registry) Len() int { return len(r.byID) }

// Types returns every registered type ordered by id, for stable index
// emission.
func (r *Registry) Types() []*Type {
	out := make([]*Type, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
