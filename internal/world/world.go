// Package world hosts the live entity population between saves.
package world

import (
	"fmt"
	"sort"
	"sync"

	"worldkeep.dev/internal/persist"
)

// Contained is implemented by entities that sit inside another entity.
type Contained interface {
	persist.Entity
	ContainedIn() persist.Entity
}

// Adopter is implemented by entities whose child lists are rebuilt
// after a load instead of being stored on the wire.
type Adopter interface {
	persist.Entity
	AdoptChild(e persist.Entity)
}

// World owns the entities of one named shard.
type World struct {
	name  string
	arena *SerialArena

	mu       sync.RWMutex
	entities map[persist.Serial]persist.Entity
}

func New(name string) *World {
	return &World{
		name:     name,
		arena:    NewSerialArena(),
		entities: make(map[persist.Serial]persist.Entity),
	}
}

func (w *World) Name() string        { return w.name }
func (w *World) Arena() *SerialArena { return w.arena }

func (w *World) Add(e persist.Entity) error {
	s := e.Serial()
	if s == persist.None {
		return fmt.Errorf("world: entity has no serial")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entities[s]; ok {
		return fmt.Errorf("world: serial %v already present", s)
	}
	w.entities[s] = e
	return nil
}

func (w *World) Get(s persist.Serial) (persist.Entity, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entities[s]
	return e, ok
}

func (w *World) Remove(s persist.Serial) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entities[s]; !ok {
		return false
	}
	delete(w.entities, s)
	return true
}

func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entities)
}

// Freeze returns the population sorted by serial. It must be called
// from the goroutine that mutates entities, and the caller must not
// mutate them until encoding has finished.
func (w *World) Freeze() []persist.Entity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]persist.Entity, 0, len(w.entities))
	for _, e := range w.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial() < out[j].Serial() })
	return out
}

// Adopt replaces the population with a freshly loaded one. It takes
// ownership of the map, rebuilds containment from the child side, and
// raises the serial arena past everything adopted.
func (w *World) Adopt(entities map[persist.Serial]persist.Entity) {
	serials := make([]persist.Serial, 0, len(entities))
	for s := range entities {
		serials = append(serials, s)
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })

	for _, s := range serials {
		e := entities[s]
		w.arena.Raise(s)
		c, ok := e.(Contained)
		if !ok {
			continue
		}
		parent := c.ContainedIn()
		if parent == nil {
			continue
		}
		if a, ok := parent.(Adopter); ok {
			a.AdoptChild(e)
		}
	}

	w.mu.Lock()
	w.entities = entities
	w.mu.Unlock()
}
