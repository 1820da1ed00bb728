// Package persist defines the contract between live entities and the
// snapshot store: stable serials, registered types built from ordered
// field layers, data-driven version migrations, and the load-scoped
// reference resolver. Entities opt in by registering a Type; the store
// itself never sees concrete entity structs.
package persist

import (
	"errors"
	"fmt"

	"worldkeep.dev/internal/codec"
)

// Entity is the minimal handle the store needs from a live object: its
// permanent serial and the registered type name that selects its codec.
type Entity interface {
	Serial() Serial
	TypeName() string
}

// ErrUnsupportedVersion reports a record version newer than the running
// code's schema for that type.
var ErrUnsupportedVersion = errors.New("persist: unsupported version")

// Type describes one concrete entity type to the store. ID and Name are
// permanent once a snapshot has shipped; Version is bumped on every wire
// layout change. Layers compose base-first, so a derived type lists its
// base layers ahead of its own.
type Type struct {
	ID      uint32
	Name    string
	Version uint32

	// New constructs a bare entity for the given serial. Field values
	// are filled in afterwards by the layer readers.
	New func(Serial) Entity

	Layers []Layer
}

// Layer writes one slice of an entity's fields and knows how to read
// every version of that slice ever shipped.
type Layer struct {
	Name string

	// Write encodes the layer's fields at the current version.
	Write func(Entity, *codec.Writer)

	// Reads are the version-dispatched decode steps. Together they must
	// tile [1..Type.Version] with no gap and no overlap.
	Reads []Migration
}

// Migration decodes the layer's fields for record versions in [From, To].
// Fields absent from old layouts are given their documented defaults.
type Migration struct {
	From, To uint32
	Read     func(Entity, *codec.Reader, *Resolver) error
}

func (m Migration) covers(v uint32) bool { return v >= m.From && v <= m.To }

// validate rejects a Type that could mis-decode a shipped record.
func (t *Type) validate() error {
	if t.ID == 0 {
		return fmt.Errorf("type %q: id 0 is reserved", t.Name)
	}
	if t.Name == "" {
		return fmt.Errorf("type %d: empty name", t.ID)
	}
	if t.Version == 0 {
		return fmt.Errorf("type %q: version 0 is reserved", t.Name)
	}
	if t.New == nil {
		return fmt.Errorf("type %q: nil constructor", t.Name)
	}
	if len(t.Layers) == 0 {
		return fmt.Errorf("type %q: no layers", t.Name)
	}
	for _, l := range t.Layers {
		if l.Write == nil {
			return fmt.Errorf("type %q layer %q: nil writer", t.Name, l.Name)
		}
		next := uint32(1)
		for _, m := range l.Reads {
			if m.Read == nil {
				return fmt.Errorf("type %q layer %q: nil read for v%d..v%d", t.Name, l.Name, m.From, m.To)
			}
			if m.From != next {
				return fmt.Errorf("type %q layer %q: read steps must tile from v%d, got v%d", t.Name, l.Name, next, m.From)
			}
			if m.To < m.From {
				return fmt.Errorf("type %q layer %q: inverted range v%d..v%d", t.Name, l.Name, m.From, m.To)
			}
			next = m.To + 1
		}
		if next != t.Version+1 {
			return fmt.Errorf("type %q layer %q: read steps stop at v%d, current is v%d", t.Name, l.Name, next-1, t.Version)
		}
	}
	return nil
}

// Encode serializes e at the current version by running every layer's
// writer in order.
func (t *Type) Encode(e Entity, w *codec.Writer) {
	for _, l := range t.Layers {
		l.Write(e, w)
	}
}

// Decode reads a version `version` payload into e, dispatching each layer
// to the migration step covering that version. References are resolved
// through res. Trailing undecoded bytes mean a layout mismatch and fail
// the record.
func (t *Type) Decode(e Entity, payload []byte, version uint32, res *Resolver) error {
	if version > t.Version {
		return fmt.Errorf("type %q v%d, current v%d: %w", t.Name, version, t.Version, ErrUnsupportedVersion)
	}
	r := codec.NewReader(payload)
	for _, l := range t.Layers {
		step := l.step(version)
		if step == nil {
			return fmt.Errorf("type %q layer %q v%d: %w", t.Name, l.Name, version, ErrUnsupportedVersion)
		}
		if err := step.Read(e, r, res); err != nil {
			return fmt.Errorf("type %q layer %q v%d: %w", t.Name, l.Name, version, err)
		}
	}
	if n := r.Remaining(); n != 0 {
		return fmt.Errorf("type %q v%d: %d undecoded trailing bytes", t.Name, version, n)
	}
	return nil
}

func (l *Layer) step(version uint32) *Migration {
	for i := range l.Reads {
		if l.Reads[i].covers(version) {
			return &l.Reads[i]
		}
	}
	return nil
}
