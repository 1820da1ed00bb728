package world

import (
	"testing"

	"worldkeep.dev/internal/persist"
)

type stone struct {
	serial persist.Serial
	holder persist.Entity
}

func (s *stone) Serial() persist.Serial      { return s.serial }
func (s *stone) TypeName() string            { return "stone" }
func (s *stone) ContainedIn() persist.Entity { return s.holder }

type pouch struct {
	stone
	kids []persist.Entity
}

func (p *pouch) TypeName() string            { return "pouch" }
func (p *pouch) AdoptChild(e persist.Entity) { p.kids = append(p.kids, e) }

func TestAddGetRemove(t *testing.T) {
	w := New("britain")
	e := &stone{serial: 0x40000005}
	if err := w.Add(e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add(e); err == nil {
		t.Fatalf("Add accepted a duplicate serial")
	}
	if err := w.Add(&stone{}); err == nil {
		t.Fatalf("Add accepted a zero serial")
	}
	got, ok := w.Get(0x40000005)
	if !ok || got != persist.Entity(e) {
		t.Fatalf("Get = %v, %v, want the added entity", got, ok)
	}
	if !w.Remove(0x40000005) {
		t.Fatalf("Remove said the entity was absent")
	}
	if w.Remove(0x40000005) {
		t.Fatalf("Remove found an entity twice")
	}
	if w.Len() != 0 {
		t.Fatalf("Len = %d, want 0", w.Len())
	}
}

func TestFreezeSortsBySerial(t *testing.T) {
	w := New("britain")
	for _, s := range []persist.Serial{0x4000000A, 0x00000003, 0x40000001, 0x00000001} {
		if err := w.Add(&stone{serial: s}); err != nil {
			t.Fatalf("Add(%v): %v", s, err)
		}
	}
	frozen := w.Freeze()
	want := []persist.Serial{0x00000001, 0x00000003, 0x40000001, 0x4000000A}
	if len(frozen) != len(want) {
		t.Fatalf("Freeze returned %d entities, want %d", len(frozen), len(want))
	}
	for i, e := range frozen {
		if e.Serial() != want[i] {
			t.Fatalf("Freeze[%d] = %v, want %v", i, e.Serial(), want[i])
		}
	}
}

func TestArenaRanges(t *testing.T) {
	a := NewSerialArena()
	m, err := a.NextMobile()
	if err != nil {
		t.Fatalf("NextMobile: %v", err)
	}
	if m != persist.MobileMin {
		t.Fatalf("first mobile serial = %v, want %v", m, persist.MobileMin)
	}
	i, err := a.NextItem()
	if err != nil {
		t.Fatalf("NextItem: %v", err)
	}
	if i != persist.ItemMin {
		t.Fatalf("first item serial = %v, want %v", i, persist.ItemMin)
	}
	m2, _ := a.NextMobile()
	if m2 != m+1 {
		t.Fatalf("second mobile serial = %v, want %v", m2, m+1)
	}
}

func TestArenaRaise(t *testing.T) {
	a := NewSerialArena()
	a.Raise(0x00000010)
	a.Raise(0x40000020)
	a.Raise(persist.None) // ignored

	m, _ := a.NextMobile()
	if m != 0x00000011 {
		t.Fatalf("mobile after Raise = %v, want 0x00000011", m)
	}
	i, _ := a.NextItem()
	if i != 0x40000021 {
		t.Fatalf("item after Raise = %v, want 0x40000021", i)
	}

	// Raising below the current watermark must not move it back.
	a.Raise(0x00000002)
	m2, _ := a.NextMobile()
	if m2 != 0x00000012 {
		t.Fatalf("mobile after low Raise = %v, want 0x00000012", m2)
	}
}

func TestAdoptWiresContainmentAndRaisesArena(t *testing.T) {
	bag := &pouch{stone: stone{serial: 0x40000001}}
	gem := &stone{serial: 0x40000002, holder: bag}
	orphan := &stone{serial: 0x40000003, holder: nil}

	w := New("britain")
	w.Adopt(map[persist.Serial]persist.Entity{
		bag.serial:    bag,
		gem.serial:    gem,
		orphan.serial: orphan,
	})

	if w.Len() != 3 {
		t.Fatalf("Len = %d, want 3", w.Len())
	}
	if len(bag.kids) != 1 || bag.kids[0] != persist.Entity(gem) {
		t.Fatalf("bag children = %v, want exactly the gem", bag.kids)
	}
	next, _ := w.Arena().NextItem()
	if next != 0x40000004 {
		t.Fatalf("item serial after Adopt = %v, want 0x40000004", next)
	}
}

func TestAdoptChildOrderIsDeterministic(t *testing.T) {
	bag := &pouch{stone: stone{serial: 0x40000001}}
	entities := map[persist.Serial]persist.Entity{bag.serial: bag}
	for _, s := range []persist.Serial{0x40000009, 0x40000004, 0x40000007} {
		entities[s] = &stone{serial: s, holder: bag}
	}

	w := New("britain")
	w.Adopt(entities)

	want := []persist.Serial{0x40000004, 0x40000007, 0x40000009}
	if len(bag.kids) != len(want) {
		t.Fatalf("bag has %d children, want %d", len(bag.kids), len(want))
	}
	for i, k := range bag.kids {
		if k.Serial() != want[i] {
			t.Fatalf("child[%d] = %v, want %v", i, k.Serial(), want[i])
		}
	}
}
