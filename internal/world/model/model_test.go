package model

import (
	"testing"
	"time"

	"worldkeep.dev/internal/codec"
	"worldkeep.dev/internal/persist"
)

func newRegistry(t *testing.T) *persist.Registry {
	t.Helper()
	reg := persist.NewRegistry()
	if err := RegisterTypes(reg); err != nil {
		t.Fatalf("RegisterTypes: %v", err)
	}
	return reg
}

func mustType(t *testing.T, reg *persist.Registry, name string) *persist.Type {
	t.Helper()
	typ, ok := reg.ByName(name)
	if !ok {
		t.Fatalf("type %q not registered", name)
	}
	return typ
}

func TestRegisterTypes(t *testing.T) {
	reg := newRegistry(t)
	if reg.Len() != 4 {
		t.Fatalf("registered %d types, want 4", reg.Len())
	}
	wantVersions := map[string]uint32{
		TypeItem:      2,
		TypeContainer: 2,
		TypeMobile:    3,
		TypePlayer:    3,
	}
	for name, ver := range wantVersions {
		typ := mustType(t, reg, name)
		if typ.Version != ver {
			t.Fatalf("%s version = %d, want %d", name, typ.Version, ver)
		}
	}
	if err := RegisterTypes(reg); err == nil {
		t.Fatalf("second RegisterTypes did not fail")
	}
}

func TestItemRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	typ := mustType(t, reg, TypeItem)

	bag := NewContainer(0x40000001, "bag", 20)
	sword := NewItem(0x40000002, "sword")
	sword.Amount = 3
	sword.Weight = 4.5
	sword.Enchant = 2
	sword.Created = time.Unix(0, 1_700_000_000_000_000_000).UTC()
	bag.Insert(sword)

	w := codec.NewWriter()
	typ.Encode(sword, w)

	res := persist.NewResolver()
	bag2 := NewContainer(0x40000001, "bag", 20)
	res.Register(bag2.Serial(), bag2)

	got := &Item{Object: Object{serial: sword.Serial()}}
	if err := typ.Decode(got, w.Bytes(), typ.Version, res); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Name != "sword" || got.Amount != 3 || got.Weight != 4.5 || got.Enchant != 2 {
		t.Fatalf("decoded item = %+v", got)
	}
	if !got.Created.Equal(sword.Created) {
		t.Fatalf("created = %v, want %v", got.Created, sword.Created)
	}
	if got.Parent != persist.Entity(bag2) {
		t.Fatalf("parent = %v, want the registered bag", got.Parent)
	}
}

func TestItemV1DefaultsEnchant(t *testing.T) {
	reg := newRegistry(t)
	typ := mustType(t, reg, TypeItem)

	w := codec.NewWriter()
	w.String("apple")
	w.Time(time.Time{})
	w.I32(7)
	w.F64(0.25)
	w.U32(0)

	got := &Item{Object: Object{serial: 0x40000009}}
	if err := typ.Decode(got, w.Bytes(), 1, persist.NewResolver()); err != nil {
		t.Fatalf("Decode v1: %v", err)
	}
	if got.Name != "apple" || got.Amount != 7 || got.Weight != 0.25 {
		t.Fatalf("decoded item = %+v", got)
	}
	if got.Enchant != 0 {
		t.Fatalf("enchant = %d, want default 0", got.Enchant)
	}
	if got.Parent != nil {
		t.Fatalf("parent = %v, want nil for serial 0", got.Parent)
	}
}

func TestContainerRoundTripKeepsChildrenOffTheWire(t *testing.T) {
	reg := newRegistry(t)
	typ := mustType(t, reg, TypeContainer)

	chest := NewContainer(0x40000010, "chest", 125)
	chest.Insert(NewItem(0x40000011, "coin"))

	w := codec.NewWriter()
	typ.Encode(chest, w)

	got := &Container{Item: Item{Object: Object{serial: chest.Serial()}}}
	if err := typ.Decode(got, w.Bytes(), typ.Version, persist.NewResolver()); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Name != "chest" || got.Capacity != 125 {
		t.Fatalf("decoded container = %+v", got)
	}
	if len(got.Children()) != 0 {
		t.Fatalf("children survived the wire: %v", got.Children())
	}
}

func TestMobileRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	typ := mustType(t, reg, TypeMobile)

	prey := NewMobile(0x00000002, "deer")
	sword := NewItem(0x40000002, "sword")
	gob := NewMobile(0x00000001, "goblin")
	gob.HP, gob.MaxHP = 18, 30
	gob.X, gob.Y = -12, 44
	gob.Hunger = 61
	gob.HomeX, gob.HomeY = 100, -7
	gob.Target = prey
	gob.Equipped = []persist.Entity{sword}

	w := codec.NewWriter()
	typ.Encode(gob, w)

	res := persist.NewResolver()
	res.Register(prey.Serial(), prey)
	res.Register(sword.Serial(), sword)

	got := &Mobile{Object: Object{serial: gob.Serial()}}
	if err := typ.Decode(got, w.Bytes(), typ.Version, res); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.HP != 18 || got.MaxHP != 30 || got.X != -12 || got.Y != 44 {
		t.Fatalf("decoded vitals = %+v", got)
	}
	if got.Hunger != 61 || got.HomeX != 100 || got.HomeY != -7 {
		t.Fatalf("decoded v3 fields = %+v", got)
	}
	if got.Target != persist.Entity(prey) {
		t.Fatalf("target = %v, want prey", got.Target)
	}
	if len(got.Equipped) != 1 || got.Equipped[0] != persist.Entity(sword) {
		t.Fatalf("equipped = %v, want exactly the sword", got.Equipped)
	}
}

func writeMobileV1(w *codec.Writer, name string, hp int32) {
	w.String(name)
	w.Time(time.Time{})
	w.I32(hp)
	w.I32(hp)
	w.I32(0)
	w.I32(0)
	w.U32(0)
	w.Uvarint(0)
}

func TestMobileV1DefaultsHungerAndHome(t *testing.T) {
	reg := newRegistry(t)
	typ := mustType(t, reg, TypeMobile)

	w := codec.NewWriter()
	writeMobileV1(w, "rat", 6)

	got := &Mobile{Object: Object{serial: 0x00000003}}
	if err := typ.Decode(got, w.Bytes(), 1, persist.NewResolver()); err != nil {
		t.Fatalf("Decode v1: %v", err)
	}
	if got.Hunger != defaultHunger {
		t.Fatalf("hunger = %d, want default %d", got.Hunger, defaultHunger)
	}
	if got.HomeX != 0 || got.HomeY != 0 {
		t.Fatalf("home = (%d,%d), want origin", got.HomeX, got.HomeY)
	}
}

func TestMobileV2ReadsHungerDefaultsHome(t *testing.T) {
	reg := newRegistry(t)
	typ := mustType(t, reg, TypeMobile)

	w := codec.NewWriter()
	writeMobileV1(w, "wolf", 22)
	w.I32(83)

	got := &Mobile{Object: Object{serial: 0x00000004}}
	if err := typ.Decode(got, w.Bytes(), 2, persist.NewResolver()); err != nil {
		t.Fatalf("Decode v2: %v", err)
	}
	if got.Hunger != 83 {
		t.Fatalf("hunger = %d, want 83", got.Hunger)
	}
	if got.HomeX != 0 || got.HomeY != 0 {
		t.Fatalf("home = (%d,%d), want origin", got.HomeX, got.HomeY)
	}
}

func TestPlayerRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	typ := mustType(t, reg, TypePlayer)

	p := NewPlayer(0x00000010, "alys", "acct-7")
	p.Title = "the Swift"
	p.HP = 95

	w := codec.NewWriter()
	typ.Encode(p, w)

	got := &Player{Mobile: Mobile{Object: Object{serial: p.Serial()}}}
	if err := typ.Decode(got, w.Bytes(), typ.Version, persist.NewResolver()); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Account != "acct-7" || got.Title != "the Swift" || got.HP != 95 {
		t.Fatalf("decoded player = %+v", got)
	}
}

func TestPlayerV2DefaultsTitle(t *testing.T) {
	reg := newRegistry(t)
	typ := mustType(t, reg, TypePlayer)

	w := codec.NewWriter()
	writeMobileV1(w, "borin", 40)
	w.I32(50)
	w.String("acct-3")

	got := &Player{Mobile: Mobile{Object: Object{serial: 0x00000011}}}
	got.Title = "stale"
	if err := typ.Decode(got, w.Bytes(), 2, persist.NewResolver()); err != nil {
		t.Fatalf("Decode v2: %v", err)
	}
	if got.Account != "acct-3" {
		t.Fatalf("account = %q, want acct-3", got.Account)
	}
	if got.Title != "" {
		t.Fatalf("title = %q, want empty for v2 records", got.Title)
	}
	if got.Hunger != 50 {
		t.Fatalf("hunger = %d, want 50", got.Hunger)
	}
}

func TestContainerInsertRemove(t *testing.T) {
	bag := NewContainer(0x40000001, "bag", 10)
	sack := NewContainer(0x40000002, "sack", 10)
	coin := NewItem(0x40000003, "coin")

	if !bag.Insert(coin) {
		t.Fatalf("Insert refused an item")
	}
	if coin.Parent != persist.Entity(bag) || len(bag.Children()) != 1 {
		t.Fatalf("insert did not wire both sides")
	}

	// Moving to another container detaches from the first.
	if !sack.Insert(coin) {
		t.Fatalf("second Insert refused the item")
	}
	if len(bag.Children()) != 0 {
		t.Fatalf("bag still holds %v", bag.Children())
	}
	if coin.Parent != persist.Entity(sack) || len(sack.Children()) != 1 {
		t.Fatalf("sack did not take the item")
	}

	if !sack.Remove(coin) {
		t.Fatalf("Remove did not find the item")
	}
	if coin.Parent != nil || len(sack.Children()) != 0 {
		t.Fatalf("remove did not clear both sides")
	}
	if sack.Remove(coin) {
		t.Fatalf("Remove found the item twice")
	}

	if bag.Insert(NewMobile(0x00000001, "imp")) {
		t.Fatalf("Insert accepted a mobile")
	}

	// Containers nest: a bag inside a chest is contained like any item.
	chest := NewContainer(0x40000004, "chest", 50)
	if !chest.Insert(bag) {
		t.Fatalf("Insert refused a container")
	}
	if bag.ContainedIn() != persist.Entity(chest) {
		t.Fatalf("bag holder = %v, want chest", bag.ContainedIn())
	}
}
