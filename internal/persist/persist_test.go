package persist

import (
	"errors"
	"testing"

	"worldkeep.dev/internal/codec"
)

type testCrate struct {
	serial Serial
	label  string
	count  int32
	sealed bool
	parent Entity
}

func (c *testCrate) Serial() Serial   { return c.serial }
func (c *testCrate) TypeName() string { return "crate" }

// crateType is a two-layer type whose second layer appeared in v2.
func crateType() Type {
	return Type{
		ID:      7,
		Name:    "crate",
		Version: 2,
		New:     func(s Serial) Entity { return &testCrate{serial: s} },
		Layers: []Layer{
			{
				Name: "core",
				Write: func(e Entity, w *codec.Writer) {
					c := e.(*testCrate)
					w.String(c.label)
					w.I32(c.count)
				},
				Reads: []Migration{
					{From: 1, To: 2, Read: func(e Entity, r *codec.Reader, _ *Resolver) error {
						c := e.(*testCrate)
						var err error
						if c.label, err = r.String(); err != nil {
							return err
						}
						c.count, err = r.I32()
						return err
					}},
				},
			},
			{
				Name: "seal",
				Write: func(e Entity, w *codec.Writer) {
					c := e.(*testCrate)
					w.Bool(c.sealed)
					var ps Serial
					if c.parent != nil {
						ps = c.parent.Serial()
					}
					w.U32(uint32(ps))
				},
				Reads: []Migration{
					{From: 1, To: 1, Read: func(e Entity, _ *codec.Reader, _ *Resolver) error {
						e.(*testCrate).sealed = false
						return nil
					}},
					{From: 2, To: 2, Read: func(e Entity, r *codec.Reader, res *Resolver) error {
						c := e.(*testCrate)
						var err error
						if c.sealed, err = r.Bool(); err != nil {
							return err
						}
						ps, err := r.U32()
						if err != nil {
							return err
						}
						c.parent = res.Resolve(Serial(ps))
						return nil
					}},
				},
			},
		},
	}
}

func TestSerialCategory(t *testing.T) {
	cases := []struct {
		s    Serial
		want Category
	}{
		{None, CategoryNone},
		{MobileMin, CategoryMobile},
		{0x1234, CategoryMobile},
		{MobileMax, CategoryMobile},
		{ItemMin, CategoryItem},
		{ItemMax, CategoryItem},
		{0x7FFFFFFF, CategoryNone},
		{0xFFFFFFFF, CategoryNone},
	}
	for _, c := range cases {
		if got := c.s.Category(); got != c.want {
			t.Fatalf("%v category: got %v want %v", c.s, got, c.want)
		}
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(crateType()); err != nil {
		t.Fatalf("register: %v", err)
	}
	byID, ok := reg.ByID(7)
	if !ok || byID.Name != "crate" {
		t.Fatalf("byID: got %v, %v", byID, ok)
	}
	byName, ok := reg.ByName("crate")
	if !ok || byName.ID != 7 {
		t.Fatalf("byName: got %v, %v", byName, ok)
	}
	if byID != byName {
		t.Fatalf("lookups disagree")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(crateType()); err != nil {
		t.Fatalf("register: %v", err)
	}
	dupID := crateType()
	dupID.Name = "barrel"
	if err := reg.Register(dupID); err == nil {
		t.Fatalf("duplicate id accepted")
	}
	dupName := crateType()
	dupName.ID = 9
	if err := reg.Register(dupName); err == nil {
		t.Fatalf("duplicate name accepted")
	}
}

func TestRegistryRejectsBadMigrations(t *testing.T) {
	gap := crateType()
	gap.Layers[1].Reads = gap.Layers[1].Reads[1:] // starts at v2, gap at v1
	if err := NewRegistry().Register(gap); err == nil {
		t.Fatalf("migration gap accepted")
	}

	short := crateType()
	short.Layers[1].Reads = short.Layers[1].Reads[:1] // stops at v1, current v2
	if err := NewRegistry().Register(short); err == nil {
		t.Fatalf("short migration coverage accepted")
	}

	overlong := crateType()
	overlong.Layers[0].Reads[0].To = 3 // past current version
	if err := NewRegistry().Register(overlong); err == nil {
		t.Fatalf("over-long migration coverage accepted")
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	reg := NewRegistry()
	a := crateType()
	b := crateType()
	b.ID, b.Name = 3, "barrel"
	if err := reg.Register(a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := reg.Register(b); err != nil {
		t.Fatalf("register b: %v", err)
	}
	types := reg.Types()
	if len(types) != 2 || types[0].ID != 3 || types[1].ID != 7 {
		t.Fatalf("types not sorted by id: %v, %v", types[0].ID, types[1].ID)
	}
}

func TestEncodeDecodeCurrentVersion(t *testing.T) {
	typ := crateType()
	res := NewResolver()
	parent := &testCrate{serial: ItemMin, label: "hold"}
	res.Register(ItemMin, parent)

	src := &testCrate{serial: ItemMin + 1, label: "rations", count: 12, sealed: true, parent: parent}
	w := codec.NewWriter()
	typ.Encode(src, w)

	dst := typ.New(src.serial).(*testCrate)
	if err := typ.Decode(dst, w.Bytes(), typ.Version, res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dst.label != "rations" || dst.count != 12 || !dst.sealed {
		t.Fatalf("fields: got %+v", dst)
	}
	if dst.parent != Entity(parent) {
		t.Fatalf("parent not resolved to registered instance")
	}
}

func TestDecodeOldVersionAppliesDefaults(t *testing.T) {
	typ := crateType()

	// A v1 record carried only the core layer's fields.
	w := codec.NewWriter()
	w.String("old crate")
	w.I32(3)

	dst := typ.New(ItemMin).(*testCrate)
	if err := typ.Decode(dst, w.Bytes(), 1, NewResolver()); err != nil {
		t.Fatalf("decode v1: %v", err)
	}
	if dst.label != "old crate" || dst.count != 3 {
		t.Fatalf("core fields: got %+v", dst)
	}
	if dst.sealed || dst.parent != nil {
		t.Fatalf("v2 fields not defaulted: got %+v", dst)
	}
}

func TestDecodeFutureVersionRejected(t *testing.T) {
	typ := crateType()
	dst := typ.New(ItemMin)
	err := typ.Decode(dst, nil, typ.Version+1, NewResolver())
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("got %v want ErrUnsupportedVersion", err)
	}
}

func TestDecodeTrailingBytesRejected(t *testing.T) {
	typ := crateType()
	src := &testCrate{serial: ItemMin, label: "x"}
	w := codec.NewWriter()
	typ.Encode(src, w)
	w.U8(0xFF)

	dst := typ.New(src.serial)
	if err := typ.Decode(dst, w.Bytes(), typ.Version, NewResolver()); err == nil {
		t.Fatalf("trailing bytes accepted")
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	typ := crateType()
	src := &testCrate{serial: ItemMin, label: "x", count: 1}
	w := codec.NewWriter()
	typ.Encode(src, w)

	dst := typ.New(src.serial)
	err := typ.Decode(dst, w.Bytes()[:2], typ.Version, NewResolver())
	if !errors.Is(err, codec.ErrUnexpectedEOF) && !errors.Is(err, codec.ErrMalformedLength) {
		t.Fatalf("got %v want a codec stream error", err)
	}
}

func TestResolverNilSerial(t *testing.T) {
	res := NewResolver()
	if got := res.Resolve(None); got != nil {
		t.Fatalf("resolve none: got %v want nil", got)
	}
	if n := len(res.Dangling()); n != 0 {
		t.Fatalf("none recorded as dangling: %d entries", n)
	}
}

func TestResolverDangling(t *testing.T) {
	res := NewResolver()
	if got := res.Resolve(0x2000); got != nil {
		t.Fatalf("unbound resolve: got %v want nil", got)
	}
	if got := res.Resolve(0x2000); got != nil {
		t.Fatalf("second unbound resolve: got %v want nil", got)
	}
	d := res.Dangling()
	if len(d) != 2 || d[0] != 0x2000 || d[1] != 0x2000 {
		t.Fatalf("dangling: got %v", d)
	}
}

func TestResolverFirstRegistrationWins(t *testing.T) {
	res := NewResolver()
	first := &testCrate{serial: 5}
	second := &testCrate{serial: 5}
	if !res.Register(5, first) {
		t.Fatalf("first register refused")
	}
	if res.Register(5, second) {
		t.Fatalf("duplicate register accepted")
	}
	if got := res.Resolve(5); got != Entity(first) {
		t.Fatalf("resolve returned the wrong instance")
	}
}

func TestResolverRemoveAndTake(t *testing.T) {
	res := NewResolver()
	e := &testCrate{serial: 9}
	res.Register(9, e)
	res.Remove(9)
	if got := res.Resolve(9); got != nil {
		t.Fatalf("removed serial still resolves")
	}

	res.Register(10, &testCrate{serial: 10})
	m := res.Take()
	if len(m) != 1 || m[10] == nil {
		t.Fatalf("take: got %v", m)
	}
	if res.Len() != 0 {
		t.Fatalf("resolver not empty after take: %d", res.Len())
	}
}
