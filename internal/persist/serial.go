package persist

import "fmt"

// Serial identifies one live entity for its whole lifetime. Serials are
// never reused within a world. The value 0 means "no entity" and is the
// wire encoding of a nil reference.
type Serial uint32

const (
	// None is the nil reference.
	None Serial = 0

	MobileMin Serial = 0x00000001
	MobileMax Serial = 0x3FFFFFFF
	ItemMin   Serial = 0x40000000
	ItemMax   Serial = 0x7FFFFFFE
)

// Category is derivable from a serial's range alone, with no type lookup.
type Category uint8

const (
	CategoryNone Category = iota
	CategoryMobile
	CategoryItem
)

func (c Category) String() string {
	switch c {
	case CategoryMobile:
		return "mobiles"
	case CategoryItem:
		return "items"
	default:
		return "none"
	}
}

func (s Serial) Category() Category {
	switch {
	case s >= MobileMin && s <= MobileMax:
		return CategoryMobile
	case s >= ItemMin && s <= ItemMax:
		return CategoryItem
	default:
		return CategoryNone
	}
}

func (s Serial) String() string { return fmt.Sprintf("0x%08X", uint32(s)) }

// Categories lists the real categories in enumeration order.
func Categories() []Category { return []Category{CategoryMobile, CategoryItem} }
