package world

import (
	"fmt"
	"sync/atomic"

	"worldkeep.dev/internal/persist"
)

// SerialArena hands out serials, one monotonic counter per category.
// Serials are never reused; after a load the counters are raised past
// everything adopted.
type SerialArena struct {
	nextMobile atomic.Uint32
	nextItem   atomic.Uint32
}

func NewSerialArena() *SerialArena {
	a := &SerialArena{}
	a.nextMobile.Store(uint32(persist.MobileMin))
	a.nextItem.Store(uint32(persist.ItemMin))
	return a
}

func (a *SerialArena) NextMobile() (persist.Serial, error) {
	v := a.nextMobile.Add(1) - 1
	if v > uint32(persist.MobileMax) {
		return persist.None, fmt.Errorf("mobile serial space exhausted")
	}
	return persist.Serial(v), nil
}

func (a *SerialArena) NextItem() (persist.Serial, error) {
	v := a.nextItem.Add(1) - 1
	if v > uint32(persist.ItemMax) {
		return persist.None, fmt.Errorf("item serial space exhausted")
	}
	return persist.Serial(v), nil
}

// Raise makes sure the counter for s's category allocates above s.
func (a *SerialArena) Raise(s persist.Serial) {
	var c *atomic.Uint32
	switch s.Category() {
	case persist.CategoryMobile:
		c = &a.nextMobile
	case persist.CategoryItem:
		c = &a.nextItem
	default:
		return
	}
	want := uint32(s) + 1
	for {
		cur := c.Load()
		if cur >= want || c.CompareAndSwap(cur, want) {
			return
		}
	}
}
