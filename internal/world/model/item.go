package model

import (
	"worldkeep.dev/internal/codec"
	"worldkeep.dev/internal/persist"
)

// Item is anything that can lie in the world or sit inside a container.
type Item struct {
	Object
	Amount  int32
	Weight  float64
	Enchant int32
	Parent  persist.Entity // holder, nil when on the ground
}

func NewItem(s persist.Serial, name string) *Item {
	return &Item{Object: Object{serial: s, Name: name}, Amount: 1}
}

func (i *Item) TypeName() string { return TypeItem }

// ContainedIn reports the holder so containment can be rebuilt after a load.
func (i *Item) ContainedIn() persist.Entity { return i.Parent }

func (i *Item) item() *Item { return i }

type hasItem interface{ item() *Item }

// Container is an item that holds other entities. The child list is not
// written to the wire; children carry the parent reference and the world
// rebuilds the list when it adopts a loaded population.
type Container struct {
	Item
	Capacity int32
	children []persist.Entity
}

func NewContainer(s persist.Serial, name string, capacity int32) *Container {
	c := &Container{Item: Item{Object: Object{serial: s, Name: name}, Amount: 1}}
	c.Capacity = capacity
	return c
}

func (c *Container) TypeName() string { return TypeContainer }

func (c *Container) Children() []persist.Entity { return c.children }

// AdoptChild re-attaches a loaded entity whose parent reference points here.
func (c *Container) AdoptChild(e persist.Entity) { c.children = append(c.children, e) }

// Insert moves e into c, detaching it from any previous holder. Only item
// kinds can be held.
func (c *Container) Insert(e persist.Entity) bool {
	h, ok := e.(hasItem)
	if !ok {
		return false
	}
	it := h.item()
	if prev, ok := it.Parent.(*Container); ok {
		prev.Remove(e)
	}
	it.Parent = c
	c.children = append(c.children, e)
	return true
}

// Remove detaches e from c and leaves it on the ground.
func (c *Container) Remove(e persist.Entity) bool {
	for i, k := range c.children {
		if k != e {
			continue
		}
		c.children = append(c.children[:i], c.children[i+1:]...)
		if h, ok := e.(hasItem); ok {
			h.item().Parent = nil
		}
		return true
	}
	return false
}

func itemLayer(ver uint32) persist.Layer {
	return persist.Layer{
		Name: "item",
		Write: func(e persist.Entity, w *codec.Writer) {
			it := e.(hasItem).item()
			w.I32(it.Amount)
			w.F64(it.Weight)
			w.U32(refSerial(it.Parent))
			w.I32(it.Enchant)
		},
		Reads: []persist.Migration{
			{From: 1, To: 1, Read: func(e persist.Entity, r *codec.Reader, res *persist.Resolver) error {
				it := e.(hasItem).item()
				if err := readItemCore(it, r, res); err != nil {
					return err
				}
				it.Enchant = 0
				return nil
			}},
			{From: 2, To: ver, Read: func(e persist.Entity, r *codec.Reader, res *persist.Resolver) error {
				it := e.(hasItem).item()
				if err := readItemCore(it, r, res); err != nil {
					return err
				}
				var err error
				it.Enchant, err = r.I32()
				return err
			}},
		},
	}
}

func readItemCore(it *Item, r *codec.Reader, res *persist.Resolver) error {
	var err error
	if it.Amount, err = r.I32(); err != nil {
		return err
	}
	if it.Weight, err = r.F64(); err != nil {
		return err
	}
	ref, err := r.U32()
	if err != nil {
		return err
	}
	it.Parent = res.Resolve(persist.Serial(ref))
	return nil
}

func containerLayer(ver uint32) persist.Layer {
	return persist.Layer{
		Name: "container",
		Write: func(e persist.Entity, w *codec.Writer) {
			w.I32(e.(*Container).Capacity)
		},
		Reads: []persist.Migration{{
			From: 1, To: ver,
			Read: func(e persist.Entity, r *codec.Reader, _ *persist.Resolver) error {
				var err error
				e.(*Container).Capacity, err = r.I32()
				return err
			},
		}},
	}
}
