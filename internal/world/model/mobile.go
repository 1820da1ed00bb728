package model

import (
	"worldkeep.dev/internal/codec"
	"worldkeep.dev/internal/persist"
)

// Hunger value assumed for records written before the field existed.
const defaultHunger = 25

// Mobile is an actor with vitals, a position, and worn equipment.
type Mobile struct {
	Object
	HP       int32
	MaxHP    int32
	X, Y     int32
	Hunger   int32
	HomeX    int32
	HomeY    int32
	Target   persist.Entity   // current combat target, nil when idle
	Equipped []persist.Entity // worn items, order preserved
}

func NewMobile(s persist.Serial, name string) *Mobile {
	return &Mobile{Object: Object{serial: s, Name: name}, Hunger: defaultHunger}
}

func (m *Mobile) TypeName() string { return TypeMobile }

func (m *Mobile) mobile() *Mobile { return m }

type hasMobile interface{ mobile() *Mobile }

// Player is a mobile bound to an account.
type Player struct {
	Mobile
	Account string
	Title   string
}

func NewPlayer(s persist.Serial, name, account string) *Player {
	p := &Player{Mobile: Mobile{Object: Object{serial: s, Name: name}, Hunger: defaultHunger}}
	p.Account = account
	return p
}

func (p *Player) TypeName() string { return TypePlayer }

func mobileLayer(ver uint32) persist.Layer {
	return persist.Layer{
		Name: "mobile",
		Write: func(e persist.Entity, w *codec.Writer) {
			m := e.(hasMobile).mobile()
			w.I32(m.HP)
			w.I32(m.MaxHP)
			w.I32(m.X)
			w.I32(m.Y)
			w.U32(refSerial(m.Target))
			w.Uvarint(uint64(len(m.Equipped)))
			for _, it := range m.Equipped {
				w.U32(refSerial(it))
			}
			w.I32(m.Hunger)
			w.I32(m.HomeX)
			w.I32(m.HomeY)
		},
		Reads: []persist.Migration{
			{From: 1, To: 1, Read: func(e persist.Entity, r *codec.Reader, res *persist.Resolver) error {
				m := e.(hasMobile).mobile()
				if err := readMobileCore(m, r, res); err != nil {
					return err
				}
				m.Hunger = defaultHunger
				return nil
			}},
			{From: 2, To: 2, Read: func(e persist.Entity, r *codec.Reader, res *persist.Resolver) error {
				m := e.(hasMobile).mobile()
				if err := readMobileCore(m, r, res); err != nil {
					return err
				}
				var err error
				m.Hunger, err = r.I32()
				return err
			}},
			{From: 3, To: ver, Read: func(e persist.Entity, r *codec.Reader, res *persist.Resolver) error {
				m := e.(hasMobile).mobile()
				if err := readMobileCore(m, r, res); err != nil {
					return err
				}
				var err error
				if m.Hunger, err = r.I32(); err != nil {
					return err
				}
				if m.HomeX, err = r.I32(); err != nil {
					return err
				}
				m.HomeY, err = r.I32()
				return err
			}},
		},
	}
}

func readMobileCore(m *Mobile, r *codec.Reader, res *persist.Resolver) error {
	var err error
	if m.HP, err = r.I32(); err != nil {
		return err
	}
	if m.MaxHP, err = r.I32(); err != nil {
		return err
	}
	if m.X, err = r.I32(); err != nil {
		return err
	}
	if m.Y, err = r.I32(); err != nil {
		return err
	}
	ref, err := r.U32()
	if err != nil {
		return err
	}
	m.Target = res.Resolve(persist.Serial(ref))
	n, err := r.Uvarint()
	if err != nil {
		return err
	}
	m.Equipped = m.Equipped[:0]
	for j := uint64(0); j < n; j++ {
		ref, err := r.U32()
		if err != nil {
			return err
		}
		// Dangling entries were already reported by the resolver; drop them.
		if it := res.Resolve(persist.Serial(ref)); it != nil {
			m.Equipped = append(m.Equipped, it)
		}
	}
	return nil
}

func playerLayer(ver uint32) persist.Layer {
	return persist.Layer{
		Name: "player",
		Write: func(e persist.Entity, w *codec.Writer) {
			p := e.(*Player)
			w.String(p.Account)
			w.String(p.Title)
		},
		Reads: []persist.Migration{
			{From: 1, To: 2, Read: func(e persist.Entity, r *codec.Reader, _ *persist.Resolver) error {
				p := e.(*Player)
				var err error
				p.Account, err = r.String()
				p.Title = ""
				return err
			}},
			{From: 3, To: ver, Read: func(e persist.Entity, r *codec.Reader, _ *persist.Resolver) error {
				p := e.(*Player)
				var err error
				if p.Account, err = r.String(); err != nil {
					return err
				}
				p.Title, err = r.String()
				return err
			}},
		},
	}
}
