package main

import (
	"fmt"
	"log"
	"math/rand"

	"worldkeep.dev/internal/config"
	"worldkeep.dev/internal/persist"
	"worldkeep.dev/internal/world"
	"worldkeep.dev/internal/world/model"
)

// soak churns a synthetic population so every pass captures a world
// that moved since the previous one. Every mutation keeps the graph
// closed: nothing ever references an entity that is not in the world,
// so a clean run loads back with zero anomalies.
type soak struct {
	w   *world.World
	cfg config.SoakConfig
	rng *rand.Rand
	log *log.Logger

	mobiles    []*model.Mobile
	players    []*model.Player
	containers []*model.Container
	loose      []*model.Item // parentless and unequipped, safe to stash or consume
}

var (
	creatureNames = []string{"goblin", "wolf", "bandit", "rat", "harpy", "ogre", "wisp"}
	itemNames     = []string{"sword", "apple", "torch", "rope", "gem", "scroll", "kettle"}
	playerTitles  = []string{"", "the Bold", "the Gray", "Keeper", "of the Vale"}
)

func newSoak(w *world.World, cfg config.SoakConfig, seed int64, logger *log.Logger) *soak {
	s := &soak{w: w, cfg: cfg, rng: rand.New(rand.NewSource(seed)), log: logger}
	s.rebuild()
	return s
}

// rebuild reindexes the live population, typically after a restore.
func (s *soak) rebuild() {
	s.mobiles = nil
	s.players = nil
	s.containers = nil
	s.loose = nil

	equipped := make(map[persist.Serial]bool)
	var items []*model.Item
	for _, e := range s.w.Freeze() {
		switch v := e.(type) {
		case *model.Player:
			s.players = append(s.players, v)
			for _, eq := range v.Equipped {
				equipped[eq.Serial()] = true
			}
		case *model.Mobile:
			s.mobiles = append(s.mobiles, v)
			for _, eq := range v.Equipped {
				equipped[eq.Serial()] = true
			}
		case *model.Container:
			s.containers = append(s.containers, v)
		case *model.Item:
			items = append(items, v)
		}
	}
	for _, it := range items {
		if it.Parent == nil && !equipped[it.Serial()] {
			s.loose = append(s.loose, it)
		}
	}
}

// seed populates a fresh world to the configured sizes.
func (s *soak) seed() error {
	for i := 0; i < s.cfg.Containers; i++ {
		if _, err := s.newContainer(); err != nil {
			return err
		}
	}
	for i := 0; i < s.cfg.Mobiles; i++ {
		if _, err := s.newMobile(); err != nil {
			return err
		}
	}
	for i := 0; i < s.cfg.Players; i++ {
		sn, err := s.w.Arena().NextMobile()
		if err != nil {
			return err
		}
		p := model.NewPlayer(sn, fmt.Sprintf("keeper-%d", i+1), fmt.Sprintf("acct-%04d", i+1))
		p.MaxHP = 100
		p.HP = 100
		p.X, p.Y = s.coord(), s.coord()
		p.HomeX, p.HomeY = p.X, p.Y
		if err := s.w.Add(p); err != nil {
			return err
		}
		s.players = append(s.players, p)
	}
	for i := 0; i < s.cfg.Items; i++ {
		it, err := s.newItem()
		if err != nil {
			return err
		}
		if i%3 == 0 && len(s.containers) > 0 {
			c := s.containers[s.rng.Intn(len(s.containers))]
			if c.Insert(it) {
				s.dropLoose(it)
			}
		}
	}
	for _, p := range s.players {
		s.equip(&p.Mobile)
	}
	return nil
}

// churn applies one tick of random mutations.
func (s *soak) churn() {
	for i := 0; i < s.cfg.ChurnOps; i++ {
		switch s.rng.Intn(9) {
		case 0: // wander
			if m := s.pickMobile(); m != nil {
				m.X += int32(s.rng.Intn(11) - 5)
				m.Y += int32(s.rng.Intn(11) - 5)
				if m.Hunger > 0 {
					m.Hunger--
				}
			}
		case 1: // fight; the fallen respawn at home
			if m := s.pickMobile(); m != nil {
				m.HP -= int32(s.rng.Intn(10))
				if m.HP <= 0 {
					m.HP = m.MaxHP
					m.Hunger = 25
					m.X, m.Y = m.HomeX, m.HomeY
				}
			}
		case 2: // stash
			if len(s.loose) > 0 && len(s.containers) > 0 {
				it := s.loose[s.rng.Intn(len(s.loose))]
				c := s.containers[s.rng.Intn(len(s.containers))]
				if int32(len(c.Children())) < c.Capacity && c.Insert(it) {
					s.dropLoose(it)
				}
			}
		case 3: // rummage
			if len(s.containers) > 0 {
				c := s.containers[s.rng.Intn(len(s.containers))]
				kids := c.Children()
				if len(kids) > 0 {
					if it, ok := kids[s.rng.Intn(len(kids))].(*model.Item); ok && c.Remove(it) {
						s.loose = append(s.loose, it)
					}
				}
			}
		case 4: // craft
			if len(s.loose) < s.cfg.Items*2 {
				if _, err := s.newItem(); err != nil {
					s.log.Printf("soak: %v", err)
					return
				}
			}
		case 5: // consume
			if len(s.loose) > s.cfg.Items/4 {
				i := s.rng.Intn(len(s.loose))
				it := s.loose[i]
				s.w.Remove(it.Serial())
				s.loose = append(s.loose[:i], s.loose[i+1:]...)
			}
		case 6: // equip
			if m := s.pickMobile(); m != nil && len(m.Equipped) < 4 {
				s.equip(m)
			}
		case 7: // retarget
			if m := s.pickMobile(); m != nil {
				if t := s.pickMobile(); t != nil && t != m {
					m.Target = t
				} else {
					m.Target = nil
				}
			}
		case 8: // promote
			if len(s.players) > 0 {
				p := s.players[s.rng.Intn(len(s.players))]
				p.Title = playerTitles[s.rng.Intn(len(playerTitles))]
			}
		}
	}
}

// pickMobile draws from creatures and players alike.
func (s *soak) pickMobile() *model.Mobile {
	n := len(s.mobiles) + len(s.players)
	if n == 0 {
		return nil
	}
	i := s.rng.Intn(n)
	if i < len(s.mobiles) {
		return s.mobiles[i]
	}
	return &s.players[i-len(s.mobiles)].Mobile
}

func (s *soak) equip(m *model.Mobile) {
	if len(s.loose) == 0 {
		return
	}
	i := s.rng.Intn(len(s.loose))
	it := s.loose[i]
	m.Equipped = append(m.Equipped, it)
	s.loose = append(s.loose[:i], s.loose[i+1:]...)
}

func (s *soak) dropLoose(it *model.Item) {
	for i, v := range s.loose {
		if v == it {
			s.loose = append(s.loose[:i], s.loose[i+1:]...)
			return
		}
	}
}

func (s *soak) newMobile() (*model.Mobile, error) {
	sn, err := s.w.Arena().NextMobile()
	if err != nil {
		return nil, err
	}
	m := model.NewMobile(sn, creatureNames[s.rng.Intn(len(creatureNames))])
	m.MaxHP = int32(20 + s.rng.Intn(80))
	m.HP = m.MaxHP
	m.X, m.Y = s.coord(), s.coord()
	m.HomeX, m.HomeY = m.X, m.Y
	if err := s.w.Add(m); err != nil {
		return nil, err
	}
	s.mobiles = append(s.mobiles, m)
	return m, nil
}

func (s *soak) newContainer() (*model.Container, error) {
	sn, err := s.w.Arena().NextItem()
	if err != nil {
		return nil, err
	}
	c := model.NewContainer(sn, "chest", int32(8+s.rng.Intn(24)))
	if err := s.w.Add(c); err != nil {
		return nil, err
	}
	s.containers = append(s.containers, c)
	return c, nil
}

func (s *soak) newItem() (*model.Item, error) {
	sn, err := s.w.Arena().NextItem()
	if err != nil {
		return nil, err
	}
	it := model.NewItem(sn, itemNames[s.rng.Intn(len(itemNames))])
	it.Amount = int32(1 + s.rng.Intn(5))
	it.Weight = float64(s.rng.Intn(100)) / 10
	if s.rng.Intn(4) == 0 {
		it.Enchant = int32(1 + s.rng.Intn(3))
	}
	if err := s.w.Add(it); err != nil {
		return nil, err
	}
	s.loose = append(s.loose, it)
	return it, nil
}

func (s *soak) coord() int32 { return int32(s.rng.Intn(4096)) }
