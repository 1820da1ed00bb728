package world

import (
	"context"
	"testing"

	"worldkeep.dev/internal/persist"
	"worldkeep.dev/internal/snapshot"
	"worldkeep.dev/internal/world/model"
)

// Builds a small population, saves it, loads it back into a fresh world,
// and checks that adoption restores every cross-entity pointer.
func TestSaveLoadAdoptRestoresGraph(t *testing.T) {
	ctx := context.Background()
	reg := persist.NewRegistry()
	if err := model.RegisterTypes(reg); err != nil {
		t.Fatalf("RegisterTypes: %v", err)
	}
	st, err := snapshot.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	w := New("trammel")
	chestSerial, _ := w.Arena().NextItem()
	swordSerial, _ := w.Arena().NextItem()
	gobSerial, _ := w.Arena().NextMobile()
	alysSerial, _ := w.Arena().NextMobile()

	chest := model.NewContainer(chestSerial, "chest", 125)
	sword := model.NewItem(swordSerial, "sword")
	sword.Weight = 6.0
	chest.Insert(sword)

	alys := model.NewPlayer(alysSerial, "alys", "acct-7")
	alys.Title = "the Swift"

	gob := model.NewMobile(gobSerial, "goblin")
	gob.HP, gob.MaxHP = 18, 30
	gob.Target = alys
	gob.Equipped = append(gob.Equipped, sword)

	for _, e := range []persist.Entity{chest, sword, gob, alys} {
		if err := w.Add(e); err != nil {
			t.Fatalf("Add(%v): %v", e.Serial(), err)
		}
	}

	if _, err := snapshot.Save(ctx, st, reg, w.Freeze(), nil, snapshot.SaveOptions{World: w.Name()}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	res, err := snapshot.NewLoader(st, reg, nil, snapshot.LoadOptions{}).LoadLatest(ctx)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if n := res.Report.Anomalies(); n != 0 {
		t.Fatalf("load reported %d anomalies", n)
	}

	w2 := New("trammel")
	w2.Adopt(res.Entities)
	if w2.Len() != 4 {
		t.Fatalf("adopted %d entities, want 4", w2.Len())
	}

	e, _ := w2.Get(chestSerial)
	chest2, ok := e.(*model.Container)
	if !ok {
		t.Fatalf("chest came back as %T", e)
	}
	e, _ = w2.Get(swordSerial)
	sword2, ok := e.(*model.Item)
	if !ok {
		t.Fatalf("sword came back as %T", e)
	}
	e, _ = w2.Get(gobSerial)
	gob2, ok := e.(*model.Mobile)
	if !ok {
		t.Fatalf("goblin came back as %T", e)
	}
	e, _ = w2.Get(alysSerial)
	alys2, ok := e.(*model.Player)
	if !ok {
		t.Fatalf("player came back as %T", e)
	}

	if sword2.Parent != persist.Entity(chest2) {
		t.Fatalf("sword parent = %v, want the loaded chest", sword2.Parent)
	}
	if kids := chest2.Children(); len(kids) != 1 || kids[0] != persist.Entity(sword2) {
		t.Fatalf("chest children = %v, want exactly the loaded sword", kids)
	}
	if len(gob2.Equipped) != 1 || gob2.Equipped[0] != persist.Entity(sword2) {
		t.Fatalf("goblin equipment = %v, want the loaded sword", gob2.Equipped)
	}
	if gob2.Target != persist.Entity(alys2) {
		t.Fatalf("goblin target = %v, want the loaded player", gob2.Target)
	}
	if alys2.Title != "the Swift" || alys2.Account != "acct-7" {
		t.Fatalf("player fields lost: %+v", alys2)
	}

	// New serials never collide with anything adopted.
	nextItem, err := w2.Arena().NextItem()
	if err != nil {
		t.Fatalf("NextItem: %v", err)
	}
	if nextItem <= swordSerial {
		t.Fatalf("arena handed out %v, already taken", nextItem)
	}
	nextMob, err := w2.Arena().NextMobile()
	if err != nil {
		t.Fatalf("NextMobile: %v", err)
	}
	if nextMob <= alysSerial {
		t.Fatalf("arena handed out %v, already taken", nextMob)
	}
}
