package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"worldkeep.dev/internal/persist"
	"worldkeep.dev/internal/snapshot"
	"worldkeep.dev/internal/world/model"
)

func buildTestPass(t *testing.T) *snapshot.Store {
	t.Helper()
	st, err := snapshot.Open(filepath.Join(t.TempDir(), "worlds", "main"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	reg := persist.NewRegistry()
	if err := model.RegisterTypes(reg); err != nil {
		t.Fatalf("register types: %v", err)
	}

	sack := model.NewContainer(persist.ItemMin, "sack", 4)
	coin := model.NewItem(persist.ItemMin+1, "coin")
	sack.Insert(coin)
	keeper := model.NewMobile(persist.MobileMin, "keeper")

	ents := []persist.Entity{sack, coin, keeper}
	if _, err := snapshot.Save(context.Background(), st, reg, ents, nil, snapshot.SaveOptions{World: "main"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	return st
}

func TestVerifyLoadCountsCraftedChecksumDamage(t *testing.T) {
	st := buildTestPass(t)
	p, err := st.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(p.Dir, snapshot.ManifestFile))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if err := snapshot.ValidateManifest(raw); err != nil {
		t.Fatalf("intact manifest rejected: %v", err)
	}

	idx, err := snapshot.ReadIndexFile(filepath.Join(p.Dir, snapshot.IndexFile))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	idx.Categories[0].Checksum++
	if err := snapshot.WriteIndexFile(filepath.Join(p.Dir, snapshot.IndexFile), idx); err != nil {
		t.Fatalf("rewrite index: %v", err)
	}

	res, _ := loadPass(st, p, nil)
	if res.Report.ChecksumMismatches == 0 {
		t.Fatalf("crafted damage not counted: %+v", res.Report)
	}
	if res.Report.Anomalies() == 0 {
		t.Fatalf("strict verify would pass a damaged pass")
	}
	if res.Report.TotalLoaded() != 3 {
		t.Fatalf("loaded: got %d want 3", res.Report.TotalLoaded())
	}
}

func TestVerifyManifestGateRejectsBadSidecar(t *testing.T) {
	if err := snapshot.ValidateManifest([]byte("{}")); err == nil {
		t.Fatalf("empty manifest passed the schema")
	}
	if err := snapshot.ValidateManifest([]byte("not json")); err == nil {
		t.Fatalf("garbage manifest passed the schema")
	}
}
