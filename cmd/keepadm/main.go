package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"worldkeep.dev/internal/archive"
	"worldkeep.dev/internal/config"
	"worldkeep.dev/internal/diag"
	"worldkeep.dev/internal/persist"
	"worldkeep.dev/internal/snapshot"
	"worldkeep.dev/internal/world/model"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "list":
			listCmd(os.Args[2:])
			return
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "verify":
			verifyCmd(os.Args[2:])
			return
		case "migrate":
			migrateCmd(os.Args[2:])
			return
		case "prune":
			pruneCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "diag":
			diagCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "save":
			saveCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("keepadm", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "main", "world name")
	_ = fs.Parse(args)

	st := openStore(*dataDir, *worldID)
	passes, err := st.Passes()
	if err != nil {
		fmt.Fprintln(os.Stderr, "list passes:", err)
		os.Exit(1)
	}
	for _, p := range passes {
		row := struct {
			Seq       uint64            `json:"seq"`
			Name      string            `json:"name"`
			PassID    string            `json:"pass_id,omitempty"`
			CreatedAt string            `json:"created_at,omitempty"`
			Entities  map[string]uint64 `json:"entities,omitempty"`
		}{Seq: p.Seq, Name: p.Name()}
		if man, err := snapshot.ReadManifestFile(filepath.Join(p.Dir, snapshot.ManifestFile)); err == nil {
			row.PassID = man.PassID
			row.CreatedAt = man.CreatedAt.UTC().Format(time.RFC3339)
			row.Entities = man.Entities
		}
		printJSON(row)
	}
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "main", "world name")
	seq := fs.Uint64("pass", 0, "pass sequence number (0 means latest)")
	records := fs.Bool("records", false, "decode the pass and print every record")
	_ = fs.Parse(args)

	st := openStore(*dataDir, *worldID)
	p := pickPass(st, *seq)

	idx, err := snapshot.ReadIndexFile(filepath.Join(p.Dir, snapshot.IndexFile))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read index:", err)
		os.Exit(1)
	}
	printJSON(struct {
		PassID    string `json:"pass_id"`
		World     string `json:"world"`
		Seq       uint64 `json:"seq"`
		CreatedAt string `json:"created_at"`
	}{idx.PassID, idx.World, idx.Seq, idx.CreatedAt.UTC().Format(time.RFC3339)})
	for _, t := range idx.Types {
		printJSON(struct {
			Type    string `json:"type"`
			ID      uint32 `json:"id"`
			Version uint32 `json:"version"`
		}{t.Name, t.ID, t.Version})
	}
	for _, c := range idx.Categories {
		printJSON(struct {
			Category string `json:"category"`
			File     string `json:"file"`
			Records  uint64 `json:"records"`
			Bytes    uint64 `json:"bytes"`
			Checksum string `json:"checksum"`
		}{c.Category.String(), c.File, c.Records, c.Bytes, fmt.Sprintf("%016x", c.Checksum)})
	}

	if !*records {
		return
	}
	res, _ := loadPass(st, p, nil)
	serials := make([]persist.Serial, 0, len(res.Entities))
	for s := range res.Entities {
		serials = append(serials, s)
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })
	for _, s := range serials {
		e := res.Entities[s]
		row := struct {
			Serial string `json:"serial"`
			Type   string `json:"type"`
			Name   string `json:"name,omitempty"`
		}{Serial: fmt.Sprintf("0x%08X", uint32(s)), Type: e.TypeName()}
		switch v := e.(type) {
		case *model.Player:
			row.Name = v.Name
		case *model.Mobile:
			row.Name = v.Name
		case *model.Container:
			row.Name = v.Name
		case *model.Item:
			row.Name = v.Name
		}
		printJSON(row)
	}
}

func verifyCmd(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "main", "world name")
	seq := fs.Uint64("pass", 0, "pass sequence number (0 means latest)")
	strict := fs.Bool("strict", false, "exit nonzero when the pass has any anomaly")
	quiet := fs.Bool("quiet", false, "suppress the per-anomaly event stream")
	_ = fs.Parse(args)

	st := openStore(*dataDir, *worldID)
	p := pickPass(st, *seq)

	raw, err := os.ReadFile(filepath.Join(p.Dir, snapshot.ManifestFile))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read manifest:", err)
		os.Exit(1)
	}
	if err := snapshot.ValidateManifest(raw); err != nil {
		fmt.Fprintln(os.Stderr, "manifest schema:", err)
		os.Exit(1)
	}

	var rec *diag.Recorder
	if !*quiet {
		rec = diag.NewRecorder(log.New(os.Stderr, "", 0))
	}
	res, _ := loadPass(st, p, rec)

	printJSON(res.Report)
	if *strict && res.Report.Anomalies() > 0 {
		os.Exit(1)
	}
}

// migrateCmd rewrites an old pass at the current type versions: a full
// decode (old layers tolerated) followed by a fresh save.
func migrateCmd(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "main", "world name")
	seq := fs.Uint64("pass", 0, "source pass sequence number (0 means latest)")
	level := fs.Int("level", 2, "compression level 1..4 for the rewritten pass")
	_ = fs.Parse(args)

	st := openStore(*dataDir, *worldID)
	p := pickPass(st, *seq)

	rec := diag.NewRecorder(log.New(os.Stderr, "", 0))
	res, reg := loadPass(st, p, rec)

	ents := make([]persist.Entity, 0, len(res.Entities))
	for _, e := range res.Entities {
		ents = append(ents, e)
	}
	rep, err := snapshot.Save(context.Background(), st, reg, ents, rec, snapshot.SaveOptions{
		World: *worldID,
		Level: config.Config{CompressLevel: *level}.EncoderLevel(),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "save:", err)
		os.Exit(1)
	}
	fmt.Printf("migrated pass %d -> %d: %d records, %d anomalies in source\n",
		p.Seq, rep.Seq, rep.TotalRecords(), res.Report.Anomalies())
}

func pruneCmd(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "main", "world name")
	keep := fs.Int("keep", 24, "promoted passes to keep")
	archiveEvery := fs.Int("archive_every", 0, "archive every Nth pass before pruning (0 disables)")
	dryRun := fs.Bool("dry_run", false, "print what would be pruned without touching anything")
	_ = fs.Parse(args)

	st := openStore(*dataDir, *worldID)

	if *dryRun {
		passes, err := st.Passes()
		if err != nil {
			fmt.Fprintln(os.Stderr, "list passes:", err)
			os.Exit(1)
		}
		if *keep <= 0 || len(passes) <= *keep {
			fmt.Println("nothing to prune")
			return
		}
		for _, p := range passes[:len(passes)-*keep] {
			if *archiveEvery > 0 && p.Seq%uint64(*archiveEvery) == 0 {
				fmt.Printf("would archive and prune %s\n", p.Name())
			} else {
				fmt.Printf("would prune %s\n", p.Name())
			}
		}
		return
	}

	r, err := archive.Apply(st, archive.Policy{KeepPasses: *keep, ArchiveEvery: *archiveEvery})
	if err != nil {
		fmt.Fprintln(os.Stderr, "prune:", err)
		os.Exit(1)
	}
	fmt.Printf("pruned=%d archived=%d\n", len(r.Pruned), len(r.Archived))
}

func openStore(dataDir, worldID string) *snapshot.Store {
	if strings.TrimSpace(worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	st, err := snapshot.Open(filepath.Join(dataDir, "worlds", worldID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	return st
}

func pickPass(st *snapshot.Store, seq uint64) snapshot.PassInfo {
	var p snapshot.PassInfo
	var err error
	if seq == 0 {
		p, err = st.Latest()
	} else {
		p, err = st.Pass(seq)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "pick pass:", err)
		os.Exit(2)
	}
	return p
}

func loadPass(st *snapshot.Store, p snapshot.PassInfo, rec *diag.Recorder) (*snapshot.LoadResult, *persist.Registry) {
	reg := persist.NewRegistry()
	if err := model.RegisterTypes(reg); err != nil {
		fmt.Fprintln(os.Stderr, "register types:", err)
		os.Exit(1)
	}
	ld := snapshot.NewLoader(st, reg, rec, snapshot.LoadOptions{})
	res, err := ld.LoadPass(context.Background(), p)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load pass:", err)
		os.Exit(1)
	}
	return res, reg
}
