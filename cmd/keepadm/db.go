package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"worldkeep.dev/internal/diag"
	"worldkeep.dev/internal/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "main", "world name (ignored with -db)")
	dbPath := fs.String("db", "", "catalog path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "passes"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "catalog.db")
	}
	// Open creates an empty catalog, so refuse a missing file here.
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "catalog:", err)
		os.Exit(2)
	}

	cat, err := indexdb.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open catalog:", err)
		os.Exit(1)
	}
	defer cat.Close()

	ctx := context.Background()
	switch q {
	case "passes":
		rows, err := cat.Passes(ctx, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			printJSON(struct {
				Seq        uint64 `json:"seq"`
				PassID     string `json:"pass_id"`
				World      string `json:"world"`
				Dir        string `json:"dir"`
				CreatedAt  string `json:"created_at"`
				DurationMs int64  `json:"duration_ms"`
				Entities   int64  `json:"entities"`
				Bytes      int64  `json:"bytes"`
			}{r.Seq, r.PassID, r.World, r.Dir, r.CreatedAt, r.DurationMs, r.Entities, r.Bytes})
		}

	case "loads":
		rows, err := cat.Loads(ctx, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			printJSON(struct {
				Seq        uint64 `json:"seq"`
				PassID     string `json:"pass_id"`
				RecordedAt string `json:"recorded_at"`
				DurationMs int64  `json:"duration_ms"`
				Loaded     int64  `json:"loaded"`
				Anomalies  int64  `json:"anomalies"`
			}{r.Seq, r.PassID, r.RecordedAt, r.DurationMs, r.Loaded, r.Anomalies})
		}

	case "anomalies":
		counts, err := cat.AnomalyCounts(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, c := range counts {
			printJSON(struct {
				Kind  string `json:"kind"`
				Count int64  `json:"count"`
			}{c.Kind, c.Count})
		}

	case "recent":
		rows, err := cat.RecentAnomalies(ctx, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			printJSON(struct {
				At       string `json:"at"`
				Kind     string `json:"kind"`
				Pass     string `json:"pass,omitempty"`
				Serial   string `json:"serial,omitempty"`
				TypeName string `json:"type_name,omitempty"`
				Version  uint32 `json:"version,omitempty"`
				Detail   string `json:"detail,omitempty"`
			}{r.At, r.Kind, r.Pass, serialHex(r.Serial), r.TypeName, r.Version, r.Detail})
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: keepadm db [-data ./data] [-world WORLD|-db PATH] [-limit N] passes|loads|anomalies|recent")
		os.Exit(2)
	}
}

func diagCmd(args []string) {
	fs := flag.NewFlagSet("diag", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "main", "world name")
	kind := fs.String("kind", "", "only events of this kind")
	limit := fs.Int("limit", 50, "print at most the newest N events")
	counts := fs.Bool("counts", false, "print per-kind counts instead of events")
	_ = fs.Parse(args)

	dir := filepath.Join(*dataDir, "worlds", *worldID, "diag")
	evs, err := diag.ReadDir(dir, "events")
	if err != nil {
		fmt.Fprintln(os.Stderr, "read diag:", err)
		os.Exit(1)
	}
	if *kind != "" {
		kept := evs[:0]
		for _, e := range evs {
			if e.Kind == diag.Kind(*kind) {
				kept = append(kept, e)
			}
		}
		evs = kept
	}

	if *counts {
		byKind := map[diag.Kind]int{}
		for _, e := range evs {
			byKind[e.Kind]++
		}
		kinds := make([]string, 0, len(byKind))
		for k := range byKind {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Printf("%-20s %d\n", k, byKind[diag.Kind(k)])
		}
		return
	}

	if *limit > 0 && len(evs) > *limit {
		evs = evs[len(evs)-*limit:]
	}
	for _, e := range evs {
		printJSON(e)
	}
}

func serialHex(s uint32) string {
	if s == 0 {
		return ""
	}
	return fmt.Sprintf("0x%08X", s)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
