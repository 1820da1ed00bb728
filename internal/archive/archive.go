// Package archive copies retired passes aside and applies retention to
// the pass store.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"worldkeep.dev/internal/snapshot"
)

// Meta is the sidecar written next to an archived pass.
type Meta struct {
	Seq        uint64 `json:"seq"`
	PassID     string `json:"pass_id,omitempty"`
	World      string `json:"world,omitempty"`
	Entities   uint64 `json:"entities,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	ArchivedAt string `json:"archived_at"`
}

// Policy decides what retention keeps, archives, and prunes.
type Policy struct {
	KeepPasses   int
	ArchiveEvery int // archive pruned passes whose seq divides by this; 0 disables
}

type Result struct {
	Pruned   []uint64
	Archived []uint64
}

// ArchivePass copies a promoted pass into <root>/archives/<name>/ with a
// meta.json sidecar. The original is left in place.
func ArchivePass(st *snapshot.Store, p snapshot.PassInfo) (string, error) {
	dstDir := filepath.Join(st.Root(), "archives", p.Name())
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	ents, err := os.ReadDir(p.Dir)
	if err != nil {
		return "", err
	}
	for _, de := range ents {
		if de.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(p.Dir, de.Name()), filepath.Join(dstDir, de.Name())); err != nil {
			return "", err
		}
	}

	meta := Meta{Seq: p.Seq, ArchivedAt: time.Now().UTC().Format(time.RFC3339Nano)}
	if man, err := snapshot.ReadManifestFile(filepath.Join(p.Dir, snapshot.ManifestFile)); err == nil {
		meta.PassID = man.PassID
		meta.World = man.World
		meta.CreatedAt = man.CreatedAt.Format(time.RFC3339Nano)
		for _, n := range man.Entities {
			meta.Entities += n
		}
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dstDir, "meta.json"), b, 0o644)
	}

	return dstDir, nil
}

// Apply prunes everything beyond the newest KeepPasses, archiving the
// passes the policy singles out before they go.
func Apply(st *snapshot.Store, pol Policy) (Result, error) {
	var res Result
	if pol.KeepPasses <= 0 {
		return res, fmt.Errorf("retention keeps %d passes", pol.KeepPasses)
	}
	passes, err := st.Passes()
	if err != nil {
		return res, err
	}
	if len(passes) <= pol.KeepPasses {
		return res, nil
	}
	for _, p := range passes[:len(passes)-pol.KeepPasses] {
		if pol.ArchiveEvery > 0 && p.Seq%uint64(pol.ArchiveEvery) == 0 {
			if _, err := ArchivePass(st, p); err != nil {
				return res, fmt.Errorf("archive %s: %w", p.Name(), err)
			}
			res.Archived = append(res.Archived, p.Seq)
		}
		if err := st.Remove(p); err != nil {
			return res, fmt.Errorf("prune %s: %w", p.Name(), err)
		}
		res.Pruned = append(res.Pruned, p.Seq)
	}
	return res, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
