package snapshot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"worldkeep.dev/internal/codec"
	"worldkeep.dev/internal/diag"
	"worldkeep.dev/internal/persist"
)

// SaveOptions tune one save. The zero value is usable.
type SaveOptions struct {
	World       string
	Level       zstd.EncoderLevel // 0 means zstd.SpeedDefault
	Parallelism int               // <=0 means GOMAXPROCS
}

type encodedRecord struct {
	header  recordHeader
	payload []byte
}

// Image is a fully encoded pass that has not touched the store yet.
// Building one is pure memory work, so the goroutine that owns the
// entities can build an image and hand it to a writer without ever
// blocking on disk.
type Image struct {
	world      string
	level      zstd.EncoderLevel
	types      []IndexType
	records    []encodedRecord
	encodeTime time.Duration
}

func (img *Image) World() string { return img.world }

// Records reports how many entity records the image holds.
func (img *Image) Records() int { return len(img.records) }

// Build encodes a quiesced entity slice into an in-memory pass image.
// The caller must not mutate the entities until Build returns; after
// that the image is self-contained.
func Build(ctx context.Context, reg *persist.Registry, entities []persist.Entity, opts SaveOptions) (*Image, error) {
	start := time.Now()

	ents := make([]persist.Entity, len(entities))
	copy(ents, entities)
	sort.Slice(ents, func(i, j int) bool { return ents[i].Serial() < ents[j].Serial() })
	for _, e := range ents {
		if e.Serial().Category() == persist.CategoryNone {
			return nil, fmt.Errorf("entity %v: serial outside every category", e.Serial())
		}
	}

	recs, err := encodeAll(ctx, reg, ents, opts.Parallelism)
	if err != nil {
		return nil, err
	}

	level := opts.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	img := &Image{world: opts.World, level: level, records: recs, encodeTime: time.Since(start)}
	for _, t := range reg.Types() {
		img.types = append(img.types, IndexType{ID: t.ID, Name: t.Name, Version: t.Version})
	}
	return img, nil
}

// Commit writes an image under a staging name and promotes it with a
// single rename. Nothing under the store is visible to readers until
// the staging directory is fully synced.
func Commit(ctx context.Context, st *Store, img *Image, rec *diag.Recorder) (rep *SaveReport, err error) {
	start := time.Now()
	passID := uuid.NewString()

	seq, err := st.nextSeq()
	if err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	rec.Event(diag.Event{Kind: diag.KindSaveStarted, Pass: passID,
		Detail: fmt.Sprintf("seq=%d entities=%d", seq, len(img.records))})
	defer func() {
		if err != nil {
			rec.Event(diag.Event{Kind: diag.KindSaveFailed, Pass: passID, Detail: err.Error()})
		}
	}()

	staging := filepath.Join(st.passesDir(), stagingPrefix+passID)
	if err = os.MkdirAll(staging, 0o755); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(staging)
		}
	}()

	idx := &Index{
		PassID:    passID,
		World:     img.world,
		Seq:       seq,
		CreatedAt: time.Now().UTC(),
		Types:     img.types,
	}

	stats := make(map[string]CategoryStats, 2)
	for _, cat := range persist.Categories() {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		file := categoryFileName(cat)
		cs, werr := writeCategoryFile(filepath.Join(staging, file), cat, img.level, img.records)
		if werr != nil {
			err = fmt.Errorf("write %s: %w", file, werr)
			return nil, err
		}
		idx.Categories = append(idx.Categories, IndexCategory{
			Category: cat, File: file,
			Records: cs.Records, Bytes: cs.Bytes, Checksum: cs.Checksum,
		})
		stats[cat.String()] = cs
	}

	if err = WriteIndexFile(filepath.Join(staging, IndexFile), idx); err != nil {
		return nil, fmt.Errorf("write index: %w", err)
	}

	man := &Manifest{
		Format:    indexFormat,
		PassID:    passID,
		Seq:       seq,
		World:     img.world,
		CreatedAt: idx.CreatedAt,
		Entities:  make(map[string]uint64, len(stats)),
		Bytes:     make(map[string]uint64, len(stats)),
		Files:     []string{IndexFile},
	}
	for cat, cs := range stats {
		man.Entities[cat] = cs.Records
		man.Bytes[cat] = cs.Bytes
	}
	for _, c := range idx.Categories {
		man.Files = append(man.Files, c.File)
	}
	if err = WriteManifestFile(filepath.Join(staging, ManifestFile), man); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	if err = syncDir(staging); err != nil {
		return nil, err
	}
	final := filepath.Join(st.passesDir(), passDirName(seq))
	if err = os.Rename(staging, final); err != nil {
		return nil, err
	}
	if err = syncDir(st.passesDir()); err != nil {
		return nil, err
	}

	rep = &SaveReport{
		PassID:     passID,
		Seq:        seq,
		Dir:        final,
		World:      img.world,
		CreatedAt:  idx.CreatedAt,
		Duration:   img.encodeTime + time.Since(start),
		Categories: stats,
	}
	rec.Event(diag.Event{Kind: diag.KindSaveCommitted, Pass: passID,
		Detail: fmt.Sprintf("seq=%d records=%d in %s", seq, rep.TotalRecords(), rep.Duration.Round(time.Millisecond))})
	return rep, nil
}

// Save encodes and commits in one call. Callers that must not block
// the entity owner on disk use Build and Commit separately.
func Save(ctx context.Context, st *Store, reg *persist.Registry, entities []persist.Entity, rec *diag.Recorder, opts SaveOptions) (*SaveReport, error) {
	img, err := Build(ctx, reg, entities, opts)
	if err != nil {
		return nil, err
	}
	return Commit(ctx, st, img, rec)
}

// encodeAll serializes every entity to its own buffer. Encoding is
// independent per entity, so it fans out; the output slice keeps the
// caller's order.
func encodeAll(ctx context.Context, reg *persist.Registry, ents []persist.Entity, parallelism int) ([]encodedRecord, error) {
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	recs := make([]encodedRecord, len(ents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i := range ents {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e := ents[i]
			typ, ok := reg.ByName(e.TypeName())
			if !ok {
				return fmt.Errorf("entity %v: type %q not registered", e.Serial(), e.TypeName())
			}
			w := codec.NewWriterSize(256)
			typ.Encode(e, w)
			if w.Len() > maxRecordLen {
				return fmt.Errorf("entity %v: %d byte record exceeds limit", e.Serial(), w.Len())
			}
			recs[i] = encodedRecord{
				header: recordHeader{
					Serial:  e.Serial(),
					TypeID:  typ.ID,
					Version: typ.Version,
					Length:  uint32(w.Len()),
				},
				payload: w.Bytes(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return recs, nil
}

// writeCategoryFile streams cat's records through zstd, hashing the
// uncompressed bytes, and syncs the file before returning.
func writeCategoryFile(path string, cat persist.Category, level zstd.EncoderLevel, recs []encodedRecord) (CategoryStats, error) {
	var cs CategoryStats

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return cs, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(level))
	if err != nil {
		_ = f.Close()
		return cs, err
	}

	digest := xxhash.New()
	bw := bufio.NewWriterSize(enc, 256*1024)
	mw := io.MultiWriter(bw, digest)

	werr := writePreamble(mw, cat)
	cs.Bytes = 8
	if werr == nil {
		for _, r := range recs {
			if r.header.Serial.Category() != cat {
				continue
			}
			if werr = writeRecord(mw, r.header, r.payload); werr != nil {
				break
			}
			cs.Records++
			cs.Bytes += recordHeaderLen + uint64(len(r.payload))
		}
	}
	if werr == nil {
		werr = bw.Flush()
	}
	if cerr := enc.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return CategoryStats{}, werr
	}
	cs.Checksum = digest.Sum64()
	return cs, nil
}
