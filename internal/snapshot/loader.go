package snapshot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"worldkeep.dev/internal/diag"
	"worldkeep.dev/internal/persist"
)

// LoadState is where a load currently is. States only move forward;
// Failed is reachable from any of them.
type LoadState uint8

const (
	LoadIdle LoadState = iota
	LoadReadingIndex
	LoadMaterializing
	LoadResolving
	LoadComplete
	LoadFailed
)

func (s LoadState) String() string {
	switch s {
	case LoadIdle:
		return "idle"
	case LoadReadingIndex:
		return "reading_index"
	case LoadMaterializing:
		return "materializing_entities"
	case LoadResolving:
		return "resolving_fields"
	case LoadComplete:
		return "complete"
	case LoadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LoadOptions tune one load. The zero value is usable.
type LoadOptions struct {
	Parallelism int // <=0 means GOMAXPROCS
}

// LoadResult is the handoff at the end of a successful load: the full
// entity table plus the count of everything that happened on the way.
type LoadResult struct {
	Entities map[persist.Serial]persist.Entity
	Report   LoadReport
}

// Loader materializes one pass in two passes over its records: first
// construct-and-register every entity, then decode fields against the
// fully populated resolver. Record-level damage is skipped and counted,
// never guessed at; only an unreadable index or missing file fails the
// load as a whole.
type Loader struct {
	store *Store
	reg   *persist.Registry
	rec   *diag.Recorder
	opts  LoadOptions

	state LoadState
}

func NewLoader(st *Store, reg *persist.Registry, rec *diag.Recorder, opts LoadOptions) *Loader {
	return &Loader{store: st, reg: reg, rec: rec, opts: opts}
}

// State reports the last state this loader reached. It is owned by the
// goroutine running the load; observers follow the diagnostic stream
// instead.
func (l *Loader) State() LoadState { return l.state }

// LoadLatest loads the newest promoted pass, or ErrNoSnapshot.
func (l *Loader) LoadLatest(ctx context.Context) (*LoadResult, error) {
	p, err := l.store.Latest()
	if err != nil {
		return nil, err
	}
	return l.LoadPass(ctx, p)
}

// pendingRecord is a materialized entity awaiting field resolution.
type pendingRecord struct {
	entity  persist.Entity
	typ     *persist.Type
	version uint32
	payload []byte
}

func (l *Loader) LoadPass(ctx context.Context, p PassInfo) (*LoadResult, error) {
	start := time.Now()
	report := &LoadReport{Seq: p.Seq, Dir: p.Dir, Loaded: make(map[string]uint64)}

	l.enter(LoadReadingIndex, p.Name())
	idx, err := ReadIndexFile(filepath.Join(p.Dir, IndexFile))
	if err != nil {
		return l.fail(p, fmt.Errorf("read index: %w", err))
	}
	report.PassID = idx.PassID

	// The registry match is by name: ids in the pass are translated,
	// and names nobody registers anymore become per-record skips.
	types := make(map[uint32]*persist.Type, len(idx.Types))
	unknown := make(map[uint32]string)
	for _, it := range idx.Types {
		if t, ok := l.reg.ByName(it.Name); ok {
			types[it.ID] = t
		} else {
			unknown[it.ID] = it.Name
		}
	}

	l.enter(LoadMaterializing, idx.PassID)
	res := persist.NewResolver()
	var pending []pendingRecord
	for _, c := range idx.Categories {
		pending, err = l.materializeFile(ctx, p, idx.PassID, c, types, unknown, res, pending, report)
		if err != nil {
			return l.fail(p, err)
		}
	}

	l.enter(LoadResolving, idx.PassID)
	if err := l.resolveFields(ctx, idx.PassID, pending, res, report); err != nil {
		return l.fail(p, err)
	}

	dangling := res.Dangling()
	report.DanglingRefs = uint64(len(dangling))
	for _, s := range dangling {
		l.rec.Event(diag.Event{Kind: diag.KindDanglingRef, Pass: idx.PassID, Serial: uint32(s)})
	}

	entities := res.Take()
	for s := range entities {
		report.Loaded[s.Category().String()]++
	}
	report.Duration = time.Since(start)

	l.state = LoadComplete
	l.rec.Event(diag.Event{Kind: diag.KindLoadCompleted, Pass: idx.PassID,
		Detail: fmt.Sprintf("seq=%d loaded=%d anomalies=%d in %s",
			p.Seq, report.TotalLoaded(), report.Anomalies(), report.Duration.Round(time.Millisecond))})
	return &LoadResult{Entities: entities, Report: *report}, nil
}

func (l *Loader) enter(s LoadState, pass string) {
	l.state = s
	l.rec.Event(diag.Event{Kind: diag.KindLoadPhase, Pass: pass, Detail: s.String()})
}

func (l *Loader) fail(p PassInfo, err error) (*LoadResult, error) {
	l.state = LoadFailed
	l.rec.Event(diag.Event{Kind: diag.KindLoadFailed, Pass: p.Name(), Detail: err.Error()})
	return nil, fmt.Errorf("load %s: %w", p.Name(), err)
}

// materializeFile runs the first pass over one category file. Damage
// inside the stream abandons the rest of that file and is counted;
// only opening the file can fail the load.
func (l *Loader) materializeFile(ctx context.Context, p PassInfo, passID string, c IndexCategory,
	types map[uint32]*persist.Type, unknown map[uint32]string,
	res *persist.Resolver, pending []pendingRecord, report *LoadReport) ([]pendingRecord, error) {

	f, err := os.Open(filepath.Join(p.Dir, c.File))
	if err != nil {
		return pending, fmt.Errorf("open %s: %w", c.File, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return pending, fmt.Errorf("zstd %s: %w", c.File, err)
	}
	defer dec.Close()

	digest := xxhash.New()
	br := bufio.NewReaderSize(io.TeeReader(dec, digest), 256*1024)

	abandon := func(kind diag.Kind, detail string) {
		l.rec.Event(diag.Event{Kind: kind, Pass: passID, Detail: fmt.Sprintf("%s: %s; rest of file abandoned", c.File, detail)})
	}

	cat, err := readPreamble(br)
	if err != nil || cat != c.Category {
		if err == nil {
			err = fmt.Errorf("category %v, index says %v", cat, c.Category)
		}
		abandon(diag.KindMalformedRecord, err.Error())
		report.MalformedRecords++
		return pending, nil
	}

	var seen uint64
	for {
		if err := ctx.Err(); err != nil {
			return pending, err
		}
		h, err := readRecordHeader(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			abandon(diag.KindTruncatedRecord, fmt.Sprintf("header after %d records: %v", seen, err))
			report.TruncatedRecords++
			return pending, nil
		}
		if h.Length > maxRecordLen {
			abandon(diag.KindMalformedRecord, fmt.Sprintf("record %v declares %d bytes", h.Serial, h.Length))
			report.MalformedRecords++
			return pending, nil
		}
		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(br, payload); err != nil {
			abandon(diag.KindTruncatedRecord, fmt.Sprintf("record %v body: %v", h.Serial, err))
			report.TruncatedRecords++
			return pending, nil
		}
		seen++

		if h.Serial.Category() != c.Category {
			l.rec.Event(diag.Event{Kind: diag.KindMalformedRecord, Pass: passID, Serial: uint32(h.Serial),
				Detail: fmt.Sprintf("serial category %v in %s", h.Serial.Category(), c.File)})
			report.MalformedRecords++
			continue
		}
		if name, gone := unknown[h.TypeID]; gone {
			l.rec.Event(diag.Event{Kind: diag.KindUnknownType, Pass: passID, Serial: uint32(h.Serial),
				TypeID: h.TypeID, TypeName: name, Detail: fmt.Sprintf("skipped %d bytes", h.Length)})
			report.SkippedUnknownType++
			continue
		}
		typ, ok := types[h.TypeID]
		if !ok {
			l.rec.Event(diag.Event{Kind: diag.KindUnknownType, Pass: passID, Serial: uint32(h.Serial),
				TypeID: h.TypeID, Detail: "type id missing from index table"})
			report.SkippedUnknownType++
			continue
		}
		if h.Version > typ.Version {
			l.rec.Event(diag.Event{Kind: diag.KindFutureVersion, Pass: passID, Serial: uint32(h.Serial),
				TypeID: h.TypeID, TypeName: typ.Name, Version: h.Version,
				Detail: fmt.Sprintf("running schema is v%d", typ.Version)})
			report.SkippedFutureVersion++
			continue
		}

		e := typ.New(h.Serial)
		if !res.Register(h.Serial, e) {
			l.rec.Event(diag.Event{Kind: diag.KindDuplicateSerial, Pass: passID, Serial: uint32(h.Serial),
				TypeID: h.TypeID, TypeName: typ.Name, Detail: "first record wins"})
			report.DuplicateSerials++
			continue
		}
		pending = append(pending, pendingRecord{entity: e, typ: typ, version: h.Version, payload: payload})
	}

	if seen != c.Records {
		l.rec.Event(diag.Event{Kind: diag.KindMalformedRecord, Pass: passID,
			Detail: fmt.Sprintf("%s: %d records, index says %d", c.File, seen, c.Records)})
		report.MalformedRecords++
	}
	if sum := digest.Sum64(); sum != c.Checksum {
		l.rec.Event(diag.Event{Kind: diag.KindMalformedRecord, Pass: passID,
			Detail: fmt.Sprintf("%s: stream checksum %016x, index says %016x", c.File, sum, c.Checksum)})
		report.ChecksumMismatches++
	}
	return pending, nil
}

// resolveFields runs the second pass: decode every retained payload
// against the now-complete resolver. Entities decode independently, so
// this fans out; a payload that fails to decode drops its entity and is
// counted, the rest of the load continues.
func (l *Loader) resolveFields(ctx context.Context, passID string, pending []pendingRecord,
	res *persist.Resolver, report *LoadReport) error {

	parallelism := l.opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	type decodeFailure struct {
		rec pendingRecord
		err error
	}
	var mu sync.Mutex
	var failures []decodeFailure

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i := range pending {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pr := pending[i]
			if err := pr.typ.Decode(pr.entity, pr.payload, pr.version, res); err != nil {
				mu.Lock()
				failures = append(failures, decodeFailure{rec: pr, err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, fl := range failures {
		res.Remove(fl.rec.entity.Serial())
		l.rec.Event(diag.Event{Kind: diag.KindMalformedRecord, Pass: passID,
			Serial: uint32(fl.rec.entity.Serial()), TypeID: fl.rec.typ.ID, TypeName: fl.rec.typ.Name,
			Version: fl.rec.version, Detail: fl.err.Error()})
		report.MalformedRecords++
	}
	return nil
}
