// Package indexdb keeps a queryable SQLite catalog of passes, loads,
// and anomalies. It is a secondary index: the pass directories stay the
// source of truth, so writes that cannot keep up are dropped.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"worldkeep.dev/internal/diag"
	"worldkeep.dev/internal/snapshot"
)

type Catalog struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqPass reqKind = iota + 1
	reqLoad
	reqAnomaly
)

type req struct {
	kind reqKind

	pass    snapshot.SaveReport
	load    snapshot.LoadReport
	anomaly diag.Event
}

func Open(path string) (*Catalog, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	c := &Catalog{
		db: db,
		// Sized for anomaly bursts from a badly damaged pass.
		ch: make(chan req, 65536),
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop()
	}()
	return c, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only workload; NORMAL is enough durability
	// for a rebuildable index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS passes (
			seq INTEGER PRIMARY KEY,
			pass_id TEXT NOT NULL,
			world TEXT NOT NULL,
			dir TEXT NOT NULL,
			created_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			entities INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS loads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			seq INTEGER NOT NULL,
			pass_id TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			loaded INTEGER NOT NULL,
			anomalies INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_loads_seq ON loads(seq);`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			pass TEXT,
			serial INTEGER NOT NULL,
			type_name TEXT,
			version INTEGER NOT NULL,
			detail TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_kind_at ON anomalies(kind, at);`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_pass ON anomalies(pass);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

func (c *Catalog) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.ch)
		c.wg.Wait()
		err = c.db.Close()
	})
	return err
}

// RecordPass catalogs a committed pass. Safe on a nil catalog.
func (c *Catalog) RecordPass(rep *snapshot.SaveReport) {
	if c == nil || c.closed.Load() || rep == nil {
		return
	}
	select {
	case c.ch <- req{kind: reqPass, pass: *rep}:
	default:
		// Drop if the indexer falls behind; pass dirs remain authoritative.
	}
}

// RecordLoad catalogs one load attempt. Safe on a nil catalog.
func (c *Catalog) RecordLoad(rep *snapshot.LoadReport) {
	if c == nil || c.closed.Load() || rep == nil {
		return
	}
	select {
	case c.ch <- req{kind: reqLoad, load: *rep}:
	default:
	}
}

// WriteEvent catalogs anomaly events; lifecycle events are not stored.
// Implements the diagnostics sink.
func (c *Catalog) WriteEvent(e diag.Event) error {
	if c == nil || c.closed.Load() || !e.Kind.Anomaly() {
		return nil
	}
	select {
	case c.ch <- req{kind: reqAnomaly, anomaly: e}:
	default:
	}
	return nil
}

func (c *Catalog) loop() {
	ctx := context.Background()

	insertPass, _ := c.db.Prepare(`INSERT OR REPLACE INTO passes(seq,pass_id,world,dir,created_at,duration_ms,entities,bytes,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertLoad, _ := c.db.Prepare(`INSERT INTO loads(seq,pass_id,recorded_at,duration_ms,loaded,anomalies,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertAnomaly, _ := c.db.Prepare(`INSERT INTO anomalies(at,kind,pass,serial,type_name,version,detail,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertPass != nil {
			_ = insertPass.Close()
		}
		if insertLoad != nil {
			_ = insertLoad.Close()
		}
		if insertAnomaly != nil {
			_ = insertAnomaly.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 512
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range c.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqPass:
			if insertPass == nil {
				continue
			}
			raw, _ := json.Marshal(r.pass)
			var bytes uint64
			for _, s := range r.pass.Categories {
				bytes += s.Bytes
			}
			if _, err := tx.Stmt(insertPass).Exec(
				int64(r.pass.Seq),
				r.pass.PassID,
				r.pass.World,
				r.pass.Dir,
				r.pass.CreatedAt.UTC().Format(time.RFC3339Nano),
				r.pass.Duration.Milliseconds(),
				int64(r.pass.TotalRecords()),
				int64(bytes),
				string(raw),
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqLoad:
			if insertLoad == nil {
				continue
			}
			raw, _ := json.Marshal(r.load)
			if _, err := tx.Stmt(insertLoad).Exec(
				int64(r.load.Seq),
				r.load.PassID,
				time.Now().UTC().Format(time.RFC3339Nano),
				r.load.Duration.Milliseconds(),
				int64(r.load.TotalLoaded()),
				int64(r.load.Anomalies()),
				string(raw),
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqAnomaly:
			if insertAnomaly == nil {
				continue
			}
			a := r.anomaly
			raw, _ := json.Marshal(a)
			if _, err := tx.Stmt(insertAnomaly).Exec(
				a.At.UTC().Format(time.RFC3339Nano),
				string(a.Kind),
				a.Pass,
				int64(a.Serial),
				a.TypeName,
				int64(a.Version),
				a.Detail,
				string(raw),
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
