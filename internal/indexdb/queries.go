package indexdb

import (
	"context"
	"database/sql"
)

type PassRow struct {
	Seq        uint64
	PassID     string
	World      string
	Dir        string
	CreatedAt  string
	DurationMs int64
	Entities   int64
	Bytes      int64
}

type LoadRow struct {
	Seq        uint64
	PassID     string
	RecordedAt string
	DurationMs int64
	Loaded     int64
	Anomalies  int64
}

type AnomalyCount struct {
	Kind  string
	Count int64
}

type AnomalyRow struct {
	At       string
	Kind     string
	Pass     string
	Serial   uint32
	TypeName string
	Version  uint32
	Detail   string
}

// Passes returns the newest catalog rows, newest first.
func (c *Catalog) Passes(ctx context.Context, limit int) ([]PassRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT seq,pass_id,world,dir,created_at,duration_ms,entities,bytes
		 FROM passes ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PassRow
	for rows.Next() {
		var r PassRow
		var seq int64
		if err := rows.Scan(&seq, &r.PassID, &r.World, &r.Dir, &r.CreatedAt, &r.DurationMs, &r.Entities, &r.Bytes); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Loads returns recorded load attempts, newest first.
func (c *Catalog) Loads(ctx context.Context, limit int) ([]LoadRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT seq,pass_id,recorded_at,duration_ms,loaded,anomalies
		 FROM loads ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LoadRow
	for rows.Next() {
		var r LoadRow
		var seq int64
		if err := rows.Scan(&seq, &r.PassID, &r.RecordedAt, &r.DurationMs, &r.Loaded, &r.Anomalies); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AnomalyCounts groups stored anomalies by kind, most frequent first.
func (c *Catalog) AnomalyCounts(ctx context.Context) ([]AnomalyCount, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM anomalies GROUP BY kind ORDER BY COUNT(*) DESC, kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnomalyCount
	for rows.Next() {
		var r AnomalyCount
		if err := rows.Scan(&r.Kind, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentAnomalies returns the newest anomaly rows, newest first.
func (c *Catalog) RecentAnomalies(ctx context.Context, limit int) ([]AnomalyRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT at,kind,pass,serial,type_name,version,detail
		 FROM anomalies ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnomalyRow
	for rows.Next() {
		var r AnomalyRow
		var pass, typeName, detail sql.NullString
		var serial, version int64
		if err := rows.Scan(&r.At, &r.Kind, &pass, &serial, &typeName, &version, &detail); err != nil {
			return nil, err
		}
		r.Pass = pass.String
		r.TypeName = typeName.String
		r.Detail = detail.String
		r.Serial = uint32(serial)
		r.Version = uint32(version)
		out = append(out, r)
	}
	return out, rows.Err()
}
