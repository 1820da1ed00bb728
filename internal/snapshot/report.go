package snapshot

import "time"

// CategoryStats summarizes one category data file of a pass.
type CategoryStats struct {
	Records  uint64 `json:"records"`
	Bytes    uint64 `json:"bytes"`
	Checksum uint64 `json:"checksum"`
}

// SaveReport describes one committed pass.
type SaveReport struct {
	PassID     string                   `json:"pass_id"`
	Seq        uint64                   `json:"seq"`
	Dir        string                   `json:"dir"`
	World      string                   `json:"world"`
	CreatedAt  time.Time                `json:"created_at"`
	Duration   time.Duration            `json:"duration_ns"`
	Categories map[string]CategoryStats `json:"categories"`
}

func (r *SaveReport) TotalRecords() uint64 {
	var n uint64
	for _, c := range r.Categories {
		n += c.Records
	}
	return n
}

// LoadReport counts everything one load did and everything it refused
// to guess about. A load never silently drops data: each skip below was
// also emitted as a diagnostic event.
type LoadReport struct {
	PassID string `json:"pass_id"`
	Seq    uint64 `json:"seq"`
	Dir    string `json:"dir"`

	Loaded               map[string]uint64 `json:"loaded"`
	SkippedUnknownType   uint64            `json:"skipped_unknown_type"`
	SkippedFutureVersion uint64            `json:"skipped_future_version"`
	TruncatedRecords     uint64            `json:"truncated_records"`
	MalformedRecords     uint64            `json:"malformed_records"`
	DuplicateSerials     uint64            `json:"duplicate_serials"`
	DanglingRefs         uint64            `json:"dangling_refs"`
	ChecksumMismatches   uint64            `json:"checksum_mismatches"`

	Duration time.Duration `json:"duration_ns"`
}

func (r *LoadReport) TotalLoaded() uint64 {
	var n uint64
	for _, c := range r.Loaded {
		n += c
	}
	return n
}

// Anomalies sums every record- and reference-level irregularity.
func (r *LoadReport) Anomalies() uint64 {
	return r.SkippedUnknownType + r.SkippedFutureVersion + r.TruncatedRecords +
		r.MalformedRecords + r.DuplicateSerials + r.DanglingRefs + r.ChecksumMismatches
}
