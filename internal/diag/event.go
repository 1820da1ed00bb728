// Package diag carries the diagnostics stream for save and load
// operations: record-level anomalies that are deliberately not errors
// (skipped types, future versions, truncated records, dangling
// references) plus lifecycle progress. Events fan out to a human log,
// a compressed JSONL history, the catalog, and live observers.
package diag

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindUnknownType     Kind = "unknown_type"
	KindFutureVersion   Kind = "future_version"
	KindTruncatedRecord Kind = "truncated_record"
	KindMalformedRecord Kind = "malformed_record"
	KindDanglingRef     Kind = "dangling_reference"
	KindDuplicateSerial Kind = "duplicate_serial"

	KindSaveStarted   Kind = "save_started"
	KindSaveCommitted Kind = "save_committed"
	KindSaveFailed    Kind = "save_failed"
	KindLoadStarted   Kind = "load_started"
	KindLoadPhase     Kind = "load_phase"
	KindLoadCompleted Kind = "load_completed"
	KindLoadFailed    Kind = "load_failed"
)

// Anomaly reports whether k is a record-level anomaly rather than a
// lifecycle event.
func (k Kind) Anomaly() bool {
	switch k {
	case KindUnknownType, KindFutureVersion, KindTruncatedRecord,
		KindMalformedRecord, KindDanglingRef, KindDuplicateSerial:
		return true
	}
	return false
}

// Event is one diagnostics entry. Zero-valued fields are omitted from
// the JSONL form.
type Event struct {
	At       time.Time `json:"at"`
	Kind     Kind      `json:"kind"`
	Pass     string    `json:"pass,omitempty"`
	Serial   uint32    `json:"serial,omitempty"`
	TypeID   uint32    `json:"type_id,omitempty"`
	TypeName string    `json:"type_name,omitempty"`
	Version  uint32    `json:"version,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// String renders the single-line human form.
func (e Event) String() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Pass != "" {
		fmt.Fprintf(&b, " pass=%s", e.Pass)
	}
	if e.Serial != 0 {
		fmt.Fprintf(&b, " serial=0x%08X", e.Serial)
	}
	if e.TypeName != "" {
		fmt.Fprintf(&b, " type=%s", e.TypeName)
	} else if e.TypeID != 0 {
		fmt.Fprintf(&b, " type_id=%d", e.TypeID)
	}
	if e.Version != 0 {
		fmt.Fprintf(&b, " v=%d", e.Version)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, " %s", e.Detail)
	}
	return b.String()
}
