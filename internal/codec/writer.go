// Package codec implements the little-endian binary encoding shared by
// snapshot records and index files. Fixed-width integers are written
// little-endian, counts and lengths as uvarints, strings and blobs with a
// uvarint byte-length prefix, timestamps as nanoseconds since the Unix
// epoch. Writers buffer in memory and cannot fail; readers validate every
// length against the bytes that remain before allocating.
package codec

import (
	"encoding/binary"
	"math"
	"time"
)

// Writer accumulates an encoded payload in memory. The zero value is
// ready to use.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

// NewWriterSize pre-allocates capacity for callers that know the rough
// encoded size.
func NewWriterSize(n int) *Writer { return &Writer{buf: make([]byte, 0, n)} }

// Bytes returns the encoded payload. The slice aliases the writer's
// buffer and is valid until the next write or Reset.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Reset() { w.buf = w.buf[:0] }

func (w *Writer) U8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) U16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) U64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *Writer) I32(v int32)  { w.U32(uint32(v)) }
func (w *Writer) I64(v int64)  { w.U64(uint64(v)) }
func (w *Writer) F64(v float64) {
	w.U64(math.Float64bits(v))
}

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
	} else {
		w.U8(0)
	}
}

// Uvarint writes v in the variable-length encoding used for counts.
func (w *Writer) Uvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

// String writes a uvarint byte length followed by the raw UTF-8 bytes.
func (w *Writer) String(s string) {
	w.Uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// Blob writes a uvarint length followed by the raw bytes.
func (w *Writer) Blob(b []byte) {
	w.Uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// Raw appends b with no length prefix.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Time writes t as nanoseconds since the Unix epoch. The zero time is
// written as 0 and decodes back to the zero time.
func (w *Writer) Time(t time.Time) {
	if t.IsZero() {
		w.I64(0)
		return
	}
	w.I64(t.UnixNano())
}
