package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrUnexpectedEOF reports a stream that ended in the middle of a value.
	ErrUnexpectedEOF = errors.New("codec: unexpected end of stream")

	// ErrMalformedLength reports a length prefix larger than the bytes
	// remaining in the stream.
	ErrMalformedLength = errors.New("codec: malformed length")
)

// Reader decodes a payload produced by Writer. It never reads past the end
// of its buffer: a short value fails with ErrUnexpectedEOF, and a length
// prefix exceeding what remains fails with ErrMalformedLength before any
// allocation sized by it.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) Len() int       { return len(r.buf) }
func (r *Reader) Offset() int    { return r.off }
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, fmt.Errorf("need %d bytes at %d: %w", n, r.off, ErrUnexpectedEOF)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Raw returns the next n bytes without a length prefix. The slice
// aliases the reader's buffer.
func (r *Reader) Raw(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("raw %d at %d: %w", n, r.off, ErrMalformedLength)
	}
	return r.take(n)
}

// Skip advances past n bytes without decoding them.
func (r *Reader) Skip(n int) error {
	if n < 0 {
		return fmt.Errorf("skip %d at %d: %w", n, r.off, ErrMalformedLength)
	}
	_, err := r.take(n)
	return err
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

func (r *Reader) I64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

func (r *Reader) F64() (float64, error) {
	v, err := r.U64()
	return math.Float64frombits(v), err
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.U8()
	return v != 0, err
}

func (r *Reader) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n == 0 {
		return 0, fmt.Errorf("varint at %d: %w", r.off, ErrUnexpectedEOF)
	}
	if n < 0 {
		return 0, fmt.Errorf("varint at %d overflows: %w", r.off, ErrMalformedLength)
	}
	r.off += n
	return v, nil
}

// length reads a uvarint length prefix and rejects it if it exceeds the
// bytes remaining.
func (r *Reader) length() (int, error) {
	at := r.off
	v, err := r.Uvarint()
	if err != nil {
		return 0, err
	}
	if v > uint64(r.Remaining()) {
		return 0, fmt.Errorf("length %d at %d exceeds %d remaining: %w", v, at, r.Remaining(), ErrMalformedLength)
	}
	return int(v), nil
}

func (r *Reader) String() (string, error) {
	n, err := r.length()
	if err != nil {
		return "", err
	}
	b, err := r.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Blob reads a length-prefixed byte slice. The result is a copy and does
// not alias the reader's buffer.
func (r *Reader) Blob() ([]byte, error) {
	n, err := r.length()
	if err != nil {
		return nil, err
	}
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (r *Reader) Time() (time.Time, error) {
	v, err := r.I64()
	if err != nil {
		return time.Time{}, err
	}
	if v == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, v).UTC(), nil
}
