package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"worldkeep.dev/internal/persist"
)

const (
	recordHeaderLen = 16

	// maxRecordLen bounds one record so a corrupt length field cannot
	// drive a giant allocation. Nothing in a world comes close.
	maxRecordLen = 64 << 20
)

var dataMagic = [4]byte{'W', 'K', 'D', '1'}

// recordHeader frames one entity record in a category data file:
// serial, type id, schema version and exact payload length, each a
// little-endian u32.
type recordHeader struct {
	Serial  persist.Serial
	TypeID  uint32
	Version uint32
	Length  uint32
}

// writePreamble starts a category data file: magic, category byte,
// three reserved zero bytes.
func writePreamble(w io.Writer, cat persist.Category) error {
	var b [8]byte
	copy(b[:4], dataMagic[:])
	b[4] = byte(cat)
	_, err := w.Write(b[:])
	return err
}

func readPreamble(r io.Reader) (persist.Category, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return persist.CategoryNone, err
	}
	if !bytes.Equal(b[:4], dataMagic[:]) {
		return persist.CategoryNone, fmt.Errorf("bad data file magic %q", b[:4])
	}
	return persist.Category(b[4]), nil
}

func writeRecord(w io.Writer, h recordHeader, payload []byte) error {
	var b [recordHeaderLen]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Serial))
	binary.LittleEndian.PutUint32(b[4:8], h.TypeID)
	binary.LittleEndian.PutUint32(b[8:12], h.Version)
	binary.LittleEndian.PutUint32(b[12:16], h.Length)
	if _, err := w.Write(b[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readRecordHeader returns io.EOF at a clean record boundary and
// io.ErrUnexpectedEOF when the stream dies inside a header.
func readRecordHeader(r io.Reader) (recordHeader, error) {
	var b [recordHeaderLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return recordHeader{}, err
	}
	return recordHeader{
		Serial:  persist.Serial(binary.LittleEndian.Uint32(b[0:4])),
		TypeID:  binary.LittleEndian.Uint32(b[4:8]),
		Version: binary.LittleEndian.Uint32(b[8:12]),
		Length:  binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

func categoryFileName(cat persist.Category) string {
	return cat.String() + ".wkd"
}
