package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"

	"worldkeep.dev/internal/codec"
	"worldkeep.dev/internal/persist"
)

var indexMagic = [4]byte{'W', 'K', 'S', 'I'}

const indexFormat = 1

// IndexType is one row of a pass's type table. Types are matched back
// to the registry by name, so a pass stays loadable even if type ids
// were renumbered between releases.
type IndexType struct {
	ID      uint32
	Name    string
	Version uint32
}

// IndexCategory describes one category data file: record count plus the
// size and xxhash64 of the uncompressed record stream.
type IndexCategory struct {
	Category persist.Category
	File     string
	Records  uint64
	Bytes    uint64
	Checksum uint64
}

// Index is the first thing a load reads and the last word on what a
// pass contains. It ends with a self-checksum; a pass whose index fails
// validation is unloadable as a whole.
type Index struct {
	PassID     string
	World      string
	Seq        uint64
	CreatedAt  time.Time
	Types      []IndexType
	Categories []IndexCategory
}

// EncodeIndex renders idx with the trailing self-checksum.
func EncodeIndex(idx *Index) []byte {
	w := codec.NewWriterSize(256)
	w.Raw(indexMagic[:])
	w.U32(indexFormat)
	w.String(idx.PassID)
	w.String(idx.World)
	w.U64(idx.Seq)
	w.Time(idx.CreatedAt)
	w.Uvarint(uint64(len(idx.Types)))
	for _, t := range idx.Types {
		w.U32(t.ID)
		w.String(t.Name)
		w.U32(t.Version)
	}
	w.Uvarint(uint64(len(idx.Categories)))
	for _, c := range idx.Categories {
		w.U8(uint8(c.Category))
		w.String(c.File)
		w.Uvarint(c.Records)
		w.U64(c.Bytes)
		w.U64(c.Checksum)
	}
	w.U64(xxhash.Sum64(w.Bytes()))
	return w.Bytes()
}

// DecodeIndex parses and validates an index image. Every failure mode
// comes back wrapped in ErrIndexCorrupt.
func DecodeIndex(data []byte) (*Index, error) {
	if len(data) < len(indexMagic)+12 {
		return nil, fmt.Errorf("%w: %d bytes", ErrIndexCorrupt, len(data))
	}
	body, tail := data[:len(data)-8], data[len(data)-8:]
	if got, want := xxhash.Sum64(body), binary.LittleEndian.Uint64(tail); got != want {
		return nil, fmt.Errorf("%w: checksum %016x, want %016x", ErrIndexCorrupt, got, want)
	}

	r := codec.NewReader(body)
	corrupt := func(what string, err error) (*Index, error) {
		return nil, fmt.Errorf("%w: %s: %v", ErrIndexCorrupt, what, err)
	}

	magic, err := r.Raw(4)
	if err != nil {
		return corrupt("magic", err)
	}
	if string(magic) != string(indexMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrIndexCorrupt, magic)
	}
	format, err := r.U32()
	if err != nil {
		return corrupt("format", err)
	}
	if format != indexFormat {
		return nil, fmt.Errorf("%w: unsupported format %d", ErrIndexCorrupt, format)
	}

	idx := &Index{}
	if idx.PassID, err = r.String(); err != nil {
		return corrupt("pass id", err)
	}
	if idx.World, err = r.String(); err != nil {
		return corrupt("world", err)
	}
	if idx.Seq, err = r.U64(); err != nil {
		return corrupt("seq", err)
	}
	if idx.CreatedAt, err = r.Time(); err != nil {
		return corrupt("created at", err)
	}

	nTypes, err := r.Uvarint()
	if err != nil {
		return corrupt("type count", err)
	}
	for i := uint64(0); i < nTypes; i++ {
		var t IndexType
		if t.ID, err = r.U32(); err != nil {
			return corrupt("type id", err)
		}
		if t.Name, err = r.String(); err != nil {
			return corrupt("type name", err)
		}
		if t.Version, err = r.U32(); err != nil {
			return corrupt("type version", err)
		}
		idx.Types = append(idx.Types, t)
	}

	nCats, err := r.Uvarint()
	if err != nil {
		return corrupt("category count", err)
	}
	for i := uint64(0); i < nCats; i++ {
		var c IndexCategory
		cat, err := r.U8()
		if err != nil {
			return corrupt("category", err)
		}
		c.Category = persist.Category(cat)
		if c.File, err = r.String(); err != nil {
			return corrupt("file name", err)
		}
		if c.Records, err = r.Uvarint(); err != nil {
			return corrupt("record count", err)
		}
		if c.Bytes, err = r.U64(); err != nil {
			return corrupt("byte count", err)
		}
		if c.Checksum, err = r.U64(); err != nil {
			return corrupt("file checksum", err)
		}
		idx.Categories = append(idx.Categories, c)
	}

	if n := r.Remaining(); n != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrIndexCorrupt, n)
	}
	return idx, nil
}

func WriteIndexFile(path string, idx *Index) error {
	return writeFileSync(path, EncodeIndex(idx))
}

func ReadIndexFile(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeIndex(data)
}
