// Package snapshot persists the whole entity population as immutable,
// sequenced pass directories and loads them back through a two-pass
// state machine. A pass is built under a staging name, synced, then
// promoted with a single rename: readers only ever see complete passes,
// and a crash mid-save leaves nothing but staging junk for the next
// sweep.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrNoSnapshot means the store holds no promoted pass. Callers
	// treat it as "start a fresh world".
	ErrNoSnapshot = errors.New("snapshot: no pass to load")

	// ErrIndexCorrupt means a pass index failed validation. The pass is
	// unloadable as a whole.
	ErrIndexCorrupt = errors.New("snapshot: index corrupt")
)

const (
	passPrefix    = "pass-"
	stagingPrefix = ".staging-"

	IndexFile    = "index.wks"
	ManifestFile = "manifest.json"
)

// Store is a snapshot directory tree: <root>/passes/pass-<seq>/ for
// promoted passes plus whatever staging leftovers a crash abandoned.
type Store struct {
	root string
}

func Open(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "passes"), 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string      { return s.root }
func (s *Store) passesDir() string { return filepath.Join(s.root, "passes") }

// PassInfo identifies one promoted pass on disk.
type PassInfo struct {
	Seq uint64
	Dir string
}

func (p PassInfo) Name() string { return filepath.Base(p.Dir) }

func passDirName(seq uint64) string { return fmt.Sprintf("%s%08d", passPrefix, seq) }

// Passes lists promoted passes in ascending sequence order. Staging
// directories and stray files are ignored.
func (s *Store) Passes() ([]PassInfo, error) {
	ents, err := os.ReadDir(s.passesDir())
	if err != nil {
		return nil, err
	}
	var out []PassInfo
	for _, de := range ents {
		if !de.IsDir() || !strings.HasPrefix(de.Name(), passPrefix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimPrefix(de.Name(), passPrefix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, PassInfo{Seq: seq, Dir: filepath.Join(s.passesDir(), de.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Latest returns the newest promoted pass, or ErrNoSnapshot.
func (s *Store) Latest() (PassInfo, error) {
	ps, err := s.Passes()
	if err != nil {
		return PassInfo{}, err
	}
	if len(ps) == 0 {
		return PassInfo{}, ErrNoSnapshot
	}
	return ps[len(ps)-1], nil
}

// Pass returns the promoted pass with the given sequence number.
func (s *Store) Pass(seq uint64) (PassInfo, error) {
	p := PassInfo{Seq: seq, Dir: filepath.Join(s.passesDir(), passDirName(seq))}
	if _, err := os.Stat(p.Dir); err != nil {
		if os.IsNotExist(err) {
			return PassInfo{}, fmt.Errorf("pass %d: %w", seq, ErrNoSnapshot)
		}
		return PassInfo{}, err
	}
	return p, nil
}

func (s *Store) nextSeq() (uint64, error) {
	latest, err := s.Latest()
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			return 1, nil
		}
		return 0, err
	}
	return latest.Seq + 1, nil
}

// SweepStaging removes build directories abandoned by a crash and
// returns how many were swept.
func (s *Store) SweepStaging() (int, error) {
	ents, err := os.ReadDir(s.passesDir())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, de := range ents {
		if !de.IsDir() || !strings.HasPrefix(de.Name(), stagingPrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.passesDir(), de.Name())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Remove deletes a promoted pass. Retention pruning only; a pass is
// otherwise immutable.
func (s *Store) Remove(p PassInfo) error {
	return os.RemoveAll(p.Dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
