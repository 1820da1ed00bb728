package diag

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

func nowUTC() time.Time { return time.Now().UTC() }

// JSONLSink appends events as zstd-compressed JSON lines, one file per
// UTC hour, under dir. Files are named <prefix>-YYYY-MM-DD-HH.jsonl.zst
// and appended to across restarts within the same hour.
type JSONLSink struct {
	dir    string
	prefix string

	mu   sync.Mutex
	hour string
	f    *os.File
	enc  *zstd.Encoder
	bw   *bufio.Writer
}

func NewJSONLSink(dir, prefix string) *JSONLSink {
	return &JSONLSink{dir: dir, prefix: prefix}
}

func (s *JSONLSink) WriteEvent(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hour := e.At.UTC().Format("2006-01-02-15")
	if hour != s.hour {
		if err := s.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.bw.Write(b); err != nil {
		return err
	}
	if err := s.bw.WriteByte('\n'); err != nil {
		return err
	}
	return s.bw.Flush()
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *JSONLSink) rotateLocked(hour string) error {
	if err := s.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%s.jsonl.zst", s.prefix, hour))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	s.f = f
	s.enc = enc
	s.bw = bufio.NewWriterSize(enc, 64*1024)
	s.hour = hour
	return nil
}

func (s *JSONLSink) closeLocked() error {
	var errEnc error
	if s.bw != nil {
		_ = s.bw.Flush()
	}
	if s.enc != nil {
		errEnc = s.enc.Close()
		s.enc = nil
	}
	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
	s.bw = nil
	s.hour = ""
	return errEnc
}

// ReadLog decodes every event from one .jsonl.zst file.
func ReadLog(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Event
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return out, fmt.Errorf("%s: bad line: %w", filepath.Base(path), err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// ReadDir decodes every event log under dir with the given prefix, in
// filename (chronological) order.
func ReadDir(dir, prefix string) ([]Event, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	var out []Event
	for _, m := range matches {
		evs, err := ReadLog(m)
		if err != nil {
			return out, err
		}
		out = append(out, evs...)
	}
	return out, nil
}
