package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/config"
)

// FormatVersion is written on every JSONL line. Readers accept any
// version with the same major; lines from a newer major are logged and
// skipped so an old binary never misreads a new format.
const FormatVersion = "1.0.0"

// maxLineBytes bounds a single history line when reloading the file.
const maxLineBytes = 1 << 20

// compactFactor triggers a rewrite once the file holds this many times
// the ring capacity in lines.
const compactFactor = 4

var formatMajor = semver.MustParse(FormatVersion).Major()

// line is the on-disk envelope. Embedding keeps the record fields
// flat, so the file stays greppable and self-describing.
type line struct {
	FormatVersion string `json:"format_version"`
	Record
}

// FileStore is the primary store: a bounded in-memory ring backed by
// an append-only JSONL file. The file may hold more lines than the
// ring; on reload only the newest capacity records survive.
type FileStore struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	ring  *ring
	lines int
	log   zerolog.Logger
}

func NewFileStore(path string, capacity int) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}
	s := &FileStore{
		path: path,
		ring: newRing(capacity),
		log:  config.NewLogger("history"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening history file: %w", err)
	}
	s.f = f
	return s, nil
}

// load replays the existing file into the ring. Unparseable lines and
// lines from a newer format major are skipped, never fatal; history is
// advisory state and a bad line must not stop the control plane.
func (s *FileStore) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading history file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	skipped := 0
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		s.lines++
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			skipped++
			continue
		}
		if !s.versionReadable(l.FormatVersion) {
			skipped++
			continue
		}
		s.ring.add(l.Record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning history file: %w", err)
	}
	if skipped > 0 {
		s.log.Warn().Int("skipped", skipped).Int("kept", s.ring.count).
			Msg("history lines skipped on reload")
	} else if s.ring.count > 0 {
		s.log.Info().Int("records", s.ring.count).Msg("history reloaded")
	}
	return nil
}

// versionReadable accepts same-major lines. Missing versions are
// treated as the first format.
func (s *FileStore) versionReadable(v string) bool {
	if v == "" {
		return true
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		s.log.Warn().Str("format_version", v).Msg("unparseable history format version")
		return false
	}
	if parsed.Major() > formatMajor {
		s.log.Warn().Str("format_version", v).Msg("history line from newer format, skipping")
		return false
	}
	return true
}

func (s *FileStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(line{FormatVersion: FormatVersion, Record: rec})
	if err != nil {
		return fmt.Errorf("encoding history record: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("writing history record: %w", err)
	}
	s.ring.add(rec)
	s.lines++

	if s.lines >= compactFactor*len(s.ring.buf) {
		if err := s.compact(); err != nil {
			// Keep appending to the oversized file rather than fail the caller.
			s.log.Error().Err(err).Msg("history compaction failed")
		}
	}
	return nil
}

// compact rewrites the file with only the ring contents, tmp + rename
// so a crash mid-write never loses the old file.
func (s *FileStore) compact() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	records := s.ring.snapshot()
	for _, rec := range records {
		data, err := json.Marshal(line{FormatVersion: FormatVersion, Record: rec})
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.f = nf
	s.lines = len(records)
	s.log.Debug().Int("records", len(records)).Msg("history compacted")
	return nil
}

func (s *FileStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.list(limit), nil
}

func (s *FileStore) Get(_ context.Context, id uuid.UUID) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ring.get(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.count
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
