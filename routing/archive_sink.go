package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	archiveDayLayout = "2006-01-02"
	archiveSuffix    = ".jsonl.zst"
)

// ArchiveSink appends copies to day-partitioned zstd files. Every delivery
// is written as its own zstd frame so a partially written file stays readable
// up to the last complete frame.
type ArchiveSink struct {
	name string
	dir  string
	enc  *zstd.Encoder

	mu sync.Mutex
}

// NewArchiveSink creates dir if needed.
func NewArchiveSink(name, dir string) (*ArchiveSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive destination %q requires a directory", name)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", dir, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &ArchiveSink{name: name, dir: dir, enc: enc}, nil
}

// Name implements Sink
func (s *ArchiveSink) Name() string { return s.name }

func (s *ArchiveSink) fileFor(day time.Time) string {
	return filepath.Join(s.dir, s.name+"-"+day.UTC().Format(archiveDayLayout)+archiveSuffix)
}

// Deliver implements Sink
func (s *ArchiveSink) Deliver(ctx context.Context, d Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(d)
	if err != nil {
		return Permanent(fmt.Errorf("failed to encode delivery %s: %w", d.RecordID, err))
	}
	frame := s.enc.EncodeAll(append(line, '\n'), nil)

	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.fileFor(ts), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("archive destination %s: %w", s.name, err)
	}
	if _, err := f.Write(frame); err != nil {
		f.Close()
		return fmt.Errorf("archive destination %s: %w", s.name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("archive destination %s: %w", s.name, err)
	}
	return f.Close()
}

// Files lists the archive's day files in chronological order.
func (s *ArchiveSink) Files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, s.name+"-*"+archiveSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Purge removes day files whose whole day lies before cutoff. The count is
// in files, not records.
func (s *ArchiveSink) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	files, err := s.Files()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	prefix := s.name + "-"
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), prefix), archiveSuffix)
		day, err := time.Parse(archiveDayLayout, stamp)
		if err != nil {
			continue
		}
		if !day.AddDate(0, 0, 1).After(cutoff) {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, fmt.Errorf("failed to remove %s: %w", path, err)
			}
			removed++
		}
	}
	return removed, nil
}

// Close releases the encoder.
func (s *ArchiveSink) Close() error { return s.enc.Close() }

// ReadArchive decodes every delivery stored in an archive file.
func ReadArchive(path string) ([]Delivery, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Delivery
	jd := json.NewDecoder(dec)
	for {
		var d Delivery
		if err := jd.Decode(&d); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("corrupt archive %s: %w", path, err)
		}
		out = append(out, d)
	}
}

var (
	_ Sink   = (*ArchiveSink)(nil)
	_ Purger = (*ArchiveSink)(nil)
)
