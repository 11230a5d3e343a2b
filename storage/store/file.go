package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileDeadLetterStore appends dead letters as JSON lines to a local file
type FileDeadLetterStore struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileDeadLetterStore opens (or creates) path for appending
func NewFileDeadLetterStore(path string) (*FileDeadLetterStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter file: %w", err)
	}
	return &FileDeadLetterStore{file: f}, nil
}

// WriteDeadLetter appends dl and syncs the file before returning
func (s *FileDeadLetterStore) WriteDeadLetter(ctx context.Context, dl DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to append dead letter: %w", err)
	}
	return s.file.Sync()
}

// Close closes the underlying file
func (s *FileDeadLetterStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ReadDeadLetters loads every dead letter from a JSON lines file
func ReadDeadLetters(path string) ([]DeadLetter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []DeadLetter
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var dl DeadLetter
		if err := json.Unmarshal(sc.Bytes(), &dl); err != nil {
			return nil, fmt.Errorf("corrupt dead-letter line %d: %w", len(out)+1, err)
		}
		out = append(out, dl)
	}
	return out, sc.Err()
}

var _ DeadLetterStore = (*FileDeadLetterStore)(nil)
