package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	logx "schedbot/pkg/logx"
)

// fileStore keeps all records in a single JSON array. Every mutation is a
// full read-modify-write under mu; the new document goes to <path>.tmp first
// and is renamed over the old one.
type fileStore struct {
	fs   afero.Fs
	path string
	log  logx.Logger

	mu     sync.Mutex
	closed bool
}

// NewFileStore returns a file-backed store on fsys. The document is created
// lazily on the first mutation.
func NewFileStore(fsys afero.Fs, path string, log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &fileStore{fs: fsys, path: filepath.Clean(path), log: log}
}

func (s *fileStore) LoadAll(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.readLocked()
}

func (s *fileStore) ListAll(ctx context.Context) ([]Record, error) {
	return s.LoadAll(ctx)
}

func (s *fileStore) Append(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	recs, err := s.readLocked()
	if err != nil {
		return err
	}
	for _, cur := range recs {
		if cur.ID == r.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
		}
	}
	return s.writeLocked(append(recs, r))
}

func (s *fileStore) RemoveByID(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	recs, err := s.readLocked()
	if err != nil {
		return false, err
	}
	out := recs[:0]
	removed := false
	for _, r := range recs {
		if r.ID == id {
			removed = true
			continue
		}
		out = append(out, r)
	}
	if !removed {
		return false, nil
	}
	if err := s.writeLocked(out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) readLocked() ([]Record, error) {
	b, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return []Record{}, nil
	}
	var recs []Record
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptStore, s.path, err)
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}

func (s *fileStore) writeLocked(recs []Record) error {
	if recs == nil {
		recs = []Record{}
	}
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, append(b, '\n'), 0o600); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	s.log.Debug("store written", logx.String("path", s.path), logx.Int("records", len(recs)))
	return nil
}
