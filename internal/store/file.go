package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/jdai/vault-engine/internal/model"
)

// FileStore implements Store as one JSON file per address under a state
// directory:
//
//	<dir>/sessions/<address>.json
//	<dir>/recovered/<address>.json
//
// Every write replaces the file atomically.
type FileStore struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file store rooted at dir on fs.
func NewFileStore(fs afero.Fs, dir string) *FileStore {
	return &FileStore{fs: fs, dir: dir}
}

func (s *FileStore) sessionPath(address string) string {
	return filepath.Join(s.dir, "sessions", address+".json")
}

func (s *FileStore) recoveredPath(address string) string {
	return filepath.Join(s.dir, "recovered", address+".json")
}

func (s *FileStore) LoadSession(_ context.Context, address string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, s.sessionPath(address))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", address, err)
	}
	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", address, err)
	}
	return &sess, nil
}

func (s *FileStore) SaveSession(_ context.Context, sess *model.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.fs, s.sessionPath(sess.Address), data)
}

func (s *FileStore) DeleteSession(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fs.Remove(s.sessionPath(address))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session %s: %w", address, err)
	}
	return nil
}

func (s *FileStore) MarkRecovered(_ context.Context, rec model.RecoveredRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readRecovered(rec.Address)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.TxHash == rec.TxHash {
			return nil
		}
	}
	data, err := json.MarshalIndent(append(records, rec), "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.fs, s.recoveredPath(rec.Address), data)
}

func (s *FileStore) IsRecovered(_ context.Context, txHash, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readRecovered(address)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.TxHash == txHash {
			return true, nil
		}
	}
	return false, nil
}

func (s *FileStore) ListRecovered(_ context.Context, address string) ([]model.RecoveredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRecovered(address)
}

// readRecovered loads an address's records. Caller holds mu.
func (s *FileStore) readRecovered(address string) ([]model.RecoveredRecord, error) {
	data, err := afero.ReadFile(s.fs, s.recoveredPath(address))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read recovered %s: %w", address, err)
	}
	var records []model.RecoveredRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode recovered %s: %w", address, err)
	}
	return records, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers see the old or the new file, never a
// partial one.
func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer fs.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
