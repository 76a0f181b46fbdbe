package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"postrelay/internal/models"

	"github.com/spf13/afero"
)

// ErrCorruptState is returned when persisted state exists but cannot be parsed
var ErrCorruptState = errors.New("corrupt ledger state")

const stateVersion = 1

type persistedState struct {
	Version  int                   `json:"version"`
	SavedAt  time.Time             `json:"saved_at"`
	Accounts []models.AccountQuota `json:"accounts"`
}

func encodeState(quotas []models.AccountQuota) ([]byte, error) {
	return json.MarshalIndent(persistedState{
		Version:  stateVersion,
		SavedAt:  time.Now().UTC(),
		Accounts: quotas,
	}, "", "  ")
}

func decodeState(data []byte) ([]models.AccountQuota, error) {
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if state.Version != stateVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptState, state.Version)
	}
	for _, q := range state.Accounts {
		if q.Remaining < 0 {
			return nil, fmt.Errorf("%w: negative remaining for account %d", ErrCorruptState, q.AccountID)
		}
	}
	return state.Accounts, nil
}

// FileStore keeps ledger state in a single JSON document. Writes go to a temp
// file in the same directory and are renamed into place.
type FileStore struct {
	fs   afero.Fs
	path string
}

// NewFileStore creates a store at path on the given filesystem
func NewFileStore(fs afero.Fs, path string) *FileStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileStore{fs: fs, path: path}
}

// Path returns the state file location
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the state file
func (s *FileStore) Load(ctx context.Context) ([]models.AccountQuota, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}
	return decodeState(data)
}

// Save atomically replaces the state file
func (s *FileStore) Save(ctx context.Context, quotas []models.AccountQuota) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeState(quotas)
	if err != nil {
		return fmt.Errorf("failed to encode ledger state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to write ledger file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to sync ledger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to close ledger file: %w", err)
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to replace ledger file: %w", err)
	}
	return nil
}
