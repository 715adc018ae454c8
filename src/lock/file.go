package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type fileMeta struct {
	Token      Token     `json:"token"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileBackend uses one exclusive-create lock file per name, so several
// processes sharing a directory exclude each other.
type FileBackend struct {
	dir     string
	maxHold time.Duration
	logger  zerolog.Logger
}

// NewFileBackend creates a file backend rooted at dir
func NewFileBackend(dir string, maxHold time.Duration, logger zerolog.Logger) (*FileBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("lock dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	if maxHold <= 0 {
		maxHold = DefaultOptions().MaxHold
	}
	return &FileBackend{dir: dir, maxHold: maxHold, logger: logger}, nil
}

func (f *FileBackend) path(name string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(name)
	return filepath.Join(f.dir, safe+".lck")
}

func (f *FileBackend) TryLock(_ context.Context, name string, token Token) (bool, error) {
	path := f.path(name)

	for i := 0; i < 2; i++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			meta := fileMeta{Token: token, PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
			encErr := json.NewEncoder(file).Encode(meta)
			closeErr := file.Close()
			if encErr != nil || closeErr != nil {
				_ = os.Remove(path)
				return false, fmt.Errorf("failed to write lock file: %w", errors.Join(encErr, closeErr))
			}
			return true, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return false, fmt.Errorf("failed to create lock file: %w", err)
		}

		stale, age := f.stale(path)
		if !stale {
			return false, nil
		}
		f.logger.Warn().Str("lock", name).Dur("age", age).Msg("Force-clearing stale lock file")
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("failed to clear stale lock file: %w", err)
		}
	}
	return false, nil
}

// stale reports whether the lock file at path is older than maxHold
func (f *FileBackend) stale(path string) (bool, time.Duration) {
	acquired := time.Time{}
	if data, err := os.ReadFile(path); err == nil {
		var meta fileMeta
		if json.Unmarshal(data, &meta) == nil {
			acquired = meta.AcquiredAt
		}
	}
	if acquired.IsZero() {
		info, err := os.Stat(path)
		if err != nil {
			// vanished between create and stat; let the caller retry
			return errors.Is(err, os.ErrNotExist), 0
		}
		acquired = info.ModTime()
	}
	age := time.Since(acquired)
	return age > f.maxHold, age
}

func (f *FileBackend) Unlock(_ context.Context, name string, token Token) error {
	path := f.path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotHolder
		}
		return fmt.Errorf("failed to read lock file: %w", err)
	}
	var meta fileMeta
	if err := json.Unmarshal(data, &meta); err != nil || meta.Token != token {
		return ErrNotHolder
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
