package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// ErrNotFound is returned when no document exists under a key
var ErrNotFound = errors.New("document not found")

// JSONFileStore keeps one JSON document per key under a base directory.
// Writes go through a temp file and rename so readers never see partial data.
type JSONFileStore struct {
	baseDir string
}

// NewJSONFileStore creates a store rooted at baseDir
func NewJSONFileStore(baseDir string) (*JSONFileStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base dir is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &JSONFileStore{baseDir: baseDir}, nil
}

// Path returns the file backing key
func (j *JSONFileStore) Path(key string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_").Replace(key)
	return filepath.Join(j.baseDir, safe+".json")
}

// Read decodes the document stored under key into dest
func (j *JSONFileStore) Read(key string, dest any) error {
	data, err := os.ReadFile(j.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := sonic.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return nil
}

// Write stores v under key atomically
func (j *JSONFileStore) Write(key string, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return writeAtomic(j.Path(key), data)
}

// Remove deletes the document under key; missing documents are not an error
func (j *JSONFileStore) Remove(key string) error {
	if err := os.Remove(j.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// ModTime returns when the document under key was last written
func (j *JSONFileStore) ModTime(key string) (time.Time, error) {
	info, err := os.Stat(j.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// CleanupOlderThan removes documents not written within maxAge
func (j *JSONFileStore) CleanupOlderThan(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(j.baseDir)
	if err != nil {
		return 0, fmt.Errorf("failed to list store directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.baseDir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp for %s: %w", path, err)
	}
	return nil
}
