package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadbot/internal/storage"
	"leadbot/src/model"
)

// FileSnapshotStore keeps one JSON file per counterpart. Snapshots older
// than ttl are ignored on load.
type FileSnapshotStore struct {
	files *storage.JSONFileStore
	ttl   time.Duration
}

// NewFileSnapshotStore creates a snapshot store under dir
func NewFileSnapshotStore(dir string, ttl time.Duration) (*FileSnapshotStore, error) {
	files, err := storage.NewJSONFileStore(dir)
	if err != nil {
		return nil, err
	}
	return &FileSnapshotStore{files: files, ttl: ttl}, nil
}

func (f *FileSnapshotStore) Save(_ context.Context, state model.ConversationState) error {
	if err := f.files.Write(state.CounterpartID, state); err != nil {
		return fmt.Errorf("failed to save conversation state: %w", err)
	}
	return nil
}

func (f *FileSnapshotStore) Load(_ context.Context, counterpartID string) (*model.ConversationState, error) {
	if f.ttl > 0 {
		modTime, err := f.files.ModTime(counterpartID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err == nil && time.Since(modTime) > f.ttl {
			return nil, nil
		}
	}

	var state model.ConversationState
	if err := f.files.Read(counterpartID, &state); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}
	return &state, nil
}

func (f *FileSnapshotStore) Delete(_ context.Context, counterpartID string) error {
	return f.files.Remove(counterpartID)
}

// Prune removes snapshots older than the store's TTL
func (f *FileSnapshotStore) Prune() (int, error) {
	if f.ttl <= 0 {
		return 0, nil
	}
	return f.files.CleanupOlderThan(f.ttl)
}
