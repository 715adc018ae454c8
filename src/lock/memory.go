package lock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type memoryEntry struct {
	token      Token
	acquiredAt time.Time
}

// MemoryBackend keeps lock entries in process memory
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	maxHold time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// NewMemoryBackend creates an in-process backend; entries older than maxHold are force-cleared
func NewMemoryBackend(maxHold time.Duration, logger zerolog.Logger) *MemoryBackend {
	if maxHold <= 0 {
		maxHold = DefaultOptions().MaxHold
	}
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		maxHold: maxHold,
		now:     time.Now,
		logger:  logger,
	}
}

// NewMemory returns a Manager over a fresh MemoryBackend
func NewMemory(opts Options, logger zerolog.Logger) *Manager {
	opts = opts.normalized()
	return NewManager(NewMemoryBackend(opts.MaxHold, logger), opts, logger)
}

func (b *MemoryBackend) TryLock(_ context.Context, name string, token Token) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if entry, held := b.entries[name]; held {
		age := now.Sub(entry.acquiredAt)
		if age <= b.maxHold {
			return false, nil
		}
		b.logger.Warn().Str("lock", name).Dur("age", age).Msg("Force-clearing stale lock")
	}
	b.entries[name] = memoryEntry{token: token, acquiredAt: now}
	return true, nil
}

func (b *MemoryBackend) Unlock(_ context.Context, name string, token Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, held := b.entries[name]
	if !held || entry.token != token {
		return ErrNotHolder
	}
	delete(b.entries, name)
	return nil
}

// Held reports whether name currently has an entry
func (b *MemoryBackend) Held(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, held := b.entries[name]
	return held
}
