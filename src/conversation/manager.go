package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"leadbot/src/model"
)

var (
	// ErrCapacityExceeded is returned when a new counterpart would exceed the tracking ceiling
	ErrCapacityExceeded = errors.New("conversation capacity exceeded")
	// ErrInvalidState is returned for an unrecognized state value
	ErrInvalidState = errors.New("invalid conversation state")
)

// Options configures a Machine
type Options struct {
	Capacity     int
	IdleTimeout  time.Duration
	HistoryTurns int
	Location     *time.Location
	Now          func() time.Time
}

type entry struct {
	state    model.ConversationState
	dirty    bool
	loadedAt time.Time
}

// idleSince is the later of the last update and the moment the entry was loaded
func (e *entry) idleSince() time.Time {
	if e.loadedAt.After(e.state.LastUpdate) {
		return e.loadedAt
	}
	return e.state.LastUpdate
}

// Machine owns every in-memory ConversationState. Nothing else mutates them;
// callers receive copies.
type Machine struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
	store   SnapshotStore
	logger  zerolog.Logger
}

// NewMachine creates a state machine persisting through store (nil keeps nothing)
func NewMachine(opts Options, store SnapshotStore, logger zerolog.Logger) *Machine {
	if opts.Capacity <= 0 {
		opts.Capacity = 100
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 10
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if store == nil {
		store = NopStore{}
	}
	return &Machine{
		entries: make(map[string]*entry),
		opts:    opts,
		store:   store,
		logger:  logger,
	}
}

// Location returns the zone used for calendar-day comparisons
func (m *Machine) Location() *time.Location {
	return m.opts.Location
}

// Today returns the current local calendar day
func (m *Machine) Today() string {
	return model.LocalDay(m.opts.Now(), m.opts.Location)
}

// ====================== Lifecycle ======================

// Get returns the counterpart's state, restoring it from the snapshot store
// or creating a fresh INITIAL one when it is not tracked yet.
func (m *Machine) Get(ctx context.Context, counterpartID string) (model.ConversationState, error) {
	m.mu.Lock()
	if e, ok := m.entries[counterpartID]; ok {
		defer m.mu.Unlock()
		return e.state.Clone(), nil
	}
	if len(m.entries) >= m.opts.Capacity {
		m.mu.Unlock()
		return model.ConversationState{}, fmt.Errorf("%w: %d tracked", ErrCapacityExceeded, m.opts.Capacity)
	}
	m.mu.Unlock()

	restored, err := m.store.Load(ctx, counterpartID)
	if err != nil {
		m.logger.Warn().Err(err).Str("counterpart", counterpartID).Msg("Failed to restore conversation snapshot")
		restored = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// another caller may have created it while the store was read
	if e, ok := m.entries[counterpartID]; ok {
		return e.state.Clone(), nil
	}
	if len(m.entries) >= m.opts.Capacity {
		return model.ConversationState{}, fmt.Errorf("%w: %d tracked", ErrCapacityExceeded, m.opts.Capacity)
	}

	now := m.opts.Now()
	var state model.ConversationState
	if restored != nil && restored.CounterpartID == counterpartID {
		state = restored.Clone()
		// a finished conversation starts over but keeps what we learned
		if state.State == model.StateFinished || !state.State.Valid() {
			state.State = model.StateInitial
		}
		if state.Facts.Symptoms == nil {
			state.Facts.Symptoms = []string{}
		}
		m.logger.Debug().Str("counterpart", counterpartID).Msg("Conversation restored from snapshot")
	} else {
		state = model.NewConversationState(counterpartID, now)
	}

	m.entries[counterpartID] = &entry{state: state, dirty: true, loadedAt: now}
	return state.Clone(), nil
}

// Peek returns the tracked state without creating one
func (m *Machine) Peek(counterpartID string) (model.ConversationState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[counterpartID]
	if !ok {
		return model.ConversationState{}, false
	}
	return e.state.Clone(), true
}

// Len returns the number of tracked counterparts
func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Evict drops the in-memory state; any durable snapshot survives
func (m *Machine) Evict(counterpartID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[counterpartID]; !ok {
		return false
	}
	delete(m.entries, counterpartID)
	return true
}

// ====================== Mutations ======================

// Transition validates newState, merges patch and stamps LastUpdate.
// Moving to FINISHED snapshots immediately.
func (m *Machine) Transition(ctx context.Context, counterpartID string, newState model.State, patch model.Patch) (model.ConversationState, error) {
	if !newState.Valid() {
		return model.ConversationState{}, fmt.Errorf("%w: %q", ErrInvalidState, newState)
	}

	state, err := m.mutate(ctx, counterpartID, func(s *model.ConversationState) {
		patch.Apply(s)
		s.State = newState
	})
	if err != nil {
		return state, err
	}

	if newState == model.StateFinished {
		if err := m.snapshot(ctx, counterpartID); err != nil {
			m.logger.Error().Err(err).Str("counterpart", counterpartID).Msg("Failed to snapshot finished conversation")
		}
	}
	return state, nil
}

// Merge applies patch without changing the state value
func (m *Machine) Merge(ctx context.Context, counterpartID string, patch model.Patch) (model.ConversationState, error) {
	return m.mutate(ctx, counterpartID, patch.Apply)
}

// AppendHistory records one line of the recent-interaction log
func (m *Machine) AppendHistory(ctx context.Context, counterpartID, role, content string) error {
	limit := m.opts.HistoryTurns * 2
	_, err := m.mutate(ctx, counterpartID, func(s *model.ConversationState) {
		s.History = append(s.History, model.HistoryEntry{Role: role, Content: content, At: m.opts.Now()})
		if len(s.History) > limit {
			s.History = append([]model.HistoryEntry{}, s.History[len(s.History)-limit:]...)
		}
	})
	return err
}

// MarkGreeted sets the greeted flag
func (m *Machine) MarkGreeted(ctx context.Context, counterpartID string) error {
	_, err := m.Merge(ctx, counterpartID, model.Patch{HasBeenGreeted: model.Bool(true)})
	return err
}

// MarkLeadProcessed records that a lead was stored for the counterpart today
func (m *Machine) MarkLeadProcessed(ctx context.Context, counterpartID string) error {
	_, err := m.Merge(ctx, counterpartID, model.Patch{LeadProcessedDate: m.Today()})
	return err
}

func (m *Machine) mutate(ctx context.Context, counterpartID string, fn func(*model.ConversationState)) (model.ConversationState, error) {
	if _, err := m.Get(ctx, counterpartID); err != nil {
		return model.ConversationState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[counterpartID]
	if !ok {
		// evicted between Get and lock
		return model.ConversationState{}, fmt.Errorf("conversation %s no longer tracked", counterpartID)
	}
	fn(&e.state)
	e.state.LastUpdate = m.opts.Now()
	e.dirty = true
	return e.state.Clone(), nil
}

// ====================== Queries ======================

// IsGreetedToday reports whether the counterpart was greeted and last active today
func (m *Machine) IsGreetedToday(counterpartID string) bool {
	state, ok := m.Peek(counterpartID)
	if !ok || !state.Flags.HasBeenGreeted {
		return false
	}
	return model.LocalDay(state.LastUpdate, m.opts.Location) == m.Today()
}

// IsLeadProcessedToday reports whether a lead was already recorded on the current local day
func (m *Machine) IsLeadProcessedToday(counterpartID string) bool {
	state, ok := m.Peek(counterpartID)
	if !ok {
		return false
	}
	return state.Flags.LeadProcessedDate != "" && state.Flags.LeadProcessedDate == m.Today()
}

// ====================== Persistence ======================

func (m *Machine) snapshot(ctx context.Context, counterpartID string) error {
	m.mu.Lock()
	e, ok := m.entries[counterpartID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	state := e.state.Clone()
	e.dirty = false
	m.mu.Unlock()

	if err := m.store.Save(ctx, state); err != nil {
		m.markDirty(counterpartID)
		return err
	}
	return nil
}

func (m *Machine) markDirty(counterpartID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[counterpartID]; ok {
		e.dirty = true
	}
}

// SnapshotAll saves every state changed since its last snapshot
func (m *Machine) SnapshotAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	var pending []model.ConversationState
	for _, e := range m.entries {
		if e.dirty {
			pending = append(pending, e.state.Clone())
			e.dirty = false
		}
	}
	m.mu.Unlock()

	var errs []error
	saved := 0
	for _, state := range pending {
		if err := m.store.Save(ctx, state); err != nil {
			m.markDirty(state.CounterpartID)
			errs = append(errs, fmt.Errorf("%s: %w", state.CounterpartID, err))
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

// Sweep finishes and evicts every counterpart idle longer than IdleTimeout.
// A state whose snapshot fails stays in memory for the next sweep.
func (m *Machine) Sweep(ctx context.Context) int {
	now := m.opts.Now()

	m.mu.Lock()
	var idle []model.ConversationState
	for _, e := range m.entries {
		if now.Sub(e.idleSince()) > m.opts.IdleTimeout {
			if e.state.State != model.StateFinished {
				e.state.State = model.StateFinished
				e.dirty = true
			}
			idle = append(idle, e.state.Clone())
		}
	}
	m.mu.Unlock()

	evicted := 0
	for _, state := range idle {
		if err := m.store.Save(ctx, state); err != nil {
			m.logger.Error().Err(err).Str("counterpart", state.CounterpartID).Msg("Failed to snapshot idle conversation")
			continue
		}

		m.mu.Lock()
		// skip if the counterpart became active again meanwhile
		if e, ok := m.entries[state.CounterpartID]; ok && !e.state.LastUpdate.After(state.LastUpdate) {
			delete(m.entries, state.CounterpartID)
			evicted++
		}
		m.mu.Unlock()
	}

	if evicted > 0 {
		m.logger.Info().Int("evicted", evicted).Int("tracked", m.Len()).Msg("Idle conversations evicted")
	}
	return evicted
}
