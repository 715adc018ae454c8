package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadbot/src/model"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memStore struct {
	mu    sync.Mutex
	saved map[string]model.ConversationState
	saves int
	fail  error
}

func newMemStore() *memStore {
	return &memStore{saved: map[string]model.ConversationState{}}
}

func (s *memStore) Save(_ context.Context, state model.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.saves++
	s.saved[state.CounterpartID] = state.Clone()
	return nil
}

func (s *memStore) Load(_ context.Context, id string) (*model.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.saved[id]
	if !ok {
		return nil, nil
	}
	out := state.Clone()
	return &out, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, id)
	return nil
}

func (s *memStore) get(id string) (model.ConversationState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.saved[id]
	return state, ok
}

var lima = time.FixedZone("PET", -5*60*60)

func newTestMachine(t *testing.T, store SnapshotStore, capacity int) (*Machine, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, lima)}
	m := NewMachine(Options{
		Capacity:     capacity,
		IdleTimeout:  30 * time.Minute,
		HistoryTurns: 2,
		Location:     lima,
		Now:          c.Now,
	}, store, zerolog.Nop())
	return m, c
}

func TestGetCreatesInitialState(t *testing.T) {
	m, c := newTestMachine(t, nil, 10)

	state, err := m.Get(context.Background(), "51999000111@c.us")
	require.NoError(t, err)
	assert.Equal(t, model.StateInitial, state.State)
	assert.Equal(t, c.Now(), state.LastUpdate)
	assert.Empty(t, state.Facts.Symptoms)
	assert.Equal(t, 1, m.Len())

	again, err := m.Get(context.Background(), "51999000111@c.us")
	require.NoError(t, err)
	assert.Equal(t, state.CreatedAt, again.CreatedAt)
	assert.Equal(t, 1, m.Len())
}

func TestGetFailsOverCapacity(t *testing.T) {
	m, _ := newTestMachine(t, nil, 2)
	ctx := context.Background()

	_, err := m.Get(ctx, "a")
	require.NoError(t, err)
	_, err = m.Get(ctx, "b")
	require.NoError(t, err)

	_, err = m.Get(ctx, "c")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// known counterparts are still served
	_, err = m.Get(ctx, "a")
	assert.NoError(t, err)
}

func TestTransitionRejectsUnknownState(t *testing.T) {
	m, _ := newTestMachine(t, nil, 10)

	_, err := m.Transition(context.Background(), "a", model.State("DANCING"), model.Patch{})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, m.Len())
}

func TestTransitionMergesFacts(t *testing.T) {
	m, c := newTestMachine(t, nil, 10)
	ctx := context.Background()

	_, err := m.Transition(ctx, "a", model.StateWaitingLocation, model.Patch{
		Name:     "Rosa",
		Symptoms: []string{"dolor de cabeza"},
	})
	require.NoError(t, err)

	c.Advance(time.Minute)
	state, err := m.Transition(ctx, "a", model.StateCollectingInfo, model.Patch{
		Location: "Miraflores",
		Symptoms: []string{"mareos", "dolor de cabeza"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.StateCollectingInfo, state.State)
	assert.Equal(t, "Rosa", state.Facts.Name, "empty name must not overwrite")
	assert.Equal(t, "Miraflores", state.Facts.Location)
	assert.Equal(t, []string{"dolor de cabeza", "mareos", "dolor de cabeza"}, state.Facts.Symptoms)
	assert.Equal(t, c.Now(), state.LastUpdate)
}

func TestReturnedStateIsACopy(t *testing.T) {
	m, _ := newTestMachine(t, nil, 10)
	ctx := context.Background()

	state, err := m.Merge(ctx, "a", model.Patch{Symptoms: []string{"fiebre"}})
	require.NoError(t, err)
	state.Facts.Symptoms[0] = "changed"

	again, ok := m.Peek("a")
	require.True(t, ok)
	assert.Equal(t, []string{"fiebre"}, again.Facts.Symptoms)
}

func TestFinishedTransitionSnapshotsImmediately(t *testing.T) {
	store := newMemStore()
	m, _ := newTestMachine(t, store, 10)
	ctx := context.Background()

	_, err := m.Transition(ctx, "a", model.StateWaitingName, model.Patch{})
	require.NoError(t, err)
	_, ok := store.get("a")
	assert.False(t, ok, "non-terminal transitions wait for the periodic snapshot")

	_, err = m.Transition(ctx, "a", model.StateFinished, model.Patch{Name: "Rosa"})
	require.NoError(t, err)

	saved, ok := store.get("a")
	require.True(t, ok)
	assert.Equal(t, model.StateFinished, saved.State)
	assert.Equal(t, "Rosa", saved.Facts.Name)
}

func TestSnapshotAllWritesOnlyDirtyStates(t *testing.T) {
	store := newMemStore()
	m, _ := newTestMachine(t, store, 10)
	ctx := context.Background()

	_, err := m.Get(ctx, "a")
	require.NoError(t, err)
	_, err = m.Get(ctx, "b")
	require.NoError(t, err)

	saved, err := m.SnapshotAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)

	saved, err = m.SnapshotAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, saved)

	require.NoError(t, m.MarkGreeted(ctx, "a"))
	saved, err = m.SnapshotAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
}

func TestSnapshotFailureKeepsStateDirty(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("disk full")
	m, _ := newTestMachine(t, store, 10)
	ctx := context.Background()

	_, err := m.Get(ctx, "a")
	require.NoError(t, err)

	_, err = m.SnapshotAll(ctx)
	assert.Error(t, err)

	store.mu.Lock()
	store.fail = nil
	store.mu.Unlock()

	saved, err := m.SnapshotAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
}

func TestLeadProcessedTodayFollowsCalendarDay(t *testing.T) {
	m, c := newTestMachine(t, nil, 10)
	ctx := context.Background()

	assert.False(t, m.IsLeadProcessedToday("a"))

	require.NoError(t, m.MarkLeadProcessed(ctx, "a"))
	assert.True(t, m.IsLeadProcessedToday("a"))

	// 23:30 local, still the same day
	c.Advance(13*time.Hour + 30*time.Minute)
	assert.True(t, m.IsLeadProcessedToday("a"))

	// past local midnight, no mutation in between
	c.Advance(time.Hour)
	assert.False(t, m.IsLeadProcessedToday("a"))
}

func TestGreetedTodayRequiresActivityToday(t *testing.T) {
	m, c := newTestMachine(t, nil, 10)
	ctx := context.Background()

	assert.False(t, m.IsGreetedToday("a"))
	require.NoError(t, m.MarkGreeted(ctx, "a"))
	assert.True(t, m.IsGreetedToday("a"))

	c.Advance(24 * time.Hour)
	assert.False(t, m.IsGreetedToday("a"))
}

func TestHistoryIsBounded(t *testing.T) {
	m, _ := newTestMachine(t, nil, 10)
	ctx := context.Background()

	for _, line := range []string{"1", "2", "3", "4", "5", "6"} {
		require.NoError(t, m.AppendHistory(ctx, "a", "user", line))
	}

	state, ok := m.Peek("a")
	require.True(t, ok)
	require.Len(t, state.History, 4)
	assert.Equal(t, "3", state.History[0].Content)
	assert.Equal(t, "6", state.History[3].Content)
}

func TestSweepFinishesAndEvictsIdle(t *testing.T) {
	store := newMemStore()
	m, c := newTestMachine(t, store, 10)
	ctx := context.Background()

	_, err := m.Transition(ctx, "idle", model.StateCollectingInfo, model.Patch{Symptoms: []string{"fiebre"}})
	require.NoError(t, err)

	c.Advance(20 * time.Minute)
	_, err = m.Get(ctx, "active")
	require.NoError(t, err)

	c.Advance(15 * time.Minute)
	assert.Equal(t, 1, m.Sweep(ctx))

	_, tracked := m.Peek("idle")
	assert.False(t, tracked)
	_, tracked = m.Peek("active")
	assert.True(t, tracked)

	saved, ok := store.get("idle")
	require.True(t, ok)
	assert.Equal(t, model.StateFinished, saved.State)
	assert.Equal(t, []string{"fiebre"}, saved.Facts.Symptoms)
}

func TestSweepKeepsStateWhenSnapshotFails(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("disk full")
	m, c := newTestMachine(t, store, 10)
	ctx := context.Background()

	_, err := m.Get(ctx, "a")
	require.NoError(t, err)

	c.Advance(time.Hour)
	assert.Equal(t, 0, m.Sweep(ctx))
	assert.Equal(t, 1, m.Len())
}

func TestEvictedStateIsRestoredFromSnapshot(t *testing.T) {
	store := newMemStore()
	m, c := newTestMachine(t, store, 10)
	ctx := context.Background()

	_, err := m.Transition(ctx, "a", model.StateCollectingInfo, model.Patch{
		Name:     "Rosa",
		Symptoms: []string{"fiebre"},
	})
	require.NoError(t, err)
	require.NoError(t, m.MarkLeadProcessed(ctx, "a"))

	c.Advance(time.Hour)
	require.Equal(t, 1, m.Sweep(ctx))
	require.Equal(t, 0, m.Len())

	state, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StateInitial, state.State, "finished conversations start over")
	assert.Equal(t, "Rosa", state.Facts.Name)
	assert.Equal(t, []string{"fiebre"}, state.Facts.Symptoms)
	assert.True(t, m.IsLeadProcessedToday("a"))
}

func TestRedisSnapshotStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisSnapshotStore(client, time.Hour)
	ctx := context.Background()

	missing, err := store.Load(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	state := model.NewConversationState("51999000111@c.us", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	state.Facts.Symptoms = []string{"dolor de cabeza"}
	require.NoError(t, store.Save(ctx, state))
	assert.True(t, mr.Exists("conversation:51999000111@c.us"))
	assert.Equal(t, time.Hour, mr.TTL("conversation:51999000111@c.us"))

	loaded, err := store.Load(ctx, "51999000111@c.us")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, state.Facts.Symptoms, loaded.Facts.Symptoms)
	assert.True(t, state.LastUpdate.Equal(loaded.LastUpdate))

	require.NoError(t, store.Delete(ctx, "51999000111@c.us"))
	assert.False(t, mr.Exists("conversation:51999000111@c.us"))
}

func TestFileSnapshotStoreRoundTrip(t *testing.T) {
	store, err := NewFileSnapshotStore(t.TempDir(), time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	missing, err := store.Load(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	state := model.NewConversationState("51999000111@c.us", time.Now())
	state.State = model.StateScheduling
	state.Flags.LeadProcessedDate = "2026-03-02"
	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx, "51999000111@c.us")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, model.StateScheduling, loaded.State)
	assert.Equal(t, "2026-03-02", loaded.Flags.LeadProcessedDate)
}

func TestSchedulerStopWritesFinalSnapshot(t *testing.T) {
	store := newMemStore()
	m, _ := newTestMachine(t, store, 10)
	ctx := context.Background()

	s := NewScheduler(m, time.Hour, time.Hour, zerolog.Nop())
	s.Start(ctx)
	s.Start(ctx)

	_, err := m.Get(ctx, "a")
	require.NoError(t, err)

	s.Stop(ctx)
	_, ok := store.get("a")
	assert.True(t, ok)

	// second stop is a no-op
	s.Stop(ctx)
}
