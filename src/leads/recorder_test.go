package leads

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadbot/src/lock"
	"leadbot/src/model"
	"leadbot/src/retry"
)

// flakyStore wraps a RecordStore and fails the first N writes
type flakyStore struct {
	RecordStore
	mu       sync.Mutex
	failures int
	failWith error
	writes   int
}

func (f *flakyStore) AppendOrUpdate(ctx context.Context, sheet string, match Match, row Row) (bool, error) {
	f.mu.Lock()
	f.writes++
	fail := f.writes <= f.failures
	f.mu.Unlock()
	if fail {
		return false, f.failWith
	}
	return f.RecordStore.AppendOrUpdate(ctx, sheet, match, row)
}

var lima = time.FixedZone("PET", -5*60*60)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQLStore(context.Background(), "sqlite", filepath.Join(t.TempDir(), "leads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestRecorder(store RecordStore, now time.Time) *Recorder {
	locker := lock.NewMemory(lock.Options{PollMin: time.Millisecond, PollMax: 2 * time.Millisecond, MaxWait: time.Second}, zerolog.Nop())
	return NewRecorder(store, locker, testPolicy(), RecorderOptions{
		Source:   "whatsapp",
		Location: lima,
		Now:      func() time.Time { return now },
	}, zerolog.Nop())
}

func TestRecordLeadRetriesBusyStore(t *testing.T) {
	store := &flakyStore{RecordStore: openTestStore(t), failures: 2, failWith: fmt.Errorf("write: %w", ErrStoreBusy)}
	rec := newTestRecorder(store, time.Date(2026, 3, 2, 10, 0, 0, 0, lima))

	err := rec.RecordLead(context.Background(), model.LeadRecord{
		Phone:    "51999000111",
		Symptoms: []string{"dolor de cabeza"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, store.writes)

	leads, err := rec.LeadsForDay(context.Background(), "2026-03-02")
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, []string{"dolor de cabeza"}, leads[0].Symptoms)
	assert.Equal(t, "whatsapp", leads[0].Source)
}

func TestRecordLeadGivesUpAfterBudget(t *testing.T) {
	store := &flakyStore{RecordStore: openTestStore(t), failures: 10, failWith: errors.New("database is locked (5) (SQLITE_BUSY)")}
	rec := newTestRecorder(store, time.Now())

	err := rec.RecordLead(context.Background(), model.LeadRecord{Phone: "51999000111", Location: "Lima"})
	require.Error(t, err)
	assert.Equal(t, 3, store.writes)

	var exhausted *retry.ExhaustedError
	assert.True(t, errors.As(err, &exhausted))
}

func TestRecordLeadPermanentErrorNotRetried(t *testing.T) {
	store := &flakyStore{RecordStore: openTestStore(t), failures: 10, failWith: errors.New("no such column: foo")}
	rec := newTestRecorder(store, time.Now())

	err := rec.RecordLead(context.Background(), model.LeadRecord{Phone: "51999000111", Location: "Lima"})
	require.Error(t, err)
	assert.Equal(t, 1, store.writes)
}

func TestRecordLeadUpsertsSameDay(t *testing.T) {
	store := openTestStore(t)
	day := time.Date(2026, 3, 2, 9, 0, 0, 0, lima)
	rec := newTestRecorder(store, day)
	ctx := context.Background()

	require.NoError(t, rec.RecordLead(ctx, model.LeadRecord{Phone: "51999000111", Symptoms: []string{"dolor de cabeza"}}))
	require.NoError(t, rec.RecordLead(ctx, model.LeadRecord{
		Phone:    "51999000111",
		Name:     "Rosa",
		Location: "Miraflores",
		Symptoms: []string{"Dolor de cabeza", "mareos"},
	}))

	n, err := store.Count(ctx, SheetLeads, Match{"phone": "51999000111"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	leads, err := rec.LeadsForDay(ctx, "2026-03-02")
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "Rosa", leads[0].Name)
	assert.Equal(t, "Miraflores", leads[0].Location)
	assert.Equal(t, []string{"dolor de cabeza", "mareos"}, leads[0].Symptoms)

	// next local day is a new row
	next := newTestRecorder(store, day.Add(24*time.Hour))
	require.NoError(t, next.RecordLead(ctx, model.LeadRecord{Phone: "51999000111", Symptoms: []string{"fiebre"}}))
	n, err = store.Count(ctx, SheetLeads, Match{"phone": "51999000111"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestObjectionsAndOffersAreAppendOnly(t *testing.T) {
	store := openTestStore(t)
	rec := newTestRecorder(store, time.Now())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, rec.RecordObjection(ctx, model.ObjectionEvent{
			Phone:   "51999000111",
			Type:    model.ObjectionPrice,
			RawText: "está muy caro",
		}))
		require.NoError(t, rec.RecordOffer(ctx, model.FreeConsultationOffer{
			Phone:   "51999000111",
			Reason:  string(model.ObjectionPrice),
			RawText: "está muy caro",
		}))
	}

	n, err := store.Count(ctx, SheetObjections, Match{"phone": "51999000111"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := store.Query(ctx, SheetOffers, Match{"phone": "51999000111"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.OfferOffered, rows[0]["status"])
}

func TestStoreRejectsUnknownColumns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.AppendOrUpdate(ctx, SheetLeads, nil, Row{"phone": "1", "password": "x"})
	assert.ErrorIs(t, err, ErrUnknownSheet)

	_, err = store.Query(ctx, "users", nil)
	assert.ErrorIs(t, err, ErrUnknownSheet)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, retry.Transient, Classify(ErrStoreBusy))
	assert.Equal(t, retry.Transient, Classify(fmt.Errorf("acquire: %w", lock.ErrLockTimeout)))
	assert.Equal(t, retry.Transient, Classify(errors.New("database is locked")))
	assert.Equal(t, retry.Transient, Classify(errors.New("i/o timeout")))
	assert.Equal(t, retry.Permanent, Classify(errors.New("no such table: leads")))
	assert.Equal(t, retry.Permanent, Classify(context.Canceled))
}

func TestRecordLeadKeepsSymptomsWithCommas(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, lima)
	rec := newTestRecorder(store, now)

	require.NoError(t, rec.RecordLead(ctx, model.LeadRecord{
		Phone:    "51999000111",
		Symptoms: []string{"dolor de cabeza, fuerte"},
	}))
	require.NoError(t, rec.RecordLead(ctx, model.LeadRecord{
		Phone:    "51999000111",
		Symptoms: []string{"mareos", "dolor de cabeza, fuerte"},
	}))

	leads, err := rec.LeadsForDay(ctx, "2026-03-02")
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, []string{"dolor de cabeza, fuerte", "mareos"}, leads[0].Symptoms)
}

func TestSplitSymptomsReadsLegacyRows(t *testing.T) {
	assert.Equal(t, []string{"fiebre", "tos"}, splitSymptoms("fiebre, tos"))
	assert.Equal(t, []string{"fiebre, alta"}, splitSymptoms(`["fiebre, alta"]`))
	assert.Equal(t, []string{}, splitSymptoms(""))
}
