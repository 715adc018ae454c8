package leads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"leadbot/src/lock"
	"leadbot/src/model"
	"leadbot/src/retry"
)

// StoreLockName is the lock serialising every record-store read-modify-write
const StoreLockName = "record-store"

// legacySymptomSeparator joined symptoms before they were stored as a JSON array
const legacySymptomSeparator = ", "

// Classify marks contention and timeouts as retryable
func Classify(err error) retry.Class {
	switch {
	case err == nil:
		return retry.Permanent
	case errors.Is(err, context.Canceled):
		return retry.Permanent
	case errors.Is(err, ErrStoreBusy), errors.Is(err, lock.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		return retry.Transient
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"database is locked", "sqlite_busy", "busy", "timeout", "timed out", "could not serialize", "deadlock", "connection reset"} {
		if strings.Contains(msg, needle) {
			return retry.Transient
		}
	}
	return retry.Permanent
}

// Recorder applies dedup rules and writes events to the record store
type Recorder struct {
	store    RecordStore
	locker   lock.Locker
	policy   retry.Policy
	source   string
	campaign string
	location *time.Location
	now      func() time.Time
	logger   zerolog.Logger
}

// RecorderOptions configures a Recorder
type RecorderOptions struct {
	Source   string
	Campaign string
	Location *time.Location
	Now      func() time.Time
}

// NewRecorder creates a recorder. policy.Classify is replaced by Classify.
func NewRecorder(store RecordStore, locker lock.Locker, policy retry.Policy, opts RecorderOptions, logger zerolog.Logger) *Recorder {
	policy.Classify = Classify
	if policy.Name == "" {
		policy.Name = "record-store"
	}
	policy.Logger = logger
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		store:    store,
		locker:   locker,
		policy:   policy,
		source:   opts.Source,
		campaign: opts.Campaign,
		location: opts.Location,
		now:      opts.Now,
		logger:   logger,
	}
}

// locked runs fn inside the store lock, retried as a whole
func (r *Recorder) locked(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p := r.policy
	p.Name = op
	return p.Do(ctx, func(ctx context.Context) error {
		return lock.WithLock(ctx, r.locker, StoreLockName, fn)
	})
}

// RecordLead upserts the (phone, day) lead, merging symptoms and
// overwriting name/location when present.
func (r *Recorder) RecordLead(ctx context.Context, lead model.LeadRecord) error {
	now := r.now()
	if lead.Phone == "" {
		return fmt.Errorf("lead phone is required")
	}
	if lead.Day == "" {
		lead.Day = model.LocalDay(now, r.location)
	}
	if lead.Source == "" {
		lead.Source = r.source
	}
	if lead.Campaign == "" {
		lead.Campaign = r.campaign
	}

	var created bool
	err := r.locked(ctx, "record-lead", func(ctx context.Context) error {
		match := Match{"phone": lead.Phone, "day": lead.Day}
		existing, err := r.store.Query(ctx, SheetLeads, match)
		if err != nil {
			return err
		}

		row := Row{
			"phone":      lead.Phone,
			"source":     lead.Source,
			"campaign":   lead.Campaign,
			"day":        lead.Day,
			"updated_at": now.UTC().Format(time.RFC3339),
		}
		var symptoms []string
		if len(existing) > 0 {
			symptoms = mergeSymptoms(splitSymptoms(existing[0]["symptoms"]), lead.Symptoms)
		} else {
			symptoms = mergeSymptoms(nil, lead.Symptoms)
			row["created_at"] = now.UTC().Format(time.RFC3339)
		}
		encoded, err := encodeSymptoms(symptoms)
		if err != nil {
			return err
		}
		row["symptoms"] = encoded
		if lead.Name != "" {
			row["name"] = lead.Name
		}
		if lead.Location != "" {
			row["location"] = lead.Location
		}

		created, err = r.store.AppendOrUpdate(ctx, SheetLeads, match, row)
		if err != nil {
			return err
		}
		return r.store.Persist(ctx)
	})
	if err != nil {
		return fmt.Errorf("record lead: %w", err)
	}

	r.logger.Info().
		Str("phone", lead.Phone).
		Str("day", lead.Day).
		Bool("created", created).
		Msg("Lead recorded")
	return nil
}

// RecordObjection appends an objection event
func (r *Recorder) RecordObjection(ctx context.Context, event model.ObjectionEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now()
	}
	if event.Status == "" {
		event.Status = "detected"
	}

	row := Row{
		"id":         event.ID,
		"phone":      event.Phone,
		"name":       event.Name,
		"type":       string(event.Type),
		"raw_text":   event.RawText,
		"status":     event.Status,
		"created_at": event.CreatedAt.UTC().Format(time.RFC3339),
	}
	if err := r.appendRow(ctx, "record-objection", SheetObjections, row); err != nil {
		return fmt.Errorf("record objection: %w", err)
	}
	r.logger.Info().Str("phone", event.Phone).Str("type", string(event.Type)).Msg("Objection recorded")
	return nil
}

// RecordOffer appends a free-consultation offer event
func (r *Recorder) RecordOffer(ctx context.Context, offer model.FreeConsultationOffer) error {
	if offer.ID == "" {
		offer.ID = uuid.NewString()
	}
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = r.now()
	}
	if offer.Status == "" {
		offer.Status = model.OfferOffered
	}

	row := Row{
		"id":         offer.ID,
		"phone":      offer.Phone,
		"name":       offer.Name,
		"reason":     offer.Reason,
		"raw_text":   offer.RawText,
		"status":     offer.Status,
		"created_at": offer.CreatedAt.UTC().Format(time.RFC3339),
	}
	if err := r.appendRow(ctx, "record-offer", SheetOffers, row); err != nil {
		return fmt.Errorf("record offer: %w", err)
	}
	r.logger.Info().Str("phone", offer.Phone).Str("status", offer.Status).Msg("Free consultation offer recorded")
	return nil
}

func (r *Recorder) appendRow(ctx context.Context, op, sheet string, row Row) error {
	return r.locked(ctx, op, func(ctx context.Context) error {
		// re-running after a failed commit must not duplicate the event
		if _, err := r.store.AppendOrUpdate(ctx, sheet, Match{"id": row["id"]}, row); err != nil {
			return err
		}
		return r.store.Persist(ctx)
	})
}

// LeadsForDay lists the leads recorded on day (YYYY-MM-DD)
func (r *Recorder) LeadsForDay(ctx context.Context, day string) ([]model.LeadRecord, error) {
	var rows []Row
	err := r.locked(ctx, "query-leads", func(ctx context.Context) error {
		var err error
		rows, err = r.store.Query(ctx, SheetLeads, Match{"day": day})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}

	out := make([]model.LeadRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, leadFromRow(row))
	}
	return out, nil
}

func leadFromRow(row Row) model.LeadRecord {
	lead := model.LeadRecord{
		Phone:    row["phone"],
		Name:     row["name"],
		Location: row["location"],
		Symptoms: splitSymptoms(row["symptoms"]),
		Source:   row["source"],
		Campaign: row["campaign"],
		Day:      row["day"],
	}
	lead.CreatedAt, _ = time.Parse(time.RFC3339, row["created_at"])
	lead.UpdatedAt, _ = time.Parse(time.RFC3339, row["updated_at"])
	return lead
}

func encodeSymptoms(symptoms []string) (string, error) {
	if symptoms == nil {
		symptoms = []string{}
	}
	data, err := sonic.Marshal(symptoms)
	if err != nil {
		return "", fmt.Errorf("encode symptoms: %w", err)
	}
	return string(data), nil
}

func splitSymptoms(s string) []string {
	out := []string{}
	if strings.HasPrefix(strings.TrimSpace(s), "[") {
		var decoded []string
		if err := sonic.UnmarshalString(s, &decoded); err == nil {
			for _, part := range decoded {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			return out
		}
	}
	for _, part := range strings.Split(s, legacySymptomSeparator) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// mergeSymptoms appends new symptoms not already present (case-insensitive)
func mergeSymptoms(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(added))
	for _, s := range existing {
		seen[strings.ToLower(s)] = true
		out = append(out, s)
	}
	for _, s := range added {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
