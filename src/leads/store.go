package leads

import (
	"context"
	"errors"
	"fmt"
)

// Sheet names
const (
	SheetLeads      = "leads"
	SheetObjections = "objections"
	SheetOffers     = "offers"
)

var (
	// ErrStoreBusy is returned when the store is held by another writer
	ErrStoreBusy = errors.New("record store busy")
	// ErrUnknownSheet is returned for a sheet or column outside the layout
	ErrUnknownSheet = errors.New("unknown sheet")
)

// Row is one record keyed by column name
type Row map[string]string

// Match is an equality predicate over columns; empty matches every row
type Match map[string]string

// RecordStore is a row store that needs exclusive access for writes
type RecordStore interface {
	// AppendOrUpdate updates the first row matching match, or appends row when none does.
	// A nil match always appends.
	AppendOrUpdate(ctx context.Context, sheet string, match Match, row Row) (created bool, err error)
	Query(ctx context.Context, sheet string, match Match) ([]Row, error)
	Count(ctx context.Context, sheet string, match Match) (int, error)
	Persist(ctx context.Context) error
	Close() error
}

// columns lists the layout of every sheet; "id" is the primary key
var columns = map[string][]string{
	SheetLeads:      {"id", "phone", "name", "location", "symptoms", "source", "campaign", "day", "created_at", "updated_at"},
	SheetObjections: {"id", "phone", "name", "type", "raw_text", "status", "created_at"},
	SheetOffers:     {"id", "phone", "name", "reason", "raw_text", "status", "created_at"},
}

// Sheets returns the known sheet names in creation order
func Sheets() []string {
	return []string{SheetLeads, SheetObjections, SheetOffers}
}

func sheetColumns(sheet string) ([]string, error) {
	cols, ok := columns[sheet]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSheet, sheet)
	}
	return cols, nil
}

func checkColumns(sheet string, keys map[string]string) error {
	cols, err := sheetColumns(sheet)
	if err != nil {
		return err
	}
	for key := range keys {
		known := false
		for _, c := range cols {
			if c == key {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: column %q in %q", ErrUnknownSheet, key, sheet)
		}
	}
	return nil
}
