package leads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect is the SQL flavour of a store
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// SQLStore keeps every sheet in its own table
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLStore opens driver ("sqlite" or "postgres") at dsn and creates missing tables
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("record store DSN is required")
	}

	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	switch strings.ToLower(driver) {
	case "", "sqlite":
		dialect = SQLite
		db, err = openSQLite(ctx, dsn)
	case "postgres", "postgresql":
		dialect = Postgres
		db, err = sql.Open("postgres", dsn)
		if err == nil {
			err = db.PingContext(ctx)
		}
	default:
		return nil, fmt.Errorf("unsupported RECORD_STORE_DRIVER %q", driver)
	}
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, fmt.Errorf("open record store: %w", err)
	}

	store := &SQLStore{db: db, dialect: dialect}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// openSQLite enforces WAL mode and a short busy timeout so contention
// surfaces as a retryable "database is locked" error.
func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create record store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one writer; the lock serialises callers anyway
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return db, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return db, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=2000"); err != nil {
		return db, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	return db, nil
}

// Migrate creates missing tables
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, sheet := range Sheets() {
		cols := columns[sheet]
		defs := make([]string, len(cols))
		for i, c := range cols {
			defs[i] = quoteIdent(c) + " TEXT NOT NULL DEFAULT ''"
			if c == "id" {
				defs[i] = quoteIdent(c) + " TEXT PRIMARY KEY"
			}
		}
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(sheet), strings.Join(defs, ", "))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", sheet, err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS leads_phone_day ON leads (phone, day)",
		"CREATE INDEX IF NOT EXISTS objections_phone ON objections (phone)",
		"CREATE INDEX IF NOT EXISTS offers_phone ON offers (phone)",
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate index: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) AppendOrUpdate(ctx context.Context, sheet string, match Match, row Row) (bool, error) {
	if err := checkColumns(sheet, row); err != nil {
		return false, err
	}
	if err := checkColumns(sheet, match); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin %s write: %w", sheet, err)
	}
	defer func() { _ = tx.Rollback() }()

	id := ""
	if match != nil {
		where, args := s.where(match, 1)
		query := fmt.Sprintf("SELECT id FROM %s%s ORDER BY created_at LIMIT 1", quoteIdent(sheet), where)
		err := tx.QueryRowContext(ctx, query, args...).Scan(&id)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("find %s row: %w", sheet, err)
		}
	}

	created := id == ""
	if created {
		err = s.insert(ctx, tx, sheet, row)
	} else {
		err = s.update(ctx, tx, sheet, id, row)
	}
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit %s write: %w", sheet, err)
	}
	return created, nil
}

func (s *SQLStore) insert(ctx context.Context, tx *sql.Tx, sheet string, row Row) error {
	values := maps.Clone(row)
	if values == nil {
		values = Row{}
	}
	if values["id"] == "" {
		values["id"] = uuid.NewString()
	}

	keys := slices.Sorted(maps.Keys(values))
	cols := make([]string, len(keys))
	marks := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = quoteIdent(k)
		marks[i] = s.dialect.placeholder(i + 1)
		args[i] = values[k]
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(sheet), strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("append %s row: %w", sheet, err)
	}
	return nil
}

func (s *SQLStore) update(ctx context.Context, tx *sql.Tx, sheet, id string, row Row) error {
	keys := slices.Sorted(maps.Keys(row))
	sets := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		if k == "id" || k == "created_at" {
			continue
		}
		args = append(args, row[k])
		sets = append(sets, quoteIdent(k)+" = "+s.dialect.placeholder(len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", quoteIdent(sheet), strings.Join(sets, ", "), s.dialect.placeholder(len(args)))
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("update %s row: %w", sheet, err)
	}
	return nil
}

func (s *SQLStore) Query(ctx context.Context, sheet string, match Match) ([]Row, error) {
	cols, err := sheetColumns(sheet)
	if err != nil {
		return nil, err
	}
	if err := checkColumns(sheet, match); err != nil {
		return nil, err
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	where, args := s.where(match, 1)
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY created_at", strings.Join(quoted, ", "), quoteIdent(sheet), where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", sheet, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		values := make([]string, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", sheet, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", sheet, err)
	}
	return out, nil
}

func (s *SQLStore) Count(ctx context.Context, sheet string, match Match) (int, error) {
	if err := checkColumns(sheet, match); err != nil {
		return 0, err
	}
	where, args := s.where(match, 1)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", quoteIdent(sheet), where)

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", sheet, err)
	}
	return n, nil
}

// Persist checkpoints the SQLite WAL into the main file; postgres commits are already durable
func (s *SQLStore) Persist(ctx context.Context) error {
	if s.dialect != SQLite {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint record store: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) where(match Match, start int) (string, []any) {
	if len(match) == 0 {
		return "", nil
	}
	keys := slices.Sorted(maps.Keys(match))
	conds := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		conds[i] = quoteIdent(k) + " = " + s.dialect.placeholder(start+i)
		args[i] = match[k]
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
