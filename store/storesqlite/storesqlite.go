// Package storesqlite implements store.Store on SQLite using the pure Go
// modernc.org/sqlite driver.
package storesqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/romshark/kommobridge/store"
)

//go:embed schema.sql
var schemaSQL string

var _ store.Store = new(Store)

// Store persists session records in a SQLite database file.
type Store struct {
	db *sql.DB
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

// Open opens the SQLite database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, rec store.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions
			(id, user_id, language, created_at, updated_at, expires_at, metadata, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.UserID, rec.Language,
		toMicros(rec.CreatedAt), toMicros(rec.UpdatedAt), toMicros(rec.ExpiresAt),
		metadataText(rec.Metadata), rec.Active,
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, language, created_at, updated_at, expires_at, metadata, is_active
		FROM sessions WHERE id = ?
	`, id)
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("querying session: %w", err)
	}
	return r, nil
}

func (s *Store) Update(
	ctx context.Context, rec store.Record, assumedUpdatedAt time.Time,
) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			user_id = ?, language = ?, updated_at = ?, expires_at = ?,
			metadata = ?, is_active = ?
		WHERE id = ? AND updated_at = ?
	`,
		rec.UserID, rec.Language, toMicros(rec.UpdatedAt), toMicros(rec.ExpiresAt),
		metadataText(rec.Metadata), rec.Active,
		rec.ID, toMicros(assumedUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	// Either the version moved on or the record doesn't exist.
	var found int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, rec.ID).
		Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking session existence: %w", err)
	}
	return store.ErrConflict
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, language, created_at, updated_at, expires_at, metadata, is_active
		FROM sessions WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions by user: %w", err)
	}
	defer rows.Close()
	var l []store.Record
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		l = append(l, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return l, nil
}

func (s *Store) SaveLead(ctx context.Context, rec store.LeadRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads
			(id, source_path, data, created_at, updated_at, processed, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			source_path = excluded.source_path,
			data = excluded.data,
			updated_at = excluded.updated_at,
			processed = excluded.processed,
			metadata = excluded.metadata
	`,
		rec.ID, rec.SourcePath, dataText(rec.Data),
		toMicros(rec.CreatedAt), toMicros(rec.UpdatedAt),
		rec.Processed, metadataText(rec.Metadata),
	)
	if err != nil {
		return fmt.Errorf("saving lead: %w", err)
	}
	return nil
}

func (s *Store) GetLead(ctx context.Context, id string) (store.LeadRecord, error) {
	var (
		r                    store.LeadRecord
		data, metadata       string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_path, data, created_at, updated_at, processed, metadata
		FROM leads WHERE id = ?
	`, id).Scan(
		&r.ID, &r.SourcePath, &data, &createdAt, &updatedAt, &r.Processed, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return store.LeadRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.LeadRecord{}, fmt.Errorf("querying lead: %w", err)
	}
	r.Data = []byte(data)
	r.Metadata = []byte(metadata)
	r.CreatedAt = fromMicros(createdAt)
	r.UpdatedAt = fromMicros(updatedAt)
	return r, nil
}

type scanner interface{ Scan(dest ...any) error }

func scan(row scanner) (r store.Record, err error) {
	var (
		userID                         sql.NullString
		createdAt, updatedAt, expireAt int64
		metadata                       string
	)
	err = row.Scan(
		&r.ID, &userID, &r.Language, &createdAt, &updatedAt, &expireAt,
		&metadata, &r.Active,
	)
	if err != nil {
		return store.Record{}, err
	}
	if userID.Valid {
		r.UserID = &userID.String
	}
	r.CreatedAt = fromMicros(createdAt)
	r.UpdatedAt = fromMicros(updatedAt)
	r.ExpiresAt = fromMicros(expireAt)
	r.Metadata = []byte(metadata)
	return r, nil
}

func metadataText(m []byte) string {
	if len(m) == 0 {
		return "{}"
	}
	return string(m)
}

func dataText(d []byte) string {
	if len(d) == 0 {
		return "null"
	}
	return string(d)
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
