// Package storepgx implements store.Store with PostgreSQL
// over the jackc/pgx/v5 SQL driver.
package storepgx

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/romshark/kommobridge/internal/backoff"
	"github.com/romshark/kommobridge/store"
)

//go:embed schema.sql
var schemaSQL string

var defaultBackoff = backoff.MustNew(100*time.Millisecond, 2*time.Second, 2, .1)

func DefaultBackoff() backoff.Backoff { return defaultBackoff }

var _ store.Store = new(Store)

// Store is a pgx connection pool that implements store.Store.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// Open connects to the database using pgx. It will ping and retry until either
// a successful connection is established or ctx is canceled.
// The schema is applied once connected.
func Open(
	ctx context.Context, log *slog.Logger, dsn string, maxConns int32,
	backoffConf backoff.Backoff,
) (*Store, error) {
	if maxConns < 1 {
		maxConns = int32(runtime.NumCPU())
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}
	cfg.MaxConns = maxConns

	var pool *pgxpool.Pool
	for i, dur := range backoff.NewAtomic(backoffConf).Iter() {
		// First is always 0.
		if err := backoff.Sleep(ctx, dur); err != nil {
			return nil, fmt.Errorf("connecting database: %w", err)
		}

		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating pgx pool with config: %w", err)
		}

		ctxPing, cancel := context.WithTimeout(ctx, 1*time.Second)
		err = p.Ping(ctxPing)
		cancel()
		if err != nil {
			log.Error("pinging database",
				slog.Any("err", err),
				slog.Int("attempt", i))
			p.Close()
			continue
		}

		pool = p
		break
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{log: log, pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Create(ctx context.Context, rec store.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions
			(id, user_id, language, created_at, updated_at, expires_at, metadata, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		rec.ID, rec.UserID, rec.Language,
		rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt,
		metadataText(rec.Metadata), rec.Active,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (store.Record, error) {
	r, err := scan(s.pool.QueryRow(ctx, `
		SELECT id, user_id, language, created_at, updated_at, expires_at,
			metadata::text, is_active
		FROM sessions WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("querying session: %w", err)
	}
	return r, nil
}

// Update replaces rec if the stored updated_at still equals assumedUpdatedAt.
func (s *Store) Update(
	ctx context.Context, rec store.Record, assumedUpdatedAt time.Time,
) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var current time.Time
		err := tx.QueryRow(ctx, `
			SELECT updated_at FROM sessions WHERE id = $1 FOR UPDATE
		`, rec.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("locking session: %w", err)
		}
		if !current.Equal(assumedUpdatedAt) {
			return store.ErrConflict
		}
		_, err = tx.Exec(ctx, `
			UPDATE sessions SET
				user_id = $2, language = $3, updated_at = $4, expires_at = $5,
				metadata = $6, is_active = $7
			WHERE id = $1
		`,
			rec.ID, rec.UserID, rec.Language, rec.UpdatedAt, rec.ExpiresAt,
			metadataText(rec.Metadata), rec.Active,
		)
		if err != nil {
			return fmt.Errorf("updating session: %w", err)
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]store.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, language, created_at, updated_at, expires_at,
			metadata::text, is_active
		FROM sessions WHERE user_id = $1
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO leads
			(id, source_path, data, created_at, updated_at, processed, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			source_path = EXCLUDED.source_path,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at,
			processed = EXCLUDED.processed,
			metadata = EXCLUDED.metadata
	`,
		rec.ID, rec.SourcePath, dataText(rec.Data),
		rec.CreatedAt, rec.UpdatedAt, rec.Processed, metadataText(rec.Metadata),
	)
	if err != nil {
		return fmt.Errorf("saving lead: %w", err)
	}
	return nil
}

func (s *Store) GetLead(ctx context.Context, id string) (store.LeadRecord, error) {
	var (
		r              store.LeadRecord
		data, metadata string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, source_path, data::text, created_at, updated_at, processed,
			metadata::text
		FROM leads WHERE id = $1
	`, id).Scan(
		&r.ID, &r.SourcePath, &data, &r.CreatedAt, &r.UpdatedAt, &r.Processed, &metadata,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.LeadRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.LeadRecord{}, fmt.Errorf("querying lead: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.Data = []byte(data)
	r.Metadata = []byte(metadata)
	return r, nil
}

func scan(row pgx.Row) (r store.Record, err error) {
	var metadata string
	err = row.Scan(
		&r.ID, &r.UserID, &r.Language, &r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt,
		&metadata, &r.Active,
	)
	if err != nil {
		return store.Record{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
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

// withTx starts a new serializable transaction and executes fn inside of it.
// If fn returns an error or panic occurs, the transaction is rolled back,
// otherwise it is committed.
func (s *Store) withTx(
	ctx context.Context, fn func(context.Context, pgx.Tx) error,
) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rb := tx.Rollback(ctx); rb != nil {
				s.log.Error("rollback after panic failure",
					slog.Any("panic", p),
					slog.Any("err", rb))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rb := tx.Rollback(ctx); rb != nil {
			return fmt.Errorf("rolling back transaction: %v (original: %w)", rb, err)
		}
		if isSerializationFailure(err) {
			return store.ErrConflict
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		// Concurrent writers on the same row surface here.
		if isSerializationFailure(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
