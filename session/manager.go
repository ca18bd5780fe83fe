package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/romshark/kommobridge/store"
)

// Manager provides CRUD over sessions with TTL-based expiry.
// It never retries failed store operations by itself.
type Manager struct {
	store store.Store
	now   func() time.Time
	newID func() (uuid.UUID, error)
}

type Option func(*Manager)

// WithClock overrides the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides session id generation. Defaults to uuid.NewRandom.
func WithIDGenerator(fn func() (uuid.UUID, error)) Option {
	return func(m *Manager) { m.newID = fn }
}

func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{store: s, now: time.Now, newID: uuid.NewRandom}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateParams are the parameters of a new session.
type CreateParams struct {
	UserID   *string
	Language string
	TTL      time.Duration
	Metadata map[string]any
}

// Update is a partial session update. Nil fields are left unchanged.
type Update struct {
	Language *string

	// Metadata is merged into the existing metadata.
	// Keys with a nil value are removed.
	Metadata map[string]any

	// TTL extends the expiry to now+TTL.
	TTL *time.Duration

	// Active can only ever be set to false. Setting it to true on an
	// inactive session fails with ErrInactive.
	Active *bool
}

// isDeactivation returns true if u does nothing but deactivate.
func (u Update) isDeactivation() bool {
	return u.Active != nil && !*u.Active &&
		u.Language == nil && u.Metadata == nil && u.TTL == nil
}

func (m *Manager) timeNow() time.Time {
	return m.now().UTC().Truncate(store.Precision)
}

// Create persists a new active session expiring at now+TTL.
func (m *Manager) Create(ctx context.Context, p CreateParams) (Session, error) {
	if p.TTL <= 0 {
		return Session{}, ErrInvalidTTL
	}
	id, err := m.newID()
	if err != nil {
		return Session{}, &StoreError{Op: "create", Err: err}
	}
	now := m.timeNow()
	s := Session{
		ID:        id,
		UserID:    p.UserID,
		Language:  p.Language,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(p.TTL),
		Metadata:  cloneMetadata(p.Metadata),
		Active:    true,
	}
	rec, err := ToRecord(s)
	if err != nil {
		return Session{}, &StoreError{Op: "create", Err: err}
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return Session{}, &StoreError{Op: "create", Err: err}
	}
	return s, nil
}

// Get returns the session by id. A session past its expiry
// is reported inactive even if the store still holds it as active.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (Session, error) {
	s, _, err := m.get(ctx, id)
	return s, err
}

// get returns the lazily expired view and the stored version.
func (m *Manager) get(ctx context.Context, id uuid.UUID) (Session, time.Time, error) {
	rec, err := m.store.Get(ctx, id.String())
	if err != nil {
		return Session{}, time.Time{}, m.storeErr("get", err)
	}
	s, err := FromRecord(rec)
	if err != nil {
		return Session{}, time.Time{}, &StoreError{Op: "get", Err: err}
	}
	return m.view(s), rec.UpdatedAt, nil
}

func (m *Manager) view(s Session) Session {
	if s.Active && s.Expired(m.now()) {
		s.Active = false
	}
	return s
}

// Update applies u to the session if it wasn't modified concurrently,
// otherwise returns ErrConflict. Updating an inactive session returns
// ErrInactive unless u only deactivates, which is idempotent.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, u Update) (Session, error) {
	current, version, err := m.get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !current.Active {
		if !u.isDeactivation() {
			return Session{}, ErrInactive
		}
		rec, err := m.store.Get(ctx, id.String())
		if err != nil {
			return Session{}, m.storeErr("update", err)
		}
		if !rec.Active {
			return current, nil // Already persisted as inactive.
		}
		// Expired but still stored active, persist the deactivation.
	}

	next := current
	next.Metadata = cloneMetadata(current.Metadata)
	if u.Language != nil {
		next.Language = *u.Language
	}
	for k, v := range u.Metadata {
		if v == nil {
			delete(next.Metadata, k)
			continue
		}
		next.Metadata[k] = v
	}
	now := m.timeNow()
	if u.TTL != nil {
		if *u.TTL <= 0 {
			return Session{}, ErrInvalidTTL
		}
		next.ExpiresAt = now.Add(*u.TTL)
	}
	if u.Active != nil && !*u.Active {
		next.Active = false
	}

	// updated_at is the version token, it must always move forward.
	next.UpdatedAt = now
	if !next.UpdatedAt.After(version) {
		next.UpdatedAt = version.Add(store.Precision)
	}

	rec, err := ToRecord(next)
	if err != nil {
		return Session{}, &StoreError{Op: "update", Err: err}
	}
	if err := m.store.Update(ctx, rec, version); err != nil {
		return Session{}, m.storeErr("update", err)
	}
	return m.view(next), nil
}

// Deactivate marks the session inactive. Deactivating an inactive
// session is a no-op.
func (m *Manager) Deactivate(ctx context.Context, id uuid.UUID) (Session, error) {
	inactive := false
	return m.Update(ctx, id, Update{Active: &inactive})
}

func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	if err := m.store.Delete(ctx, id.String()); err != nil {
		return m.storeErr("delete", err)
	}
	return nil
}

// ListByUser returns all sessions of userID, newest first.
// If activeOnly, expired and deactivated sessions are omitted.
func (m *Manager) ListByUser(
	ctx context.Context, userID string, activeOnly bool,
) ([]Session, error) {
	recs, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, m.storeErr("list", err)
	}
	l := make([]Session, 0, len(recs))
	for _, r := range recs {
		s, err := FromRecord(r)
		if err != nil {
			return nil, &StoreError{Op: "list", Err: err}
		}
		s = m.view(s)
		if activeOnly && !s.Active {
			continue
		}
		l = append(l, s)
	}
	return l, nil
}

// Latest returns the newest active session of userID or ErrNotFound.
func (m *Manager) Latest(ctx context.Context, userID string) (Session, error) {
	l, err := m.ListByUser(ctx, userID, true)
	if err != nil {
		return Session{}, err
	}
	if len(l) == 0 {
		return Session{}, ErrNotFound
	}
	return l[0], nil
}

// storeErr passes not-found and conflict through and wraps everything else.
func (m *Manager) storeErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrConflict
	}
	return &StoreError{Op: op, Err: err}
}
