package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/romshark/kommobridge/kommo"
	"github.com/romshark/kommobridge/session"
	"github.com/romshark/kommobridge/store"
	"github.com/romshark/kommobridge/store/storemem"
)

var testTime = time.Date(2025, 1, 1, 1, 1, 1, 0, time.UTC)

type MockCRM struct{ mock.Mock }

func (m *MockCRM) CreateLeads(ctx context.Context, leads ...kommo.Lead) ([]int64, error) {
	args := m.Called(ctx, leads)
	ids, _ := args.Get(0).([]int64)
	return ids, args.Error(1)
}

func (m *MockCRM) UpdateLeadCustomFields(
	ctx context.Context, id int64, fields ...kommo.CustomFieldValue,
) error {
	args := m.Called(ctx, id, fields)
	return args.Error(0)
}

func (m *MockCRM) LaunchSalesbot(ctx context.Context, runs ...kommo.SalesbotRun) error {
	args := m.Called(ctx, runs)
	return args.Error(0)
}

type MockRemover struct{ mock.Mock }

func (m *MockRemover) Remove(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

// leadArchive records archived leads and fails with err if set.
type leadArchive struct {
	lock  sync.Mutex
	err   error
	leads []store.LeadRecord
}

func (a *leadArchive) SaveLead(_ context.Context, rec store.LeadRecord) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.err != nil {
		return a.err
	}
	a.leads = append(a.leads, rec)
	return nil
}

func (a *leadArchive) Saved() []store.LeadRecord {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]store.LeadRecord(nil), a.leads...)
}

// requireArchived asserts that exactly one lead was archived and returns it
// with its metadata decoded.
func requireArchived(t *testing.T, e *env) (store.LeadRecord, map[string]any) {
	t.Helper()
	saved := e.leads.Saved()
	require.Len(t, saved, 1)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(saved[0].Metadata, &meta))
	return saved[0], meta
}

// clock is a manually advanced time source.
type clock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	log      *slog.Logger
	clock    *clock
	sessions *session.Manager
	crm      *MockCRM
	leads    *leadArchive
	remover  *MockRemover
}

func setup(t *testing.T) *env {
	t.Helper()
	c := &clock{now: testTime}
	e := &env{
		log:      slog.Default(),
		clock:    c,
		sessions: session.NewManager(storemem.New(), session.WithClock(c.Now)),
		crm:      new(MockCRM),
		leads:    new(leadArchive),
		remover:  new(MockRemover),
	}
	t.Cleanup(func() {
		e.crm.AssertExpectations(t)
		e.remover.AssertExpectations(t)
	})
	return e
}

func ptr[T any](v T) *T { return &v }

// failingSessions fails every call with err.
type failingSessions struct{ err error }

func (f failingSessions) Create(context.Context, session.CreateParams) (session.Session, error) {
	return session.Session{}, f.err
}

func (f failingSessions) Update(
	context.Context, uuid.UUID, session.Update,
) (session.Session, error) {
	return session.Session{}, f.err
}

func (f failingSessions) Latest(context.Context, string) (session.Session, error) {
	return session.Session{}, f.err
}

var errStoreDown = &session.StoreError{Op: "list", Err: errors.New("connection refused")}

func requireLatest(t *testing.T, e *env, userID string) session.Session {
	t.Helper()
	s, err := e.sessions.Latest(t.Context(), userID)
	require.NoError(t, err)
	return s
}
