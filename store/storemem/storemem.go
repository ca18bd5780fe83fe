// Package storemem implements store.Store in memory.
package storemem

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/romshark/kommobridge/store"
)

var _ store.Store = new(Store)

// Store is an in-memory session store and lead archive.
// Records are lost when the process exits.
type Store struct {
	lock    sync.RWMutex
	records map[string]store.Record
	leads   map[string]store.LeadRecord
}

func New() *Store {
	return &Store{
		records: map[string]store.Record{},
		leads:   map[string]store.LeadRecord{},
	}
}

func (s *Store) Create(ctx context.Context, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return store.ErrAlreadyExists
	}
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return clone(r), nil
}

func (s *Store) Update(
	ctx context.Context, rec store.Record, assumedUpdatedAt time.Time,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	current, ok := s.records[rec.ID]
	if !ok {
		return store.ErrNotFound
	}
	if !current.UpdatedAt.Equal(assumedUpdatedAt) {
		return store.ErrConflict
	}
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.records[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	var l []store.Record
	for _, r := range s.records {
		if r.UserID != nil && *r.UserID == userID {
			l = append(l, clone(r))
		}
	}
	slices.SortFunc(l, func(a, b store.Record) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return l, nil
}

func (s *Store) SaveLead(ctx context.Context, rec store.LeadRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.Data = slices.Clone(rec.Data)
	rec.Metadata = slices.Clone(rec.Metadata)
	s.lock.Lock()
	defer s.lock.Unlock()
	s.leads[rec.ID] = rec
	return nil
}

func (s *Store) GetLead(ctx context.Context, id string) (store.LeadRecord, error) {
	if err := ctx.Err(); err != nil {
		return store.LeadRecord{}, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	r, ok := s.leads[id]
	if !ok {
		return store.LeadRecord{}, store.ErrNotFound
	}
	r.Data = slices.Clone(r.Data)
	r.Metadata = slices.Clone(r.Metadata)
	return r, nil
}

func (s *Store) Close() error { return nil }

// clone makes sure callers never share mutable memory with the store.
func clone(r store.Record) store.Record {
	if r.UserID != nil {
		u := *r.UserID
		r.UserID = &u
	}
	r.Metadata = slices.Clone(r.Metadata)
	return r
}
