// Package memstore is an in-process contact store used for tests and single-node development.
package memstore

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/iris/pkg/models"
)

type unitKey struct{}

// Option configures a Store
type Option func(*Store)

// WithClock replaces the creation timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store keeps contacts in memory. Atomically serializes units of work and restores the
// previous state when a unit fails.
type Store struct {
	// unitMu is held for the whole of an Atomically call
	unitMu sync.Mutex
	// mu guards the fields below
	mu       sync.RWMutex
	contacts map[int64]models.Contact
	nextID   int64
	now      func() time.Time
}

func New(opts ...Option) *Store {
	s := &Store{
		contacts: map[int64]models.Contact{},
		nextID:   1,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := []models.Contact{}
	if email == nil && phone == nil {
		return matches, nil
	}
	for _, c := range s.contacts {
		if c.DeletedAt != nil {
			continue
		}
		if (email != nil && c.Email != nil && *c.Email == *email) ||
			(phone != nil && c.PhoneNumber != nil && *c.PhoneNumber == *phone) {
			matches = append(matches, clone(c))
		}
	}
	sortByCreation(matches)
	return matches, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	if !ok || c.DeletedAt != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "contact %d not found", id)
	}
	out := clone(c)
	return &out, nil
}

func (s *Store) Create(ctx context.Context, email, phone *string, linkedID *int64, precedence models.Precedence) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if linkedID != nil {
		if _, ok := s.contacts[*linkedID]; !ok {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "linked contact %d not found", *linkedID)
		}
	}

	now := s.now()
	c := models.Contact{
		ID:             s.nextID,
		Email:          copyString(email),
		PhoneNumber:    copyString(phone),
		LinkedID:       copyID(linkedID),
		LinkPrecedence: precedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.nextID++
	s.contacts[c.ID] = c

	out := clone(c)
	return &out, nil
}

func (s *Store) UpdateLink(ctx context.Context, id int64, linkedID *int64, precedence models.Precedence) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok || c.DeletedAt != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "contact %d not found", id)
	}
	c.LinkedID = copyID(linkedID)
	c.LinkPrecedence = precedence
	c.UpdatedAt = s.now()
	s.contacts[id] = c

	out := clone(c)
	return &out, nil
}

func (s *Store) RelinkGroup(ctx context.Context, fromPrimaryID, toPrimaryID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved int64
	now := s.now()
	for id, c := range s.contacts {
		if c.DeletedAt != nil || c.LinkedID == nil || *c.LinkedID != fromPrimaryID {
			continue
		}
		target := toPrimaryID
		c.LinkedID = &target
		c.UpdatedAt = now
		s.contacts[id] = c
		moved++
	}
	return moved, nil
}

func (s *Store) GroupMembers(ctx context.Context, primaryID int64) ([]models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var primary []models.Contact
	secondaries := []models.Contact{}
	for _, c := range s.contacts {
		if c.DeletedAt != nil {
			continue
		}
		switch {
		case c.ID == primaryID:
			primary = append(primary, clone(c))
		case c.LinkedID != nil && *c.LinkedID == primaryID:
			secondaries = append(secondaries, clone(c))
		}
	}
	sortByCreation(secondaries)
	return append(primary, secondaries...), nil
}

func (s *Store) Stats(ctx context.Context) (*models.ContactStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.ContactStats{}
	for _, c := range s.contacts {
		if c.DeletedAt != nil {
			continue
		}
		stats.Total++
		if c.IsPrimary() {
			stats.Primary++
		} else {
			stats.Secondary++
		}
		if stats.LastUpdatedAt == nil || c.UpdatedAt.After(*stats.LastUpdatedAt) {
			updated := c.UpdatedAt
			stats.LastUpdatedAt = &updated
		}
	}
	return stats, nil
}

// Atomically runs fn while holding the store's unit lock. Nested calls on the
// same context join the outer unit. keys are ignored since every unit is exclusive.
func (s *Store) Atomically(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	if ctx.Value(unitKey{}) == s {
		return fn(ctx)
	}

	s.unitMu.Lock()
	defer s.unitMu.Unlock()

	contacts, nextID := s.snapshot()
	if err := fn(context.WithValue(ctx, unitKey{}, s)); err != nil {
		s.restore(contacts, nextID)
		return err
	}
	return nil
}

// Tombstone marks a contact deleted so every read skips it
func (s *Store) Tombstone(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "contact %d not found", id)
	}
	now := s.now()
	c.DeletedAt = &now
	s.contacts[id] = c
	return nil
}

// Put stores c as is. Tests use it to build states the engine would never produce.
func (s *Store) Put(c models.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contacts[c.ID] = clone(c)
	if c.ID >= s.nextID {
		s.nextID = c.ID + 1
	}
}

// All returns every stored contact, tombstoned ones included, ordered by id
func (s *Store) All() []models.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) snapshot() (map[int64]models.Contact, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contacts := make(map[int64]models.Contact, len(s.contacts))
	for id, c := range s.contacts {
		contacts[id] = clone(c)
	}
	return contacts, s.nextID
}

func (s *Store) restore(contacts map[int64]models.Contact, nextID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contacts = contacts
	s.nextID = nextID
}

func sortByCreation(contacts []models.Contact) {
	sort.Slice(contacts, func(i, j int) bool {
		return contacts[i].SeniorTo(&contacts[j])
	})
}

func clone(c models.Contact) models.Contact {
	c.Email = copyString(c.Email)
	c.PhoneNumber = copyString(c.PhoneNumber)
	c.LinkedID = copyID(c.LinkedID)
	if c.DeletedAt != nil {
		deleted := *c.DeletedAt
		c.DeletedAt = &deleted
	}
	return c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
