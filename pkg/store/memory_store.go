package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"bookbuddy/pkg/domain"
)

// MemoryStore keeps records in process memory (single instance only).
type MemoryStore struct {
	mu         sync.RWMutex
	clock      clock
	identities map[string]domain.Identity
	books      map[string]StoredBook
	order      []string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]domain.Identity),
		books:      make(map[string]StoredBook),
	}
}

func (s *MemoryStore) SaveIdentity(_ context.Context, id domain.Identity) error {
	if !id.Established() {
		return domain.ErrNoIdentity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[id.ID]; ok {
		return nil
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = s.clock.next()
	}
	id.Anonymous = true
	s.identities[id.ID] = id
	return nil
}

func (s *MemoryStore) GetIdentity(_ context.Context, id string) (domain.Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[id]
	return ident, ok, nil
}

func (s *MemoryStore) CreateBook(_ context.Context, rec domain.BookRecord, media MediaKeys) (domain.BookRecord, error) {
	if err := validateBook(rec); err != nil {
		return domain.BookRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = uuid.NewString()
	rec.CreatedAt = s.clock.next()
	s.books[rec.ID] = StoredBook{Record: rec, Media: media}
	s.order = append(s.order, rec.ID)
	return rec, nil
}

func (s *MemoryStore) ListBooksByProfile(_ context.Context, userID string, profile domain.Profile) ([]domain.BookRecord, error) {
	return s.filter(func(r domain.BookRecord) bool {
		return r.UserID == userID && r.ProfileID == profile
	}), nil
}

func (s *MemoryStore) ListBooksByUser(_ context.Context, userID string) ([]domain.BookRecord, error) {
	return s.filter(func(r domain.BookRecord) bool { return r.UserID == userID }), nil
}

func (s *MemoryStore) filter(match func(domain.BookRecord) bool) []domain.BookRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BookRecord, 0)
	for _, id := range s.order {
		if b, ok := s.books[id]; ok && match(b.Record) {
			out = append(out, b.Record)
		}
	}
	return out
}

func (s *MemoryStore) GetBook(_ context.Context, id string) (StoredBook, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[id]
	return b, ok, nil
}

func (s *MemoryStore) DeleteBook(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.books[id]; !ok {
		return false, nil
	}
	delete(s.books, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}
