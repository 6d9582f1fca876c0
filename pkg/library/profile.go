package library

import (
	"sync"

	"bookbuddy/pkg/domain"
)

// Selector holds the active profile and tells subscribers when it changes.
type Selector struct {
	mu     sync.Mutex
	active domain.Profile
	subs   map[int]func(domain.Profile)
	nextID int
}

// NewSelector starts at initial, or the default profile when initial is
// not a known profile.
func NewSelector(initial domain.Profile) *Selector {
	p, err := domain.ParseProfile(string(initial))
	if err != nil {
		p = domain.DefaultProfile()
	}
	return &Selector{active: p, subs: make(map[int]func(domain.Profile))}
}

// Active returns the active profile.
func (s *Selector) Active() domain.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Select switches the active profile. Re-selecting the active one is a no-op.
func (s *Selector) Select(name string) error {
	p, err := domain.ParseProfile(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if p == s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = p
	subs := make([]func(domain.Profile), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(p)
	}
	return nil
}

// Subscribe registers fn for profile changes and returns an unsubscribe func.
func (s *Selector) Subscribe(fn func(domain.Profile)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
