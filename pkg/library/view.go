// Package library keeps the client-side view of one profile's books in sync
// with the library service.
package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"bookbuddy/pkg/domain"
)

var (
	// ErrUnknownBook is returned when deleting a book the view does not show.
	ErrUnknownBook = errors.New("book not in library view")
	// ErrNotConfirmed is returned when the user declines a delete.
	ErrNotConfirmed = errors.New("delete not confirmed")
	// ErrDeleteRejected is returned when the service refuses a delete.
	ErrDeleteRejected = errors.New("delete rejected")
)

// Source is the library service as seen by the view.
type Source interface {
	ListBooks(ctx context.Context, id domain.Identity, profile domain.Profile) ([]domain.BookRecord, error)
	DeleteBook(ctx context.Context, id domain.Identity, bookID string) (domain.DeleteResult, error)
}

// IdentitySource exposes the current identity and its changes.
type IdentitySource interface {
	Current() domain.Identity
	Subscribe(fn func(domain.Identity)) (unsubscribe func())
}

// View is the rendered list for the active identity and profile.
type View struct {
	source   Source
	notifier *Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	identity domain.Identity
	profile  domain.Profile
	books    []domain.BookRecord
	gen      uint64
}

// NewView builds an empty view. notifier may be nil.
func NewView(source Source, notifier *Notifier, logger *slog.Logger) *View {
	if logger == nil {
		logger = slog.Default()
	}
	return &View{source: source, notifier: notifier, logger: logger, books: []domain.BookRecord{}}
}

// Bind follows identity and profile changes, re-fetching on each. The
// returned func stops following.
func (v *View) Bind(ctx context.Context, identities IdentitySource, profiles *Selector) func() {
	v.mu.Lock()
	v.identity = identities.Current()
	v.profile = profiles.Active()
	v.mu.Unlock()

	stopIdentity := identities.Subscribe(func(id domain.Identity) {
		v.SetIdentity(ctx, id)
	})
	stopProfile := profiles.Subscribe(func(p domain.Profile) {
		v.SetProfile(ctx, p)
	})
	v.refreshLogged(ctx)
	return func() {
		stopIdentity()
		stopProfile()
	}
}

// SetIdentity switches the owner and re-fetches.
func (v *View) SetIdentity(ctx context.Context, id domain.Identity) {
	v.mu.Lock()
	v.identity = id
	v.mu.Unlock()
	v.refreshLogged(ctx)
}

// SetProfile switches the profile and re-fetches.
func (v *View) SetProfile(ctx context.Context, p domain.Profile) {
	v.mu.Lock()
	v.profile = p
	v.mu.Unlock()
	v.refreshLogged(ctx)
}

// Load points the view at id and profile and fetches once, returning the
// fetch error instead of logging it.
func (v *View) Load(ctx context.Context, id domain.Identity, profile domain.Profile) error {
	v.mu.Lock()
	v.identity = id
	v.profile = profile
	v.mu.Unlock()
	return v.Refresh(ctx)
}

func (v *View) refreshLogged(ctx context.Context) {
	if err := v.Refresh(ctx); err != nil {
		v.logger.Warn("library refresh failed", "error", err)
	}
}

// Refresh replaces the list with the service's. Without an identity or
// profile the list is empty. A failed fetch also leaves the list empty and
// returns the error for logging. Responses for a superseded identity or
// profile are dropped.
func (v *View) Refresh(ctx context.Context) error {
	v.mu.Lock()
	v.gen++
	gen := v.gen
	id, profile := v.identity, v.profile
	v.mu.Unlock()

	if !id.Established() || profile == "" {
		v.logger.Warn("library list skipped", "has_identity", id.Established(), "profile", string(profile))
		v.apply(gen, []domain.BookRecord{})
		return nil
	}
	books, err := v.source.ListBooks(ctx, id, profile)
	if err != nil {
		v.apply(gen, []domain.BookRecord{})
		return fmt.Errorf("list books: %w", err)
	}
	if books == nil {
		books = []domain.BookRecord{}
	}
	v.apply(gen, books)
	return nil
}

func (v *View) apply(gen uint64, books []domain.BookRecord) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.gen {
		return
	}
	v.books = books
}

// Books returns a copy of the rendered list.
func (v *View) Books() []domain.BookRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.BookRecord(nil), v.books...)
}

// Count is the number of rendered books.
func (v *View) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.books)
}

// Profile returns the profile the view shows.
func (v *View) Profile() domain.Profile {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.profile
}

// Delete removes a book after confirm approves it; a nil confirm approves
// nothing. The book leaves the list
// immediately; when the service fails or refuses, the list is re-fetched so
// the book reappears.
func (v *View) Delete(ctx context.Context, bookID string, confirm func(domain.BookRecord) bool) (domain.DeleteResult, error) {
	v.mu.Lock()
	idx := -1
	for i, b := range v.books {
		if b.ID == bookID {
			idx = i
			break
		}
	}
	if idx < 0 {
		v.mu.Unlock()
		return domain.DeleteResult{ID: bookID, Status: domain.DeleteNotFound}, ErrUnknownBook
	}
	book := v.books[idx]
	id := v.identity
	v.mu.Unlock()

	if confirm == nil || !confirm(book) {
		return domain.DeleteResult{}, ErrNotConfirmed
	}

	v.mu.Lock()
	v.books = removeBook(v.books, bookID)
	v.mu.Unlock()

	res, err := v.source.DeleteBook(ctx, id, bookID)
	if err == nil && !res.Committed() {
		err = fmt.Errorf("%w: %s", ErrDeleteRejected, res.Status)
	}
	if err != nil {
		v.notify(KindError, "Error removing book. Restoring list.")
		if rerr := v.Refresh(ctx); rerr != nil {
			v.logger.Warn("library reconcile failed", "error", rerr, "book_id", bookID)
		}
		return res, err
	}
	v.notify(KindSuccess, fmt.Sprintf("%q removed from your library.", book.Title))
	return res, nil
}

func (v *View) notify(kind Kind, msg string) {
	if v.notifier != nil {
		v.notifier.Notify(kind, msg)
	}
}

func removeBook(books []domain.BookRecord, id string) []domain.BookRecord {
	out := make([]domain.BookRecord, 0, len(books))
	for _, b := range books {
		if b.ID != id {
			out = append(out, b)
		}
	}
	return out
}
