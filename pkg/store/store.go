package store

import (
	"context"
	"errors"
	"time"

	"bookbuddy/pkg/domain"
)

var (
	// ErrInvalidBook rejects records missing a title, owner or profile.
	ErrInvalidBook = errors.New("invalid book record")
)

// MediaKeys are the object keys behind a record's durable URLs.
type MediaKeys struct {
	CoverKey string `json:"coverKey,omitempty"`
	AudioKey string `json:"audioKey,omitempty"`
}

// Keys returns the non-empty keys.
func (m MediaKeys) Keys() []string {
	out := make([]string, 0, 2)
	if m.CoverKey != "" {
		out = append(out, m.CoverKey)
	}
	if m.AudioKey != "" {
		out = append(out, m.AudioKey)
	}
	return out
}

// StoredBook is a record together with the objects it references.
type StoredBook struct {
	Record domain.BookRecord
	Media  MediaKeys
}

// LibraryStore persists book records and anonymous identities.
// It enforces field invariants only; ownership is checked by callers.
type LibraryStore interface {
	// identities
	SaveIdentity(ctx context.Context, id domain.Identity) error
	GetIdentity(ctx context.Context, id string) (domain.Identity, bool, error)

	// books
	CreateBook(ctx context.Context, rec domain.BookRecord, media MediaKeys) (domain.BookRecord, error)
	ListBooksByProfile(ctx context.Context, userID string, profile domain.Profile) ([]domain.BookRecord, error)
	ListBooksByUser(ctx context.Context, userID string) ([]domain.BookRecord, error)
	GetBook(ctx context.Context, id string) (StoredBook, bool, error)
	DeleteBook(ctx context.Context, id string) (bool, error)
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(identityID string) (string, error)
	GetIdentityIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// IdentitySessionRevoker is an optional capability that revokes all sessions
// issued for an identity since a cutoff time.
type IdentitySessionRevoker interface {
	RevokeIdentitySessions(identityID string, since time.Time) error
}

// JWK represents a JSON Web Key entry used by JWKS endpoints.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is an optional capability exposed by session stores that can
// publish JSON Web Keys.
type JWKSProvider interface {
	JWKS() []JWK
}

func validateBook(rec domain.BookRecord) error {
	switch {
	case rec.Title == "":
		return errors.Join(ErrInvalidBook, errors.New("title required"))
	case rec.UserID == "":
		return domain.ErrNoIdentity
	case rec.ProfileID == "":
		return errors.Join(ErrInvalidBook, domain.ErrInvalidProfile)
	}
	if _, err := domain.ParseProfile(string(rec.ProfileID)); err != nil {
		return errors.Join(ErrInvalidBook, err)
	}
	return nil
}

// clock hands out strictly increasing creation timestamps at microsecond
// precision, the resolution Postgres keeps.
type clock struct {
	now  func() time.Time
	last time.Time
}

func (c *clock) next() time.Time {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	t := now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
