// Package identity keeps the client's anonymous identity and access tokens.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"bookbuddy/pkg/domain"
)

// expirySkew refreshes access tokens slightly before they expire.
const expirySkew = 30 * time.Second

// ErrUnauthorized is returned by an Authenticator when a token is rejected.
var ErrUnauthorized = errors.New("unauthorized")

// Credentials are the tokens issued for one identity.
type Credentials struct {
	Identity     domain.Identity `json:"identity"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	ExpiresAt    time.Time       `json:"expiresAt"`
}

func (c Credentials) usable(now time.Time) bool {
	return c.Identity.Established() && c.AccessToken != "" && now.Add(expirySkew).Before(c.ExpiresAt)
}

// Authenticator is the identity service.
type Authenticator interface {
	SignInAnonymously(ctx context.Context) (Credentials, error)
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
	Logout(ctx context.Context, creds Credentials) error
}

// Session is the single place the current identity lives. Components read
// it with Current and follow changes with Subscribe.
type Session struct {
	auth   Authenticator
	path   string
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	mu     sync.Mutex
	creds  Credentials
	loaded bool
	subs   map[int]func(domain.Identity)
	nextID int
}

// NewSession builds a session. path is the identity file; empty keeps the
// identity in memory only.
func NewSession(auth Authenticator, path string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		auth:   auth,
		path:   path,
		logger: logger,
		now:    time.Now,
		subs:   make(map[int]func(domain.Identity)),
	}
}

// Current returns the established identity, or the zero Identity.
func (s *Session) Current() domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.Identity
}

// Subscribe registers fn for identity changes and returns an unsubscribe func.
func (s *Session) Subscribe(fn func(domain.Identity)) func() {
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

// Ensure returns a usable identity, restoring it from the identity file,
// refreshing its tokens, or signing in anonymously as needed. Concurrent
// callers share one sign-in.
func (s *Session) Ensure(ctx context.Context) (domain.Identity, error) {
	creds, err := s.ensure(ctx)
	if err != nil {
		return domain.Identity{}, err
	}
	return creds.Identity, nil
}

// Token returns a valid access token.
func (s *Session) Token(ctx context.Context) (string, error) {
	creds, err := s.ensure(ctx)
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// Invalidate forces the next Token call to refresh, e.g. after the service
// rejected the current token.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.creds.ExpiresAt = time.Time{}
	s.mu.Unlock()
}

func (s *Session) ensure(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	if s.creds.usable(s.now()) {
		creds := s.creds
		s.mu.Unlock()
		return creds, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("ensure", func() (any, error) {
		return s.establish(ctx)
	})
	if err != nil {
		return Credentials{}, err
	}
	return v.(Credentials), nil
}

func (s *Session) establish(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	if !s.loaded {
		s.loaded = true
		if stored, err := s.readFile(); err != nil {
			s.logger.Warn("identity file unreadable", "path", s.path, "error", err)
		} else if stored.Identity.Established() {
			s.creds = stored
		}
	}
	current := s.creds
	s.mu.Unlock()

	if current.usable(s.now()) {
		s.set(current)
		return current, nil
	}
	if current.RefreshToken != "" {
		next, err := s.auth.Refresh(ctx, current.RefreshToken)
		if err == nil {
			s.set(next)
			return next, nil
		}
		if !errors.Is(err, ErrUnauthorized) {
			return Credentials{}, fmt.Errorf("refresh identity: %w", err)
		}
		s.logger.Warn("stored identity rejected, signing in again", "identity", current.Identity.ID)
	}
	next, err := s.auth.SignInAnonymously(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("anonymous sign-in: %w", err)
	}
	s.set(next)
	return next, nil
}

// SignOut revokes the tokens, forgets the identity and notifies subscribers.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	if !s.loaded {
		if stored, err := s.readFile(); err == nil && stored.Identity.Established() {
			s.creds = stored
		}
	}
	creds := s.creds
	s.creds = Credentials{}
	s.loaded = true
	s.mu.Unlock()

	var errs []error
	if creds.Identity.Established() {
		if err := s.auth.Logout(ctx, creds); err != nil && !errors.Is(err, ErrUnauthorized) {
			errs = append(errs, fmt.Errorf("logout: %w", err))
		}
	}
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove identity file: %w", err))
		}
	}
	if creds.Identity.Established() {
		s.publish(domain.Identity{})
	}
	return errors.Join(errs...)
}

func (s *Session) set(creds Credentials) {
	s.mu.Lock()
	prev := s.creds.Identity
	s.creds = creds
	s.mu.Unlock()

	if err := s.writeFile(creds); err != nil {
		s.logger.Warn("identity file not saved", "path", s.path, "error", err)
	}
	if prev.ID != creds.Identity.ID {
		s.publish(creds.Identity)
	}
}

func (s *Session) publish(id domain.Identity) {
	s.mu.Lock()
	subs := make([]func(domain.Identity), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(id)
	}
}

func (s *Session) readFile() (Credentials, error) {
	var creds Credentials
	if s.path == "" {
		return creds, nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return creds, nil
	}
	if err != nil {
		return creds, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode identity file: %w", err)
	}
	return creds, nil
}

func (s *Session) writeFile(creds Credentials) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
