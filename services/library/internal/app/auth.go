package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/store"
)

// Tokens is a freshly issued token pair.
type Tokens struct {
	Identity     domain.Identity
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// SignInAnonymously registers a new identity and issues its tokens.
func (a *App) SignInAnonymously(ctx context.Context) (Tokens, error) {
	id := domain.Identity{
		ID:        uuid.NewString(),
		Anonymous: true,
		CreatedAt: a.now().UTC(),
	}
	if err := a.store.SaveIdentity(ctx, id); err != nil {
		return Tokens{}, fmt.Errorf("save identity: %w", err)
	}
	return a.issueTokens(ctx, id)
}

func (a *App) issueTokens(ctx context.Context, id domain.Identity) (Tokens, error) {
	accessToken, err := a.sessions.NewSession(id.ID)
	if err != nil {
		return Tokens{}, fmt.Errorf("issue access token: %w", err)
	}
	refreshToken, err := a.refreshTokens.NewToken(ctx, id.ID, a.refreshTTL)
	if err != nil {
		_ = a.sessions.DeleteSession(accessToken)
		return Tokens{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return Tokens{
		Identity:     id,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    a.sessions.TTL(),
	}, nil
}

// Refresh rotates the refresh token and issues a new access token for the
// same identity.
func (a *App) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, ErrRefreshTokenRequired
	}
	identityID, newRefreshToken, err := a.refreshTokens.RotateToken(ctx, refreshToken, a.refreshTTL)
	if err != nil {
		if errors.Is(err, store.ErrRefreshTokenReplay) {
			a.logger.Warn("refresh token replay detected, family revoked")
			return Tokens{}, ErrInvalidRefreshToken
		}
		if errors.Is(err, store.ErrInvalidRefreshToken) {
			return Tokens{}, ErrInvalidRefreshToken
		}
		return Tokens{}, fmt.Errorf("resolve refresh token: %w", err)
	}
	id, found, err := a.store.GetIdentity(ctx, identityID)
	if err != nil {
		return Tokens{}, fmt.Errorf("fetch identity: %w", err)
	}
	if !found {
		_ = a.refreshTokens.DeleteToken(ctx, newRefreshToken)
		return Tokens{}, ErrInvalidRefreshToken
	}
	accessToken, err := a.sessions.NewSession(id.ID)
	if err != nil {
		_ = a.refreshTokens.DeleteToken(ctx, newRefreshToken)
		return Tokens{}, fmt.Errorf("issue access token: %w", err)
	}
	return Tokens{
		Identity:     id,
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
		ExpiresIn:    a.sessions.TTL(),
	}, nil
}

// IdentityFromToken resolves a bearer token to its registered identity.
func (a *App) IdentityFromToken(ctx context.Context, token string) (domain.Identity, bool) {
	identityID, ok, err := a.sessions.GetIdentityIDByToken(token)
	if err != nil || !ok {
		return domain.Identity{}, false
	}
	id, found, err := a.store.GetIdentity(ctx, identityID)
	if err != nil {
		a.logger.Error("identity lookup failed", "identity_id", identityID, "error", err)
		return domain.Identity{}, false
	}
	return id, found
}

// Logout revokes the access token and the refresh family it came with.
func (a *App) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if err := a.sessions.DeleteSession(accessToken); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	if err := a.refreshTokens.DeleteToken(ctx, refreshToken); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// LogoutEverywhere revokes every access and refresh token of an identity
// issued up to now.
func (a *App) LogoutEverywhere(ctx context.Context, id domain.Identity) error {
	if !id.Established() {
		return domain.ErrNoIdentity
	}
	if err := a.sessions.RevokeIdentitySessions(id.ID, a.now().UTC()); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	if revoker, ok := a.refreshTokens.(identityRefreshRevoker); ok {
		if err := revoker.RevokeIdentityRefreshTokens(ctx, id.ID); err != nil {
			return fmt.Errorf("revoke refresh tokens: %w", err)
		}
	}
	return nil
}

// JWKS returns the public keys tokens are verified with.
func (a *App) JWKS() []store.JWK {
	return a.sessions.JWKS()
}
