package server

import (
	"errors"
	"net/http"

	"bookbuddy/pkg/domain"
	"bookbuddy/services/library/internal/app"
)

type tokenResponse struct {
	Identity     domain.Identity `json:"identity"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	ExpiresIn    int64           `json:"expiresIn"`
	TokenType    string          `json:"tokenType"`
}

func newTokenResponse(t app.Tokens) tokenResponse {
	return tokenResponse{
		Identity:     t.Identity,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    int64(t.ExpiresIn.Seconds()),
		TokenType:    "Bearer",
	}
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.app.JWKS()})
}

func (s *Server) handleAnonymous(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !s.allowRate(w, r, s.anonymousLimiter, "too many sign-ins, try again later") {
		s.audit(r, "library.anonymous", "rate_limited")
		return
	}
	tokens, err := s.app.SignInAnonymously(r.Context())
	if err != nil {
		s.audit(r, "library.anonymous", "error")
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "library.anonymous", "success", "identity_id", tokens.Identity.ID)
	writeJSON(w, http.StatusCreated, newTokenResponse(tokens))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !s.allowRate(w, r, s.refreshLimiter, "too many refresh attempts, try again later") {
		s.audit(r, "library.refresh", "rate_limited")
		return
	}
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidJSON, "invalid json")
		return
	}
	tokens, err := s.app.Refresh(r.Context(), req.RefreshToken)
	switch {
	case errors.Is(err, app.ErrRefreshTokenRequired):
		writeError(w, r, http.StatusBadRequest, codeRefreshRequired, "refresh token required")
		return
	case errors.Is(err, app.ErrInvalidRefreshToken):
		s.audit(r, "library.refresh", "fail")
		writeError(w, r, http.StatusUnauthorized, codeInvalidRefresh, "invalid refresh token")
		return
	case err != nil:
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "library.refresh", "success", "identity_id", tokens.Identity.ID)
	writeJSON(w, http.StatusOK, newTokenResponse(tokens))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		RefreshToken string `json:"refreshToken"`
		All          bool   `json:"all"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, codeInvalidJSON, "invalid json")
			return
		}
	}
	accessToken, _ := bearerToken(r)
	var err error
	if req.All {
		err = s.app.LogoutEverywhere(r.Context(), id)
	} else {
		err = s.app.Logout(r.Context(), accessToken, req.RefreshToken)
	}
	if err != nil {
		s.audit(r, "library.logout", "fail", "identity_id", id.ID)
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "library.logout", "success", "identity_id", id.ID, "all", req.All)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, id)
}
