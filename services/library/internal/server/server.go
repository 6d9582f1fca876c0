package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bookbuddy/internal/ratelimit"
	"bookbuddy/internal/util"
	"bookbuddy/pkg/domain"
	"bookbuddy/services/library/internal/app"
	"bookbuddy/services/library/internal/security"
)

const (
	defaultMaxUploadBytes = 25 * 1024 * 1024
	multipartMemory       = 8 << 20
	maxJSONBody           = 1 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Redis backs the rate limiters and the audit alerter. Nil disables both.
	Redis                       redis.Scripter
	TrustedProxies              *util.TrustedProxies
	AnonymousRateLimitPerMinute int
	RefreshRateLimitPerMinute   int
	LookupRateLimitPerMinute    int
	MaxUploadBytes              int64
}

// Server exposes the library service HTTP API.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	trusted        *util.TrustedProxies
	alerter        *security.AuditAlerter
	maxUploadBytes int64

	anonymousLimiter *ratelimit.FixedWindowLimiter
	refreshLimiter   *ratelimit.FixedWindowLimiter
	lookupLimiter    *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("server: app is required")
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		trusted:        cfg.TrustedProxies,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.Redis != nil {
		newLimiter := func(name string, limit, fallback int) (*ratelimit.FixedWindowLimiter, error) {
			if limit <= 0 {
				limit = fallback
			}
			limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "bookbuddy:library:ratelimit:"+name, limit, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		var err error
		if s.anonymousLimiter, err = newLimiter("anonymous", cfg.AnonymousRateLimitPerMinute, 5); err != nil {
			return nil, err
		}
		if s.refreshLimiter, err = newLimiter("refresh", cfg.RefreshRateLimitPerMinute, 20); err != nil {
			return nil, err
		}
		if s.lookupLimiter, err = newLimiter("lookup", cfg.LookupRateLimitPerMinute, 30); err != nil {
			return nil, err
		}
		s.alerter = security.NewAuditAlerter(cfg.Redis, "")
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("library", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)

	// identity
	s.mux.HandleFunc("/auth/anonymous", s.handleAnonymous)
	s.mux.HandleFunc("/auth/refresh", s.handleRefresh)
	s.mux.Handle("/auth/logout", s.authenticated(s.handleLogout))
	s.mux.Handle("/auth/me", s.authenticated(s.handleMe))

	// catalog & lookup
	s.mux.HandleFunc("/profiles", s.handleProfiles)
	s.mux.HandleFunc("/lookup", s.handleLookup)

	// media
	s.mux.Handle("/uploads/", s.authenticated(s.handleUpload))
	s.mux.HandleFunc("/media/", s.handleMedia)

	// books
	s.mux.Handle("/books", s.authenticated(s.handleBooks))
	s.mux.Handle("/books/submit", s.authenticated(s.handleSubmit))
	s.mux.Handle("/books/", s.authenticated(s.handleBookByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.Identity)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "library.authorize", "fail", "reason", "missing_token")
			writeError(w, r, http.StatusUnauthorized, codeInvalidToken, "unauthorized")
			return
		}
		id, ok := s.app.IdentityFromToken(r.Context(), token)
		if !ok {
			s.audit(r, "library.authorize", "fail", "reason", "invalid_token")
			writeError(w, r, http.StatusUnauthorized, codeInvalidToken, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("identity_id", id.ID))
		next(w, r.WithContext(ctx), id)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trusted)
}

// audit logs a security_event and feeds the alerter.
func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := s.clientIP(r)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
	} else {
		logger.Warn("security_event", logAttrs...)
	}
	if s.alerter == nil {
		return
	}
	res, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert observe failed", "event", event, "error", err)
		return
	}
	if res.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", res.Count,
			"threshold", res.Threshold,
			"window", res.Window.String(),
		)
	}
}

// allowRate returns false, after writing a 429, when the caller is over quota.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	if limiter.Allow(r.Context(), s.clientIP(r)) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(limiter.RetryAfter().Seconds())))
	writeError(w, r, http.StatusTooManyRequests, codeRateLimited, msg)
	return false
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBody))
	return dec.Decode(dst)
}

func logger(ctx context.Context) *slog.Logger {
	return util.LoggerFromContext(ctx)
}
