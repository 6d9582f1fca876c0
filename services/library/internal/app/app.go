package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bookbuddy/pkg/lookup"
	"bookbuddy/pkg/queue"
	"bookbuddy/pkg/storage"
	"bookbuddy/pkg/store"
	"bookbuddy/pkg/workflow"
)

const (
	defaultSessionTTL    = time.Hour
	defaultRefreshTTL    = 90 * 24 * time.Hour
	defaultLookupTimeout = 10 * time.Second
)

// SessionManager issues and verifies access tokens.
type SessionManager interface {
	store.SessionStore
	store.IdentitySessionRevoker
	store.JWKSProvider
	TTL() time.Duration
}

// identityRefreshRevoker revokes every refresh family of an identity.
type identityRefreshRevoker interface {
	RevokeIdentityRefreshTokens(ctx context.Context, identityID string) error
}

// MediaCleanupQueue defers removal of a deleted book's media objects.
type MediaCleanupQueue interface {
	Enqueue(ctx context.Context, bookID string, keys []string) (queue.Job, error)
	Start(ctx context.Context, concurrency int, handler queue.Handler)
}

// Config holds runtime configuration for the core application. Injected
// collaborators win over the connection settings next to them.
type Config struct {
	DatabaseURL string
	Store       store.LibraryStore

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	Objects        storage.ObjectStore
	MediaBaseURL   string
	// MediaCleanup, when set, removes media after deletes in the background;
	// otherwise removal happens inline.
	MediaCleanup MediaCleanupQueue

	OpenLibraryURL string
	LookupTimeout  time.Duration
	Lookup         workflow.Searcher

	Redis *redis.Client

	SessionTTL          time.Duration
	RefreshTTL          time.Duration
	JWTPrivateKeyPath   string
	JWTPublicKeyPath    string
	JWTKeyID            string
	JWTVerifyPublicKeys map[string]string
	JWTIssuer           string
	JWTAudience         string
	JWTLeeway           time.Duration
	Sessions            SessionManager
	RefreshTokens       store.RefreshTokenStore

	Logger *slog.Logger
}

// App is the core application service wiring together storage, identity and
// the add-book workflow.
type App struct {
	store         store.LibraryStore
	uploader      *storage.Uploader
	cleanup       MediaCleanupQueue
	lookup        workflow.Searcher
	sessions      SessionManager
	refreshTokens store.RefreshTokenStore
	refreshTTL    time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = gormStore
	}

	objects := cfg.Objects
	if objects == nil {
		minioStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
		objects = minioStore
	}
	if strings.TrimSpace(cfg.MediaBaseURL) == "" {
		return nil, fmt.Errorf("media base URL required")
	}

	searcher := cfg.Lookup
	if searcher == nil {
		searcher = lookup.New(cfg.OpenLibraryURL,
			lookup.WithHTTPClient(&http.Client{Timeout: cfg.LookupTimeout}),
			lookup.WithLogger(logger.With("component", "lookup")),
		)
	}

	sessions := cfg.Sessions
	if sessions == nil {
		var revoker store.TokenRevoker
		if cfg.Redis != nil {
			// Identity cutoffs must outlive every access token issued before them.
			revoker = store.NewRedisTokenRevokerWithClient(cfg.Redis, cfg.SessionTTL+time.Minute)
		} else {
			revoker = store.NewMemoryTokenRevoker()
		}
		jwtOpts := store.JWTOptions{
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   cfg.JWTLeeway,
		}
		if strings.TrimSpace(cfg.JWTPrivateKeyPath) == "" {
			logger.Warn("no jwt private key configured, signing with an ephemeral key")
			ephemeral, err := store.NewEphemeralJWTSessionStore(cfg.SessionTTL, revoker, jwtOpts)
			if err != nil {
				return nil, fmt.Errorf("init ephemeral jwt session store: %w", err)
			}
			sessions = ephemeral
		} else {
			rsStore, err := store.NewJWTRS256SessionStoreFromPEM(
				cfg.JWTPrivateKeyPath,
				cfg.JWTPublicKeyPath,
				cfg.JWTKeyID,
				cfg.JWTVerifyPublicKeys,
				cfg.SessionTTL,
				revoker,
				jwtOpts,
			)
			if err != nil {
				return nil, fmt.Errorf("init rs256 jwt session store: %w", err)
			}
			sessions = rsStore
		}
	}

	refreshStore := cfg.RefreshTokens
	if refreshStore == nil {
		if cfg.Redis != nil {
			refreshStore = store.NewRedisRefreshTokenStoreWithClient(cfg.Redis)
		} else {
			refreshStore = store.NewMemoryRefreshTokenStore()
		}
	}

	return &App{
		store:         dataStore,
		uploader:      storage.NewUploader(objects, cfg.MediaBaseURL),
		cleanup:       cfg.MediaCleanup,
		lookup:        searcher,
		sessions:      sessions,
		refreshTokens: refreshStore,
		refreshTTL:    cfg.RefreshTTL,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// StartMediaCleanup runs the cleanup consumers until ctx ends. Without a
// queue it does nothing.
func (a *App) StartMediaCleanup(ctx context.Context, workers int) {
	if a.cleanup == nil {
		return
	}
	a.cleanup.Start(ctx, workers, func(ctx context.Context, job queue.Job) error {
		return a.removeMedia(ctx, job.BookID, job.Keys)
	})
}

// Close releases the database pool when the store holds one.
func (a *App) Close() error {
	if closer, ok := a.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
