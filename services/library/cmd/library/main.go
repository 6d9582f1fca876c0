package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"bookbuddy/internal/util"
	"bookbuddy/pkg/queue"
	"bookbuddy/pkg/storage"
	"bookbuddy/pkg/store"
	"bookbuddy/services/library/internal/app"
	"bookbuddy/services/library/internal/config"
	"bookbuddy/services/library/internal/server"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	sessionTTL, err := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	refreshTTL, err := config.ParseDuration("refreshTTL", cfg.RefreshTTL)
	if err != nil {
		log.Fatalf("failed to parse refresh TTL: %v", err)
	}
	jwtLeeway, err := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	lookupTimeout, err := config.ParseDuration("lookupTimeout", cfg.LookupTimeout)
	if err != nil {
		log.Fatalf("failed to parse lookup timeout: %v", err)
	}
	verifyKeys, err := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse jwt verify public keys: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to reach redis at %s: %v", cfg.RedisAddr, err)
	}
	cancel()

	appCfg := app.Config{
		DatabaseURL:         cfg.DatabaseURL,
		MinioEndpoint:       cfg.MinioEndpoint,
		MinioAccessKey:      cfg.MinioAccessKey,
		MinioSecretKey:      cfg.MinioSecretKey,
		MinioBucket:         cfg.MinioBucket,
		MinioUseSSL:         cfg.MinioUseSSL,
		MediaBaseURL:        cfg.MediaBaseURL,
		OpenLibraryURL:      cfg.OpenLibraryURL,
		LookupTimeout:       lookupTimeout,
		Redis:               rdb,
		SessionTTL:          sessionTTL,
		RefreshTTL:          refreshTTL,
		JWTPrivateKeyPath:   cfg.JWTPrivateKeyPath,
		JWTPublicKeyPath:    cfg.JWTPublicKeyPath,
		JWTKeyID:            cfg.JWTKeyID,
		JWTVerifyPublicKeys: verifyKeys,
		JWTIssuer:           cfg.JWTIssuer,
		JWTAudience:         cfg.JWTAudience,
		JWTLeeway:           jwtLeeway,
		Logger:              logger,
	}
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("using in-memory library store, records are lost on restart")
		appCfg.Store = store.NewMemoryStore()
	}
	if cfg.ObjectStore == config.ObjectsMemory {
		logger.Warn("using in-memory object store, media is lost on restart")
		appCfg.Objects = storage.NewMemoryStore()
	}

	if cfg.MediaCleanupWorkers > 0 {
		cleanup, err := queue.NewRedisJobQueue(rdb, queue.Config{
			Stream: "bookbuddy:library:media-cleanup",
			Group:  "library",
			Logger: logger.With("component", "media_cleanup"),
		})
		if err != nil {
			log.Fatalf("failed to init media cleanup queue: %v", err)
		}
		appCfg.MediaCleanup = cleanup
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	httpServer, err := server.New(server.Config{
		App:                         appCore,
		Redis:                       rdb,
		TrustedProxies:              trusted,
		AnonymousRateLimitPerMinute: cfg.AnonymousRateLimitPerMinute,
		RefreshRateLimitPerMinute:   cfg.RefreshRateLimitPerMinute,
		LookupRateLimitPerMinute:    cfg.LookupRateLimitPerMinute,
		MaxUploadBytes:              cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appCore.StartMediaCleanup(ctx, cfg.MediaCleanupWorkers)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("library server listening", "addr", addr, "store", cfg.StoreDriver, "objects", cfg.ObjectStore)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
