package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read when Load is called without a path and LIBRARY_CONFIG
// is unset.
const ConfigPath = "config.yaml"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	ObjectsMemory = "memory"
	ObjectsMinio  = "minio"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	StoreDriver   string `yaml:"storeDriver"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	ObjectStore    string `yaml:"objectStore"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	MediaBaseURL   string `yaml:"mediaBaseURL"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`
	// MediaCleanupWorkers consumes the media cleanup queue; zero removes
	// media inline on delete.
	MediaCleanupWorkers int `yaml:"mediaCleanupWorkers"`

	OpenLibraryURL string `yaml:"openLibraryURL"`
	LookupTimeout  string `yaml:"lookupTimeout"`

	SessionTTL          string `yaml:"sessionTTL"`
	RefreshTTL          string `yaml:"refreshTTL"`
	JWTPrivateKeyPath   string `yaml:"jwtPrivateKeyPath"`
	JWTPublicKeyPath    string `yaml:"jwtPublicKeyPath"`
	JWTKeyID            string `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys string `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer           string `yaml:"jwtIssuer"`
	JWTAudience         string `yaml:"jwtAudience"`
	JWTLeeway           string `yaml:"jwtLeeway"`

	TrustedProxyCIDRs           []string `yaml:"trustedProxyCidrs"`
	AnonymousRateLimitPerMinute int      `yaml:"anonymousRateLimitPerMinute"`
	RefreshRateLimitPerMinute   int      `yaml:"refreshRateLimitPerMinute"`
	LookupRateLimitPerMinute    int      `yaml:"lookupRateLimitPerMinute"`
}

// Load reads config from path, falling back to LIBRARY_CONFIG and then
// config.yaml, and applies environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = os.Getenv("LIBRARY_CONFIG")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	str := map[string]*string{
		"LIBRARY_PORT":                   &cfg.Port,
		"LIBRARY_LOG_LEVEL":              &cfg.LogLevel,
		"LIBRARY_STORE_DRIVER":           &cfg.StoreDriver,
		"DATABASE_URL":                   &cfg.DatabaseURL,
		"REDIS_ADDR":                     &cfg.RedisAddr,
		"REDIS_PASSWORD":                 &cfg.RedisPassword,
		"LIBRARY_OBJECT_STORE":           &cfg.ObjectStore,
		"MINIO_ENDPOINT":                 &cfg.MinioEndpoint,
		"MINIO_ACCESS_KEY":               &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY":               &cfg.MinioSecretKey,
		"MINIO_BUCKET":                   &cfg.MinioBucket,
		"LIBRARY_MEDIA_BASE_URL":         &cfg.MediaBaseURL,
		"LIBRARY_OPEN_LIBRARY_URL":       &cfg.OpenLibraryURL,
		"LIBRARY_SESSION_TTL":            &cfg.SessionTTL,
		"LIBRARY_REFRESH_TTL":            &cfg.RefreshTTL,
		"LIBRARY_JWT_PRIVATE_KEY_PATH":   &cfg.JWTPrivateKeyPath,
		"LIBRARY_JWT_PUBLIC_KEY_PATH":    &cfg.JWTPublicKeyPath,
		"LIBRARY_JWT_KEY_ID":             &cfg.JWTKeyID,
		"LIBRARY_JWT_VERIFY_PUBLIC_KEYS": &cfg.JWTVerifyPublicKeys,
		"LIBRARY_JWT_ISSUER":             &cfg.JWTIssuer,
		"LIBRARY_JWT_AUDIENCE":           &cfg.JWTAudience,
		"LIBRARY_JWT_LEEWAY":             &cfg.JWTLeeway,
	}
	for key, dst := range str {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("LIBRARY_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("LIBRARY_MEDIA_CLEANUP_WORKERS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.MediaCleanupWorkers = n
		}
	}
	if v := os.Getenv("LIBRARY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = StorePostgres
	}
	if cfg.ObjectStore == "" {
		cfg.ObjectStore = ObjectsMinio
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.ObjectStore = strings.ToLower(cfg.ObjectStore)
	if cfg.MediaBaseURL == "" && cfg.Port != "" {
		cfg.MediaBaseURL = "http://localhost:" + cfg.Port + "/media"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres store (set in config.yaml or DATABASE_URL)")
		}
	default:
		return fmt.Errorf("config: unknown storeDriver %q (memory|postgres)", cfg.StoreDriver)
	}
	switch cfg.ObjectStore {
	case ObjectsMemory:
	case ObjectsMinio:
		if cfg.MinioEndpoint == "" {
			return errors.New("config: minioEndpoint is required (set in config.yaml)")
		}
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minioAccessKey and minioSecretKey are required (set in config.yaml)")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required (set in config.yaml)")
		}
	default:
		return fmt.Errorf("config: unknown objectStore %q (memory|minio)", cfg.ObjectStore)
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required for rate limiting and token revocation (set REDIS_ADDR)")
	}
	if cfg.JWTPrivateKeyPath == "" && cfg.JWTPublicKeyPath != "" {
		return errors.New("config: jwtPublicKeyPath requires jwtPrivateKeyPath")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	if cfg.MediaCleanupWorkers < 0 {
		return errors.New("config: mediaCleanupWorkers must be >= 0")
	}
	if cfg.AnonymousRateLimitPerMinute < 0 || cfg.RefreshRateLimitPerMinute < 0 || cfg.LookupRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	for name, raw := range map[string]string{
		"sessionTTL":    cfg.SessionTTL,
		"refreshTTL":    cfg.RefreshTTL,
		"jwtLeeway":     cfg.JWTLeeway,
		"lookupTimeout": cfg.LookupTimeout,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if _, err := ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Ephemeral reports whether tokens are signed with a key generated at start.
func (c FileConfig) Ephemeral() bool {
	return strings.TrimSpace(c.JWTPrivateKeyPath) == ""
}

// ParseDuration parses an optional duration; empty yields zero.
func ParseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be >= 0", name)
	}
	return dur, nil
}

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range splitCSV(raw) {
		kid, path, ok := strings.Cut(pair, "=")
		kid = strings.TrimSpace(kid)
		path = strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("invalid jwtVerifyPublicKeys entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
