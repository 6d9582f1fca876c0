package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidRefreshToken indicates token not found or expired.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshTokenReplay indicates a rotated token was presented again.
	ErrRefreshTokenReplay = errors.New("refresh token replay detected")
)

// RefreshTokenStore persists refresh tokens for rotation and replay
// detection. Every sign-in starts a family; rotating hands out the family's
// next token, and presenting any earlier one revokes the whole family.
type RefreshTokenStore interface {
	NewToken(ctx context.Context, identityID string, ttl time.Duration) (string, error)
	RotateToken(ctx context.Context, token string, ttl time.Duration) (identityID string, newToken string, err error)
	DeleteToken(ctx context.Context, token string) error
}

// tokenFamily is one sign-in's chain of refresh tokens.
type tokenFamily struct {
	identityID string
	current    string
	issued     []string
	expiresAt  time.Time
}

// MemoryRefreshTokenStore keeps token families in process memory.
type MemoryRefreshTokenStore struct {
	mu         sync.Mutex
	families   map[string]*tokenFamily
	byHash     map[string]string
	byIdentity map[string]map[string]bool
	now        func() time.Time
}

// NewMemoryRefreshTokenStore constructs an in-memory refresh token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		families:   make(map[string]*tokenFamily),
		byHash:     make(map[string]string),
		byIdentity: make(map[string]map[string]bool),
		now:        time.Now,
	}
}

func (s *MemoryRefreshTokenStore) NewToken(_ context.Context, identityID string, ttl time.Duration) (string, error) {
	token, hash, err := newRefreshToken()
	if err != nil {
		return "", err
	}
	familyID, err := randomHex(16)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.families[familyID] = &tokenFamily{
		identityID: identityID,
		current:    hash,
		issued:     []string{hash},
		expiresAt:  s.now().Add(ttl),
	}
	s.byHash[hash] = familyID
	if s.byIdentity[identityID] == nil {
		s.byIdentity[identityID] = make(map[string]bool)
	}
	s.byIdentity[identityID][familyID] = true
	return token, nil
}

func (s *MemoryRefreshTokenStore) RotateToken(_ context.Context, token string, ttl time.Duration) (string, string, error) {
	hash := refreshTokenHash(token)

	s.mu.Lock()
	defer s.mu.Unlock()
	familyID, ok := s.byHash[hash]
	if !ok {
		return "", "", ErrInvalidRefreshToken
	}
	family := s.families[familyID]
	switch {
	case family == nil || s.now().After(family.expiresAt):
		s.dropFamilyLocked(familyID)
		return "", "", ErrInvalidRefreshToken
	case family.current != hash:
		s.dropFamilyLocked(familyID)
		return "", "", ErrRefreshTokenReplay
	}

	next, nextHash, err := newRefreshToken()
	if err != nil {
		return "", "", err
	}
	family.current = nextHash
	family.issued = append(family.issued, nextHash)
	family.expiresAt = s.now().Add(ttl)
	s.byHash[nextHash] = familyID
	return family.identityID, next, nil
}

// DeleteToken revokes the family the token belongs to. Unknown tokens are
// not an error.
func (s *MemoryRefreshTokenStore) DeleteToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if familyID, ok := s.byHash[refreshTokenHash(token)]; ok {
		s.dropFamilyLocked(familyID)
	}
	return nil
}

// RevokeIdentityRefreshTokens revokes every family of an identity.
func (s *MemoryRefreshTokenStore) RevokeIdentityRefreshTokens(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for familyID := range s.byIdentity[identityID] {
		s.dropFamilyLocked(familyID)
	}
	delete(s.byIdentity, identityID)
	return nil
}

func (s *MemoryRefreshTokenStore) dropFamilyLocked(familyID string) {
	family, ok := s.families[familyID]
	if !ok {
		return
	}
	for _, hash := range family.issued {
		delete(s.byHash, hash)
	}
	delete(s.families, familyID)
	if owned := s.byIdentity[family.identityID]; owned != nil {
		delete(owned, familyID)
		if len(owned) == 0 {
			delete(s.byIdentity, family.identityID)
		}
	}
}

const refreshKeyPrefix = "bookbuddy:refresh:"

// Key layout under refreshKeyPrefix:
//
//	tok:<hash>         -> family id
//	fam:<family>       -> hash {identity, current}
//	famtok:<family>    -> set of every hash issued in the family
//	ident:<identity>   -> set of family ids
//
// Scripts derive keys from the prefix, so the store needs a single Redis
// node rather than a cluster.
const luaDropFamily = `
local function drop_family(p, fam)
  local famKey = p .. "fam:" .. fam
  local ident = redis.call("HGET", famKey, "identity")
  for _, h in ipairs(redis.call("SMEMBERS", p .. "famtok:" .. fam)) do
    redis.call("DEL", p .. "tok:" .. h)
  end
  redis.call("DEL", p .. "famtok:" .. fam, famKey)
  if ident then
    redis.call("SREM", p .. "ident:" .. ident, fam)
  end
end
`

// rotateScript returns {status, identity}; status is ok, invalid or replay.
// A replayed or orphaned token drops its family in the same step.
var rotateScript = redis.NewScript(luaDropFamily + `
local p, hash, nextHash, ttl = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local fam = redis.call("GET", p .. "tok:" .. hash)
if not fam then
  return {"invalid", ""}
end
local famKey = p .. "fam:" .. fam
local ident = redis.call("HGET", famKey, "identity")
local current = redis.call("HGET", famKey, "current")
if not ident or not current then
  drop_family(p, fam)
  return {"invalid", ""}
end
if current ~= hash then
  drop_family(p, fam)
  return {"replay", ident}
end
redis.call("SET", p .. "tok:" .. nextHash, fam, "PX", ttl)
redis.call("HSET", famKey, "current", nextHash)
redis.call("SADD", p .. "famtok:" .. fam, nextHash)
redis.call("SADD", p .. "ident:" .. ident, fam)
for _, k in ipairs({famKey, p .. "famtok:" .. fam, p .. "ident:" .. ident}) do
  redis.call("PEXPIRE", k, ttl)
end
return {"ok", ident}
`)

var deleteTokenScript = redis.NewScript(luaDropFamily + `
local fam = redis.call("GET", ARGV[1] .. "tok:" .. ARGV[2])
if fam then
  drop_family(ARGV[1], fam)
end
return 1
`)

var revokeIdentityScript = redis.NewScript(luaDropFamily + `
local identKey = ARGV[1] .. "ident:" .. ARGV[2]
for _, fam in ipairs(redis.call("SMEMBERS", identKey)) do
  drop_family(ARGV[1], fam)
end
redis.call("DEL", identKey)
return 1
`)

// RedisRefreshTokenStore keeps token families in Redis so every service
// instance sees the same rotation state.
type RedisRefreshTokenStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRefreshTokenStore dials Redis at addr.
func NewRedisRefreshTokenStore(addr, password string) *RedisRefreshTokenStore {
	return NewRedisRefreshTokenStoreWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}))
}

// NewRedisRefreshTokenStoreWithClient shares an existing Redis client.
func NewRedisRefreshTokenStoreWithClient(client *redis.Client) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{client: client, prefix: refreshKeyPrefix}
}

func (s *RedisRefreshTokenStore) NewToken(ctx context.Context, identityID string, ttl time.Duration) (string, error) {
	token, hash, err := newRefreshToken()
	if err != nil {
		return "", err
	}
	familyID, err := randomHex(16)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	famKey := s.prefix + "fam:" + familyID
	famTokKey := s.prefix + "famtok:" + familyID
	identKey := s.prefix + "ident:" + identityID
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.prefix+"tok:"+hash, familyID, ttl)
		pipe.HSet(ctx, famKey, "identity", identityID, "current", hash)
		pipe.SAdd(ctx, famTokKey, hash)
		pipe.SAdd(ctx, identKey, familyID)
		for _, key := range []string{famKey, famTokKey, identKey} {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	return token, nil
}

func (s *RedisRefreshTokenStore) RotateToken(ctx context.Context, token string, ttl time.Duration) (string, string, error) {
	next, nextHash, err := newRefreshToken()
	if err != nil {
		return "", "", err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	res, err := rotateScript.Run(ctx, s.client, nil,
		s.prefix, refreshTokenHash(token), nextHash, ttl.Milliseconds()).StringSlice()
	if err != nil {
		return "", "", fmt.Errorf("rotate refresh token: %w", err)
	}
	if len(res) != 2 {
		return "", "", fmt.Errorf("rotate refresh token: unexpected reply %v", res)
	}
	switch res[0] {
	case "ok":
		return res[1], next, nil
	case "replay":
		return "", "", ErrRefreshTokenReplay
	default:
		return "", "", ErrInvalidRefreshToken
	}
}

// DeleteToken revokes the family the token belongs to.
func (s *RedisRefreshTokenStore) DeleteToken(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := deleteTokenScript.Run(ctx, s.client, nil, s.prefix, refreshTokenHash(token)).Err(); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

// RevokeIdentityRefreshTokens revokes every family of an identity.
func (s *RedisRefreshTokenStore) RevokeIdentityRefreshTokens(ctx context.Context, identityID string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := revokeIdentityScript.Run(ctx, s.client, nil, s.prefix, identityID).Err(); err != nil {
		return fmt.Errorf("revoke identity refresh tokens: %w", err)
	}
	return nil
}

// newRefreshToken returns an opaque token and the hash stored in its place.
func newRefreshToken() (string, string, error) {
	token, err := randomHex(32)
	if err != nil {
		return "", "", err
	}
	return token, refreshTokenHash(token), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func refreshTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
