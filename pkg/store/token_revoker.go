package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 3 * time.Second

// TokenRevoker tracks revoked token IDs until expiry.
type TokenRevoker interface {
	Revoke(tokenID string, ttl time.Duration) error
	IsRevoked(tokenID string) (bool, error)
}

// IdentityTokenRevoker additionally revokes every token of an identity issued
// at or before a cutoff.
type IdentityTokenRevoker interface {
	TokenRevoker
	RevokeIdentity(identityID string, since time.Time) error
	RevokedAfter(identityID string) (time.Time, error)
}

// MemoryTokenRevoker keeps revoked tokens in-memory (single instance only).
type MemoryTokenRevoker struct {
	mu      sync.Mutex
	tokens  map[string]time.Time
	cutoffs map[string]time.Time
}

// NewMemoryTokenRevoker builds an in-memory revoker.
func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[string]time.Time),
	}
}

// Revoke marks a token as revoked until its expiry.
func (r *MemoryTokenRevoker) Revoke(tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	r.tokens[tokenID] = time.Now().Add(ttl)
	r.mu.Unlock()
	return nil
}

// IsRevoked checks if the token is revoked.
func (r *MemoryTokenRevoker) IsRevoked(tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.tokens[tokenID]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(r.tokens, tokenID)
		return false, nil
	}
	return true, nil
}

// RevokeIdentity records a cutoff; older cutoffs never replace newer ones.
func (r *MemoryTokenRevoker) RevokeIdentity(identityID string, since time.Time) error {
	since = since.UTC()
	r.mu.Lock()
	if prev, ok := r.cutoffs[identityID]; !ok || since.After(prev) {
		r.cutoffs[identityID] = since
	}
	r.mu.Unlock()
	return nil
}

// RevokedAfter returns the identity's cutoff, zero when none.
func (r *MemoryTokenRevoker) RevokedAfter(identityID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cutoffs[identityID], nil
}

// RedisTokenRevoker stores revoked tokens in Redis with TTL.
type RedisTokenRevoker struct {
	client    *redis.Client
	cutoffTTL time.Duration
}

// NewRedisTokenRevoker builds a Redis-backed revoker. Identity cutoffs are
// kept for cutoffTTL, which should cover the longest token lifetime.
func NewRedisTokenRevoker(addr, password string, cutoffTTL time.Duration) *RedisTokenRevoker {
	return NewRedisTokenRevokerWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), cutoffTTL)
}

// NewRedisTokenRevokerWithClient shares an existing Redis client.
func NewRedisTokenRevokerWithClient(client *redis.Client, cutoffTTL time.Duration) *RedisTokenRevoker {
	return &RedisTokenRevoker{client: client, cutoffTTL: cutoffTTL}
}

// Revoke marks a token as revoked until expiry.
func (r *RedisTokenRevoker) Revoke(tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.Set(ctx, revocationKey(tokenID), "1", ttl).Err()
}

// IsRevoked checks if the token is revoked.
func (r *RedisTokenRevoker) IsRevoked(tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	res, err := r.client.Exists(ctx, revocationKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

// RevokeIdentity stores the cutoff unless a newer one is already present.
func (r *RedisTokenRevoker) RevokeIdentity(identityID string, since time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	key := identityCutoffKey(identityID)
	value := since.UTC().UnixMicro()
	for {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			prev, err := tx.Get(ctx, key).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil && prev >= value {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, strconv.FormatInt(value, 10), r.cutoffTTL)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

// RevokedAfter returns the identity's cutoff, zero when none.
func (r *RedisTokenRevoker) RevokedAfter(identityID string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	value, err := r.client.Get(ctx, identityCutoffKey(identityID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(value).UTC(), nil
}

func revocationKey(tokenID string) string {
	return "bookbuddy:revoked:" + tokenID
}

func identityCutoffKey(identityID string) string {
	return "bookbuddy:revoked_identity:" + identityID
}
