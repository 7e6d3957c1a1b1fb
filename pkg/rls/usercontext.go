package rls

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// UserContext is the coarse permission snapshot cached per user
type UserContext struct {
	UserID      int64     `json:"user_id"`
	TenantID    int64     `json:"tenant_id"`
	Permissions []string  `json:"permissions"`
	SetAt       time.Time `json:"set_at"`
}

// Has reports whether perm is in the snapshot
func (u UserContext) Has(perm string) bool {
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// UserContextStore holds user contexts keyed by (user, tenant). A miss is
// (zero, false, nil).
type UserContextStore interface {
	Put(ctx context.Context, uc UserContext) error
	Get(ctx context.Context, userID, tenantID int64) (UserContext, bool, error)
	Delete(ctx context.Context, userID, tenantID int64) error
}

type userKey struct {
	userID   int64
	tenantID int64
}

// MemoryUserContexts is an in-process, size-bounded store with TTL
type MemoryUserContexts struct {
	cache *lru.LRU[userKey, UserContext]
}

// NewMemoryUserContexts creates a memory store holding at most size users
func NewMemoryUserContexts(size int, ttl time.Duration) *MemoryUserContexts {
	if size <= 0 {
		size = 10000
	}
	return &MemoryUserContexts{
		cache: lru.NewLRU[userKey, UserContext](size, nil, ttl),
	}
}

func (m *MemoryUserContexts) Put(_ context.Context, uc UserContext) error {
	uc.Permissions = append([]string(nil), uc.Permissions...)
	m.cache.Add(userKey{uc.UserID, uc.TenantID}, uc)
	return nil
}

func (m *MemoryUserContexts) Get(_ context.Context, userID, tenantID int64) (UserContext, bool, error) {
	uc, ok := m.cache.Get(userKey{userID, tenantID})
	if !ok {
		return UserContext{}, false, nil
	}
	uc.Permissions = append([]string(nil), uc.Permissions...)
	return uc, true, nil
}

func (m *MemoryUserContexts) Delete(_ context.Context, userID, tenantID int64) error {
	m.cache.Remove(userKey{userID, tenantID})
	return nil
}

// RedisUserContexts shares user contexts between processes
type RedisUserContexts struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisUserContexts creates a Redis-backed store. A zero ttl keeps keys forever.
func NewRedisUserContexts(client *redis.Client, ttl time.Duration) *RedisUserContexts {
	return &RedisUserContexts{client: client, ttl: ttl}
}

func userContextKey(userID, tenantID int64) string {
	return fmt.Sprintf("tenantguard:userctx:%d:%d", tenantID, userID)
}

func (r *RedisUserContexts) Put(ctx context.Context, uc UserContext) error {
	data, err := json.Marshal(uc)
	if err != nil {
		return fmt.Errorf("failed to marshal user context: %w", err)
	}
	if err := r.client.Set(ctx, userContextKey(uc.UserID, uc.TenantID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisUserContexts) Get(ctx context.Context, userID, tenantID int64) (UserContext, bool, error) {
	key := userContextKey(userID, tenantID)
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return UserContext{}, false, nil
	} else if err != nil {
		return UserContext{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	var uc UserContext
	if err := json.Unmarshal(data, &uc); err != nil {
		// Drop the corrupt value so the next Put starts clean
		r.client.Del(ctx, key)
		return UserContext{}, false, fmt.Errorf("failed to unmarshal user context: %w", err)
	}
	return uc, true, nil
}

func (r *RedisUserContexts) Delete(ctx context.Context, userID, tenantID int64) error {
	if err := r.client.Del(ctx, userContextKey(userID, tenantID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
