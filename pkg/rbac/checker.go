package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/tenantguard/pkg/observability"
)

type cacheKey struct {
	userID   int64
	tenantID int64
}

// permissionSet is the resolved view of one user in one tenant
type permissionSet struct {
	roles       []AssignedRole
	permissions map[string]struct{}
	// validUntil is the earlier of the cache TTL and the first assignment
	// expiry, so an expiring role is never served from cache.
	validUntil time.Time
}

func newPermissionSet(assigned []AssignedRole, now time.Time, ttl time.Duration) *permissionSet {
	set := &permissionSet{
		roles:       assigned,
		permissions: make(map[string]struct{}),
		validUntil:  now.Add(ttl),
	}
	for _, ar := range assigned {
		for _, p := range ar.Permissions {
			set.permissions[p] = struct{}{}
		}
		if ar.ExpiresAt != nil && ar.ExpiresAt.Before(set.validUntil) {
			set.validUntil = *ar.ExpiresAt
		}
	}
	return set
}

func (s *permissionSet) has(perm string) bool {
	_, ok := s.permissions[perm]
	return ok
}

func (s *permissionSet) sortedPermissions() []string {
	out := make([]string, 0, len(s.permissions))
	for p := range s.permissions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// CheckerConfig sizes the permission and resource caches. LoadTimeout
// bounds a shared store load, which outlives the caller that started it.
type CheckerConfig struct {
	CacheTTL      time.Duration
	PermCacheSize int
	ResCacheSize  int
	LoadTimeout   time.Duration
	Metrics       *observability.Metrics
}

// PermissionChecker resolves role permissions and resource ownership through
// read-through caches. Reads never block each other; invalidation takes a
// short lock that also orders it against cache fills.
type PermissionChecker struct {
	store       Store
	ttl         time.Duration
	loadTimeout time.Duration
	perms       *lru.LRU[cacheKey, *permissionSet]
	owners      *lru.LRU[string, Resource]
	group       singleflight.Group
	metrics     *observability.Metrics

	// mu serializes fills against invalidations. A fill only lands if no
	// invalidation happened since its load started.
	mu         sync.Mutex
	generation atomic.Uint64

	now func() time.Time
}

// NewPermissionChecker creates a new permission checker
func NewPermissionChecker(store Store, cfg CheckerConfig) *PermissionChecker {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.PermCacheSize <= 0 {
		cfg.PermCacheSize = 10000
	}
	if cfg.ResCacheSize <= 0 {
		cfg.ResCacheSize = 10000
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 5 * time.Second
	}
	return &PermissionChecker{
		store:       store,
		ttl:         cfg.CacheTTL,
		loadTimeout: cfg.LoadTimeout,
		perms:       lru.NewLRU[cacheKey, *permissionSet](cfg.PermCacheSize, nil, cfg.CacheTTL),
		owners:      lru.NewLRU[string, Resource](cfg.ResCacheSize, nil, cfg.CacheTTL),
		metrics:     cfg.Metrics,
		now:         time.Now,
	}
}

// fill runs add unless an invalidation happened after gen was read
func (pc *PermissionChecker) fill(gen uint64, add func()) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.generation.Load() == gen {
		add()
	}
}

// invalidate bumps the generation and runs remove under the lock
func (pc *PermissionChecker) invalidate(remove func()) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.generation.Add(1)
	remove()
}

// load runs fn once per key for all concurrent callers. fn gets a context
// that is not cancelled with ctx, so one caller giving up never fails the
// others; each caller still returns as soon as its own ctx is done.
func (pc *PermissionChecker) load(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := pc.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pc.loadTimeout)
		defer cancel()
		return fn(loadCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// permissionSet returns the active roles and permissions of a user
func (pc *PermissionChecker) permissionSet(ctx context.Context, userID, tenantID int64) (*permissionSet, error) {
	key := cacheKey{userID: userID, tenantID: tenantID}
	now := pc.now()

	if set, ok := pc.perms.Get(key); ok {
		if now.Before(set.validUntil) {
			pc.metrics.RecordCache("permissions", true)
			return set, nil
		}
		pc.invalidate(func() {
			if cur, ok := pc.perms.Peek(key); ok && cur == set {
				pc.perms.Remove(key)
			}
		})
	}
	pc.metrics.RecordCache("permissions", false)

	gen := pc.generation.Load()
	v, err := pc.load(ctx, fmt.Sprintf("perms:%d:%d:%d", gen, tenantID, userID), func(ctx context.Context) (interface{}, error) {
		assigned, err := pc.store.ActiveRoles(ctx, userID, tenantID, now)
		if err != nil {
			return nil, err
		}
		set := newPermissionSet(assigned, now, pc.ttl)
		pc.fill(gen, func() { pc.perms.Add(key, set) })
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*permissionSet), nil
}

// resource returns a registered resource through the ownership cache
func (pc *PermissionChecker) resource(ctx context.Context, resourceID string) (*Resource, error) {
	if res, ok := pc.owners.Get(resourceID); ok {
		pc.metrics.RecordCache("owners", true)
		return &res, nil
	}
	pc.metrics.RecordCache("owners", false)

	gen := pc.generation.Load()
	v, err := pc.load(ctx, fmt.Sprintf("res:%d:%s", gen, resourceID), func(ctx context.Context) (interface{}, error) {
		res, err := pc.store.GetResource(ctx, resourceID)
		if err != nil {
			return nil, err
		}
		pc.fill(gen, func() { pc.owners.Add(resourceID, *res) })
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Resource)
	return &res, nil
}

// InvalidateUser drops the cached permissions of one user in one tenant
func (pc *PermissionChecker) InvalidateUser(userID, tenantID int64) {
	pc.invalidate(func() { pc.perms.Remove(cacheKey{userID: userID, tenantID: tenantID}) })
	pc.metrics.RecordInvalidation("permissions", "user")
}

// InvalidateTenant drops the cached permissions of every user in a tenant
func (pc *PermissionChecker) InvalidateTenant(tenantID int64) {
	pc.invalidate(func() {
		for _, key := range pc.perms.Keys() {
			if key.tenantID == tenantID {
				pc.perms.Remove(key)
			}
		}
	})
	pc.metrics.RecordInvalidation("permissions", "tenant")
}

// InvalidateResource drops a cached resource
func (pc *PermissionChecker) InvalidateResource(resourceID string) {
	pc.invalidate(func() { pc.owners.Remove(resourceID) })
	pc.metrics.RecordInvalidation("owners", "resource")
}

// Clear drops every cached permission set and resource
func (pc *PermissionChecker) Clear() {
	pc.invalidate(func() {
		pc.perms.Purge()
		pc.owners.Purge()
	})
	pc.metrics.RecordInvalidation("permissions", "all")
	pc.metrics.RecordInvalidation("owners", "all")
}
