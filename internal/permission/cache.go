package permission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/logfields"
	"github.com/merganser/merganser/internal/models"
)

const loggerName = "permission_resolver"

const DefCacheTTL = 5 * time.Minute

// Source loads the permission snapshot of a repository from the remote
// source of truth.
type Source interface {
	Load(ctx context.Context, repo models.RepositoryName) (*UserPermissions, error)
}

// Resolver answers whether a user may invoke a privileged action.
type Resolver interface {
	ResolveUser(ctx context.Context, username string, perm Permission) bool
}

// CachedUserPermissions wraps a UserPermissions snapshot with its
// invalidation state. IsInvalidated must be checked before every query,
// Reload replaces the snapshot.
type CachedUserPermissions struct {
	perms       *UserPermissions
	ttl         time.Duration
	validUntil  time.Time
	invalidated bool
}

func NewCachedUserPermissions(perms *UserPermissions, ttl time.Duration) *CachedUserPermissions {
	return &CachedUserPermissions{
		perms:      perms,
		ttl:        ttl,
		validUntil: time.Now().Add(ttl),
	}
}

// IsInvalidated returns true when the snapshot must be reloaded before the
// next permission query, either because the TTL expired or because
// Invalidate was called.
func (c *CachedUserPermissions) IsInvalidated() bool {
	return c.invalidated || time.Now().After(c.validUntil)
}

func (c *CachedUserPermissions) Invalidate() {
	c.invalidated = true
}

// Reload replaces the wrapped snapshot and rearms the TTL.
func (c *CachedUserPermissions) Reload(perms *UserPermissions) {
	c.perms = perms
	c.validUntil = time.Now().Add(c.ttl)
	c.invalidated = false
}

func (c *CachedUserPermissions) Permissions() *UserPermissions {
	return c.perms
}

// CachingResolver resolves permissions for one repository from a cached
// snapshot, reloading it from the Source when the cache is invalidated.
// It is safe for concurrent use.
type CachingResolver struct {
	repo   models.RepositoryName
	source Source
	logger *zap.Logger

	lock   sync.Mutex
	cached *CachedUserPermissions
}

// NewCachingResolver performs the initial snapshot load.
// The load failing fails the construction, callers are expected to treat
// this as fatal and retry the whole registry load.
func NewCachingResolver(ctx context.Context, repo models.RepositoryName, source Source, ttl time.Duration) (*CachingResolver, error) {
	perms, err := source.Load(ctx, repo)
	if err != nil {
		return nil, err
	}

	if ttl <= 0 {
		ttl = DefCacheTTL
	}

	return &CachingResolver{
		repo:   repo,
		source: source,
		logger: zap.L().Named(loggerName).With(logfields.Repository(repo.String())),
		cached: NewCachedUserPermissions(perms, ttl),
	}, nil
}

// ResolveUser returns true if username currently holds perm.
// When the cached snapshot is invalidated it is reloaded first. A failed
// reload is logged and the stale snapshot answers, it never surfaces as an
// error to the caller.
func (r *CachingResolver) ResolveUser(ctx context.Context, username string, perm Permission) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.cached.IsInvalidated() {
		perms, err := r.source.Load(ctx, r.repo)
		if err != nil {
			r.logger.Warn(
				"reloading user permissions failed, answering from stale snapshot",
				logfields.Event("permission_reload_failed"),
				zap.Error(err),
			)
		} else {
			r.cached.Reload(perms)
			r.logger.Debug(
				"user permissions reloaded",
				logfields.Event("permissions_reloaded"),
				zap.Int("permission_cache.try_users", perms.UserCount(TryBuild)),
				zap.Int("permission_cache.approve_users", perms.UserCount(Approve)),
			)
		}
	}

	return r.cached.Permissions().CanPerform(username, perm)
}

// Invalidate marks the cached snapshot as stale, forcing a reload on the
// next ResolveUser call.
func (r *CachingResolver) Invalidate() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.cached.Invalidate()
}
