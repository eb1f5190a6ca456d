package access

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/perimeterhq/gatehouse/pkg/authority"
	"github.com/perimeterhq/gatehouse/pkg/observability"
	"github.com/perimeterhq/gatehouse/pkg/orgs"
)

// DefaultGrantTTL is used when the Authority does not suggest a lifetime.
const DefaultGrantTTL = 300 * time.Second

// AuthorityChecker is the slice of the Authority client the cache needs.
type AuthorityChecker interface {
	CheckAccess(ctx context.Context, token, selector string) (*authority.Grant, error)
}

// CacheConfig holds cache tuning knobs.
type CacheConfig struct {
	// GrantTTL is the default grant cache lifetime.
	GrantTTL time.Duration
	// HotOrgEntries/HotOrgTTL size the in-process LRU of organization
	// rows used to spare the SQL store on the request hot path.
	HotOrgEntries int
	HotOrgTTL     time.Duration
}

// DefaultCacheConfig returns the standard cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		GrantTTL:      DefaultGrantTTL,
		HotOrgEntries: 1024,
		HotOrgTTL:     time.Minute,
	}
}

// Cache is the cache-aside organization access checker.
type Cache struct {
	redis     *redis.Client
	upstream  AuthorityChecker
	store     *orgs.Store
	local     *LocalAuthority
	ttl       time.Duration
	group     singleflight.Group
	hotOrgs   *lru.LRU[string, *orgs.Organization]
	log       *observability.Logger
	metrics   *observability.Metrics
}

// NewCache wires the access cache. metrics may be nil.
func NewCache(redisClient *redis.Client, upstream AuthorityChecker, store *orgs.Store,
	cfg CacheConfig, log *observability.Logger, metrics *observability.Metrics) *Cache {
	if cfg.GrantTTL <= 0 {
		cfg.GrantTTL = DefaultGrantTTL
	}
	if cfg.HotOrgEntries <= 0 {
		cfg.HotOrgEntries = 1024
	}
	if cfg.HotOrgTTL <= 0 {
		cfg.HotOrgTTL = time.Minute
	}
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, os.Stderr)
	}
	return &Cache{
		redis:    redisClient,
		upstream: upstream,
		store:    store,
		local:    NewLocalAuthority(store),
		ttl:      cfg.GrantTTL,
		hotOrgs:  lru.NewLRU[string, *orgs.Organization](cfg.HotOrgEntries, nil, cfg.HotOrgTTL),
		log:      log,
		metrics:  metrics,
	}
}

func grantKey(callerID, selector string) string {
	return fmt.Sprintf("grant:%s:%s", callerID, selector)
}

// CheckAccess resolves the caller's grant for the organization identified
// by selector (external id or slug).
//
// Resolution order: Redis cache, then the Authority (collapsed across
// concurrent misses for the same key), then the local fallback when the
// caller has no token or the Authority fails with a transport/server
// error. A nil grant with a nil error means access is denied; denials are
// never cached.
func (c *Cache) CheckAccess(ctx context.Context, caller Caller, selector string) (*Grant, error) {
	key := grantKey(caller.ID, selector)

	if data, err := c.redis.Get(ctx, key).Result(); err == nil {
		var grant Grant
		if err := json.Unmarshal([]byte(data), &grant); err == nil {
			c.countHit()
			return &grant, nil
		}
		// Corrupt entry: drop it and fall through to a live check.
		c.redis.Del(ctx, key)
	} else if err != redis.Nil {
		c.log.WithError(err).Warn("grant cache read failed, checking live")
	}
	c.countMiss()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.checkLive(ctx, caller, selector, key)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*Grant), nil
}

// checkLive consults the Authority, caches and syncs a success, and
// degrades to the local store when the upstream is unavailable.
func (c *Cache) checkLive(ctx context.Context, caller Caller, selector, key string) (*Grant, error) {
	if caller.Token == "" {
		return c.fallback(ctx, caller, selector, nil)
	}

	upstream, err := c.upstream.CheckAccess(ctx, caller.Token, selector)
	if err != nil {
		if authority.ShouldFallBack(err) {
			return c.fallback(ctx, caller, selector, err)
		}
		return nil, err
	}
	if upstream == nil {
		// Denied. Never cached, never downgraded to a fallback success.
		return nil, nil
	}

	if err := c.syncOrganization(ctx, upstream); err != nil {
		// A desync between the Authority and the local cache needs an
		// operator; losing it here would hide corrupted tenancy data.
		return nil, err
	}

	grant := grantFromAuthority(upstream)
	ttl := c.ttl
	if upstream.TTLSeconds > 0 {
		ttl = time.Duration(upstream.TTLSeconds) * time.Second
	}
	data, err := json.Marshal(grant)
	if err != nil {
		return nil, fmt.Errorf("marshaling grant: %w", err)
	}
	if err := c.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		c.log.WithError(err).Warn("grant cache write failed")
	}
	return grant, nil
}

func (c *Cache) fallback(ctx context.Context, caller Caller, selector string, cause error) (*Grant, error) {
	logger := c.log.WithField("caller", caller.ID).WithField("organization", selector)
	if cause != nil {
		logger = logger.WithError(cause)
	}
	logger.Warn("authority unreachable, using local access check")
	if c.metrics != nil {
		c.metrics.AuthorityFallbacksTotal.Inc()
	}

	grant, err := c.local.CheckAccess(ctx, caller.ID, selector)
	if err != nil {
		logger.WithError(err).Warn("local access check failed")
		return nil, nil
	}
	return grant, nil
}

// syncOrganization upserts the organization observed in a live grant so
// the local cache can serve branch resolution and degraded checks.
// Concurrent syncs of the same payload are idempotent by the store's
// upsert contract; a genuine slug conflict propagates as ConsistencyError.
func (c *Cache) syncOrganization(ctx context.Context, g *authority.Grant) error {
	err := c.store.UpsertOrganization(ctx, &orgs.Organization{
		ExternalID: g.OrganizationID,
		Name:       g.OrganizationName,
		Slug:       g.OrganizationSlug,
		IsActive:   true,
	})
	if err != nil {
		if orgs.IsConsistencyError(err) {
			return err
		}
		return fmt.Errorf("syncing organization %s: %w", g.OrganizationID, err)
	}
	c.hotOrgs.Remove(g.OrganizationID)
	c.hotOrgs.Remove(g.OrganizationSlug)
	return nil
}

// Organization resolves an organization row through the in-process hot
// cache, falling back to the store.
func (c *Cache) Organization(ctx context.Context, selector string) (*orgs.Organization, error) {
	if org, ok := c.hotOrgs.Get(selector); ok {
		return org, nil
	}
	org, err := c.store.GetBySelector(ctx, selector)
	if err != nil {
		return nil, err
	}
	c.hotOrgs.Add(selector, org)
	return org, nil
}

// ClearCache invalidates one (caller, organization) grant entry. There is
// no bulk per-caller invalidation without a tag-capable backend; other
// entries converge within the TTL.
func (c *Cache) ClearCache(ctx context.Context, callerID, selector string) error {
	return c.redis.Del(ctx, grantKey(callerID, selector)).Err()
}

func (c *Cache) countHit() {
	if c.metrics != nil {
		c.metrics.GrantCacheHitsTotal.Inc()
	}
}

func (c *Cache) countMiss() {
	if c.metrics != nil {
		c.metrics.GrantCacheMissesTotal.Inc()
	}
}
