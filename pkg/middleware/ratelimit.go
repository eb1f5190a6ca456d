package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/perimeterhq/gatehouse/pkg/httputil"
	"github.com/perimeterhq/gatehouse/pkg/observability"
	"github.com/perimeterhq/gatehouse/pkg/orgs"
)

// HeaderServiceKey marks service-to-service calls. Callers carrying it
// are limited on the key alone, independent of user or IP.
const HeaderServiceKey = "X-Service-Key"

// CounterStore tracks rate-limit buckets. Counters decay by TTL; the
// store must support safe concurrent check-and-increment per key.
type CounterStore interface {
	Count(ctx context.Context, key string) (int64, error)
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// RedisCounterStore implements CounterStore on Redis INCR with EXPIRE set
// on first touch, shared across all instances.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore creates a counter store. prefix defaults to
// "ratelimit".
func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisCounterStore{client: client, prefix: prefix}
}

func (s *RedisCounterStore) key(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

func (s *RedisCounterStore) Count(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, s.key(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter get: %w", err)
	}
	return n, nil
}

func (s *RedisCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := s.key(key)
	n, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("counter increment: %w", err)
	}
	// The window is anchored at the first request in it.
	if n == 1 {
		if err := s.client.Expire(ctx, k, window).Err(); err != nil {
			return n, fmt.Errorf("counter expire: %w", err)
		}
	}
	return n, nil
}

func (s *RedisCounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, s.key(key)).Result()
}

// RateLimitConfig carries per-tier window capacities. All buckets share
// one decay window except the SSO sub-tiers, which carry their own.
type RateLimitConfig struct {
	Window     time.Duration
	IPMax      int
	UserMax    int
	OrgMax     int
	ServiceMax int

	SSOWindow           time.Duration
	SSOAuthorizeAuthMax int
	SSOAuthorizeAnonMax int
	SSOTokenMax         int
	SSORefreshMax       int
}

// DefaultRateLimitConfig returns production defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Window:     time.Minute,
		IPMax:      120,
		UserMax:    300,
		OrgMax:     1000,
		ServiceMax: 3000,

		SSOWindow:           time.Minute,
		SSOAuthorizeAuthMax: 30,
		SSOAuthorizeAnonMax: 10,
		SSOTokenMax:         20,
		SSORefreshMax:       20,
	}
}

// Named SSO sub-tiers. Each overrides the generic classification with
// endpoint-specific buckets.
const (
	TierSSOAuthorize = "sso:authorize"
	TierSSOToken     = "sso:token"
	TierSSORefresh   = "sso:refresh"
)

// OrgLookup resolves a locally cached organization row, used for the IP
// allowlist. Satisfied by *access.Cache.
type OrgLookup interface {
	Organization(ctx context.Context, selector string) (*orgs.Organization, error)
}

type bucket struct {
	key    string
	max    int
	window time.Duration
}

// TieredRateLimiter classifies each request into a tier and enforces one
// or more counter buckets for it. All applicable buckets are checked
// before any is incremented, so a rejected request consumes no quota
// anywhere.
type TieredRateLimiter struct {
	counters CounterStore
	orgLook  OrgLookup
	config   RateLimitConfig
	logger   *logrus.Logger
	metrics  *observability.Metrics
}

// NewTieredRateLimiter creates the rate-limit stage. orgLook and metrics
// may be nil; without orgLook the whitelist bypass never applies.
func NewTieredRateLimiter(counters CounterStore, orgLook OrgLookup, config RateLimitConfig,
	logger *logrus.Logger, metrics *observability.Metrics) *TieredRateLimiter {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Window <= 0 {
		config = DefaultRateLimitConfig()
	}
	return &TieredRateLimiter{
		counters: counters,
		orgLook:  orgLook,
		config:   config,
		logger:   logger,
		metrics:  metrics,
	}
}

// Handler applies the generic tier classification.
func (m *TieredRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tier, buckets := m.classify(r)
		m.enforce(w, r, next, tier, buckets)
	})
}

// NamedHandler applies an SSO sub-tier instead of the generic
// classification.
func (m *TieredRateLimiter) NamedHandler(tier string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buckets := m.classifyNamed(tier, r)
		m.enforce(w, r, next, tier, buckets)
	})
}

// classify builds the generic bucket set per the tier priority:
// service key, then whitelisted IP, then authenticated, then anonymous.
func (m *TieredRateLimiter) classify(r *http.Request) (string, []bucket) {
	if key := r.Header.Get(HeaderServiceKey); key != "" {
		return "service", []bucket{
			{key: "service:" + key, max: m.config.ServiceMax, window: m.config.Window},
		}
	}

	ip := requestIP(r)
	identity := GetIdentity(r)
	if identity == nil {
		return "anonymous", []bucket{
			{key: "ip:" + ip, max: m.config.IPMax, window: m.config.Window},
		}
	}

	// The per-organization bucket only applies when the request names an
	// organization.
	var orgBucket *bucket
	selector := r.Header.Get(HeaderOrganizationID)
	if selector != "" {
		orgBucket = &bucket{key: "org:" + selector, max: m.config.OrgMax, window: m.config.Window}
	}

	if m.whitelisted(r, ip) {
		buckets := []bucket{
			{key: "user:" + identity.UserID, max: m.config.UserMax, window: m.config.Window},
		}
		if orgBucket != nil {
			buckets = append(buckets, *orgBucket)
		}
		return "whitelisted", buckets
	}

	buckets := []bucket{
		{key: "ip:" + ip, max: m.config.IPMax, window: m.config.Window},
		{key: "user:" + identity.UserID, max: m.config.UserMax, window: m.config.Window},
	}
	if orgBucket != nil {
		buckets = append(buckets, *orgBucket)
	}
	return "authenticated", buckets
}

func (m *TieredRateLimiter) classifyNamed(tier string, r *http.Request) []bucket {
	ip := requestIP(r)
	identity := GetIdentity(r)

	switch tier {
	case TierSSOAuthorize:
		if identity != nil {
			return []bucket{{
				key: "sso:authorize:user:" + identity.UserID,
				max: m.config.SSOAuthorizeAuthMax, window: m.config.SSOWindow,
			}}
		}
		return []bucket{{
			key: "sso:authorize:ip:" + ip,
			max: m.config.SSOAuthorizeAnonMax, window: m.config.SSOWindow,
		}}

	case TierSSOToken:
		// Whitelisted callers exchange tokens unmetered.
		if m.whitelisted(r, ip) {
			return nil
		}
		return []bucket{{
			key: "sso:token:ip:" + ip,
			max: m.config.SSOTokenMax, window: m.config.SSOWindow,
		}}

	case TierSSORefresh:
		// Key on a truncated digest of the refresh token so the raw
		// secret never reaches limiter storage. Fall back to the IP when
		// the body carries no token.
		if digest := refreshTokenDigest(r); digest != "" {
			return []bucket{{
				key: "sso:refresh:token:" + digest,
				max: m.config.SSORefreshMax, window: m.config.SSOWindow,
			}}
		}
		return []bucket{{
			key: "sso:refresh:ip:" + ip,
			max: m.config.SSORefreshMax, window: m.config.SSOWindow,
		}}
	}

	// Unknown tier names fall back to the generic classification.
	_, buckets := m.classify(r)
	return buckets
}

// enforce checks every bucket, rejects on the first violation without
// incrementing anything, and otherwise increments all buckets and
// forwards the request with rate-limit headers from the first bucket.
func (m *TieredRateLimiter) enforce(w http.ResponseWriter, r *http.Request, next http.Handler, tier string, buckets []bucket) {
	if len(buckets) == 0 {
		m.countAllowed(tier)
		next.ServeHTTP(w, r)
		return
	}
	ctx := r.Context()

	for _, b := range buckets {
		count, err := m.counters.Count(ctx, b.key)
		if err != nil {
			// Counter store trouble must not take the API down.
			m.logger.WithError(err).WithField("bucket", b.key).Warn("Rate-limit counter unavailable; admitting request")
			next.ServeHTTP(w, r)
			return
		}
		if count >= int64(b.max) {
			m.reject(ctx, w, b, tier)
			return
		}
	}

	var firstCount int64
	for i, b := range buckets {
		count, err := m.counters.Increment(ctx, b.key, b.window)
		if err != nil {
			m.logger.WithError(err).WithField("bucket", b.key).Warn("Rate-limit increment failed")
			count = 0
		}
		if i == 0 {
			firstCount = count
		}
	}

	remaining := int64(buckets[0].max) - firstCount
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(buckets[0].max))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

	m.countAllowed(tier)
	next.ServeHTTP(w, r)
}

func (m *TieredRateLimiter) reject(ctx context.Context, w http.ResponseWriter, b bucket, tier string) {
	retryAfter := int(b.window / time.Second)
	if ttl, err := m.counters.TTL(ctx, b.key); err == nil && ttl > 0 {
		retryAfter = int(ttl / time.Second)
		if retryAfter == 0 {
			retryAfter = 1
		}
	}

	if m.metrics != nil {
		m.metrics.RateLimitRejectedTotal.WithLabelValues(tier).Inc()
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(b.max))
	w.Header().Set("X-RateLimit-Remaining", "0")
	httputil.WriteRateLimited(w, retryAfter, b.max)
}

func (m *TieredRateLimiter) countAllowed(tier string) {
	if m.metrics != nil {
		m.metrics.RateLimitAllowedTotal.WithLabelValues(tier).Inc()
	}
}

// whitelisted reports whether the caller's IP is on their organization's
// allowlist. The organization comes from the resolved request context, or
// from the explicit header on routes that run before context resolution
// (the SSO tiers).
func (m *TieredRateLimiter) whitelisted(r *http.Request, ip string) bool {
	if m.orgLook == nil {
		return false
	}
	orgID := r.Header.Get(HeaderOrganizationID)
	if rc := GetRequestContext(r); rc.HasOrganization() {
		orgID = rc.OrganizationID
	}
	if orgID == "" {
		return false
	}
	org, err := m.orgLook.Organization(r.Context(), orgID)
	if err != nil || org == nil || len(org.IPAllowlist) == 0 {
		return false
	}
	return IPWhitelisted(ip, org.IPAllowlist)
}

// refreshTokenDigest reads the refresh token from the form body and
// returns a truncated SHA-256 digest, restoring the body for the
// downstream handler.
func refreshTokenDigest(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	values, err := parseForm(body)
	if err != nil {
		return ""
	}
	token := values.Get("refresh_token")
	if token == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}

func parseForm(body []byte) (url.Values, error) {
	return url.ParseQuery(string(body))
}

func requestIP(r *http.Request) string {
	return clientIP(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"))
}
