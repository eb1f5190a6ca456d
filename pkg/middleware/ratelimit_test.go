package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterhq/gatehouse/pkg/auth"
	"github.com/perimeterhq/gatehouse/pkg/contextkeys"
	"github.com/perimeterhq/gatehouse/pkg/orgs"
)

type staticOrgLookup struct {
	org *orgs.Organization
}

func (s *staticOrgLookup) Organization(_ context.Context, _ string) (*orgs.Organization, error) {
	return s.org, nil
}

func newTestLimiter(t *testing.T, config RateLimitConfig, orgLook OrgLookup) *TieredRateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTieredRateLimiter(NewRedisCounterStore(client, "test"), orgLook, config, nil, nil)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func anonymousRequest(ip string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	r.RemoteAddr = ip + ":51423"
	return r
}

func authenticatedRequest(ip, userID string) *http.Request {
	r := anonymousRequest(ip)
	ctx := contextkeys.WithIdentity(r.Context(), &auth.Identity{UserID: userID, Token: "tok"})
	return r.WithContext(ctx)
}

func TestAnonymousTierLimit(t *testing.T) {
	config := DefaultRateLimitConfig()
	config.IPMax = 5
	config.Window = time.Minute
	limiter := newTestLimiter(t, config, nil)
	handler := limiter.Handler(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, anonymousRequest("198.51.100.7"))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, anonymousRequest("198.51.100.7"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"retry_after"`)
	assert.Contains(t, rec.Body.String(), `"limit":5`)

	// The rejected request must not consume quota: a different IP is
	// unaffected and the same IP's counter did not grow.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, anonymousRequest("198.51.100.8"))
	assert.Equal(t, http.StatusOK, rec.Code)

	count, err := limiter.counters.Count(context.Background(), "ip:198.51.100.7")
	require.NoError(t, err)
	assert.EqualValues(t, 5, count)
}

func TestRateLimitHeadersOnSuccess(t *testing.T) {
	config := DefaultRateLimitConfig()
	config.IPMax = 10
	limiter := newTestLimiter(t, config, nil)
	handler := limiter.Handler(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, anonymousRequest("198.51.100.7"))
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestAuthenticatedTierChecksAllBuckets(t *testing.T) {
	config := DefaultRateLimitConfig()
	config.IPMax = 100
	config.UserMax = 2
	limiter := newTestLimiter(t, config, nil)
	handler := limiter.Handler(okHandler())

	// The user bucket trips even though the IP bucket has headroom.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authenticatedRequest("198.51.100.7", "u1"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authenticatedRequest("198.51.100.7", "u1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Same IP, different user still passes.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authenticatedRequest("198.51.100.7", "u2"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type ttlContextStore struct {
	CounterStore
	ttlCtx context.Context
}

func (s *ttlContextStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.ttlCtx = ctx
	return s.CounterStore.TTL(ctx, key)
}

type rejectMarkerKey struct{}

func TestRejectionTTLLookupUsesRequestContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := &ttlContextStore{CounterStore: NewRedisCounterStore(client, "test")}
	config := DefaultRateLimitConfig()
	config.IPMax = 1
	limiter := NewTieredRateLimiter(store, nil, config, nil, nil)
	handler := limiter.Handler(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, anonymousRequest("198.51.100.7"))
	require.Equal(t, http.StatusOK, rec.Code)

	r := anonymousRequest("198.51.100.7")
	r = r.WithContext(context.WithValue(r.Context(), rejectMarkerKey{}, "here"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The Retry-After TTL lookup must run under the request's context so
	// deadlines and cancellation propagate to the counter store.
	require.NotNil(t, store.ttlCtx)
	assert.Equal(t, "here", store.ttlCtx.Value(rejectMarkerKey{}))
}

func TestServiceKeyTier(t *testing.T) {
	config := DefaultRateLimitConfig()
	config.ServiceMax = 3
	config.IPMax = 1
	limiter := newTestLimiter(t, config, nil)
	handler := limiter.Handler(okHandler())

	// Service calls are keyed on the service key alone: the tight IP
	// limit does not apply.
	for i := 0; i < 3; i++ {
		r := anonymousRequest("198.51.100.7")
		r.Header.Set(HeaderServiceKey, "svc-abc")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	r := anonymousRequest("198.51.100.7")
	r.Header.Set(HeaderServiceKey, "svc-abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestWhitelistedTierSkipsIPBucket(t *testing.T) {
	config := DefaultRateLimitConfig()
	config.IPMax = 1
	config.UserMax = 50
	lookup := &staticOrgLookup{org: &orgs.Organization{
		ExternalID: "org-1", IPAllowlist: []string{"198.51.100.0/24"}, IsActive: true,
	}}
	limiter := newTestLimiter(t, config, lookup)
	handler := limiter.Handler(okHandler())

	whitelisted := func() *http.Request {
		r := authenticatedRequest("198.51.100.7", "u1")
		rc := &RequestContext{OrganizationID: "org-1"}
		return r.WithContext(withRequestContext(r.Context(), rc))
	}

	// Three requests from the whitelisted IP all pass despite IPMax=1.
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, whitelisted())
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}
}

func TestSSORefreshTierKeysOnTokenDigest(t *testing.T) {
	config := DefaultRateLimitConfig()
	config.SSORefreshMax = 2
	limiter := newTestLimiter(t, config, nil)
	handler := limiter.NamedHandler(TierSSORefresh, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The body must survive the limiter's digest read.
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "tok-1", r.PostFormValue("refresh_token"))
		w.WriteHeader(http.StatusOK)
	}))

	refreshReq := func(token string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/sso/refresh",
			strings.NewReader("refresh_token="+token))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.RemoteAddr = "198.51.100.7:51423"
		return r
	}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, refreshReq("tok-1"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, refreshReq("tok-1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different refresh token has its own bucket; the raw token never
	// appears in limiter keys.
	handler2 := limiter.NamedHandler(TierSSORefresh, okHandler())
	rec = httptest.NewRecorder()
	handler2.ServeHTTP(rec, refreshReq("tok-2"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSSOAuthorizeTierSplitsByAuthentication(t *testing.T) {
	config := DefaultRateLimitConfig()
	config.SSOAuthorizeAnonMax = 1
	config.SSOAuthorizeAuthMax = 5
	limiter := newTestLimiter(t, config, nil)
	handler := limiter.NamedHandler(TierSSOAuthorize, okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, anonymousRequest("198.51.100.7"))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, anonymousRequest("198.51.100.7"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The authenticated quota is separate.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authenticatedRequest("198.51.100.7", "u1"))
	assert.Equal(t, http.StatusOK, rec.Code)
}
