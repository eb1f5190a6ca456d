package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessions(t *testing.T) *RedisSessionStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisSessionStore(client, time.Hour)
}

func withSessionCookie(r *http.Request, sid string) *http.Request {
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sid})
	return r
}

func TestResolveFirstHeaderBeatsSession(t *testing.T) {
	sessions := newTestSessions(t)
	require.NoError(t, sessions.Set(context.Background(), "sid-1", SessionFieldOrganizationID, "org-session"))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = withSessionCookie(r, "sid-1")
	r.Header.Set(HeaderOrganizationID, "org-header")

	v, ok := ResolveFirst(r,
		HeaderResolver(HeaderOrganizationID),
		SessionResolver(sessions, SessionFieldOrganizationID),
	)
	require.True(t, ok)
	assert.Equal(t, "org-header", v)
}

func TestResolveFirstFallsBackToSession(t *testing.T) {
	sessions := newTestSessions(t)
	require.NoError(t, sessions.Set(context.Background(), "sid-1", SessionFieldOrganizationID, "org-session"))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = withSessionCookie(r, "sid-1")

	v, ok := ResolveFirst(r,
		HeaderResolver(HeaderOrganizationID),
		SessionResolver(sessions, SessionFieldOrganizationID),
	)
	require.True(t, ok)
	assert.Equal(t, "org-session", v)
}

func TestResolveFirstNothingFound(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := ResolveFirst(r,
		HeaderResolver(HeaderOrganizationID),
		SessionResolver(newTestSessions(t), SessionFieldOrganizationID),
	)
	assert.False(t, ok)
}

func TestSessionStoreRoundTrip(t *testing.T) {
	sessions := newTestSessions(t)
	ctx := context.Background()

	require.NoError(t, sessions.Set(ctx, "sid-1", SessionFieldBranchID, "br-1"))
	v, err := sessions.Get(ctx, "sid-1", SessionFieldBranchID)
	require.NoError(t, err)
	assert.Equal(t, "br-1", v)

	require.NoError(t, sessions.Delete(ctx, "sid-1", SessionFieldBranchID))
	v, err = sessions.Get(ctx, "sid-1", SessionFieldBranchID)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestRequestContextAccessors(t *testing.T) {
	var rc *RequestContext
	assert.False(t, rc.HasOrganization())
	assert.False(t, rc.HasBranch())
	assert.Zero(t, rc.RoleLevel())

	rc = &RequestContext{OrganizationID: "org-1", BranchID: "br-1", ServiceRoleLevel: 3}
	assert.True(t, rc.HasOrganization())
	assert.True(t, rc.HasBranch())
	assert.Equal(t, 3, rc.RoleLevel())

	rc.ClearBranch()
	assert.False(t, rc.HasBranch())
}
