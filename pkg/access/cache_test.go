package access

import (
	"context"
	"database/sql"
	"io"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	_ "github.com/mattn/go-sqlite3"

	"github.com/perimeterhq/gatehouse/pkg/authority"
	"github.com/perimeterhq/gatehouse/pkg/observability"
	"github.com/perimeterhq/gatehouse/pkg/orgs"
)

type fakeAuthority struct {
	calls int32
	grant *authority.Grant
	err   error
}

func (f *fakeAuthority) CheckAccess(ctx context.Context, token, selector string) (*authority.Grant, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.grant, nil
}

func newTestCache(t *testing.T, upstream AuthorityChecker) (*Cache, *orgs.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := orgs.Migrate(context.Background(), db, "sqlite3"); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	store := orgs.NewStore(db)

	log := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewCache(client, upstream, store, DefaultCacheConfig(), log, nil), store
}

func authorityGrant() *authority.Grant {
	return &authority.Grant{
		OrganizationID:   "org-ext-1",
		OrganizationName: "Acme",
		OrganizationSlug: "acme",
		OrganizationRole: "admin",
		ServiceRole:      "manager",
		ServiceRoleLevel: 50,
		TTLSeconds:       300,
	}
}

func TestCheckAccess_CachesGrantWithinTTL(t *testing.T) {
	upstream := &fakeAuthority{grant: authorityGrant()}
	cache, _ := newTestCache(t, upstream)
	ctx := context.Background()
	caller := Caller{ID: "user-1", Token: "tok"}

	first, err := cache.CheckAccess(ctx, caller, "acme")
	if err != nil {
		t.Fatalf("first check: %v", err)
	}
	second, err := cache.CheckAccess(ctx, caller, "acme")
	if err != nil {
		t.Fatalf("second check: %v", err)
	}

	if got := atomic.LoadInt32(&upstream.calls); got != 1 {
		t.Errorf("authority called %d times, want 1 (second check must be a cache hit)", got)
	}
	if *first != *second {
		t.Errorf("cached grant differs from live grant: %+v vs %+v", first, second)
	}
	if second.ServiceRoleLevel != 50 || second.OrganizationRole != "admin" {
		t.Errorf("grant = %+v", second)
	}
}

func TestCheckAccess_SyncsOrganizationRow(t *testing.T) {
	upstream := &fakeAuthority{grant: authorityGrant()}
	cache, store := newTestCache(t, upstream)

	if _, err := cache.CheckAccess(context.Background(), Caller{ID: "u", Token: "t"}, "acme"); err != nil {
		t.Fatal(err)
	}

	org, err := store.GetByExternalID(context.Background(), "org-ext-1")
	if err != nil {
		t.Fatalf("organization not synced: %v", err)
	}
	if org.Name != "Acme" || org.Slug != "acme" || !org.IsActive {
		t.Errorf("synced org = %+v", org)
	}
}

func TestCheckAccess_DeniedIsNilAndNotCached(t *testing.T) {
	upstream := &fakeAuthority{grant: nil} // authority answers "no access"
	cache, _ := newTestCache(t, upstream)
	ctx := context.Background()
	caller := Caller{ID: "user-1", Token: "tok"}

	for i := 0; i < 2; i++ {
		grant, err := cache.CheckAccess(ctx, caller, "acme")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if grant != nil {
			t.Fatalf("check %d: grant = %+v, want nil", i, grant)
		}
	}
	// A denial must be re-checked every time.
	if got := atomic.LoadInt32(&upstream.calls); got != 2 {
		t.Errorf("authority called %d times, want 2", got)
	}
}

func TestCheckAccess_TransportErrorFallsBackToLocal(t *testing.T) {
	upstream := &fakeAuthority{err: &authority.Error{Kind: authority.KindTransport}}
	cache, store := newTestCache(t, upstream)
	ctx := context.Background()

	// No local record yet: degraded check yields nil, not an error.
	grant, err := cache.CheckAccess(ctx, Caller{ID: "u", Token: "t"}, "acme")
	if err != nil {
		t.Fatalf("degraded check must not error: %v", err)
	}
	if grant != nil {
		t.Fatalf("grant = %+v, want nil without local record", grant)
	}

	// With a local record the fallback produces a degraded member grant.
	if err := store.UpsertOrganization(ctx, &orgs.Organization{
		ExternalID: "org-ext-1", Name: "Acme", Slug: "acme", IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	grant, err = cache.CheckAccess(ctx, Caller{ID: "u", Token: "t"}, "acme")
	if err != nil {
		t.Fatalf("fallback check: %v", err)
	}
	if grant == nil || !grant.Degraded || grant.OrganizationRole != "member" {
		t.Fatalf("fallback grant = %+v", grant)
	}
}

func TestCheckAccess_ServerErrorFallsBack_AuthErrorDoesNot(t *testing.T) {
	ctx := context.Background()

	server := &fakeAuthority{err: &authority.Error{Kind: authority.KindServer, StatusCode: 502}}
	cache, store := newTestCache(t, server)
	if err := store.UpsertOrganization(ctx, &orgs.Organization{
		ExternalID: "org-ext-1", Name: "Acme", Slug: "acme", IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	grant, err := cache.CheckAccess(ctx, Caller{ID: "u", Token: "t"}, "acme")
	if err != nil || grant == nil || !grant.Degraded {
		t.Fatalf("5xx should degrade: grant=%+v err=%v", grant, err)
	}

	authErr := &fakeAuthority{err: &authority.Error{Kind: authority.KindAuth, StatusCode: 401}}
	cache2, _ := newTestCache(t, authErr)
	if _, err := cache2.CheckAccess(ctx, Caller{ID: "u", Token: "t"}, "acme"); err == nil {
		t.Fatal("auth errors must surface, not fall back")
	}
}

func TestCheckAccess_NoTokenUsesLocalOnly(t *testing.T) {
	upstream := &fakeAuthority{grant: authorityGrant()}
	cache, store := newTestCache(t, upstream)
	ctx := context.Background()

	if err := store.UpsertOrganization(ctx, &orgs.Organization{
		ExternalID: "org-ext-1", Name: "Acme", Slug: "acme", IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}

	grant, err := cache.CheckAccess(ctx, Caller{ID: "u"}, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if grant == nil || !grant.Degraded {
		t.Fatalf("grant = %+v, want degraded local grant", grant)
	}
	if atomic.LoadInt32(&upstream.calls) != 0 {
		t.Error("authority must not be called without a token")
	}
}

func TestCheckAccess_SlugConflictSurfacesConsistencyError(t *testing.T) {
	upstream := &fakeAuthority{grant: authorityGrant()}
	cache, store := newTestCache(t, upstream)
	ctx := context.Background()

	// Local cache believes a different org owns the slug.
	if err := store.UpsertOrganization(ctx, &orgs.Organization{
		ExternalID: "org-ext-OTHER", Name: "Imposter", Slug: "acme", IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := cache.CheckAccess(ctx, Caller{ID: "u", Token: "t"}, "acme")
	if !orgs.IsConsistencyError(err) {
		t.Fatalf("error = %v, want ConsistencyError", err)
	}
}

func TestClearCache(t *testing.T) {
	upstream := &fakeAuthority{grant: authorityGrant()}
	cache, _ := newTestCache(t, upstream)
	ctx := context.Background()
	caller := Caller{ID: "user-1", Token: "tok"}

	if _, err := cache.CheckAccess(ctx, caller, "acme"); err != nil {
		t.Fatal(err)
	}
	if err := cache.ClearCache(ctx, caller.ID, "acme"); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.CheckAccess(ctx, caller, "acme"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&upstream.calls); got != 2 {
		t.Errorf("authority called %d times, want 2 after invalidation", got)
	}
}
