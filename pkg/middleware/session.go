package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

// Session fields written by context resolution and read back as header
// fallbacks on page flows.
const (
	SessionFieldOrganizationID   = "current_organization_id"
	SessionFieldOrganizationRole = "current_organization_role"
	SessionFieldBranchID         = "current_branch_id"

	// SessionCookieName carries the opaque session id.
	SessionCookieName = "gatehouse_session"
)

// SessionStore reads and writes per-session fields. Implementations must
// be safe for concurrent use.
type SessionStore interface {
	Get(ctx context.Context, sessionID, field string) (string, error)
	Set(ctx context.Context, sessionID, field, value string) error
	Delete(ctx context.Context, sessionID, field string) error
}

// RedisSessionStore keeps session fields in a Redis hash per session with
// a sliding TTL.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSessionStore creates a session store. ttl bounds how long an
// idle session's fields survive.
func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSessionStore{client: client, ttl: ttl}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func (s *RedisSessionStore) Get(ctx context.Context, sessionID, field string) (string, error) {
	v, err := s.client.HGet(ctx, sessionKey(sessionID), field).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session get: %w", err)
	}
	return v, nil
}

func (s *RedisSessionStore) Set(ctx context.Context, sessionID, field, value string) error {
	key := sessionKey(sessionID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, field, value)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session set: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, sessionID, field string) error {
	if err := s.client.HDel(ctx, sessionKey(sessionID), field).Err(); err != nil {
		return fmt.Errorf("session delete: %w", err)
	}
	return nil
}

// sessionID extracts the opaque session id from the session cookie, empty
// when the request carries none.
func sessionID(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
