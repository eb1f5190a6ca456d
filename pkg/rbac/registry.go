package rbac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Registry holds an in-memory snapshot of the role catalog so permission
// aggregation never touches the database on the request path. The snapshot
// is loaded once at startup and refreshed on a schedule.
type Registry struct {
	store  *Store
	logger *logrus.Logger
	cron   *cron.Cron

	mu        sync.RWMutex
	roles     map[string]Role
	loadedAt  time.Time
	lastError error
}

// NewRegistry creates a Registry and loads the initial snapshot. Startup
// fails if the catalog cannot be read: serving with an empty catalog would
// make every permission check deny.
func NewRegistry(ctx context.Context, store *Store, logger *logrus.Logger) (*Registry, error) {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Registry{
		store:  store,
		logger: logger,
		roles:  make(map[string]Role),
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("loading role catalog: %w", err)
	}
	return r, nil
}

// Refresh reloads the snapshot from the database. On failure the previous
// snapshot stays in force.
func (r *Registry) Refresh(ctx context.Context) error {
	roles, err := r.store.ListRoles(ctx)
	if err != nil {
		r.mu.Lock()
		r.lastError = err
		r.mu.Unlock()
		return err
	}

	snapshot := make(map[string]Role, len(roles))
	for _, role := range roles {
		snapshot[role.Name] = role
	}

	r.mu.Lock()
	r.roles = snapshot
	r.loadedAt = time.Now().UTC()
	r.lastError = nil
	r.mu.Unlock()

	r.logger.WithField("roles", len(snapshot)).Debug("Role catalog refreshed")
	return nil
}

// StartScheduledRefresh refreshes the snapshot on a cron schedule
// (e.g. "@every 5m") until Stop is called.
func (r *Registry) StartScheduledRefresh(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Refresh(ctx); err != nil {
			r.logger.WithError(err).Warn("Role catalog refresh failed; keeping previous snapshot")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling role refresh: %w", err)
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop halts the scheduled refresh, if one is running.
func (r *Registry) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// Role returns a role from the snapshot by name.
func (r *Registry) Role(name string) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[name]
	return role, ok
}

// Roles returns the current snapshot. The returned map is shared; callers
// must not mutate it.
func (r *Registry) Roles() map[string]Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles
}

// LoadedAt reports when the current snapshot was taken.
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}
