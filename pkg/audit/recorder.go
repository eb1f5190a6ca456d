package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Recorder writes audit events to the relational store. Recording never
// blocks the request outcome: failures are logged and swallowed so an
// audit outage cannot take down the API.
type Recorder struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewRecorder creates a recorder and ensures the audit_events table
// exists for the given driver ("postgres" or "sqlite3").
func NewRecorder(ctx context.Context, db *sql.DB, driver string, logger *logrus.Logger) (*Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	id := "BIGSERIAL PRIMARY KEY"
	if driver == "sqlite3" {
		id = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	ddl := `
		CREATE TABLE IF NOT EXISTS audit_events (
			id ` + id + `,
			timestamp TIMESTAMP NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			actor_id VARCHAR(64) NOT NULL DEFAULT '',
			org_key VARCHAR(64) NOT NULL DEFAULT '',
			branch_key VARCHAR(64) NOT NULL DEFAULT '',
			resource VARCHAR(255) NOT NULL DEFAULT '',
			request_id VARCHAR(64) NOT NULL DEFAULT '',
			ip_address VARCHAR(45) NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_events_org ON audit_events(org_key);
		CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor_id);
	`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("creating audit_events table: %w", err)
	}
	return &Recorder{db: db, logger: logger}, nil
}

// Record persists one event. A zero Timestamp is set to now.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(timestamp, event_type, status, actor_id, org_key, branch_key, resource, request_id, ip_address, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.Timestamp, string(event.EventType), string(event.Status),
		event.ActorID, event.OrgKey, event.BranchKey,
		event.Resource, event.RequestID, event.IPAddress, event.Message,
	)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": event.EventType,
			"actor_id":   event.ActorID,
		}).Warn("failed to record audit event")
	}
}

// QueryFilter narrows Recent results. Zero values match everything.
type QueryFilter struct {
	OrgKey    string
	ActorID   string
	EventType EventType
	Limit     int
}

// Recent returns the newest events matching the filter, newest first.
func (r *Recorder) Recent(ctx context.Context, filter QueryFilter) ([]Event, error) {
	query := `
		SELECT id, timestamp, event_type, status, actor_id, org_key, branch_key, resource, request_id, ip_address, message
		FROM audit_events WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.OrgKey != "" {
		query += " AND org_key = " + arg(filter.OrgKey)
	}
	if filter.ActorID != "" {
		query += " AND actor_id = " + arg(filter.ActorID)
	}
	if filter.EventType != "" {
		query += " AND event_type = " + arg(string(filter.EventType))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT " + arg(limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var eventType, status string
		if err := rows.Scan(&e.ID, &e.Timestamp, &eventType, &status,
			&e.ActorID, &e.OrgKey, &e.BranchKey, &e.Resource,
			&e.RequestID, &e.IPAddress, &e.Message); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		e.EventType = EventType(eventType)
		e.Status = EventStatus(status)
		events = append(events, e)
	}
	return events, rows.Err()
}
