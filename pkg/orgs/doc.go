// Package orgs maintains the local relational cache of organizations and
// branches observed from the Authority.
//
// The local rows exist for two reasons: they are a read-through cache that
// avoids a network round-trip for branch resolution, and they are the
// fallback source of truth when the Authority is unreachable (degraded
// mode). Records are soft-deleted (tombstoned) rather than removed so that
// role assignments keep valid references and a re-synced organization can
// be restored in place.
package orgs
