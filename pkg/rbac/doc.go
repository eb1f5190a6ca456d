// Package rbac provides role assignments scoped to the global /
// organization / branch hierarchy, the permission aggregator that computes
// effective permissions at a target scope, and the startup-time permission
// registry.
package rbac
