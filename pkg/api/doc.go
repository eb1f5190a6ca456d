// Package api assembles the gatehouse HTTP surface: the org-scoped
// endpoints behind the full middleware chain, the SSO endpoints with
// their named rate-limit tiers, and the signature-verified Authority
// webhook used to keep the local cache in sync.
package api
