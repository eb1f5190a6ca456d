// Package audit records security-relevant events (role grants, cache
// sync, token lifecycle) to the relational store for later review.
package audit
