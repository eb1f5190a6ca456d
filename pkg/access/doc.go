// Package access implements the cache-backed organization access checker.
//
// Checks are cache-aside against Redis with a TTL; misses go to the
// Authority, and transport or upstream-5xx failures degrade to a
// permissive check against the locally cached organization rows so the
// service keeps answering during an Authority outage. Only successful
// grants are cached, so a cached answer is indistinguishable from a live
// one and denials are always re-checked.
package access
