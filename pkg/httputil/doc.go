// Package httputil provides HTTP handler utilities for the gatehouse API:
// JSON encoding, the machine-readable error envelope, and mux request
// parsing helpers.
//
// Error responses carry a stable code alongside the human-readable
// message:
//
//	httputil.WriteAPIError(w, http.StatusForbidden, "ACCESS_DENIED",
//		"caller has no access to this organization")
//
// produces
//
//	{"error": "ACCESS_DENIED", "message": "caller has no access to this organization"}
//
// Rate-limit rejections additionally carry retry metadata in the details
// object and a Retry-After header; see WriteRateLimited.
package httputil
