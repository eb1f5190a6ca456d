package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/perimeterhq/gatehouse/pkg/contextkeys"
)

// HeaderRequestID echoes the request id back to the caller and accepts a
// caller-provided id for trace continuity.
const HeaderRequestID = "X-Request-Id"

// RequestID assigns every request an id and exposes it via context and
// response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := contextkeys.WithRequestID(r.Context(), id)

		// Session id rides along for the stages that persist context.
		if sid := sessionID(r); sid != "" {
			ctx = contextkeys.WithSessionID(ctx, sid)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
