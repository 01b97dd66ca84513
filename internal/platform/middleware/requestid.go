package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"curbwise/pkg/requestcontext"
)

// RequestID assigns a request id to every request and echoes it back in the
// X-Request-ID header. Incoming ids are trusted so upstream proxies can stitch
// traces together.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := requestcontext.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
