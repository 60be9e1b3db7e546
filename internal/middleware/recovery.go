package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"chestrestock-api/pkg/apierror"
)

// Recovery is a middleware that recovers from panics.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				reqID := GetRequestID(r.Context())
				log.Printf("PANIC %s %s: %v\n%s", reqID, r.URL.Path, err, debug.Stack())

				writeError(w, apierror.InternalError("internal server error").WithRequestID(reqID))
			}
		}()

		next.ServeHTTP(w, r)
	})
}
