package middleware

import (
	"net/http"
	"strings"

	"github.com/lamina-storage/lamina/internal/checksum"
)

// CORS answers preflight requests and exposes the S3 response headers that
// browsers withhold from cross-origin callers by default: the ETag, the
// request id, range metadata and the checksum headers.
type CORS struct {
	exposeHeaders string
}

// NewCORS builds the middleware with the expose list derived from the
// checksum catalogue, so a new algorithm is visible to browser clients
// without touching this package.
func NewCORS() *CORS {
	expose := []string{
		"ETag",
		"Content-Range",
		"Accept-Ranges",
		"Last-Modified",
		"X-Amz-Request-Id",
	}
	for _, algo := range checksum.Algorithms {
		expose = append(expose, algo.HeaderName())
	}
	return &CORS{exposeHeaders: strings.Join(expose, ", ")}
}

// Middleware returns the HTTP middleware function
func (c *CORS) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Expose-Headers", c.exposeHeaders)

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, HEAD")
			// SDK clients send x-amz-meta-* and checksum headers with
			// request-chosen suffixes; reflecting the preflight request is
			// the only way to allow them all.
			if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
				w.Header().Set("Access-Control-Allow-Headers", requested)
			}
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
