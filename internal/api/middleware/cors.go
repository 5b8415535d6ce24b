package middleware

import (
	"net/http"
)

// CORS is a middleware that adds CORS headers
type CORS struct {
	allowedOrigins []string
}

// NewCORS creates a new CORS middleware. An empty list allows any
// origin.
func NewCORS(allowedOrigins []string) *CORS {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &CORS{allowedOrigins: allowedOrigins}
}

// Handle wraps an HTTP handler with CORS support
func (c *CORS) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := c.allowOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			if allowed != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowOrigin returns the Allow-Origin value for a request origin, or
// "" when the origin is not allowed.
func (c *CORS) allowOrigin(origin string) string {
	for _, o := range c.allowedOrigins {
		if o == "*" {
			return "*"
		}
		if o == origin {
			return origin
		}
	}
	return ""
}
