package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/courseloop/guardrail/internal/httpmw"
)

// SubjectFunc extracts the limit subject from a request.
type SubjectFunc func(r *http.Request) string

// SubjectHeader returns a SubjectFunc that prefers the named header and
// falls back to the resolved client IP for anonymous callers.
func SubjectHeader(name string) SubjectFunc {
	return func(r *http.Request) string {
		if v := r.Header.Get(name); v != "" {
			return v
		}
		return httpmw.ClientIPFromContext(r.Context())
	}
}

// Middleware enforces the named operation's limit on every request through
// it. A nil subject func keys the limit on the client IP. Limit headers are
// set on allowed and denied responses alike; denials get 429 plus
// Retry-After derived from the window reset.
func (l *Limiter) Middleware(operation string, subject SubjectFunc) func(http.Handler) http.Handler {
	if subject == nil {
		subject = func(r *http.Request) string {
			return httpmw.ClientIPFromContext(r.Context())
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Check(r.Context(), operation, subject(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				h.Set("Content-Type", "application/json; charset=utf-8")
				h.Set("Retry-After", strconv.Itoa(d.RetryAfter(time.Now())))
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"too many requests"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
