package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PlanInfo provides limit-plan version information for headers
type PlanInfo interface {
	PlanVersion() string
	PlanHash() string
}

// PlanHeaders middleware adds X-Guardrail-Plan-Version and X-Guardrail-Plan-Hash
// headers to all responses when plan information is available
func PlanHeaders(info PlanInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				v := info.PlanVersion()
				h := info.PlanHash()
				if v != "" {
					w.Header().Set("X-Guardrail-Plan-Version", v)
				}
				if h != "" {
					// Use short hash for header (first 12 chars)
					headerHash := h
					if len(headerHash) > 12 {
						headerHash = headerHash[:12]
					}
					w.Header().Set("X-Guardrail-Plan-Hash", headerHash)
				}
				// Enrich the current trace span with plan version info
				if span := trace.SpanFromContext(r.Context()); span != nil && span.IsRecording() {
					if v != "" {
						span.SetAttributes(attribute.String("plan.version", v))
					}
					if h != "" {
						span.SetAttributes(attribute.String("plan.hash", h))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
