package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/courseloop/guardrail/internal/health"
	"github.com/courseloop/guardrail/internal/httpmw"
	"github.com/courseloop/guardrail/internal/log"
)

type Options struct {
	// Logger is required.
	Logger log.Logger
	Port   int

	// UseRecoverMW converts handler panics into 500 responses. Disabled in
	// tests that want panics to propagate.
	UseRecoverMW bool
	OnPanic      func()

	MetricsMW func(http.Handler) http.Handler

	// ThrottleMW is the per-IP flood throttle wrapped around the whole
	// listener, independent of the operation limits inside the API.
	ThrottleMW func(http.Handler) http.Handler

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes registers the service endpoints on the router.
	APIRoutes func(chi.Router)

	// PlanInfo drives the X-Guardrail-Plan-Version and X-Guardrail-Plan-Hash
	// response headers.
	PlanInfo httpmw.PlanInfo

	ClientIPOpts httpmw.ClientIPOptions

	// MaxBodyBytes caps request bodies across the listener. Zero uses
	// DefaultMaxBodyBytes. Must be at least the kv cache value cap or PUTs
	// get cut off before the handler sees them.
	MaxBodyBytes int64
}
