package gatehttp

import (
	"encoding/json"
	"net/http"
	"time"
)

// CheckRequest asks for one rate-limit decision.
type CheckRequest struct {
	Operation string `json:"operation"`
	Subject   string `json:"subject"`
}

// CheckResponse reports the decision. A denied check is still a 200: the
// decision is the data, not an error.
type CheckResponse struct {
	Allowed      bool      `json:"allowed"`
	Operation    string    `json:"operation"`
	Subject      string    `json:"subject"`
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
	RetryAfterMS int64     `json:"retry_after_ms"`
}

// HandleCheck serves POST /api/v1/limits/check.
func (api *API) HandleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Operation == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "operation is required")
		return
	}
	if req.Subject == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "subject is required")
		return
	}

	d := api.limiter.Check(ctx, req.Operation, req.Subject)
	if api.metrics != nil {
		api.metrics.IncRateLimitCheck(req.Operation, d.Allowed)
	}

	var retryAfter int64
	if !d.Allowed {
		retryAfter = time.Until(d.ResetAt).Milliseconds()
		if retryAfter < 0 {
			retryAfter = 0
		}
	}

	api.logger.Debug(ctx, "limit check",
		"operation", req.Operation,
		"subject", req.Subject,
		"allowed", d.Allowed,
		"remaining", d.Remaining)

	api.writeJSON(ctx, w, http.StatusOK, CheckResponse{
		Allowed:      d.Allowed,
		Operation:    req.Operation,
		Subject:      req.Subject,
		Limit:        d.Limit,
		Remaining:    d.Remaining,
		ResetAt:      d.ResetAt.Truncate(time.Second),
		RetryAfterMS: retryAfter,
	})
}

// PlanLimit is one limit in the plan response.
type PlanLimit struct {
	WindowMS    int64 `json:"window_ms"`
	MaxRequests int   `json:"max_requests"`
}

// PlanResponse describes the active plan and its provenance.
type PlanResponse struct {
	Version    string               `json:"version"`
	Source     string               `json:"source"`
	SHA256     string               `json:"sha256"`
	LoadedAt   time.Time            `json:"loaded_at"`
	Default    PlanLimit            `json:"default"`
	Operations map[string]PlanLimit `json:"operations"`
}

// HandlePlan serves GET /api/v1/limits/plan.
func (api *API) HandlePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s, ok := api.plans.Get()
	if !ok {
		api.writeError(ctx, w, http.StatusServiceUnavailable, "no plan loaded")
		return
	}

	ops := make(map[string]PlanLimit, len(s.Plan.Operations))
	for name, c := range s.Plan.Operations {
		ops[name] = PlanLimit{WindowMS: c.Window.Milliseconds(), MaxRequests: c.MaxRequests}
	}

	api.writeJSON(ctx, w, http.StatusOK, PlanResponse{
		Version:  s.Meta.Version,
		Source:   string(s.Meta.Source),
		SHA256:   s.Meta.SHA256,
		LoadedAt: s.LoadedAt.Truncate(time.Second),
		Default: PlanLimit{
			WindowMS:    s.Plan.Default.Window.Milliseconds(),
			MaxRequests: s.Plan.Default.MaxRequests,
		},
		Operations: ops,
	})
}
