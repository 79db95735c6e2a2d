package plan

import (
	"encoding/json"
	"time"

	"github.com/courseloop/guardrail/internal/ratelimit"
	"github.com/courseloop/guardrail/internal/xerrors"
)

// Plan is a parsed rate-limit plan: a default limit plus per-operation
// overrides. Operation names are chosen by callers; an operation without an
// override gets the default.
type Plan struct {
	Version    string
	Default    ratelimit.Config
	Operations map[string]ratelimit.Config
}

// ConfigFor returns the limit for an operation, falling back to the plan
// default for operations without an override.
func (p *Plan) ConfigFor(operation string) ratelimit.Config {
	if c, ok := p.Operations[operation]; ok {
		return c
	}
	return p.Default
}

// wire format of a plan document
type planDoc struct {
	Version    string              `json:"version"`
	Default    limitDoc            `json:"default"`
	Operations map[string]limitDoc `json:"operations"`
}

type limitDoc struct {
	Window      string `json:"window"`
	MaxRequests int    `json:"max_requests"`
}

func (d limitDoc) config() (ratelimit.Config, error) {
	w, err := time.ParseDuration(d.Window)
	if err != nil {
		return ratelimit.Config{}, xerrors.Wrapf(err, "parse window %q", d.Window)
	}
	return ratelimit.Config{Window: w, MaxRequests: d.MaxRequests}, nil
}

// Parse decodes a plan document from JSON. It does not validate limits; call
// Validate before trusting the result.
func Parse(raw []byte) (*Plan, error) {
	var doc planDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Wrap(err, "parse plan document")
	}

	def, err := doc.Default.config()
	if err != nil {
		return nil, xerrors.Wrap(err, "plan default")
	}

	ops := make(map[string]ratelimit.Config, len(doc.Operations))
	for name, ld := range doc.Operations {
		c, err := ld.config()
		if err != nil {
			return nil, xerrors.Wrapf(err, "plan operation %q", name)
		}
		ops[name] = c
	}

	return &Plan{
		Version:    doc.Version,
		Default:    def,
		Operations: ops,
	}, nil
}

// ValidationOptions controls which checks Validate performs.
type ValidationOptions struct {
	// MaxOperations rejects plans with more overrides than this.
	// 0 disables the check.
	MaxOperations int

	// RequireVersion fails validation when the document has no version
	// string. Versions drive change visibility in headers and logs.
	RequireVersion bool
}

// DefaultValidationOptions returns the recommended production defaults.
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MaxOperations:  500,
		RequireVersion: true,
	}
}

// Validate performs sanity checks on a parsed plan before it is swapped into
// the active Manager. Returns nil if all checks pass, or an error describing
// the first failure.
func Validate(p *Plan, opts ValidationOptions) error {
	if p == nil {
		return xerrors.New("validate: plan is nil")
	}

	if opts.RequireVersion && p.Version == "" {
		return xerrors.New("validate: plan has no version")
	}

	if err := checkLimit("default", p.Default); err != nil {
		return err
	}

	if opts.MaxOperations > 0 && len(p.Operations) > opts.MaxOperations {
		return xerrors.Newf("validate: plan has %d operations, maximum is %d", len(p.Operations), opts.MaxOperations)
	}

	for name, c := range p.Operations {
		if name == "" {
			return xerrors.New("validate: empty operation name")
		}
		if err := checkLimit(name, c); err != nil {
			return err
		}
	}

	return nil
}

// checkLimit rejects degenerate limits. A zero window or ceiling is legal for
// the limiter itself but always a mistake in an operator-authored plan.
func checkLimit(name string, c ratelimit.Config) error {
	if c.Window <= 0 {
		return xerrors.Newf("validate: operation %q has non-positive window %s", name, c.Window)
	}
	if c.MaxRequests <= 0 {
		return xerrors.Newf("validate: operation %q has non-positive max_requests %d", name, c.MaxRequests)
	}
	return nil
}

// Default returns the built-in plan used before any source loads and as the
// fallback when no source is configured.
func Default() *Plan {
	return &Plan{
		Version: "builtin",
		Default: ratelimit.Config{Window: time.Minute, MaxRequests: 60},
		Operations: map[string]ratelimit.Config{
			"grade_submission":  {Window: time.Minute, MaxRequests: 6},
			"github_analysis":   {Window: time.Minute, MaxRequests: 10},
			"website_audit":     {Window: time.Minute, MaxRequests: 10},
			"document_parse":    {Window: time.Minute, MaxRequests: 20},
			"submission_upload": {Window: time.Minute, MaxRequests: 30},
		},
	}
}
