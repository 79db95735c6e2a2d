// Package urlinfo fetches a URL with a bounded HTTP client and summarizes
// the response. It performs no parsing of the fetched content; the summary
// is the unit the cache layer memoizes.
package urlinfo

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/courseloop/guardrail/internal/cryptoutil"
	"github.com/courseloop/guardrail/internal/log"
	"github.com/courseloop/guardrail/internal/xerrors"
)

const (
	// DefaultTimeout bounds the whole fetch including redirects and body read.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxBodyBytes caps how much of a response body is read and hashed.
	DefaultMaxBodyBytes = 2 << 20 // 2 MiB

	defaultMaxRedirects = 5
	defaultUserAgent    = "guardrail-probe"
)

var (
	// ErrInvalidURL marks URLs that fail parsing or scheme/host validation.
	ErrInvalidURL = errors.New("invalid url")

	// ErrTargetNotAllowed marks URLs whose target address is refused by
	// policy (loopback, private, link-local). Applies to redirect hops too.
	ErrTargetNotAllowed = errors.New("target address not allowed")
)

// Summary describes one fetch. Serialized as-is on the probe endpoint.
type Summary struct {
	URL           string    `json:"url"`
	FinalURL      string    `json:"final_url"`
	StatusCode    int       `json:"status_code"`
	ContentType   string    `json:"content_type,omitempty"`
	ContentLength int64     `json:"content_length"`
	BodyBytes     int64     `json:"body_bytes"`
	BodySHA256    string    `json:"body_sha256"`
	DurationMS    int64     `json:"duration_ms"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Options configures a Prober. Zero values take the package defaults.
type Options struct {
	Logger log.Logger

	// Timeout bounds a single Probe call end to end.
	Timeout time.Duration

	// MaxBodyBytes caps the body read. Bodies past the cap are not an
	// error; BodyBytes and BodySHA256 cover only what was read.
	MaxBodyBytes int64

	// AllowPrivate permits probing loopback, private, and link-local
	// addresses. Off by default; enable only for development.
	AllowPrivate bool

	// MaxRedirects caps how many redirects a fetch follows.
	MaxRedirects int

	// UserAgent overrides the User-Agent header sent with probes.
	UserAgent string
}

// Prober performs bounded GET fetches. Safe for concurrent use.
type Prober struct {
	client       *http.Client
	logger       log.Logger
	maxBodyBytes int64
	allowPrivate bool
	userAgent    string
}

// New builds a Prober from opts.
func New(opts Options) *Prober {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	p := &Prober{
		logger:       logger,
		maxBodyBytes: maxBody,
		allowPrivate: opts.AllowPrivate,
		userAgent:    userAgent,
	}
	p.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return xerrors.Newf("stopped after %d redirects", maxRedirects)
			}
			// redirects get the same target policy as the original URL
			return p.validateTarget(req.Context(), req.URL)
		},
	}
	return p
}

// Probe GETs rawURL and returns a Summary of what came back.
//
// A reachable target always yields a Summary, whatever its status code;
// the status is data, not an error. Errors mean the fetch itself failed:
// ErrInvalidURL and ErrTargetNotAllowed for refused inputs, transport or
// read errors otherwise.
func (p *Prober) Probe(ctx context.Context, rawURL string) (Summary, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return Summary{}, xerrors.Wrap(ErrInvalidURL, "empty url")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Summary{}, xerrors.Wrapf(ErrInvalidURL, "parse %q", rawURL)
	}
	if err := p.validateTarget(ctx, u); err != nil {
		return Summary{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Summary{}, xerrors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", p.userAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Summary{}, xerrors.Wrapf(err, "probe %s", u.Host)
	}
	defer resp.Body.Close()

	// stream-hash up to the cap; never buffer the body
	sum, n, err := cryptoutil.SHA256HexReader(io.LimitReader(resp.Body, p.maxBodyBytes))
	if err != nil {
		return Summary{}, xerrors.Wrapf(err, "read body from %s", u.Host)
	}
	duration := time.Since(start)

	finalURL := u.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	s := Summary{
		URL:           rawURL,
		FinalURL:      finalURL,
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		BodyBytes:     n,
		BodySHA256:    sum,
		DurationMS:    duration.Milliseconds(),
		FetchedAt:     start.UTC(),
	}

	p.logger.Debug(ctx, "probe complete",
		"url", rawURL,
		"status", s.StatusCode,
		"body_bytes", s.BodyBytes,
		"duration_ms", s.DurationMS,
	)
	return s, nil
}

// validateTarget enforces scheme and address policy on a fetch target.
// Hostnames are resolved here so a name pointing at internal infrastructure
// is refused before any connection is made.
func (p *Prober) validateTarget(ctx context.Context, u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return xerrors.Wrapf(ErrInvalidURL, "unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return xerrors.Wrap(ErrInvalidURL, "missing host")
	}
	if p.allowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if disallowedIP(ip) {
			return xerrors.Wrapf(ErrTargetNotAllowed, "address %s", ip)
		}
		return nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return xerrors.Wrapf(err, "resolve %s", host)
	}
	for _, a := range addrs {
		if disallowedIP(a.IP) {
			return xerrors.Wrapf(ErrTargetNotAllowed, "%s resolves to %s", host, a.IP)
		}
	}
	return nil
}

func disallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
