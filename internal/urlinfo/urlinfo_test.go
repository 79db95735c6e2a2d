package urlinfo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/courseloop/guardrail/internal/cryptoutil"
)

// newTestProber builds a prober that can reach httptest servers, which
// always listen on loopback.
func newTestProber(opts Options) *Prober {
	opts.AllowPrivate = true
	return New(opts)
}

func TestProbe_RoundTrip(t *testing.T) {
	body := "hello world"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	p := newTestProber(Options{})
	s, err := p.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	if s.URL != srv.URL {
		t.Errorf("URL = %q, want %q", s.URL, srv.URL)
	}
	if s.FinalURL != srv.URL {
		t.Errorf("FinalURL = %q, want %q", s.FinalURL, srv.URL)
	}
	if s.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", s.StatusCode)
	}
	if s.ContentType != "text/plain; charset=utf-8" {
		t.Errorf("ContentType = %q", s.ContentType)
	}
	if s.ContentLength != int64(len(body)) {
		t.Errorf("ContentLength = %d, want %d", s.ContentLength, len(body))
	}
	if s.BodyBytes != int64(len(body)) {
		t.Errorf("BodyBytes = %d, want %d", s.BodyBytes, len(body))
	}
	if want := cryptoutil.SHA256Hex([]byte(body)); s.BodySHA256 != want {
		t.Errorf("BodySHA256 = %q, want %q", s.BodySHA256, want)
	}
	if s.DurationMS < 0 {
		t.Errorf("DurationMS = %d, want >= 0", s.DurationMS)
	}
	if s.FetchedAt.IsZero() {
		t.Error("FetchedAt should be set")
	}
}

func TestProbe_NonOKStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := newTestProber(Options{})
	s, err := p.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe: %v (a reachable 404 is a valid summary)", err)
	}
	if s.StatusCode != http.StatusNotFound {
		t.Fatalf("StatusCode = %d, want 404", s.StatusCode)
	}
}

func TestProbe_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("done"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestProber(Options{})
	s, err := p.Probe(context.Background(), srv.URL+"/a")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if s.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", s.StatusCode)
	}
	if !strings.HasSuffix(s.FinalURL, "/b") {
		t.Fatalf("FinalURL = %q, want .../b", s.FinalURL)
	}
	if s.URL != srv.URL+"/a" {
		t.Fatalf("URL = %q, want the original input", s.URL)
	}
}

func TestProbe_RedirectLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer srv.Close()

	p := newTestProber(Options{MaxRedirects: 3})
	_, err := p.Probe(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error for redirect loop")
	}
	if !strings.Contains(err.Error(), "redirects") {
		t.Fatalf("error = %v, want redirect cap mention", err)
	}
}

func TestProbe_BodyCap(t *testing.T) {
	full := strings.Repeat("x", 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(full))
	}))
	defer srv.Close()

	p := newTestProber(Options{MaxBodyBytes: 10})
	s, err := p.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if s.BodyBytes != 10 {
		t.Fatalf("BodyBytes = %d, want 10", s.BodyBytes)
	}
	if want := cryptoutil.SHA256Hex([]byte(full[:10])); s.BodySHA256 != want {
		t.Fatalf("BodySHA256 = %q, want hash of the first 10 bytes", s.BodySHA256)
	}
}

func TestProbe_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := newTestProber(Options{})
	s, err := p.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if s.BodyBytes != 0 {
		t.Fatalf("BodyBytes = %d, want 0", s.BodyBytes)
	}
	if want := cryptoutil.SHA256Hex(nil); s.BodySHA256 != want {
		t.Fatalf("BodySHA256 = %q, want hash of empty input", s.BodySHA256)
	}
}

func TestProbe_InvalidURL(t *testing.T) {
	p := newTestProber(Options{})

	tests := []struct {
		name   string
		rawURL string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"no scheme", "://garbage"},
		{"ftp scheme", "ftp://example.com/file"},
		{"missing host", "http://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Probe(context.Background(), tt.rawURL)
			if !errors.Is(err, ErrInvalidURL) {
				t.Fatalf("Probe(%q) error = %v, want ErrInvalidURL", tt.rawURL, err)
			}
		})
	}
}

func TestProbe_RefusesPrivateAddresses(t *testing.T) {
	p := New(Options{}) // AllowPrivate off

	tests := []struct {
		name   string
		rawURL string
	}{
		{"loopback v4", "http://127.0.0.1/"},
		{"loopback v6", "http://[::1]/"},
		{"rfc1918 10", "http://10.0.0.5/"},
		{"rfc1918 192.168", "http://192.168.1.1/admin"},
		{"link local", "http://169.254.169.254/latest/meta-data"},
		{"unspecified", "http://0.0.0.0/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Probe(context.Background(), tt.rawURL)
			if !errors.Is(err, ErrTargetNotAllowed) {
				t.Fatalf("Probe(%q) error = %v, want ErrTargetNotAllowed", tt.rawURL, err)
			}
		})
	}
}

func TestProbe_RefusesLoopbackHostname(t *testing.T) {
	p := New(Options{})

	// resolves via the hosts file, no network needed
	_, err := p.Probe(context.Background(), "http://localhost:9999/")
	if !errors.Is(err, ErrTargetNotAllowed) {
		t.Fatalf("error = %v, want ErrTargetNotAllowed", err)
	}
}

func TestProbe_AllowPrivateReachesLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := New(Options{AllowPrivate: true})
	s, err := p.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if s.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", s.StatusCode)
	}
}

func TestValidateTarget_RedirectPolicy(t *testing.T) {
	// the redirect hook runs the same check as the initial URL
	p := New(Options{})
	u, err := url.Parse("http://10.1.2.3/next")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.validateTarget(context.Background(), u); !errors.Is(err, ErrTargetNotAllowed) {
		t.Fatalf("error = %v, want ErrTargetNotAllowed", err)
	}

	permissive := New(Options{AllowPrivate: true})
	if err := permissive.validateTarget(context.Background(), u); err != nil {
		t.Fatalf("AllowPrivate prober refused %s: %v", u, err)
	}
}

func TestProbe_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	p := newTestProber(Options{Timeout: 50 * time.Millisecond})
	_, err := p.Probe(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestProbe_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	p := newTestProber(Options{})
	_, err := p.Probe(ctx, srv.URL)
	if err == nil {
		t.Fatal("expected error after context cancellation")
	}
}

func TestProbe_SendsUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	p := newTestProber(Options{})
	if _, err := p.Probe(context.Background(), srv.URL); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if gotUA != defaultUserAgent {
		t.Fatalf("User-Agent = %q, want %q", gotUA, defaultUserAgent)
	}

	custom := newTestProber(Options{UserAgent: "audit-bot/2.1"})
	if _, err := custom.Probe(context.Background(), srv.URL); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if gotUA != "audit-bot/2.1" {
		t.Fatalf("User-Agent = %q, want %q", gotUA, "audit-bot/2.1")
	}
}

func TestNew_Defaults(t *testing.T) {
	p := New(Options{})

	if p.client.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", p.client.Timeout, DefaultTimeout)
	}
	if p.maxBodyBytes != DefaultMaxBodyBytes {
		t.Errorf("maxBodyBytes = %d, want %d", p.maxBodyBytes, DefaultMaxBodyBytes)
	}
	if p.userAgent != defaultUserAgent {
		t.Errorf("userAgent = %q, want %q", p.userAgent, defaultUserAgent)
	}
	if p.allowPrivate {
		t.Error("allowPrivate should default to false")
	}
	if p.logger == nil {
		t.Error("logger should default to nop")
	}
}
