package gatehttp

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/courseloop/guardrail/internal/urlinfo"
)

// HandleProbe serves GET /api/v1/probe?url=... Summaries are memoized, so a
// popular target is only fetched once per TTL no matter how many callers ask.
func (api *API) HandleProbe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rawURL := strings.TrimSpace(r.URL.Query().Get("url"))
	if rawURL == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "url query parameter is required")
		return
	}

	fetched := false
	sum, err := api.probeCache.GetOrFetch(ctx, "website:"+rawURL, api.probeTTL,
		func(ctx context.Context) (urlinfo.Summary, error) {
			fetched = true
			return api.prober.Probe(ctx, rawURL)
		})
	if err != nil {
		if errors.Is(err, urlinfo.ErrInvalidURL) || errors.Is(err, urlinfo.ErrTargetNotAllowed) {
			api.writeError(ctx, w, http.StatusBadRequest, err.Error())
			return
		}
		api.logger.Warn(ctx, "probe failed", "url", rawURL, "error", err)
		api.writeError(ctx, w, http.StatusBadGateway, "probe failed")
		return
	}

	if fetched {
		w.Header().Set(CacheHeader, "miss")
	} else {
		w.Header().Set(CacheHeader, "hit")
	}

	api.logger.Debug(ctx, "served probe summary",
		"url", rawURL,
		"status", sum.StatusCode,
		"cached", !fetched)

	api.writeJSON(ctx, w, http.StatusOK, sum)
}
