package gatehttp

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/courseloop/guardrail/internal/cache"
)

// KVEntry is one stored cache value. Content type travels with the bytes so
// a GET can reply with whatever the writer sent.
type KVEntry struct {
	Data        []byte
	ContentType string
}

// HandleCachePut serves PUT /api/v1/cache/entries/{key}. The body is stored
// verbatim under the key, with an optional ?ttl= override (Go duration
// syntax, e.g. 90s).
func (api *API) HandleCachePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			api.writeError(ctx, w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = d
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.kvMaxValue))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			api.writeError(ctx, w, http.StatusRequestEntityTooLarge, "value too large")
			return
		}
		api.writeError(ctx, w, http.StatusBadRequest, "failed to read request body")
		return
	}

	e := KVEntry{Data: body, ContentType: r.Header.Get("Content-Type")}
	if ttl > 0 {
		api.kv.SetTTL(key, e, ttl)
	} else {
		api.kv.Set(key, e)
	}

	api.logger.Debug(ctx, "stored cache entry", "key", key, "bytes", len(body), "ttl", ttl)
	w.WriteHeader(http.StatusNoContent)
}

// HandleCacheGet serves GET /api/v1/cache/entries/{key}. Expired entries are
// indistinguishable from absent ones.
func (api *API) HandleCacheGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	e, ok := api.kv.Get(key)
	if !ok {
		api.writeError(ctx, w, http.StatusNotFound, "not found")
		return
	}

	ct := e.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(e.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(e.Data); err != nil {
		api.logger.Warn(ctx, "failed to write cache entry", "key", key, "error", err)
	}
}

// HandleCacheDelete serves DELETE /api/v1/cache/entries/{key}.
func (api *API) HandleCacheDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !api.kv.Delete(key) {
		api.writeError(r.Context(), w, http.StatusNotFound, "not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCacheFlush serves POST /api/v1/cache/flush, dropping every stored
// entry. The probe memoization cache is not touched.
func (api *API) HandleCacheFlush(w http.ResponseWriter, r *http.Request) {
	api.kv.Clear()
	api.logger.Info(r.Context(), "kv cache flushed")
	w.WriteHeader(http.StatusNoContent)
}

// CacheStatsResponse reports counters for each in-process cache.
type CacheStatsResponse struct {
	Probe cache.Stats `json:"probe"`
	KV    cache.Stats `json:"kv"`
}

// HandleCacheStats serves GET /api/v1/cache/stats.
func (api *API) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, CacheStatsResponse{
		Probe: api.probeCache.Stats(),
		KV:    api.kv.Stats(),
	})
}
