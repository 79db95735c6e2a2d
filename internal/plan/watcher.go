// Watcher polls the plan source for document changes and hot-swaps the
// active plan in the Manager when a new document is detected.
//
// Plans are small JSON documents held in memory. Old snapshots are
// garbage-collected when the atomic pointer in the Manager is swapped.

package plan

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/courseloop/guardrail/internal/cryptoutil"
	"github.com/courseloop/guardrail/internal/log"
)

const (
	// DefaultPollInterval is how often the watcher checks the source for a new document.
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff on consecutive fetch errors.
	maxBackoff = 5 * time.Minute
)

// pollResult describes what happened during a single poll cycle.
type pollResult int

const (
	pollNoChange        pollResult = iota // document hash matches current - nothing to do
	pollSwapped                           // new document detected, parsed and swapped
	pollFetchError                        // source fetch failed - caller should back off
	pollValidationError                   // document fetched but failed parse or validation
)

// PlanFetcher is the interface the Watcher needs from a Loader. Extracted to
// decouple the Watcher from the concrete *Loader type, enabling simpler test
// doubles and future alternative sources.
type PlanFetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
	Source() Source
}

// WatcherMetrics is implemented by the metrics package to observe watcher behavior.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherSwaps()
	IncWatcherError(errType string)
	SetWatcherLastSuccess(unixSeconds float64)
	SetWatcherStale(stale bool)
}

// WatcherOptions configures the plan watcher.
type WatcherOptions struct {
	Logger       log.Logger
	Loader       PlanFetcher
	Manager      *Manager
	PollInterval time.Duration

	// Validation configures checks run against new documents before they
	// are swapped into the manager. Zero value uses
	// DefaultValidationOptions().
	Validation *ValidationOptions

	// OnSwap is called after a successful plan swap.
	// Use to update Prometheus metrics, reset caches, etc.
	// Called synchronously on the poll goroutine.
	OnSwap func(version, hash string)

	// Metrics receives watcher observability signals (polls, swaps, errors).
	Metrics WatcherMetrics

	// StaleThreshold is how long since the last successful source poll
	// before the watcher logs a staleness warning. Zero defaults to 30
	// minutes.
	StaleThreshold time.Duration
}

// Watcher polls for plan changes and hot-swaps documents into the manager.
type Watcher struct {
	loader     PlanFetcher
	manager    *Manager
	logger     log.Logger
	interval   time.Duration
	validation ValidationOptions
	onSwap     func(version, hash string)
	metrics    WatcherMetrics

	// hash tracking for change detection
	currentHash string

	// backoff state
	consecutiveErrs int

	// staleness tracking
	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	// stats for logging
	pollCount int64
	swapCount int64
}

// NewWatcher creates a plan watcher. Call Run to start the poll loop.
func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	// seed current hash from manager so first poll doesn't re-apply
	// what was already loaded at startup
	currentHash := ""
	if snap, ok := opts.Manager.Get(); ok {
		currentHash = snap.Meta.SHA256
	}

	validation := DefaultValidationOptions()
	if opts.Validation != nil {
		validation = *opts.Validation
	}

	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}

	return &Watcher{
		loader:         opts.Loader,
		manager:        opts.Manager,
		logger:         opts.Logger,
		interval:       interval,
		validation:     validation,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		currentHash:    currentHash,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
// Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "plan watcher starting",
		"poll_interval", w.interval.String(),
		"source", string(w.loader.Source()),
		"current_hash", truncHash(w.currentHash),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "plan watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)

			if result == pollFetchError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "plan watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				// recovered from error streak - resume normal cadence
				w.logger.Info(ctx, "plan watcher: recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}

			// staleness detection: emit structured error once on transition into stale state
			if result != pollFetchError {
				// non-fetch-error means lastSuccessAt was updated
				if w.staleLogged {
					w.logger.Info(ctx, "plan watcher: staleness recovered")
					w.staleLogged = false
					if w.metrics != nil {
						w.metrics.SetWatcherStale(false)
					}
				}
			} else if time.Since(w.lastSuccessAt) > w.staleThreshold {
				if !w.staleLogged {
					w.logger.Error(ctx, fmt.Errorf("last successful source poll was %s ago", time.Since(w.lastSuccessAt).Truncate(time.Second)),
						"plan watcher: plan is stale, unable to verify freshness",
					)
					w.staleLogged = true
					if w.metrics != nil {
						w.metrics.SetWatcherStale(true)
					}
				}
			}
		}
	}
}

// checkOnce performs a single poll-compare-swap cycle.
// Returns what happened so Run can adjust timing.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	// poll the source for the current document
	raw, err := w.loader.Fetch(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "plan watcher: source poll failed")
		if w.metrics != nil {
			w.metrics.IncWatcherError("fetch")
		}
		return pollFetchError
	}

	// fetch succeeded - update last success time
	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetWatcherLastSuccess(float64(now.Unix()))
	}

	hash := cryptoutil.SHA256Hex(raw)

	// no change - most common path
	if cryptoutil.HashEqual(hash, w.currentHash) {
		return pollNoChange
	}

	// new document detected
	w.logger.Info(ctx, "plan watcher: new plan document detected",
		"old_hash", truncHash(w.currentHash),
		"new_hash", truncHash(hash),
	)

	p, err := Parse(raw)
	if err != nil {
		w.logger.Error(ctx, err, "plan watcher: failed to parse document, keeping current plan",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(w.currentHash),
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError("parse")
		}
		return pollValidationError
	}

	// validate the new plan before swapping
	if err := Validate(p, w.validation); err != nil {
		w.logger.Error(ctx, err, "plan watcher: new plan failed validation, keeping current plan",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(w.currentHash),
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError("validation")
		}
		return pollValidationError
	}

	// atomic swap into manager - old snapshot becomes garbage
	oldHash := w.currentHash
	w.manager.Set(Snapshot{
		Plan: p,
		Meta: Meta{
			Version:    p.Version,
			SHA256:     hash,
			Source:     w.loader.Source(),
			VerifiedAt: now.UTC(),
		},
	})
	w.swapCount++
	w.currentHash = hash

	w.logger.Info(ctx, "plan watcher: plan swapped",
		"old_hash", truncHash(oldHash),
		"new_hash", truncHash(hash),
		"version", p.Version,
		"total_swaps", w.swapCount,
	)

	if w.metrics != nil {
		w.metrics.IncWatcherSwaps()
	}

	// notify caller (metrics, etc.)
	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"plan watcher: OnSwap callback panicked, continuing",
						"hash", truncHash(hash),
					)
				}
			}()
			w.onSwap(p.Version, hash)
		}()
	}

	return pollSwapped
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 → 2x interval, =2 → 4x, =3 → 8x, etc.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// truncHash returns the first 12 characters of a hash for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
