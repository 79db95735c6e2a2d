// Package plan defines the rate-limit plan document: the named per-operation
// window/ceiling pairs the limiter enforces, plus the machinery to load one
// from a file, SSM parameter, or S3 object and hot-swap it at runtime.
//
// A Manager holds the active plan behind an atomic pointer. The Watcher polls
// the configured source, compares document hashes, and swaps validated new
// plans into the Manager without a restart. A built-in default plan covers
// startup and sources that fail to load.
package plan
