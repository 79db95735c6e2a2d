// Package ratelimit enforces named per-operation request limits using fixed
// time windows.
//
// Each operation (grade_submission, website_audit, ...) resolves to a window
// and a request ceiling through a ConfigSource, usually the active limit
// plan. Counters live behind the Store interface: MemoryStore for a single
// instance, RedisStore when limits must hold across replicas. The window
// algorithm is the same in both: the first request in a window sets the
// counter to one and schedules the reset, later requests increment it until
// the ceiling is reached, and the counter starts over once the window ends.
package ratelimit
