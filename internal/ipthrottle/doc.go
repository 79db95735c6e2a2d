// Package ipthrottle provides per-client-IP request throttling with
// background eviction of idle entries.
//
// This is a single-instance, in-memory token bucket intended for basic abuse
// prevention in front of the API. It is defense in depth under the plan-based
// limiter: it does not protect against distributed attacks, bandwidth-bill
// attacks, or traffic that stays under the per-IP rate. For those, use an
// upstream WAF or CDN-level rate limiting.
package ipthrottle
