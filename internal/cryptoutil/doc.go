// Package cryptoutil provides hashing primitives for document and body
// integrity: SHA-256 digests over bytes and streams, and constant-time
// hash comparison.
package cryptoutil
