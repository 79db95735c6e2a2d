package plan

import "time"

// Source identifies where the active plan came from.
type Source string

const (
	SourceUnknown Source = "unknown"
	SourceBuiltin Source = "builtin"
	SourceFile    Source = "file"
	SourceSSM     Source = "ssm"
	SourceS3      Source = "s3"
)

// Meta describes the provenance of a loaded plan document.
type Meta struct {
	Version    string    `json:"version,omitempty"`
	SHA256     string    `json:"sha256,omitempty"`
	Source     Source    `json:"source,omitempty"`
	VerifiedAt time.Time `json:"verified_at,omitempty"`
}

// Snapshot is an immutable loaded plan plus its provenance. Swapped whole;
// never mutated in place.
type Snapshot struct {
	Plan     *Plan
	Meta     Meta
	LoadedAt time.Time
}
