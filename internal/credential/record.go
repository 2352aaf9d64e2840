// Package credential resolves API-key aliases to live secrets and hands
// out copy-on-refresh CredentialRecord snapshots so pipeline readers never
// observe a torn write while the token daemon rotates a secret underneath
// them.
package credential

import "time"

// Source identifies where a credential's secret comes from.
type Source string

const (
	SourceInline Source = "inline"
	SourceEnv    Source = "env"
	SourceFile   Source = "file"
	SourceOAuth  Source = "oauth"
)

// Record is an immutable snapshot of one credential. The store never
// mutates a Record's fields after construction; a refresh builds a new
// Record and atomically swaps the pointer readers see next.
type Record struct {
	Alias        string
	ProviderID   string
	AuthMode     string
	Secret       string
	Source       Source
	ExpiresAt    *time.Time
	RefreshToken string
	Version      uint64
	Healthy      bool
	UnhealthyErr string
}

// Expired reports whether the record's access token has passed its
// expiry, for callers that don't go through the token daemon's own
// refresh-ahead scheduling.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}
