package domain

import "time"

type Tier int

const (
	TierNone Tier = iota
	TierMemory
	TierFile
	TierPersistent
	TierNetwork
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierFile:
		return "file"
	case TierPersistent:
		return "persistent"
	case TierNetwork:
		return "network"
	default:
		return "none"
	}
}

type CacheEntry struct {
	Data       []byte
	Tier       Tier
	ETag       string
	ExpiresAt  time.Time
	StatusCode int
	HasError   bool
}

// Expired reports whether the freshness window has passed. Entries without an
// expiry never expire.
func (e CacheEntry) Expired(now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(e.ExpiresAt)
}

func (e CacheEntry) WithTier(tier Tier) CacheEntry {
	e.Tier = tier
	return e
}
