package models

import "time"

// CachedResponse is the payload stored for a cached query
type CachedResponse struct {
	Answer     string   `bson:"answer" json:"answer"`
	Sources    []string `bson:"sources" json:"sources"`
	Confidence float64  `bson:"confidence" json:"confidence"`
}

// CacheEntry is a cached answer keyed by (UserID, QueryHash)
type CacheEntry struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	QueryHash      string         `json:"query_hash"` // hex sha256 of the normalized query
	QueryEmbedding []float32      `json:"-"`
	Response       CachedResponse `json:"response"`

	HitCount  int64      `json:"hit_count"`
	LastHit   *time.Time `json:"last_hit,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Expired reports whether the entry is logically dead at now
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// CacheStats summarizes a user's cache
type CacheStats struct {
	Entries     int64 `json:"entries"`
	LiveEntries int64 `json:"live_entries"`
	TotalHits   int64 `json:"total_hits"`
}
