package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chatcontext/internal/models"
)

// CacheStore is the persistent (L2) layer of the semantic response cache.
// Entries are unique per (userID, queryHash).
type CacheStore interface {
	// Get returns the entry or ErrNotFound. Expired entries are returned as-is.
	Get(ctx context.Context, userID, queryHash string) (*models.CacheEntry, error)
	// Upsert inserts or replaces the entry for (UserID, QueryHash)
	Upsert(ctx context.Context, entry *models.CacheEntry) error
	// RecordHit increments hitCount and sets lastHit on a live entry
	RecordHit(ctx context.Context, userID, queryHash string, at time.Time) error

	DeleteUser(ctx context.Context, userID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// Trim keeps at most maxPerUser entries per user, evicting never-hit and
	// least recently hit entries first.
	Trim(ctx context.Context, maxPerUser int) (int64, error)
	Stats(ctx context.Context, userID string, now time.Time) (*models.CacheStats, error)
}

// ResponseSealer encrypts cached responses at rest per user
type ResponseSealer interface {
	EncryptJSON(userID string, v interface{}) (string, error)
	DecryptJSON(userID string, ciphertext string, v interface{}) error
}

const sealedPrefix = "enc:"

// encodeResponse serializes a cached response, sealing it when a sealer is set
func encodeResponse(sealer ResponseSealer, userID string, resp models.CachedResponse) (string, error) {
	if sealer == nil {
		data, err := json.Marshal(resp)
		if err != nil {
			return "", fmt.Errorf("failed to marshal cached response: %w", err)
		}
		return string(data), nil
	}

	sealed, err := sealer.EncryptJSON(userID, resp)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt cached response: %w", err)
	}
	return sealedPrefix + sealed, nil
}

// decodeResponse reverses encodeResponse
func decodeResponse(sealer ResponseSealer, userID, stored string) (models.CachedResponse, error) {
	var resp models.CachedResponse

	if strings.HasPrefix(stored, sealedPrefix) {
		if sealer == nil {
			return resp, fmt.Errorf("cached response is encrypted but no encryption key is configured")
		}
		if err := sealer.DecryptJSON(userID, strings.TrimPrefix(stored, sealedPrefix), &resp); err != nil {
			return resp, fmt.Errorf("failed to decrypt cached response: %w", err)
		}
		return resp, nil
	}

	if err := json.Unmarshal([]byte(stored), &resp); err != nil {
		return resp, fmt.Errorf("failed to decode cached response: %w", err)
	}
	return resp, nil
}
