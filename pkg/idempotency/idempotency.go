// Package idempotency implements the Idempotency Cache (§4.7): a
// TTL-scoped replay cache keyed by the caller-supplied X-Idempotency-Key
// header, so a retried mutating request returns the original response
// verbatim instead of re-executing. The sweeper loop is adapted from the
// teacher's pkg/reconciler ticker-driven background loop idiom.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultTTL is the replay window for a cached response (§6).
const DefaultTTL = 600 * time.Second

// SweepInterval is how often the background sweeper checks for expired
// entries.
const SweepInterval = time.Minute

// Cache fronts the catalog's idempotency bucket with TTL semantics.
type Cache struct {
	cat *catalog.Catalog
	ttl time.Duration
	log zerolog.Logger
}

func New(cat *catalog.Catalog, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{cat: cat, ttl: ttl, log: logger}
}

// BodyHash returns a stable digest of a request body, stored alongside
// the cached response so a key reused with a different body is rejected
// rather than silently replayed.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached entry for key, or nil if none exists or it
// has expired (an expired row is left for the sweeper, not deleted
// inline, to keep the read path a single catalog lookup).
func (c *Cache) Lookup(key string) (*types.IdempotencyEntry, error) {
	entry, err := c.cat.GetIdempotencyEntry(key)
	if err != nil || entry == nil {
		return nil, err
	}
	if time.Now().After(entry.ExpiresAt) {
		return nil, nil
	}
	return entry, nil
}

// Store records a completed mutating request's response under key.
func (c *Cache) Store(key, method, endpoint string, bodyHash string, responseCode int, responseBody []byte, contentType string) error {
	now := time.Now()
	return c.cat.PutIdempotencyEntry(&types.IdempotencyEntry{
		Key:          key,
		Method:       method,
		Endpoint:     endpoint,
		BodyHash:     bodyHash,
		ResponseCode: responseCode,
		ResponseBody: responseBody,
		ContentType:  contentType,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.ttl),
	})
}

// RunSweeper blocks, sweeping expired entries every SweepInterval, until
// ctx is cancelled.
func (c *Cache) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.cat.SweepExpiredIdempotencyEntries(func(e *types.IdempotencyEntry) bool {
				return time.Now().After(e.ExpiresAt)
			})
			if err != nil {
				c.log.Error().Err(err).Msg("idempotency sweep failed")
				continue
			}
			if n > 0 {
				c.log.Debug().Int("removed", n).Msg("idempotency sweep removed expired entries")
			}
		}
	}
}
