// Package store persists session contexts in two tiers: a Redis cache with
// TTL for fast reads and a filesystem directory of JSON records as the
// durable source of truth. Writes go through to the durable tier before
// the cache is updated, so losing the cache never loses committed data.
package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nwbflow/nwbflow/pkg/models"
)

const cacheKeyPrefix = "session:"

// Store is the dual-tier session store.
type Store struct {
	cache *redis.Client
	files *fileStore
	ttl   time.Duration
}

// New creates a Store over the given Redis client and base directory.
// The directory is created if missing.
func New(cache *redis.Client, baseDir string, ttl time.Duration) (*Store, error) {
	files, err := newFileStore(baseDir)
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache, files: files, ttl: ttl}, nil
}

func cacheKey(sessionID string) string {
	return cacheKeyPrefix + sessionID
}

// Create writes the context to the durable tier and then to the cache.
// Success means the durable write succeeded; a cache failure only degrades
// read latency and is logged, not returned.
func (s *Store) Create(ctx context.Context, sc *models.SessionContext) error {
	if err := s.files.write(sc); err != nil {
		return err
	}
	s.warmCache(ctx, sc)
	return nil
}

// Update refreshes last_updated and re-runs the write-through path.
func (s *Store) Update(ctx context.Context, sc *models.SessionContext) error {
	sc.Touch()
	return s.Create(ctx, sc)
}

// Get reads the cache first; on a miss it falls back to the durable store
// and rewarms the cache with a fresh TTL.
func (s *Store) Get(ctx context.Context, sessionID string) (*models.SessionContext, error) {
	data, err := s.cache.Get(ctx, cacheKey(sessionID)).Bytes()
	switch {
	case err == nil:
		var sc models.SessionContext
		if jsonErr := json.Unmarshal(data, &sc); jsonErr == nil {
			return &sc, nil
		}
		// Undecodable cache entry: fall through to the durable tier, which
		// is authoritative.
		slog.Warn("Discarding undecodable cache entry", "session_id", sessionID)
	case err != redis.Nil:
		slog.Warn("Cache read failed, falling back to durable store",
			"session_id", sessionID, "error", err)
	}

	sc, err := s.files.read(sessionID)
	if err != nil {
		return nil, err
	}
	s.warmCache(ctx, sc)
	return sc, nil
}

// Delete removes the session from both tiers. Idempotent.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.cache.Del(ctx, cacheKey(sessionID)).Err(); err != nil {
		slog.Warn("Cache delete failed", "session_id", sessionID, "error", err)
	}
	return s.files.delete(sessionID)
}

// List returns the IDs of all durable session records.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.files.list()
}

// PurgeOlderThan removes durable records last updated before the cutoff.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return s.files.purgeOlderThan(cutoff)
}

// Ping reports whether the cache tier is reachable.
func (s *Store) Ping(ctx context.Context) bool {
	return s.cache.Ping(ctx).Err() == nil
}

func (s *Store) warmCache(ctx context.Context, sc *models.SessionContext) {
	data, err := json.Marshal(sc)
	if err != nil {
		slog.Warn("Failed to encode session for cache", "session_id", sc.SessionID, "error", err)
		return
	}
	if err := s.cache.Set(ctx, cacheKey(sc.SessionID), data, s.ttl).Err(); err != nil {
		slog.Warn("Cache write failed", "session_id", sc.SessionID, "error", err)
	}
}
