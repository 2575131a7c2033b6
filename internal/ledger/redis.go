package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopfarm/farm-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh/invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, p *model.Position, entries []model.LedgerEntry) error {
	if err := s.primary.Commit(ctx, p, entries); err != nil {
		return err
	}
	s.cachePosition(ctx, p)
	// Entry list changed; next read re-populates.
	s.rdb.Del(ctx, entriesKey(p.ID))
	return nil
}

func (s *CachedStore) InsertEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if err := s.primary.InsertEntry(ctx, entry); err != nil {
		return err
	}
	s.rdb.Del(ctx, entriesKey(entry.PositionID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(id)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cachePosition(ctx, p)
	return p, nil
}

func (s *CachedStore) EntriesByPosition(ctx context.Context, positionID string) ([]model.LedgerEntry, error) {
	data, err := s.rdb.Get(ctx, entriesKey(positionID)).Bytes()
	if err == nil {
		var entries []model.LedgerEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.EntriesByPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, entriesKey(positionID), data, s.ttl)
	}
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListPositions(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cachePosition(ctx context.Context, p *model.Position) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(p.ID), data, s.ttl)
	}
}

func positionKey(id string) string { return fmt.Sprintf("position:%s", id) }
func entriesKey(id string) string  { return fmt.Sprintf("entries:%s", id) }
