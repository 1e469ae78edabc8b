// Package cache stores generation results keyed by request fingerprint so an
// identical request never pays the provider twice. The external cache service
// is authoritative when reachable; a bounded in-process copy keeps lookups
// working through an outage.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"server/internal/domain"
	"server/internal/infra"
)

const keyPrefix = "falgen:cache:"

// Entry is one cached generation result. Entries are replaced, never mutated.
type Entry struct {
	Fingerprint string        `json:"fingerprint"`
	Result      domain.Result `json:"result"`
	CreatedAt   time.Time     `json:"created_at"`
	TTL         time.Duration `json:"ttl"`
}

// Stats carries hit-rate counters for the stats endpoint.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Errors    int64 `json:"errors"`
	LocalSize int   `json:"local_size"`
}

// Store is the pluggable get/put/invalidate surface. Reads are best effort:
// a miss or a backend error costs a remote call, never the request.
type Store struct {
	rdb    redis.UniversalClient
	local  *lruCache
	logger infra.Logger
	now    func() time.Time

	hits     atomic.Int64
	misses   atomic.Int64
	errCount atomic.Int64
}

// Options configures a Store. Client may be nil to run purely in-process.
type Options struct {
	Client        redis.UniversalClient
	LocalCapacity int
	Logger        infra.Logger
}

// NewStore builds a Store over the given redis client and a local fallback.
func NewStore(opts Options) *Store {
	return &Store{
		rdb:    opts.Client,
		local:  newLRUCache(opts.LocalCapacity),
		logger: opts.Logger,
		now:    time.Now,
	}
}

// Get looks up a fingerprint, preferring the external cache and falling back
// to the local copy. The second return is false on any miss or error.
func (s *Store) Get(ctx context.Context, fp string) (Entry, bool) {
	if fp == "" {
		return Entry{}, false
	}
	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, keyPrefix+fp).Bytes()
		switch {
		case err == nil:
			var entry Entry
			if err := json.Unmarshal(raw, &entry); err == nil {
				s.hits.Add(1)
				return entry, true
			}
			s.errCount.Add(1)
			s.logger.Warn().Str("fingerprint", fp).Msg("cache: corrupt entry, treating as miss")
		case errors.Is(err, redis.Nil):
			// fall through to local
		default:
			s.errCount.Add(1)
			s.logger.Warn().Err(err).Msg("cache: external cache unavailable, using local fallback")
		}
	}
	if entry, ok := s.local.get(fp, s.now()); ok {
		s.hits.Add(1)
		return entry, true
	}
	s.misses.Add(1)
	return Entry{}, false
}

// Put records a result under fp. Writing an equal payload again is a no-op;
// a different payload replaces the entry and refreshes its creation time.
func (s *Store) Put(ctx context.Context, fp string, result domain.Result, ttl time.Duration) {
	if fp == "" || ttl <= 0 {
		return
	}
	if existing, ok := s.Get(ctx, fp); ok && existing.Result == result {
		return
	}
	entry := Entry{
		Fingerprint: fp,
		Result:      result,
		CreatedAt:   s.now(),
		TTL:         ttl,
	}
	s.local.set(fp, entry, entry.CreatedAt)
	if s.rdb == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		s.errCount.Add(1)
		return
	}
	if err := s.rdb.Set(ctx, keyPrefix+fp, raw, ttl).Err(); err != nil {
		s.errCount.Add(1)
		s.logger.Warn().Err(err).Str("fingerprint", fp).Msg("cache: write to external cache failed")
	}
}

// Invalidate removes an entry from both tiers. Exposed for operational
// correction of bad cached results.
func (s *Store) Invalidate(ctx context.Context, fp string) {
	if fp == "" {
		return
	}
	s.local.delete(fp)
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, keyPrefix+fp).Err(); err != nil {
		s.errCount.Add(1)
		s.logger.Warn().Err(err).Str("fingerprint", fp).Msg("cache: invalidate on external cache failed")
	}
}

// Snapshot returns the current counters.
func (s *Store) Snapshot() Stats {
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Errors:    s.errCount.Load(),
		LocalSize: s.local.len(),
	}
}
