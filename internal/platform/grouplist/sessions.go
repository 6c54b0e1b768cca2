package grouplist

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Factory builds the backing store for a newly opened session.
type Factory func(sessionID string) SessionScopedCache

// MemoryFactory returns a Factory producing in-process caches.
func MemoryFactory(ttl time.Duration) Factory {
	return func(string) SessionScopedCache { return NewMemoryCache(ttl) }
}

// RedisFactory returns a Factory producing Redis-backed caches that share rdb.
func RedisFactory(rdb goredis.UniversalClient, ttl time.Duration) Factory {
	return func(sessionID string) SessionScopedCache { return NewRedisCache(rdb, sessionID, ttl) }
}

// DefaultIdleTimeout applies when NewSessions is given no idle timeout.
const DefaultIdleTimeout = 30 * time.Minute

type sessionEntry struct {
	cache    *GroupListCache
	lastUsed time.Time
}

// Sessions owns the caches of all live sessions. It is created once by the
// server and passed to the handlers that need it; there is no global.
//
// A session not opened for longer than the idle timeout is evicted and its
// store cleared. Eviction runs from Open at most once per half timeout.
type Sessions struct {
	mu        sync.Mutex
	entries   map[string]*sessionEntry
	factory   Factory
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
	log       zerolog.Logger
}

func NewSessions(factory Factory, idle time.Duration, log zerolog.Logger) *Sessions {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Sessions{
		entries: make(map[string]*sessionEntry),
		factory: factory,
		idle:    idle,
		now:     time.Now,
		log:     log,
	}
}

// Open returns the cache for sessionID, creating it on first use, and marks
// the session as used.
func (s *Sessions) Open(ctx context.Context, sessionID string) *GroupListCache {
	s.mu.Lock()
	now := s.now()
	var evicted []*GroupListCache
	if now.Sub(s.lastSweep) >= s.idle/2 {
		evicted = s.sweepLocked(now)
	}
	e, ok := s.entries[sessionID]
	if !ok {
		e = &sessionEntry{cache: New(s.factory(sessionID), s.log.With().Str("session_id", sessionID).Logger())}
		s.entries[sessionID] = e
	}
	e.lastUsed = now
	s.mu.Unlock()

	s.clear(ctx, evicted)
	return e.cache
}

// Sweep evicts every idle session now and reports how many were dropped.
func (s *Sessions) Sweep(ctx context.Context) int {
	s.mu.Lock()
	evicted := s.sweepLocked(s.now())
	s.mu.Unlock()
	s.clear(ctx, evicted)
	return len(evicted)
}

func (s *Sessions) sweepLocked(now time.Time) []*GroupListCache {
	s.lastSweep = now
	var evicted []*GroupListCache
	for id, e := range s.entries {
		if now.Sub(e.lastUsed) < s.idle {
			continue
		}
		evicted = append(evicted, e.cache)
		delete(s.entries, id)
	}
	if len(evicted) > 0 {
		s.log.Debug().Int("evicted", len(evicted)).Int("open", len(s.entries)).Msg("idle sessions evicted")
	}
	return evicted
}

func (s *Sessions) clear(ctx context.Context, caches []*GroupListCache) {
	for _, c := range caches {
		if err := c.Clear(ctx); err != nil {
			c.log.Warn().Err(err).Msg("clearing evicted session cache failed")
		}
	}
}

// Close tears down the session's cache. Closing an unknown session is a no-op.
func (s *Sessions) Close(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	e, ok := s.entries[sessionID]
	delete(s.entries, sessionID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return e.cache.Clear(ctx)
}

// Len reports the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
