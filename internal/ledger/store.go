package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces fingerprints in a shared redis instance.
const DefaultRedisPrefix = "calendarsync:localop:"

// ErrStoreClosed indicates that a store was used after Close.
var ErrStoreClosed = errors.New("ledger: store closed")

// Store keeps fingerprints for a bounded time.
type Store interface {
	Mark(ctx context.Context, fingerprint string, ttl time.Duration) error
	Contains(ctx context.Context, fingerprint string) (bool, error)
	Remove(ctx context.Context, fingerprint string) error
	Close() error
}

type memoryEntry struct {
	expiresAt time.Time
	timer     *time.Timer
}

// MemoryStore is a process-local Store. Each fingerprint owns a timer that evicts it after its
// TTL; Close stops every outstanding timer.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	clock   func() time.Time
	closed  bool
}

// NewMemoryStore constructs an empty store. A nil clock defaults to time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{entries: make(map[string]*memoryEntry), clock: clock}
}

// Mark implements Store.
func (s *MemoryStore) Mark(_ context.Context, fingerprint string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if existing, ok := s.entries[fingerprint]; ok {
		existing.timer.Stop()
	}
	entry := &memoryEntry{expiresAt: s.clock().Add(ttl)}
	entry.timer = time.AfterFunc(ttl, func() {
		s.evict(fingerprint, entry)
	})
	s.entries[fingerprint] = entry
	return nil
}

// Contains implements Store.
func (s *MemoryStore) Contains(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	entry, ok := s.entries[fingerprint]
	if !ok {
		return false, nil
	}
	if !s.clock().Before(entry.expiresAt) {
		entry.timer.Stop()
		delete(s.entries, fingerprint)
		return false, nil
	}
	return true, nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if entry, ok := s.entries[fingerprint]; ok {
		entry.timer.Stop()
		delete(s.entries, fingerprint)
	}
	return nil
}

// Len reports the number of fingerprints held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops every pending eviction timer and drops all fingerprints.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for fingerprint, entry := range s.entries {
		entry.timer.Stop()
		delete(s.entries, fingerprint)
	}
	s.closed = true
	return nil
}

func (s *MemoryStore) evict(fingerprint string, entry *memoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.entries[fingerprint]; ok && current == entry {
		delete(s.entries, fingerprint)
	}
}

// RedisStore shares fingerprints across processes through redis keys with a PX expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client. An empty prefix defaults to DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Mark implements Store.
func (s *RedisStore) Mark(ctx context.Context, fingerprint string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+fingerprint, "1", ttl).Err()
}

// Contains implements Store.
func (s *RedisStore) Contains(ctx context.Context, fingerprint string) (bool, error) {
	count, err := s.client.Exists(ctx, s.prefix+fingerprint).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, fingerprint string) error {
	return s.client.Del(ctx, s.prefix+fingerprint).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
