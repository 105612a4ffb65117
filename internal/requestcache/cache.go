package requestcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
	"go.uber.org/zap"
)

const defaultRefetchTimeout = 10 * time.Second

var (
	// ErrOffline indicates that a query has no cached value and fetching is suspended while offline.
	ErrOffline = errors.New("requestcache: offline")
	// ErrUnknownQuery indicates that no query is registered under the key.
	ErrUnknownQuery = errors.New("requestcache: unknown query")

	errMissingKey     = errors.New("requestcache: query key is required")
	errMissingFetcher = errors.New("requestcache: query fetcher is required")
)

// Fetcher loads the current value of a query.
type Fetcher func(ctx context.Context) (any, error)

// Query is a keyed REST read whose result is cached.
type Query struct {
	Key        string
	Entities   []string
	Fetch      Fetcher
	StaleAfter time.Duration
}

type entry struct {
	query     Query
	entities  map[string]struct{}
	value     any
	fetched   bool
	stale     bool
	fetchedAt time.Time

	// generation advances on every invalidation; a fetch started under an older generation stores its
	// value but leaves the entry stale.
	generation uint64
}

func (e *entry) invalidate() {
	e.stale = true
	e.generation++
}

// Config describes the dependencies of a Cache.
type Config struct {
	Clock          func() time.Time
	RefetchTimeout time.Duration
	Logger         *zap.Logger
}

// Cache is an online-aware query cache. While offline it serves whatever it holds and never calls a
// fetcher; on the offline→online edge it marks every entry stale and refetches them all.
type Cache struct {
	clock          func() time.Time
	refetchTimeout time.Duration
	logger         *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	online  bool

	refetches sync.WaitGroup
}

// New constructs an empty cache that starts offline.
func New(cfg Config) *Cache {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.RefetchTimeout
	if timeout <= 0 {
		timeout = defaultRefetchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		clock:          clock,
		refetchTimeout: timeout,
		logger:         logger,
		entries:        make(map[string]*entry),
	}
}

// Register adds or replaces a query definition. Replacing keeps nothing of the prior value.
func (c *Cache) Register(query Query) error {
	if strings.TrimSpace(query.Key) == "" {
		return errMissingKey
	}
	if query.Fetch == nil {
		return errMissingFetcher
	}
	entities := make(map[string]struct{}, len(query.Entities))
	for _, entity := range query.Entities {
		entities[entity] = struct{}{}
	}
	c.mu.Lock()
	c.entries[query.Key] = &entry{query: query, entities: entities}
	c.mu.Unlock()
	return nil
}

// Get returns the query value, fetching when the cached value is missing or stale and the cache is
// online. Offline reads return the cached value, fresh or not, or ErrOffline when there is none.
func (c *Cache) Get(ctx context.Context, key string) (any, error) {
	c.mu.Lock()
	current, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, ErrUnknownQuery
	}
	if c.freshLocked(current) {
		value := current.value
		c.mu.Unlock()
		return value, nil
	}
	if !c.online {
		value, fetched := current.value, current.fetched
		c.mu.Unlock()
		if fetched {
			return value, nil
		}
		return nil, ErrOffline
	}
	fetch, generation := current.query.Fetch, current.generation
	c.mu.Unlock()

	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.store(key, current, generation, value)
	return value, nil
}

// SetOnline records connectivity. The offline→online edge invalidates everything and refetches every
// registered query in the background.
func (c *Cache) SetOnline(online bool) {
	c.mu.Lock()
	rising := online && !c.online
	c.online = online
	var refetch []string
	if rising {
		for key, current := range c.entries {
			current.invalidate()
			refetch = append(refetch, key)
		}
	}
	c.mu.Unlock()

	if len(refetch) == 0 {
		return
	}
	c.logger.Info("request cache back online, refetching", zap.Int("queries", len(refetch)))
	c.refetches.Add(1)
	go func() {
		defer c.refetches.Done()
		for _, key := range refetch {
			c.refetch(key)
		}
	}()
}

// Online reports the last recorded connectivity.
func (c *Cache) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Wait blocks until background refetches started so far have finished.
func (c *Cache) Wait() {
	c.refetches.Wait()
}

// Invalidate marks one query stale.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.entries[key]
	if ok {
		current.invalidate()
	}
	return ok
}

// InvalidateEntities marks stale every query touching one of the entities and returns how many.
func (c *Cache) InvalidateEntities(entities ...string) int {
	if len(entities) == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, current := range c.entries {
		for _, entity := range entities {
			if _, ok := current.entities[entity]; ok {
				current.invalidate()
				count++
				break
			}
		}
	}
	return count
}

// Observe invalidates queries touched by an inbound realtime frame.
func (c *Cache) Observe(message realtime.Message) {
	entities := message.AffectedEntities
	if len(entities) == 0 {
		if customer := message.CustomerID(); customer != "" {
			entities = append(entities, customer)
		}
		if entity := message.EntityID(); entity != "" {
			entities = append(entities, entity)
		}
	}
	if count := c.InvalidateEntities(entities...); count > 0 {
		c.logger.Debug("request cache invalidated", zap.String("type", string(message.Type)), zap.Int("queries", count))
	}
}

func (c *Cache) refetch(key string) {
	c.mu.Lock()
	current, ok := c.entries[key]
	online := c.online
	var generation uint64
	if ok {
		generation = current.generation
	}
	c.mu.Unlock()
	if !ok || !online {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.refetchTimeout)
	defer cancel()
	value, err := current.query.Fetch(ctx)
	if err != nil {
		c.logger.Warn("request cache refetch failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.store(key, current, generation, value)
}

func (c *Cache) store(key string, fetchedFor *entry, generation uint64, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] != fetchedFor {
		return
	}
	fetchedFor.value = value
	fetchedFor.fetched = true
	fetchedFor.stale = fetchedFor.generation != generation
	fetchedFor.fetchedAt = c.clock()
}

func (c *Cache) freshLocked(current *entry) bool {
	if !current.fetched || current.stale {
		return false
	}
	if current.query.StaleAfter <= 0 {
		return true
	}
	return c.clock().Sub(current.fetchedAt) < current.query.StaleAfter
}
