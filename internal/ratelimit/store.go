package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CounterStore is the one narrow contract the limiter needs: an
// atomic increment that starts a fresh window when the key is new or
// its previous window has expired, returning the count after the
// increment. Implementations must guarantee no lost updates for
// concurrent calls on the same key.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

// shardCount spreads memory counters over independent locks so
// distinct client keys do not contend with each other.
const shardCount = 64

// idleMultiple controls memory eviction: a counter untouched for
// idleMultiple full windows is dropped by the janitor.
const idleMultiple = 2

type memoryCounter struct {
	count       int64
	windowStart time.Time
	window      time.Duration
	lastSeen    time.Time
}

type memoryShard struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
}

// MemoryStore implements CounterStore with in-process sharded maps.
// A janitor goroutine evicts counters that have been idle for a few
// windows to keep memory bounded by the active client set.
type MemoryStore struct {
	shards [shardCount]*memoryShard
	logger zerolog.Logger
	stop   chan struct{}
	once   sync.Once
}

// NewMemoryStore creates an in-memory counter store and starts its
// eviction janitor.
func NewMemoryStore(logger zerolog.Logger) *MemoryStore {
	m := &MemoryStore{
		logger: logger,
		stop:   make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{counters: make(map[string]*memoryCounter)}
	}
	go m.janitor()
	return m
}

func (m *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now()
	s := m.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || now.Sub(c.windowStart) >= c.window {
		s.counters[key] = &memoryCounter{
			count:       1,
			windowStart: now,
			window:      window,
			lastSeen:    now,
		}
		return 1, nil
	}
	c.count++
	c.lastSeen = now
	return c.count, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictIdle(time.Now())
		}
	}
}

func (m *MemoryStore) evictIdle(now time.Time) {
	evicted := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for key, c := range s.counters {
			if now.Sub(c.lastSeen) >= time.Duration(idleMultiple)*c.window {
				delete(s.counters, key)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		m.logger.Debug().Int("evicted", evicted).Msg("evicted idle rate limit counters")
	}
}

// RedisStore implements CounterStore on a shared Redis instance so
// several gateway processes can enforce one combined limit. INCR and
// EXPIRE NX run in a single pipeline: the key's TTL is set when the
// window opens and left alone afterwards, which gives fixed-window
// semantics without a round trip per check.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
	prefix string
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(addr string, logger zerolog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr: addr,

		// The limiter sits on the hot path of every request, so the
		// store fails fast instead of queueing behind a sick Redis.
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   0,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolTimeout:  500 * time.Millisecond,
	})

	return &RedisStore{
		client: client,
		logger: logger,
		prefix: "edgegate:ratelimit:",
	}
}

func (r *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := r.prefix + key

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis increment error: %w", err)
	}
	return incr.Val(), nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("redis ping error: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// NewStore creates a counter store for the configured backend.
func NewStore(backend, redisAddr string, logger zerolog.Logger) (CounterStore, error) {
	switch backend {
	case "memory":
		logger.Info().Msg("using memory counter store")
		return NewMemoryStore(logger), nil
	case "redis":
		logger.Info().Str("redis_addr", redisAddr).Msg("using redis counter store")
		store := NewRedisStore(redisAddr, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}
