package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CacheStore is a byte-valued key store with expiry.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// RedisCacheConfig configures NewRedisStore.
type RedisCacheConfig struct {
	Address  string
	Password string
	Database int
	// DialTimeout defaults to 5s.
	DialTimeout time.Duration
}

// RedisStore is a CacheStore on Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisCacheConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: redis address required", ErrInvalidConfig)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.Database,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: rdb}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }

// MemoryStore is a process-local CacheStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryStore creates an empty in-process cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && s.now().After(e.expires) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// CachedProvider serves repeated texts from a CacheStore. Cache failures are
// logged and fall through to the wrapped provider.
type CachedProvider struct {
	Provider
	store   CacheStore
	ttl     time.Duration
	prefix  string
	logger  *zap.Logger
	metrics *Metrics
}

// NewCachedProvider wraps p. A zero ttl keeps entries until evicted.
func NewCachedProvider(p Provider, store CacheStore, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{
		Provider: p,
		store:    store,
		ttl:      ttl,
		prefix:   "ragd:embedding:",
		logger:   logger,
		metrics:  NewMetrics(logger),
	}
}

func (c *CachedProvider) key(text string) string {
	sum := sha256.Sum256([]byte(c.Provider.Model() + "\x00" + text))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *CachedProvider) lookup(ctx context.Context, text string) ([]float32, bool) {
	data, ok, err := c.store.Get(ctx, c.key(text))
	if err != nil {
		c.logger.Warn("embedding cache get failed", zap.Error(err))
		c.metrics.RecordCacheLookup(ctx, c.Provider.Model(), "error", 1)
		return nil, false
	}
	if !ok {
		c.metrics.RecordCacheLookup(ctx, c.Provider.Model(), "miss", 1)
		return nil, false
	}
	vec, err := decodeVector(data)
	if err != nil || len(vec) != c.Provider.Dimension() {
		c.metrics.RecordCacheLookup(ctx, c.Provider.Model(), "miss", 1)
		return nil, false
	}
	c.metrics.RecordCacheLookup(ctx, c.Provider.Model(), "hit", 1)
	return vec, true
}

func (c *CachedProvider) cacheVector(ctx context.Context, text string, vec []float32) {
	if err := c.store.Set(ctx, c.key(text), encodeVector(vec), c.ttl); err != nil {
		c.logger.Warn("embedding cache set failed", zap.Error(err))
	}
}

// EmbedDocuments embeds only the texts missing from the cache.
func (c *CachedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out := make([][]float32, len(texts))
	var (
		missing []string
		idx     []int
	)
	for i, t := range texts {
		if vec, ok := c.lookup(ctx, t); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, t)
		idx = append(idx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.Provider.EmbedDocuments(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(missing))
	}
	for j, vec := range vectors {
		out[idx[j]] = vec
		c.cacheVector(ctx, missing[j], vec)
	}
	return out, nil
}

// EmbedQuery embeds a query, consulting the cache first.
func (c *CachedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.lookup(ctx, text); ok {
		return vec, nil
	}
	vec, err := c.Provider.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cacheVector(ctx, text, vec)
	return vec, nil
}

// Close closes the cache store and the wrapped provider.
func (c *CachedProvider) Close() error {
	return errors.Join(c.store.Close(), c.Provider.Close())
}

// encodeVector stores float32 values little-endian.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("corrupt cached vector of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
