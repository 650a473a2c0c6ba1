package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"svckit/codec"
	"svckit/log"
	"svckit/message"
	"svckit/status"
)

// CacheKey is the response metadata key marking a cache hit.
const CacheKey = "x-cache"

// Store holds cached query responses.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Cache answers queries from store while their entry is fresh and stores
// successful query responses for ttl. Commands pass through untouched. Store
// failures are logged and otherwise ignored.
func Cache(store Store, ttl time.Duration, logger log.Logger) Unit {
	c := codec.Default
	lookup := Intercept(NameCache, func(ctx context.Context, req *message.Request) Outcome {
		if req.Kind != message.Query {
			return Continue(req)
		}
		data, ok, err := store.Get(ctx, cacheKey(req))
		if err != nil {
			logger.Warnf("cache lookup for %s: %v", req.Type, err)
			return Continue(req)
		}
		if !ok {
			return Continue(req)
		}
		var resp message.Response
		if err := c.Decode(data, &resp); err != nil {
			logger.Warnf("dropping undecodable cache entry for %s: %v", req.Type, err)
			return Continue(req)
		}
		if resp.Metadata == nil {
			resp.Metadata = map[string]string{}
		}
		resp.Metadata[CacheKey] = "hit"
		return ShortCircuit(&resp)
	})

	return WithResponse(lookup, func(ctx context.Context, req *message.Request, resp *message.Response, err error) (*message.Response, error) {
		if err != nil || resp == nil || req.Kind != message.Query || resp.Metadata[CacheKey] == "hit" {
			return resp, err
		}
		data, encErr := c.Encode(resp)
		if encErr != nil {
			logger.Warnf("cannot cache %s: %v", req.Type, encErr)
			return resp, nil
		}
		if setErr := store.Set(ctx, cacheKey(req), data, ttl); setErr != nil {
			logger.Warnf("cache store for %s: %v", req.Type, setErr)
		}
		return resp, nil
	})
}

// cacheKey is derived from the type key, the subject and the payload so that
// subjects never see each other's answers.
func cacheKey(req *message.Request) string {
	h := sha256.New()
	h.Write([]byte(req.Subject))
	h.Write([]byte{0})
	h.Write(req.Payload)
	return "svckit:cache:" + req.Type + ":" + hex.EncodeToString(h.Sum(nil))
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

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
	if !s.now().Before(e.expires) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expires: s.now().Add(ttl)}
	return nil
}

// RedisStore keeps cached responses in Redis, shared by every instance.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, status.Wrap(status.Unavailable, err, "redis get")
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return status.Wrap(status.Unavailable, err, "redis set")
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
