package enzyme

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// WindowState is a snapshot of one key's local window.
type WindowState struct {
	Count   int
	ResetAt time.Time
}

// WindowStore keeps the per-key request-count windows used by RateLimiter.
// Acquire must check and charge atomically.
type WindowStore interface {
	// Acquire charges one request to key if the window has room. A window
	// that does not exist yet, or whose reset time has passed, is started
	// fresh with a count of zero before the check.
	Acquire(ctx context.Context, key string, limit int, window time.Duration) (WindowState, bool, error)
	// Release undoes one charge. The count never goes below zero.
	Release(ctx context.Context, key string) error
	// Peek returns the current window without charging it.
	Peek(ctx context.Context, key string) (WindowState, error)
	// Reset drops the window for key.
	Reset(ctx context.Context, key string) error
}

// MemoryWindowStore is the in-process WindowStore.
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]*WindowState
	now     func() time.Time
}

// NewMemoryWindowStore creates an empty in-process store.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{
		windows: make(map[string]*WindowState),
		now:     time.Now,
	}
}

func (s *MemoryWindowStore) current(key string, window time.Duration) *WindowState {
	now := s.now()
	w, ok := s.windows[key]
	if !ok {
		w = &WindowState{ResetAt: now.Add(window)}
		s.windows[key] = w
		return w
	}
	if !now.Before(w.ResetAt) {
		w.Count = 0
		w.ResetAt = now.Add(window)
	}
	return w
}

// Acquire implements WindowStore.
func (s *MemoryWindowStore) Acquire(_ context.Context, key string, limit int, window time.Duration) (WindowState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.current(key, window)
	if w.Count >= limit {
		return *w, false, nil
	}
	w.Count++
	return *w, true, nil
}

// Release implements WindowStore.
func (s *MemoryWindowStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.windows[key]; ok && w.Count > 0 {
		w.Count--
	}
	return nil
}

// Peek implements WindowStore.
func (s *MemoryWindowStore) Peek(_ context.Context, key string) (WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !s.now().Before(w.ResetAt) {
		return WindowState{}, nil
	}
	return *w, nil
}

// Reset implements WindowStore.
func (s *MemoryWindowStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
	return nil
}

// acquireScript returns {allowed, count, pttl}.
var acquireScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local ttl = redis.call('PTTL', KEYS[1])
if count >= tonumber(ARGV[1]) then
  return {0, count, ttl}
end
count = redis.call('INCR', KEYS[1])
if count == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {1, count, ttl}
`)

var releaseScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

const (
	redisKeyMissing  = -2
	redisKeyNoExpiry = -1
)

// RedisWindowStore shares fixed windows between processes through Redis.
// Expiry of the Redis key is what resets a window.
type RedisWindowStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisWindowStore creates a store that keeps windows under prefix.
func NewRedisWindowStore(client redis.Cmdable, prefix string) *RedisWindowStore {
	if prefix == "" {
		prefix = "enzyme:ratelimit:"
	}
	return &RedisWindowStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisWindowStore) key(k string) string {
	return s.prefix + k
}

// Acquire implements WindowStore.
func (s *RedisWindowStore) Acquire(ctx context.Context, key string, limit int, window time.Duration) (WindowState, bool, error) {
	res, err := acquireScript.Run(ctx, s.client, []string{s.key(key)}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return WindowState{}, false, fmt.Errorf("acquire rate limit window %q: %w", key, err)
	}
	if len(res) != 3 {
		return WindowState{}, false, fmt.Errorf("acquire rate limit window %q: unexpected reply %v", key, res)
	}

	ttl := time.Duration(res[2]) * time.Millisecond
	if res[2] < 0 {
		ttl = window
	}
	return WindowState{Count: int(res[1]), ResetAt: s.now().Add(ttl)}, res[0] == 1, nil
}

// Release implements WindowStore.
func (s *RedisWindowStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(key)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release rate limit window %q: %w", key, err)
	}
	return nil
}

// Peek implements WindowStore.
func (s *RedisWindowStore) Peek(ctx context.Context, key string) (WindowState, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, s.key(key))
	ttlCmd := pipe.PTTL(ctx, s.key(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return WindowState{}, fmt.Errorf("peek rate limit window %q: %w", key, err)
	}

	count, err := getCmd.Int()
	if errors.Is(err, redis.Nil) {
		return WindowState{}, nil
	}
	if err != nil {
		return WindowState{}, fmt.Errorf("peek rate limit window %q: %w", key, err)
	}

	state := WindowState{Count: count}
	if ttl, err := ttlCmd.Result(); err == nil && ttl != redisKeyMissing && ttl != redisKeyNoExpiry && ttl > 0 {
		state.ResetAt = s.now().Add(ttl)
	}
	return state, nil
}

// Reset implements WindowStore.
func (s *RedisWindowStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("reset rate limit window %q: %w", key, err)
	}
	return nil
}
