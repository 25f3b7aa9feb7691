package enzyme

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/harborgrid-justin/enzyme-sub015/internal/backoff"
)

// ErrLimiterClosed is returned to queued callers when the limiter shuts down.
var ErrLimiterClosed = errors.New("enzyme: rate limiter closed")

// LimitStrategy decides what happens to a request that cannot be admitted.
type LimitStrategy string

const (
	// StrategyQueue parks the request in a per-key FIFO until admission.
	StrategyQueue LimitStrategy = "queue"
	// StrategyDelay sleeps until the window resets (bounded by MaxDelay),
	// then proceeds.
	StrategyDelay LimitStrategy = "delay"
	// StrategyReject fails immediately with a *RateLimitError.
	StrategyReject LimitStrategy = "reject"
)

const defaultLimiterKey = "default"

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
	Strategy    LimitStrategy
	// MaxQueueSize bounds each key's queue. Overflow is rejected at once.
	MaxQueueSize int
	// MaxDelay bounds the sleep of StrategyDelay.
	MaxDelay time.Duration
	// PollInterval is how often a queue drain loop re-checks admission.
	PollInterval time.Duration
	// ServerBlock is how long a 429 without Retry-After blocks the key.
	ServerBlock time.Duration
	// IgnoreServerLimits disables bookkeeping of x-ratelimit-* headers.
	IgnoreServerLimits bool
}

// Preset names accepted by RateLimitPreset.
const (
	PresetStrict   = "strict"
	PresetStandard = "standard"
	PresetRelaxed  = "relaxed"
	PresetBurst    = "burst"
)

// RateLimitPreset returns a named configuration.
func RateLimitPreset(name string) (RateLimitConfig, bool) {
	cfg := DefaultRateLimitConfig()
	switch name {
	case PresetStrict:
		cfg.MaxRequests, cfg.Window, cfg.Strategy = 10, time.Minute, StrategyReject
	case PresetStandard:
		cfg.MaxRequests, cfg.Window, cfg.Strategy = 60, time.Minute, StrategyQueue
	case PresetRelaxed:
		cfg.MaxRequests, cfg.Window, cfg.Strategy = 300, time.Minute, StrategyQueue
	case PresetBurst:
		cfg.MaxRequests, cfg.Window, cfg.Strategy = 20, time.Second, StrategyDelay
	default:
		return RateLimitConfig{}, false
	}
	return cfg, true
}

// DefaultRateLimitConfig is the standard preset.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests:  60,
		Window:       time.Minute,
		Strategy:     StrategyQueue,
		MaxQueueSize: 100,
		MaxDelay:     30 * time.Second,
		PollInterval: time.Second,
		ServerBlock:  time.Minute,
	}
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	d := DefaultRateLimitConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ServerBlock <= 0 {
		c.ServerBlock = d.ServerBlock
	}
	return c
}

// Validate checks the configuration.
func (c RateLimitConfig) Validate() error {
	switch {
	case c.MaxRequests < 1:
		return fmt.Errorf("%w: rate limit max requests must be at least 1", ErrInvalidConfiguration)
	case c.Window <= 0:
		return fmt.Errorf("%w: rate limit window must be positive", ErrInvalidConfiguration)
	}
	switch c.Strategy {
	case "", StrategyQueue, StrategyDelay, StrategyReject:
	default:
		return fmt.Errorf("%w: unknown rate limit strategy %q", ErrInvalidConfiguration, c.Strategy)
	}
	return nil
}

// ServerRateLimit is what the server last advertised for a key.
type ServerRateLimit struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimitStatus describes a key's current admission state.
type RateLimitStatus struct {
	Key       string
	Limit     int
	Remaining int
	ResetAt   time.Time
	Queued    int
	Limited   bool
	// Source is "server" when a server-advertised limit is in force.
	Source string
}

type queuedRequest struct {
	ctx        context.Context
	fn         func(context.Context) error
	done       chan error
	enqueuedAt time.Time
	elem       *list.Element
}

// RateLimiter is client-side admission control keyed by logical endpoint.
type RateLimiter struct {
	cfg   RateLimitConfig
	store WindowStore

	mu         sync.Mutex
	server     map[string]*ServerRateLimit
	queues     map[string]*list.List
	processing map[string]bool

	closed    chan struct{}
	closeOnce sync.Once

	now     func() time.Time
	logger  Logger
	metrics *MetricsCollector
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithWindowStore replaces the in-process window store.
func WithWindowStore(store WindowStore) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.store = store
	}
}

// WithLimiterLogger sets the limiter's logger.
func WithLimiterLogger(logger Logger) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.logger = logger
	}
}

// WithLimiterMetrics sets the limiter's metrics collector.
func WithLimiterMetrics(m *MetricsCollector) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.metrics = m
	}
}

// NewRateLimiter creates a limiter. Zero-valued tuning fields take the
// defaults of DefaultRateLimitConfig.
func NewRateLimiter(cfg RateLimitConfig, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		cfg:        cfg.withDefaults(),
		server:     make(map[string]*ServerRateLimit),
		queues:     make(map[string]*list.List),
		processing: make(map[string]bool),
		closed:     make(chan struct{}),
		now:        time.Now,
		logger:     noopLogger{},
	}
	for _, opt := range opts {
		opt(rl)
	}
	if rl.store == nil {
		rl.store = NewMemoryWindowStore()
	}
	return rl
}

// Config returns the effective configuration.
func (rl *RateLimiter) Config() RateLimitConfig {
	return rl.cfg
}

// Execute runs fn once key admits it, applying the configured strategy
// when it does not.
func (rl *RateLimiter) Execute(ctx context.Context, key string, fn func(context.Context) error) error {
	if key == "" {
		key = defaultLimiterKey
	}

	rl.mu.Lock()
	queued := rl.cfg.Strategy == StrategyQueue && rl.queueLenLocked(key) > 0
	rl.mu.Unlock()
	if queued {
		return rl.enqueue(ctx, key, fn)
	}

	wait := rl.tryAdmit(ctx, key)
	if wait == 0 {
		return fn(ctx)
	}

	switch rl.cfg.Strategy {
	case StrategyReject:
		rl.metrics.RecordRateLimitRejection(key, "limited")
		rl.logger.Debug("Rate limit rejected request", "key", key, "retryAfter", wait)
		return &RateLimitError{Key: key, RetryAfter: wait, Cause: ErrRateLimited}
	case StrategyDelay:
		return rl.delayed(ctx, key, wait, fn)
	default:
		return rl.enqueue(ctx, key, fn)
	}
}

func (rl *RateLimiter) delayed(ctx context.Context, key string, wait time.Duration, fn func(context.Context) error) error {
	if wait > rl.cfg.MaxDelay {
		wait = rl.cfg.MaxDelay
	}
	rl.logger.Debug("Rate limit delaying request", "key", key, "delay", wait)
	if err := backoff.Sleep(ctx, wait); err != nil {
		return err
	}

	if err := rl.store.Reset(ctx, key); err != nil {
		rl.logger.Warn("Rate limit window reset failed", "key", key, "error", err)
	}
	if _, _, err := rl.store.Acquire(ctx, key, rl.cfg.MaxRequests, rl.cfg.Window); err != nil {
		rl.logger.Warn("Rate limit window acquire failed", "key", key, "error", err)
	}
	rl.mu.Lock()
	rl.consumeServerLocked(key)
	rl.mu.Unlock()

	return fn(ctx)
}

// tryAdmit charges key and returns 0, or returns how long until key could
// admit. The server limit is consulted first; while it blocks, the local
// window is left untouched. A server slot is reserved under rl.mu and handed
// back if the window store denies, so the store itself is called unlocked.
func (rl *RateLimiter) tryAdmit(ctx context.Context, key string) time.Duration {
	rl.mu.Lock()
	if wait := rl.serverWaitLocked(key); wait > 0 {
		rl.mu.Unlock()
		return wait
	}
	reserved := rl.reserveServerLocked(key)
	rl.mu.Unlock()

	state, ok, err := rl.store.Acquire(ctx, key, rl.cfg.MaxRequests, rl.cfg.Window)
	if err != nil {
		// Fail open: a broken shared store must not stall every request.
		rl.logger.Warn("Rate limit window acquire failed", "key", key, "error", err)
		return 0
	}
	if ok {
		return 0
	}

	if reserved != nil {
		rl.mu.Lock()
		if rl.server[key] == reserved {
			reserved.Remaining++
		}
		rl.mu.Unlock()
	}
	wait := state.ResetAt.Sub(rl.now())
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// reserveServerLocked takes one of the server's remaining requests and
// returns the entry it was taken from, or nil when nothing was counted.
func (rl *RateLimiter) reserveServerLocked(key string) *ServerRateLimit {
	s, ok := rl.server[key]
	if !ok || s.Remaining <= 0 {
		return nil
	}
	s.Remaining--
	return s
}

func (rl *RateLimiter) serverWaitLocked(key string) time.Duration {
	s, ok := rl.server[key]
	if !ok {
		return 0
	}
	now := rl.now()
	if !now.Before(s.ResetAt) {
		delete(rl.server, key)
		return 0
	}
	if s.Remaining != 0 {
		return 0
	}
	return s.ResetAt.Sub(now)
}

func (rl *RateLimiter) consumeServerLocked(key string) {
	if s, ok := rl.server[key]; ok && s.Remaining > 0 {
		s.Remaining--
	}
}

func (rl *RateLimiter) queueLenLocked(key string) int {
	if q, ok := rl.queues[key]; ok {
		return q.Len()
	}
	return 0
}

func (rl *RateLimiter) enqueue(ctx context.Context, key string, fn func(context.Context) error) error {
	rl.mu.Lock()
	select {
	case <-rl.closed:
		rl.mu.Unlock()
		return ErrLimiterClosed
	default:
	}

	q, ok := rl.queues[key]
	if !ok {
		q = list.New()
		rl.queues[key] = q
	}
	if q.Len() >= rl.cfg.MaxQueueSize {
		rl.mu.Unlock()
		rl.metrics.RecordRateLimitRejection(key, "queue_full")
		return &RateLimitError{Key: key, Cause: ErrQueueFull}
	}

	item := &queuedRequest{
		ctx:        ctx,
		fn:         fn,
		done:       make(chan error, 1),
		enqueuedAt: rl.now(),
	}
	item.elem = q.PushBack(item)
	depth := q.Len()
	if !rl.processing[key] {
		rl.processing[key] = true
		go rl.drain(key)
	}
	rl.mu.Unlock()

	rl.metrics.SetRateLimitQueueDepth(key, depth)
	rl.logger.Debug("Rate limit queued request", "key", key, "depth", depth)

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
	}

	rl.mu.Lock()
	removed := false
	if item.elem != nil {
		q.Remove(item.elem)
		item.elem = nil
		removed = true
	}
	rl.mu.Unlock()

	if removed {
		return context.Cause(ctx)
	}
	// Already handed to the drain loop, which delivers exactly one result.
	return <-item.done
}

// drain services key's queue in FIFO order. Exactly one drain runs per key,
// guarded by the processing set.
func (rl *RateLimiter) drain(key string) {
	ctx := context.Background()
	for {
		rl.mu.Lock()
		q := rl.queues[key]
		if q == nil || q.Len() == 0 {
			delete(rl.processing, key)
			delete(rl.queues, key)
			rl.mu.Unlock()
			rl.metrics.SetRateLimitQueueDepth(key, 0)
			return
		}
		rl.mu.Unlock()

		if wait := rl.tryAdmit(ctx, key); wait > 0 {
			if wait > rl.cfg.PollInterval {
				wait = rl.cfg.PollInterval
			}
			select {
			case <-time.After(wait):
				continue
			case <-rl.closed:
				rl.failQueue(key)
				return
			}
		}

		rl.mu.Lock()
		front := q.Front()
		if front == nil {
			// Every waiter left while the window was charged.
			rl.mu.Unlock()
			rl.rollback(key)
			continue
		}
		item := q.Remove(front).(*queuedRequest)
		item.elem = nil
		depth := q.Len()
		rl.mu.Unlock()

		rl.metrics.SetRateLimitQueueDepth(key, depth)

		if err := context.Cause(item.ctx); err != nil {
			rl.rollback(key)
			item.done <- err
			continue
		}

		err := item.fn(item.ctx)
		if err != nil {
			rl.rollback(key)
		}
		item.done <- err
	}
}

func (rl *RateLimiter) rollback(key string) {
	if err := rl.store.Release(context.Background(), key); err != nil {
		rl.logger.Warn("Rate limit rollback failed", "key", key, "error", err)
		return
	}
	rl.logger.Debug("Rate limit rolled back charge", "key", key)
}

func (rl *RateLimiter) failQueue(key string) {
	rl.mu.Lock()
	var items []*queuedRequest
	if q := rl.queues[key]; q != nil {
		for e := q.Front(); e != nil; e = e.Next() {
			item := e.Value.(*queuedRequest)
			item.elem = nil
			items = append(items, item)
		}
	}
	delete(rl.queues, key)
	delete(rl.processing, key)
	rl.mu.Unlock()

	for _, item := range items {
		item.done <- ErrLimiterClosed
	}
}

// Close stops every drain loop and fails requests still queued.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() {
		close(rl.closed)
	})
}

// WouldBeLimited reports whether a request for key would be held back now.
func (rl *RateLimiter) WouldBeLimited(key string) bool {
	return rl.Status(key).Limited
}

// UpdateFromHeaders records the x-ratelimit-* headers of a response.
func (rl *RateLimiter) UpdateFromHeaders(key string, h http.Header) {
	if rl.cfg.IgnoreServerLimits {
		return
	}
	if key == "" {
		key = defaultLimiterKey
	}
	info := ParseRateLimitHeaders(h, rl.now())
	if !info.Present {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	s, ok := rl.server[key]
	if !ok {
		s = &ServerRateLimit{Limit: -1, Remaining: -1}
		rl.server[key] = s
	}
	if info.Limit >= 0 {
		s.Limit = info.Limit
	}
	if info.Remaining >= 0 {
		s.Remaining = info.Remaining
	}
	if !info.ResetAt.IsZero() {
		s.ResetAt = info.ResetAt
	} else if s.ResetAt.IsZero() {
		s.ResetAt = rl.now().Add(rl.cfg.Window)
	}
}

// Handle429 blocks key for retryAfter, or for ServerBlock when the server
// gave no hint. An existing longer block is kept.
func (rl *RateLimiter) Handle429(key string, retryAfter time.Duration) {
	if key == "" {
		key = defaultLimiterKey
	}
	if retryAfter <= 0 {
		retryAfter = rl.cfg.ServerBlock
	}
	resetAt := rl.now().Add(retryAfter)

	rl.mu.Lock()
	s, ok := rl.server[key]
	if !ok {
		s = &ServerRateLimit{Limit: -1}
		rl.server[key] = s
	}
	s.Remaining = 0
	if resetAt.After(s.ResetAt) {
		s.ResetAt = resetAt
	}
	rl.mu.Unlock()

	rl.logger.Info("Server rate limit hit", "key", key, "retryAfter", retryAfter)
}

// Status reports the admission state of key.
func (rl *RateLimiter) Status(key string) RateLimitStatus {
	if key == "" {
		key = defaultLimiterKey
	}
	rl.mu.Lock()
	st := RateLimitStatus{Key: key, Queued: rl.queueLenLocked(key)}
	if s, ok := rl.server[key]; ok && rl.now().Before(s.ResetAt) {
		st.Source = "server"
		st.Limit = s.Limit
		st.Remaining = s.Remaining
		st.ResetAt = s.ResetAt
		st.Limited = s.Remaining == 0 || st.Queued > 0
	}
	rl.mu.Unlock()
	if st.Limited {
		return st
	}

	w, err := rl.store.Peek(context.Background(), key)
	if err != nil {
		rl.logger.Warn("Rate limit window peek failed", "key", key, "error", err)
	}
	remaining := rl.cfg.MaxRequests - w.Count
	if remaining < 0 {
		remaining = 0
	}
	if st.Source == "" {
		st.Source = "local"
		st.Limit = rl.cfg.MaxRequests
		st.Remaining = remaining
		st.ResetAt = w.ResetAt
	}
	st.Limited = remaining == 0 || st.Queued > 0
	return st
}

// Clear forgets everything known about key. Queued requests stay queued.
func (rl *RateLimiter) Clear(key string) error {
	rl.mu.Lock()
	delete(rl.server, key)
	rl.mu.Unlock()
	return rl.store.Reset(context.Background(), key)
}
