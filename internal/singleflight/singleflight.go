// Package singleflight collapses concurrent calls that share a key into a
// single execution whose result is fanned out to every subscriber.
//
// Unlike golang.org/x/sync/singleflight, the shared call runs on a context
// detached from any one caller. A subscriber that gives up only removes
// itself, and the call is cancelled once its last subscriber is gone.
package singleflight

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Group manages a set of in-flight calls keyed by string.
type Group struct {
	mu sync.Mutex
	m  map[string]*call

	ttl time.Duration
	now func() time.Time
}

type call struct {
	done chan struct{}
	val  any
	err  error

	created     time.Time
	subscribers int
	settled     bool
	cancel      context.CancelCauseFunc
}

// Option configures a Group.
type Option func(*Group)

// WithTTL stops callers from joining a call older than ttl; they start a
// fresh execution instead.
func WithTTL(ttl time.Duration) Option {
	return func(g *Group) {
		g.ttl = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Group) {
		g.now = now
	}
}

// New creates a Group. A call leaves the index before its result is
// published, so a caller arriving after settlement starts a fresh execution.
func New(opts ...Option) *Group {
	g := &Group{
		m:   make(map[string]*call),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do executes fn once per key across concurrent callers. joined reports
// whether this caller subscribed to a call started by someone else.
//
// If ctx ends before the call settles, Do returns context.Cause(ctx) for this
// caller only. The call keeps running for the remaining subscribers.
func (g *Group) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (val any, err error, joined bool) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok && !c.settled && !g.expired(c) {
		c.subscribers++
		g.mu.Unlock()
		val, err = g.wait(ctx, key, c)
		return val, err, true
	}

	c := &call{
		done:        make(chan struct{}),
		created:     g.now(),
		subscribers: 1,
	}
	var callCtx context.Context
	callCtx, c.cancel = context.WithCancelCause(context.WithoutCancel(ctx))
	g.m[key] = c
	g.mu.Unlock()

	go g.run(callCtx, key, c, fn)

	val, err = g.wait(ctx, key, c)
	return val, err, false
}

func (g *Group) expired(c *call) bool {
	return g.ttl > 0 && g.now().Sub(c.created) > g.ttl
}

func (g *Group) run(ctx context.Context, key string, c *call, fn func(context.Context) (any, error)) {
	defer c.cancel(nil)

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.err = &PanicError{Value: r}
			}
		}()
		c.val, c.err = fn(ctx)
	}()

	g.mu.Lock()
	c.settled = true
	g.removeLocked(key, c)
	g.mu.Unlock()

	close(c.done)
}

func (g *Group) wait(ctx context.Context, key string, c *call) (any, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
	}

	g.mu.Lock()
	c.subscribers--
	abandoned := c.subscribers == 0 && !c.settled
	if abandoned {
		g.removeLocked(key, c)
	}
	g.mu.Unlock()

	if abandoned {
		c.cancel(context.Cause(ctx))
	}
	return nil, context.Cause(ctx)
}

func (g *Group) removeLocked(key string, c *call) {
	if g.m[key] == c {
		delete(g.m, key)
	}
}

// Forget drops key from the index. A running call keeps serving the callers
// already subscribed to it.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}

// Len returns the number of indexed calls.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}

// InFlight reports whether an unsettled call exists for key.
func (g *Group) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.m[key]
	return ok && !c.settled
}

// Subscribers returns the number of callers waiting on key.
func (g *Group) Subscribers(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.m[key]; ok {
		return c.subscribers
	}
	return 0
}

// EvictOldest removes the n oldest calls from the index and returns how many
// were removed. Evicted calls are not cancelled.
func (g *Group) EvictOldest(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n <= 0 || len(g.m) == 0 {
		return 0
	}

	type aged struct {
		key     string
		created time.Time
	}
	entries := make([]aged, 0, len(g.m))
	for k, c := range g.m {
		entries = append(entries, aged{k, c.created})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].created.Before(entries[j].created)
	})

	if n > len(entries) {
		n = len(entries)
	}
	for _, e := range entries[:n] {
		delete(g.m, e.key)
	}
	return n
}

// Clear drops every call from the index.
func (g *Group) Clear() {
	g.mu.Lock()
	g.m = make(map[string]*call)
	g.mu.Unlock()
}

// PanicError is returned to every subscriber when the shared function panics.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("singleflight: shared call panicked: %v", p.Value)
}
