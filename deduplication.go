package enzyme

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/harborgrid-justin/enzyme-sub015/internal/singleflight"
)

// DeduplicationKeyFunc builds the canonical key of a request whose URL has
// already been resolved.
type DeduplicationKeyFunc func(req *Request, resolvedURL string) string

// DeduplicationConfig configures a Deduplicator.
type DeduplicationConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// TTL bounds how long a caller may join an existing in-flight call.
	TTL time.Duration `mapstructure:"ttl" validate:"min=0"`
	// MaxSize triggers eviction of the oldest 20% of entries when reached.
	MaxSize int `mapstructure:"max_size" validate:"min=0"`
	// IncludeMutations deduplicates every method, not just GET and HEAD.
	IncludeMutations bool                 `mapstructure:"include_mutations"`
	KeyFunc          DeduplicationKeyFunc `mapstructure:"-"`
}

// DefaultDeduplicationConfig returns deduplication enabled for GET and HEAD.
func DefaultDeduplicationConfig() DeduplicationConfig {
	return DeduplicationConfig{
		Enabled: true,
		TTL:     30 * time.Second,
		MaxSize: 100,
	}
}

// Deduplicator collapses identical concurrent requests into one execution.
type Deduplicator struct {
	cfg     DeduplicationConfig
	group   *singleflight.Group
	metrics *MetricsCollector
	logger  Logger
}

// NewDeduplicator creates a deduplicator. Only callers that overlap an
// in-flight execution share it; a settled entry is never reused.
func NewDeduplicator(cfg DeduplicationConfig) *Deduplicator {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultDeduplicationConfig().MaxSize
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = DefaultDeduplicationKeyFunc
	}
	var opts []singleflight.Option
	if cfg.TTL > 0 {
		opts = append(opts, singleflight.WithTTL(cfg.TTL))
	}
	return &Deduplicator{
		cfg:    cfg,
		group:  singleflight.New(opts...),
		logger: noopLogger{},
	}
}

// Eligible reports whether req may share an execution with identical requests.
func (d *Deduplicator) Eligible(req *Request) bool {
	if d == nil || !d.cfg.Enabled {
		return false
	}
	if req.responseType() == ResponseStream {
		return false
	}
	if _, streaming := req.Body.(io.Reader); streaming {
		return false
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		return true
	default:
		return req.Dedupe || d.cfg.IncludeMutations
	}
}

// Key returns the canonical key of req.
func (d *Deduplicator) Key(req *Request, resolvedURL string) string {
	return d.cfg.KeyFunc(req, resolvedURL)
}

// Dedupe runs fn once for all concurrent callers with the same key. joined
// reports whether this caller shared someone else's execution. A caller whose
// ctx ends leaves without disturbing the other subscribers.
func (d *Deduplicator) Dedupe(ctx context.Context, key string, fn func(context.Context) (any, error)) (v any, err error, joined bool) {
	if size := d.group.Len(); size >= d.cfg.MaxSize {
		n := int(math.Ceil(float64(size) * 0.2))
		evicted := d.group.EvictOldest(n)
		d.logger.Debug("Deduplication cache evicted oldest entries", "evicted", evicted, "size", size)
	}
	return d.group.Do(ctx, key, fn)
}

// Do is Dedupe for raw responses. Each caller receives its own copy.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func(context.Context) (*RawResponse, error)) (*RawResponse, bool, error) {
	v, err, joined := d.Dedupe(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return nil, joined, err
	}
	return v.(*RawResponse).clone(), joined, nil
}

// Size returns the number of tracked entries.
func (d *Deduplicator) Size() int {
	return d.group.Len()
}

// Clear forgets every entry. Running calls still complete for the callers
// already waiting on them.
func (d *Deduplicator) Clear() {
	d.group.Clear()
}

// DefaultDeduplicationKeyFunc uses CanonicalKey.
func DefaultDeduplicationKeyFunc(req *Request, resolvedURL string) string {
	return CanonicalKey(req.Method, resolvedURL, req.Body)
}

// CanonicalKey derives method + URL + a stable hash of body. The query is
// sorted and JSON object keys are ordered, so equivalent requests share a key.
func CanonicalKey(method, rawURL string, body any) string {
	key := method + " " + canonicalURL(rawURL)
	if h := stableBodyHash(body); h != "" {
		key += " " + h
	}
	return key
}

func canonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = u.Query().Encode()
	u.Fragment = ""
	return u.String()
}

func stableBodyHash(body any) string {
	var data []byte
	switch b := body.(type) {
	case nil:
		return ""
	case []byte:
		data = b
	case string:
		data = []byte(b)
	case url.Values:
		data = []byte(b.Encode())
	case json.RawMessage:
		data = canonicalJSON(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return ""
		}
		data = canonicalJSON(raw)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON re-encodes raw through a generic value; encoding/json writes
// map keys in sorted order.
func canonicalJSON(raw []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
