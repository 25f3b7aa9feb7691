package enzyme

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Client executes requests through the pipeline: deduplication, rate
// limiting, authentication, retries with backoff, timeouts and
// cancellation. It is safe for concurrent use.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	defaultHeaders map[string]string
	timeout        time.Duration

	retryPolicy RetryPolicy
	retryBudget *RetryBudget

	limiter  *RateLimiter
	keyFunc  KeyFunc
	throttle *Throttle
	dedup    *Deduplicator
	breakers *CircuitBreakers

	tokens     *TokenManager
	authHeader string
	authScheme string

	requestInterceptors  []RequestInterceptor
	responseInterceptors []ResponseInterceptor
	errorInterceptors    []ErrorInterceptor
	middleware           []Middleware
	transport            RoundTripper

	normalizer     *Normalizer
	logger         Logger
	metrics        *MetricsCollector
	tracerProvider trace.TracerProvider
	tracer         *tracer

	inflightMu sync.Mutex
	inflight   map[string]context.CancelCauseFunc

	optionErrors    []error
	validationError error
}

// New constructs a Client from functional options. Configuration is
// validated once; see IsValid and ValidationError.
func New(options ...Option) *Client {
	c := &Client{
		httpClient:     &http.Client{},
		defaultHeaders: map[string]string{},
		timeout:        30 * time.Second,
		retryPolicy:    DefaultRetryPolicy(),
		dedup:          NewDeduplicator(DefaultDeduplicationConfig()),
		authHeader:     "Authorization",
		authScheme:     "Bearer",
		normalizer:     NewNormalizer(FormatStandard),
		logger:         noopLogger{},
		inflight:       make(map[string]context.CancelCauseFunc),
	}

	for _, option := range options {
		option(c)
	}

	c.tracer = newTracer(c.tracerProvider)
	c.transport = c.buildTransport()
	c.wireComponents()

	if err := c.ValidateConfiguration(); err != nil {
		c.validationError = err
		c.logger.Error("Invalid client configuration", "error", err)
	}
	return c
}

// wireComponents hands the client's logger and metrics to components that
// were configured without their own.
func (c *Client) wireComponents() {
	if c.limiter != nil {
		if _, ok := c.limiter.logger.(noopLogger); ok {
			c.limiter.logger = c.logger
		}
		if c.limiter.metrics == nil {
			c.limiter.metrics = c.metrics
		}
	}
	if c.dedup != nil {
		if _, ok := c.dedup.logger.(noopLogger); ok {
			c.dedup.logger = c.logger
		}
		if c.dedup.metrics == nil {
			c.dedup.metrics = c.metrics
		}
	}
	if c.tokens != nil {
		if _, ok := c.tokens.logger.(noopLogger); ok {
			c.tokens.logger = c.logger
		}
		if c.tokens.metrics == nil {
			c.tokens.metrics = c.metrics
		}
	}
}

// buildTransport wraps the http.Client in the middleware chain. The first
// registered middleware is the outermost.
func (c *Client) buildTransport() RoundTripper {
	var rt RoundTripper = RoundTripperFunc(c.httpClient.Do)
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := rt
		rt = RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return mw(req, next)
		})
	}
	return rt
}

// Do executes req and decodes the body according to req.ResponseType.
func (c *Client) Do(ctx context.Context, req *Request) (*Response[any], error) {
	return Send[any](ctx, c, req)
}

// Send executes req and decodes the body into T.
func Send[T any](ctx context.Context, c *Client, req *Request) (*Response[T], error) {
	raw, final, err := c.execute(ctx, req)
	if err != nil {
		return nil, err
	}

	data, err := decodeInto[T](raw, final.responseType())
	if err != nil {
		return nil, c.fail(ctx, c.decodeError(final, raw, err))
	}

	return &Response[T]{
		Data:       data,
		Status:     raw.Status,
		StatusText: raw.StatusText,
		Headers:    normalizeHeaders(raw.Header),
		Request:    final,
		Timing:     raw.Timing,
	}, nil
}

// Get issues a GET for path with optional query parameters.
func (c *Client) Get(ctx context.Context, path string, query map[string]any) (*Response[any], error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post issues a POST with body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response[any], error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put issues a PUT with body.
func (c *Client) Put(ctx context.Context, path string, body any) (*Response[any], error) {
	return c.Do(ctx, &Request{Method: http.MethodPut, Path: path, Body: body})
}

// Patch issues a PATCH with body.
func (c *Client) Patch(ctx context.Context, path string, body any) (*Response[any], error) {
	return c.Do(ctx, &Request{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string) (*Response[any], error) {
	return c.Do(ctx, &Request{Method: http.MethodDelete, Path: path})
}

// Head issues a HEAD.
func (c *Client) Head(ctx context.Context, path string) (*Response[any], error) {
	return c.Do(ctx, &Request{Method: http.MethodHead, Path: path})
}

func (c *Client) register(id string, cancel context.CancelCauseFunc) {
	c.inflightMu.Lock()
	c.inflight[id] = cancel
	c.inflightMu.Unlock()
}

func (c *Client) unregister(id string) {
	c.inflightMu.Lock()
	delete(c.inflight, id)
	c.inflightMu.Unlock()
}

// CancelRequest aborts the in-flight request with the given request id and
// reports whether one was found.
func (c *Client) CancelRequest(id string) bool {
	c.inflightMu.Lock()
	cancel, ok := c.inflight[id]
	c.inflightMu.Unlock()
	if ok {
		cancel(ErrRequestCancelled)
		c.logger.Debug("Request cancelled", "requestID", id)
	}
	return ok
}

// CancelAllRequests aborts every in-flight request and returns how many
// were cancelled.
func (c *Client) CancelAllRequests() int {
	c.inflightMu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(c.inflight))
	for _, cancel := range c.inflight {
		cancels = append(cancels, cancel)
	}
	c.inflightMu.Unlock()

	for _, cancel := range cancels {
		cancel(ErrRequestCancelled)
	}
	return len(cancels)
}

// InFlight returns the number of requests currently executing.
func (c *Client) InFlight() int {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	return len(c.inflight)
}

// WouldBeRateLimited reports whether a request to endpoint would be held
// back right now. endpoint is a rate-limit key such as a path template.
func (c *Client) WouldBeRateLimited(endpoint string) bool {
	if c.limiter == nil {
		return false
	}
	return c.limiter.WouldBeLimited(endpoint)
}

// RateLimitStatus reports the admission state of endpoint.
func (c *Client) RateLimitStatus(endpoint string) RateLimitStatus {
	if c.limiter == nil {
		return RateLimitStatus{Key: endpoint}
	}
	return c.limiter.Status(endpoint)
}

// RateLimiter returns the client's limiter, or nil when rate limiting is off.
func (c *Client) RateLimiter() *RateLimiter {
	return c.limiter
}

// CircuitState reports the breaker state of endpoint. It is StateClosed when
// no circuit breaker is configured.
func (c *Client) CircuitState(endpoint string) CircuitState {
	if c.breakers == nil {
		return StateClosed
	}
	return c.breakers.State(endpoint)
}

// TokenManager returns the client's token manager, or nil.
func (c *Client) TokenManager() *TokenManager {
	return c.tokens
}

// Normalizer returns the normalizer used for response and error bodies.
func (c *Client) Normalizer() *Normalizer {
	return c.normalizer
}

// Orchestrator returns an orchestrator that executes static requests through c.
func (c *Client) Orchestrator() *Orchestrator {
	return NewOrchestrator(c)
}

// Close releases background resources and fails queued requests.
func (c *Client) Close() {
	if c.limiter != nil {
		c.limiter.Close()
	}
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// MustValidateConfiguration panics if the configuration is invalid.
func (c *Client) MustValidateConfiguration() {
	if err := c.ValidateConfiguration(); err != nil {
		panic(fmt.Sprintf("invalid client configuration: %v", err))
	}
}
