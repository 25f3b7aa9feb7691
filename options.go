package enzyme

import (
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// WithBaseURL sets the URL relative request paths are resolved against.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.baseURL = base
	}
}

// WithDefaultHeaders replaces the headers sent with every request.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(c *Client) {
		c.defaultHeaders = maps.Clone(headers)
		if c.defaultHeaders == nil {
			c.defaultHeaders = map[string]string{}
		}
	}
}

// WithHeader adds one default header.
func WithHeader(name, value string) Option {
	return func(c *Client) {
		c.defaultHeaders[name] = value
	}
}

// WithTimeout sets the default per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRetryPolicy sets the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = p.clone()
	}
}

// WithMaxAttempts changes only the attempt budget of the retry policy.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.retryPolicy.MaxAttempts = n
	}
}

// WithRetryBudget caps retries across all requests to maxRetries per window.
func WithRetryBudget(maxRetries int, perWindow time.Duration) Option {
	return func(c *Client) {
		c.retryBudget = NewRetryBudget(maxRetries, perWindow)
	}
}

// WithRateLimit enables per-endpoint rate limiting.
func WithRateLimit(cfg RateLimitConfig, opts ...RateLimiterOption) Option {
	return func(c *Client) {
		c.limiter = NewRateLimiter(cfg, opts...)
	}
}

// WithRateLimitPreset enables rate limiting using a named preset: strict,
// standard, relaxed or burst.
func WithRateLimitPreset(name string, opts ...RateLimiterOption) Option {
	return func(c *Client) {
		cfg, ok := RateLimitPreset(name)
		if !ok {
			c.optionErrors = append(c.optionErrors, fmt.Errorf("unknown rate limit preset %q", name))
			return
		}
		c.limiter = NewRateLimiter(cfg, opts...)
	}
}

// WithRateLimiter uses an existing limiter, which may be shared between clients.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(c *Client) {
		c.limiter = rl
	}
}

// WithRateLimitKeyFunc sets how requests map to rate-limit keys.
func WithRateLimitKeyFunc(fn KeyFunc) Option {
	return func(c *Client) {
		c.keyFunc = fn
	}
}

// WithThrottle smooths all traffic to rps requests per second.
func WithThrottle(rps float64, burst int) Option {
	return func(c *Client) {
		c.throttle = NewThrottle(rps, burst)
	}
}

// WithCircuitBreaker enables a circuit breaker per rate-limit key.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakers = NewCircuitBreakers(config)
	}
}

// WithDeduplication configures in-flight request deduplication.
func WithDeduplication(cfg DeduplicationConfig) Option {
	return func(c *Client) {
		if !cfg.Enabled {
			c.dedup = nil
			return
		}
		c.dedup = NewDeduplicator(cfg)
	}
}

// WithoutDeduplication disables deduplication.
func WithoutDeduplication() Option {
	return func(c *Client) {
		c.dedup = nil
	}
}

// WithTokenManager enables bearer authentication using tm.
func WithTokenManager(tm *TokenManager) Option {
	return func(c *Client) {
		c.tokens = tm
	}
}

// WithTokenProvider enables bearer authentication backed by provider,
// refreshing through refresh on 401.
func WithTokenProvider(provider TokenProvider, refresh RefreshFunc) Option {
	return func(c *Client) {
		c.tokens = NewTokenManager(provider, refresh)
	}
}

// WithAuthScheme changes the header and scheme used to send the access
// token. An empty scheme sends the bare token.
func WithAuthScheme(header, scheme string) Option {
	return func(c *Client) {
		c.authHeader = header
		c.authScheme = scheme
	}
}

// WithRequestInterceptor appends request interceptors.
func WithRequestInterceptor(ics ...RequestInterceptor) Option {
	return func(c *Client) {
		c.requestInterceptors = append(c.requestInterceptors, ics...)
	}
}

// WithResponseInterceptor appends response interceptors.
func WithResponseInterceptor(ics ...ResponseInterceptor) Option {
	return func(c *Client) {
		c.responseInterceptors = append(c.responseInterceptors, ics...)
	}
}

// WithErrorInterceptor appends error interceptors.
func WithErrorInterceptor(ics ...ErrorInterceptor) Option {
	return func(c *Client) {
		c.errorInterceptors = append(c.errorInterceptors, ics...)
	}
}

// WithMiddleware adds transport middleware.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsRegistry enables Prometheus metrics on registry.
func WithMetricsRegistry(registry prometheus.Registerer) Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollectorWithRegistry(registry)
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// WithNormalizer sets the normalizer used for response and error bodies.
func WithNormalizer(n *Normalizer) Option {
	return func(c *Client) {
		c.normalizer = n
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, c.validateOptions()...)
	problems = append(problems, c.validateTransportConfig()...)
	problems = append(problems, c.validateRetryConfig()...)
	problems = append(problems, c.validateRateLimiterConfig()...)
	problems = append(problems, c.validateDeduplicationConfig()...)
	problems = append(problems, c.validateAuthConfig()...)
	problems = append(problems, c.validateCircuitBreakerConfig()...)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Client) validateOptions() []string {
	var problems []string
	for _, err := range c.optionErrors {
		problems = append(problems, err.Error())
	}
	return problems
}

func (c *Client) validateTransportConfig() []string {
	var problems []string

	if c.httpClient == nil {
		problems = append(problems, "httpClient cannot be nil")
	}
	if c.timeout < 0 {
		problems = append(problems, "timeout cannot be negative")
	}
	if c.baseURL != "" {
		u, err := url.Parse(c.baseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("baseURL %q must be an absolute URL", c.baseURL))
		}
	}
	for i, mw := range c.middleware {
		if mw == nil {
			problems = append(problems, fmt.Sprintf("middleware at index %d is nil", i))
		}
	}
	return problems
}

func (c *Client) validateRetryConfig() []string {
	if err := c.retryPolicy.Validate(); err != nil {
		return []string{strings.TrimPrefix(err.Error(), ErrInvalidConfiguration.Error()+": ")}
	}
	return nil
}

func (c *Client) validateRateLimiterConfig() []string {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Config().Validate(); err != nil {
		return []string{strings.TrimPrefix(err.Error(), ErrInvalidConfiguration.Error()+": ")}
	}
	return nil
}

func (c *Client) validateDeduplicationConfig() []string {
	if c.dedup == nil {
		return nil
	}
	var problems []string
	if c.dedup.cfg.TTL < 0 {
		problems = append(problems, "deduplication TTL cannot be negative")
	}
	return problems
}

func (c *Client) validateAuthConfig() []string {
	var problems []string
	if c.tokens != nil {
		if c.tokens.provider == nil {
			problems = append(problems, "token manager requires a token provider")
		}
		if c.authHeader == "" {
			problems = append(problems, "auth header name cannot be empty")
		}
	}
	return problems
}

func (c *Client) validateCircuitBreakerConfig() []string {
	var problems []string
	if c.breakers != nil {
		cfg := c.breakers.config
		if cfg.FailureThreshold < 0 {
			problems = append(problems, "circuitBreaker failureThreshold cannot be negative")
		}
		if cfg.RecoveryTimeout < 0 {
			problems = append(problems, "circuitBreaker recoveryTimeout cannot be negative")
		}
		if cfg.SuccessThreshold < 0 {
			problems = append(problems, "circuitBreaker successThreshold cannot be negative")
		}
	}
	return problems
}
