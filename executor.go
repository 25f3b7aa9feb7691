package enzyme

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborgrid-justin/enzyme-sub015/internal/backoff"
)

// maxErrorBody bounds how much of a failed response is read for diagnostics.
const maxErrorBody = 1 << 20

// execute runs one logical request: interceptors, deduplication, admission,
// authentication, retries and classification. It returns the raw response
// and the final request as seen after the request interceptors.
func (c *Client) execute(ctx context.Context, req *Request) (*RawResponse, *Request, error) {
	if req == nil {
		return nil, nil, errors.New("enzyme: nil request")
	}

	r := req.Clone()
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	r.Method = strings.ToUpper(r.Method)
	if r.Meta.RequestID == "" {
		r.Meta.RequestID = uuid.NewString()
	}

	for _, ic := range c.requestInterceptors {
		next, err := ic(ctx, r)
		if err != nil {
			return nil, r, err
		}
		if next != nil {
			r = next
		}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	id := r.Meta.RequestID
	c.register(id, cancel)
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			c.unregister(id)
			cancel(nil)
		})
	}

	key := c.rateLimitKey(r)
	ctx, span := c.tracer.startRequest(ctx, r, key)
	start := time.Now()
	c.metrics.RecordRequestStart(r.Method, key)
	defer c.metrics.RecordRequestEnd(r.Method, key)

	raw, err := c.dispatch(ctx, r, key)
	if err != nil {
		// Classify before release: release cancels ctx.
		apiErr := c.classifyOutcome(ctx, r, err)
		out := c.fail(ctx, apiErr)
		release()
		if final, ok := AsAPIError(out); ok {
			c.metrics.RecordError(final.Category, r.Method, key)
			c.metrics.RecordRequest(r.Method, key, final.Status, time.Since(start))
			c.logger.Debug("Request failed", "requestID", id, "category", final.Category, "status", final.Status)
			endSpan(span, final.Status, out)
		} else {
			endSpan(span, 0, out)
		}
		return nil, r, out
	}

	raw.Request = r
	for _, ic := range c.responseInterceptors {
		next, ierr := ic(ctx, raw)
		if ierr != nil {
			release()
			if raw.Stream != nil {
				raw.Stream.Close()
			}
			endSpan(span, raw.Status, ierr)
			return nil, r, ierr
		}
		if next != nil {
			raw = next
		}
	}

	c.metrics.RecordRequest(r.Method, key, raw.Status, time.Since(start))
	endSpan(span, raw.Status, nil)

	if raw.Stream != nil {
		// The request stays registered until the caller closes the body.
		raw.Stream = &closeHook{ReadCloser: raw.Stream, fn: release}
	} else {
		release()
	}
	return raw, r, nil
}

// dispatch routes eligible requests through the deduplicator.
func (c *Client) dispatch(ctx context.Context, r *Request, key string) (*RawResponse, error) {
	prep, err := c.prepare(r)
	if err != nil {
		apiErr := newAPIError(CategoryUnknown, 0, "prepare request", err)
		apiErr.Code = "INVALID_REQUEST"
		return nil, apiErr
	}

	if !c.dedup.Eligible(r) {
		return c.runWithRetry(ctx, r, prep, key)
	}

	dkey := c.dedup.Key(r, prep.url)
	raw, joined, err := c.dedup.Do(ctx, dkey, func(ctx context.Context) (*RawResponse, error) {
		return c.runWithRetry(ctx, r, prep, key)
	})
	if joined {
		c.metrics.RecordDeduplicationHit(r.Method, key)
		c.logger.Debug("Joined in-flight request", "requestID", r.Meta.RequestID, "key", dkey)
	}
	return raw, err
}

// classifyOutcome returns a per-caller *APIError for err. Errors shared
// through deduplication are copied so that each caller can be annotated and
// intercepted independently.
func (c *Client) classifyOutcome(ctx context.Context, r *Request, err error) *APIError {
	if ctx.Err() != nil {
		return c.contextError(ctx, r, err)
	}
	if apiErr, ok := AsAPIError(err); ok {
		cp := *apiErr
		cp.Request = r
		cp.RequestID = r.Meta.RequestID
		return &cp
	}
	apiErr := newAPIError(CategoryUnknown, 0, err.Error(), err)
	apiErr.Request = r
	apiErr.RequestID = r.Meta.RequestID
	return apiErr
}

// contextError classifies the end of the caller's context. An expired
// deadline is a timeout; anything else is a cancellation.
func (c *Client) contextError(ctx context.Context, r *Request, err error) *APIError {
	cause := context.Cause(ctx)
	var apiErr *APIError
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, ErrRequestTimeout) {
		apiErr = newAPIError(CategoryTimeout, 0, "request deadline exceeded", cause)
	} else {
		apiErr = newAPIError(CategoryCancelled, 0, "request cancelled", cause)
	}
	if prev, ok := AsAPIError(err); ok {
		apiErr.Attempt = prev.Attempt
	}
	apiErr.Retryable = false
	apiErr.Request = r
	apiErr.RequestID = r.Meta.RequestID
	return apiErr
}

// fail runs the error interceptors in registration order.
func (c *Client) fail(ctx context.Context, apiErr *APIError) error {
	for _, ic := range c.errorInterceptors {
		if next := ic(ctx, apiErr); next != nil {
			apiErr = next
		}
	}
	return apiErr
}

// runWithRetry is the attempt loop. A 401 triggers one token refresh per
// request which does not count against the attempt budget.
func (c *Client) runWithRetry(ctx context.Context, r *Request, prep *preparedRequest, key string) (*RawResponse, error) {
	policy := c.retryPolicy
	if r.Retry != nil {
		policy = r.Retry.inherit(c.retryPolicy)
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 || r.SkipRetry {
		maxAttempts = 1
	}
	timeout := c.timeout
	if r.Timeout > 0 {
		timeout = r.Timeout
	}

	span := trace.SpanFromContext(ctx)
	refreshed := false

	for attempt := 0; ; {
		raw, usedToken, err := c.attempt(ctx, r, prep, key, policy, timeout)
		if err == nil {
			recordAttempt(span, attempt, raw.Status, nil)
			return raw, nil
		}

		apiErr, ok := AsAPIError(err)
		if !ok {
			return nil, err
		}
		apiErr.Attempt = attempt
		recordAttempt(span, attempt, apiErr.Status, apiErr)

		if ctx.Err() != nil {
			return nil, apiErr
		}

		if apiErr.Status == http.StatusUnauthorized && !refreshed && !r.SkipAuth && c.tokens != nil {
			refreshed = true
			c.logger.Info("Received 401, refreshing access token", "requestID", r.Meta.RequestID)
			if _, rerr := c.tokens.RefreshIfStale(ctx, usedToken); rerr != nil {
				authErr := newAPIError(CategoryAuthentication, http.StatusUnauthorized, "token refresh failed", rerr)
				authErr.Code = "TOKEN_REFRESH_FAILED"
				authErr.Attempt = attempt
				return nil, authErr
			}
			recordRetry(span, "token_refresh", 0)
			continue
		}

		if apiErr.Status == http.StatusTooManyRequests && c.limiter != nil && !r.SkipRateLimit {
			c.limiter.Handle429(key, apiErr.RetryAfter)
		}

		if !apiErr.Retryable || attempt+1 >= maxAttempts {
			return nil, apiErr
		}
		if !c.retryBudget.Allow() {
			c.metrics.RecordRetryBudgetExceeded(key)
			c.logger.Warn("Retry budget exhausted", "requestID", r.Meta.RequestID, "key", key)
			return nil, apiErr
		}

		delay := policy.Delay(attempt)
		if policy.RespectRetryAfter && apiErr.RetryAfter > delay &&
			(apiErr.Status == http.StatusTooManyRequests || apiErr.Status == http.StatusServiceUnavailable) {
			delay = apiErr.RetryAfter
		}

		reason := retryReason(apiErr)
		c.metrics.RecordRetry(r.Method, key, reason)
		recordRetry(span, reason, delay.Milliseconds())
		c.logger.Debug("Retrying request",
			"requestID", r.Meta.RequestID,
			"attempt", attempt+1,
			"maxAttempts", maxAttempts,
			"delay", delay,
			"reason", reason,
		)

		if err := backoff.Sleep(ctx, delay); err != nil {
			return nil, apiErr
		}
		attempt++
	}
}

func retryReason(e *APIError) string {
	if e.Status > 0 {
		return fmt.Sprintf("status_%d", e.Status)
	}
	return string(e.Category)
}

// attempt performs one admitted network attempt. It returns the access token
// the attempt was sent with so a 401 can tell whether a refresh is needed.
func (c *Client) attempt(ctx context.Context, r *Request, prep *preparedRequest, key string, policy RetryPolicy, timeout time.Duration) (*RawResponse, string, error) {
	if c.breakers == nil {
		return c.admitted(ctx, r, prep, key, policy, timeout)
	}

	cb := c.breakers.Get(key)
	if !cb.Allow() {
		apiErr := newAPIError(CategoryServer, 0, fmt.Sprintf("circuit open for %s", key), ErrCircuitOpen)
		apiErr.Code = "CIRCUIT_OPEN"
		apiErr.RetryAfter = cb.RetryAfter()
		apiErr.Retryable = false
		return nil, "", apiErr
	}
	raw, token, err := c.admitted(ctx, r, prep, key, policy, timeout)
	if apiErr, ok := AsAPIError(err); ok && tripsBreaker(apiErr) {
		cb.RecordFailure()
		if cb.State() == StateOpen {
			c.logger.Warn("Circuit opened", "key", key)
		}
	} else if err == nil {
		cb.RecordSuccess()
	}
	return raw, token, err
}

// admitted runs roundTrip once the rate limiter admits it.
func (c *Client) admitted(ctx context.Context, r *Request, prep *preparedRequest, key string, policy RetryPolicy, timeout time.Duration) (*RawResponse, string, error) {
	if c.limiter == nil || r.SkipRateLimit {
		return c.roundTrip(ctx, r, prep, policy, timeout)
	}

	var (
		raw   *RawResponse
		token string
		rtErr error
	)
	err := c.limiter.Execute(ctx, key, func(ctx context.Context) error {
		raw, token, rtErr = c.roundTrip(ctx, r, prep, policy, timeout)
		return rtErr
	})
	if rtErr != nil {
		return nil, token, rtErr
	}
	if err != nil {
		return nil, "", c.admissionError(ctx, key, err)
	}
	return raw, token, nil
}

// admissionError classifies a refusal by the local limiter. Such refusals
// are not retried here: the limiter already applied its strategy.
func (c *Client) admissionError(ctx context.Context, key string, err error) error {
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		if ctx.Err() != nil {
			return newAPIError(CategoryCancelled, 0, "request cancelled while waiting for rate limit", context.Cause(ctx))
		}
		return newAPIError(CategoryRateLimit, 0, "rate limiter unavailable", err)
	}

	apiErr := newAPIError(CategoryRateLimit, 0, fmt.Sprintf("rate limit exceeded for %s", key), err)
	apiErr.Code = "RATE_LIMITED"
	if errors.Is(err, ErrQueueFull) {
		apiErr.Code = "QUEUE_FULL"
		apiErr.Message = fmt.Sprintf("rate limit queue full for %s", key)
	}
	apiErr.RetryAfter = rlErr.RetryAfter
	apiErr.Retryable = false
	return apiErr
}

// roundTrip sends one HTTP request and classifies the outcome.
func (c *Client) roundTrip(ctx context.Context, r *Request, prep *preparedRequest, policy RetryPolicy, timeout time.Duration) (*RawResponse, string, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, "", c.transportError(ctx, ctx, policy, err)
	}
	if c.throttle != nil {
		c.metrics.RecordThrottleTokens(c.throttle.Tokens())
	}

	var token, authValue string
	if c.tokens != nil && !r.SkipAuth {
		tok, err := c.tokens.GetAccessToken(ctx)
		if err != nil {
			return nil, "", newAPIError(CategoryAuthentication, 0, "obtain access token", err)
		}
		token = tok
		if tok != "" {
			authValue = tok
			if c.authScheme != "" {
				authValue = c.authScheme + " " + tok
			}
		}
	}

	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		actx, cancel = context.WithTimeoutCause(ctx, timeout, ErrRequestTimeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}

	hreq, err := prep.build(actx, c.authHeader, authValue)
	if err != nil {
		cancel()
		return nil, token, newAPIError(CategoryUnknown, 0, "build request", err)
	}

	start := time.Now()
	resp, err := c.transport.RoundTrip(hreq)
	if err != nil {
		apiErr := c.transportError(ctx, actx, policy, err)
		cancel()
		return nil, token, apiErr
	}

	if c.limiter != nil && !r.SkipRateLimit {
		c.limiter.UpdateFromHeaders(c.rateLimitKey(r), resp.Header)
	}

	raw := &RawResponse{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     resp.Header,
		Request:    r,
	}

	if resp.StatusCode < 400 {
		if r.responseType() == ResponseStream {
			raw.Stream = &closeHook{ReadCloser: resp.Body, fn: cancel}
			raw.Timing = newTiming(start)
			return raw, token, nil
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			apiErr := c.transportError(ctx, actx, policy, err)
			cancel()
			return nil, token, apiErr
		}
		cancel()
		raw.Body = body
		raw.Timing = newTiming(start)
		return raw, token, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	cancel()
	return nil, token, c.statusError(resp, body, policy)
}

func newTiming(start time.Time) Timing {
	end := time.Now()
	return Timing{Start: start, End: end, Duration: end.Sub(start)}
}

// transportError classifies a failure with no HTTP status. parent is the
// request context; attempt is the per-attempt context carrying the timeout.
func (c *Client) transportError(parent, attempt context.Context, policy RetryPolicy, err error) *APIError {
	var apiErr *APIError
	switch {
	case parent.Err() != nil:
		cause := context.Cause(parent)
		if errors.Is(cause, context.DeadlineExceeded) {
			apiErr = newAPIError(CategoryTimeout, 0, "request deadline exceeded", cause)
		} else {
			apiErr = newAPIError(CategoryCancelled, 0, "request cancelled", cause)
		}
		apiErr.Retryable = false
		return apiErr
	case errors.Is(context.Cause(attempt), ErrRequestTimeout) || isNetTimeout(err):
		category := CategoryTimeout
		if policy.TimeoutAsNetwork {
			category = CategoryNetwork
		}
		apiErr = newAPIError(category, 0, "request timed out", err)
		apiErr.Code = "TIMEOUT"
	default:
		apiErr = newAPIError(CategoryNetwork, 0, "network error", err)
		apiErr.Code = "NETWORK_ERROR"
	}
	apiErr.Retryable = policy.IsRetryable(apiErr.Category, 0)
	return apiErr
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// statusError builds the error for a response with status >= 400.
func (c *Client) statusError(resp *http.Response, body []byte, policy RetryPolicy) *APIError {
	category := CategoryForStatus(resp.StatusCode)
	apiErr := newAPIError(category, resp.StatusCode, http.StatusText(resp.StatusCode), nil)
	apiErr.Retryable = policy.IsRetryable(category, resp.StatusCode)

	if ra := resp.Header.Get(HeaderRetryAfter); ra != "" {
		apiErr.RetryAfter = ParseRetryAfter(ra, time.Now())
	}
	if apiErr.RetryAfter == 0 && resp.StatusCode == http.StatusTooManyRequests {
		apiErr.RetryAfter = retryAfterFromBody(body)
	}
	c.applyErrorBody(apiErr, body)
	return apiErr
}

// applyErrorBody lifts message, code and field errors out of a JSON error
// body. Non-JSON bodies are kept verbatim in Details.
func (c *Client) applyErrorBody(apiErr *APIError, body []byte) {
	if len(body) == 0 {
		return
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		apiErr.Details = map[string]any{"body": string(body)}
		return
	}
	apiErr.Details = decoded

	if msg := firstString(decoded, "message", "error.message", "error_description", "detail", "title"); msg != "" {
		apiErr.Message = msg
	} else if msg := firstString(decoded, "error"); msg != "" {
		apiErr.Message = msg
	}
	if code := firstString(decoded, "code", "error.code", "errorCode"); code != "" {
		apiErr.Code = code
	}
	apiErr.FieldErrors = c.normalizer.FieldErrors(decoded)
}

func firstString(m map[string]any, paths ...string) string {
	for _, p := range paths {
		if v, ok := lookupPath(m, p); ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			case json.Number:
				return s.String()
			case float64:
				return fmt.Sprintf("%g", s)
			}
		}
	}
	return ""
}

// closeHook runs fn once after the wrapped body is closed.
type closeHook struct {
	io.ReadCloser
	once sync.Once
	fn   func()
}

func (h *closeHook) Close() error {
	err := h.ReadCloser.Close()
	h.once.Do(h.fn)
	return err
}
