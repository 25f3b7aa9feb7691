package enzyme

import (
	"context"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"
)

// ResponseType selects how a successful body is decoded.
type ResponseType string

const (
	ResponseJSON   ResponseType = "json"
	ResponseText   ResponseType = "text"
	ResponseBlob   ResponseType = "blob"
	ResponseBinary ResponseType = "binary"
	ResponseStream ResponseType = "stream"
)

// RequestMeta carries identifiers that travel with a request.
type RequestMeta struct {
	RequestID      string
	CorrelationID  string
	IdempotencyKey string
}

// Request describes one logical call. Path is either an absolute URL or a
// path relative to the client's base URL, optionally templated with {name}
// or :name placeholders filled from PathParams.
type Request struct {
	Method       string
	Path         string
	PathParams   map[string]string
	Query        map[string]any
	Body         any
	Headers      map[string]string
	ContentType  string
	ResponseType ResponseType

	// Timeout overrides the client default for each attempt.
	Timeout time.Duration
	// Retry overrides the client retry policy.
	Retry *RetryPolicy

	SkipAuth      bool
	SkipRetry     bool
	SkipRateLimit bool
	// Dedupe opts a non-idempotent request into deduplication.
	Dedupe bool
	// RateLimitKey overrides the endpoint key used for rate limiting.
	RateLimitKey string

	Meta RequestMeta
}

// Clone returns a copy whose maps can be modified without touching r.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.PathParams = maps.Clone(r.PathParams)
	c.Query = maps.Clone(r.Query)
	c.Headers = maps.Clone(r.Headers)
	if r.Retry != nil {
		p := r.Retry.clone()
		c.Retry = &p
	}
	return &c
}

func (r *Request) responseType() ResponseType {
	if r.ResponseType == "" {
		return ResponseJSON
	}
	return r.ResponseType
}

// Timing records when a response was started and completed.
type Timing struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// Response is a completed call with its decoded body.
type Response[T any] struct {
	Data       T
	Status     int
	StatusText string
	// Headers holds the response headers keyed by lower-case name. Repeated
	// headers are joined with ", ".
	Headers map[string]string
	Request *Request
	Timing  Timing
}

// Header returns the named header, case-insensitively.
func (r *Response[T]) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// RawResponse is a completed call before decoding. It is what response
// interceptors see and what deduplicated callers share.
type RawResponse struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	// Stream is set instead of Body for ResponseStream requests and must be
	// closed by the caller.
	Stream  io.ReadCloser
	Request *Request
	Timing  Timing
}

func (r *RawResponse) clone() *RawResponse {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

func normalizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

// RequestInterceptor may replace a request before it is sent.
type RequestInterceptor func(ctx context.Context, req *Request) (*Request, error)

// ResponseInterceptor may replace a successful raw response.
type ResponseInterceptor func(ctx context.Context, resp *RawResponse) (*RawResponse, error)

// ErrorInterceptor may replace the classified error of a failed request.
type ErrorInterceptor func(ctx context.Context, err *APIError) *APIError

// Middleware wraps the transport call of every attempt.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc adapts a function to RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Option configures a Client.
type Option func(*Client)
