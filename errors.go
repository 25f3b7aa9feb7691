package enzyme

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Sentinel errors for failures raised by the pipeline itself.
var (
	// ErrRateLimited is returned when the limiter rejects a request outright.
	ErrRateLimited = errors.New("enzyme: rate limited")

	// ErrQueueFull is returned when a rate-limit queue is at capacity.
	ErrQueueFull = errors.New("enzyme: rate limit queue full")

	// ErrCircularDependency is returned when orchestrated requests form a cycle.
	ErrCircularDependency = errors.New("enzyme: circular dependency")

	// ErrUnknownDependency is returned when a request depends on an id that was not supplied.
	ErrUnknownDependency = errors.New("enzyme: unknown dependency")

	// ErrRequestCancelled is the cancellation cause used by CancelRequest and CancelAllRequests.
	ErrRequestCancelled = errors.New("enzyme: request cancelled")

	// ErrRequestTimeout is the cancellation cause used when an attempt exceeds its timeout.
	ErrRequestTimeout = errors.New("enzyme: request timeout")

	// ErrNoRefreshToken is returned when a refresh is needed but the provider holds no refresh token.
	ErrNoRefreshToken = errors.New("enzyme: no refresh token available")

	// ErrNoTokenRefresher is returned by TokenManager.Refresh when no RefreshFunc was configured.
	ErrNoTokenRefresher = errors.New("enzyme: no token refresher configured")

	// ErrInvalidConfiguration wraps every configuration validation failure.
	ErrInvalidConfiguration = errors.New("enzyme: invalid configuration")
)

// Category is the coarse classification of a failed request.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryNotFound       Category = "not_found"
	CategoryConflict       Category = "conflict"
	CategoryValidation     Category = "validation"
	CategoryRateLimit      Category = "rate_limit"
	CategoryTimeout        Category = "timeout"
	CategoryServer         Category = "server"
	CategoryNetwork        Category = "network"
	CategoryCancelled      Category = "cancelled"
	CategoryUnknown        Category = "unknown"
)

// Severity tells a caller how loudly a failure should be surfaced.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CategoryForStatus maps an HTTP status to its error category.
func CategoryForStatus(status int) Category {
	switch {
	case status == http.StatusUnauthorized:
		return CategoryAuthentication
	case status == http.StatusForbidden:
		return CategoryAuthorization
	case status == http.StatusNotFound:
		return CategoryNotFound
	case status == http.StatusConflict:
		return CategoryConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return CategoryValidation
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit
	case status == http.StatusRequestTimeout:
		return CategoryTimeout
	case status >= 500 && status <= 599:
		return CategoryServer
	default:
		return CategoryUnknown
	}
}

// SeverityForCategory returns the default severity of a category.
func SeverityForCategory(c Category) Severity {
	switch c {
	case CategoryCancelled:
		return SeverityLow
	case CategoryNotFound, CategoryConflict, CategoryValidation, CategoryRateLimit:
		return SeverityMedium
	case CategoryAuthentication, CategoryAuthorization, CategoryTimeout, CategoryNetwork, CategoryUnknown:
		return SeverityHigh
	case CategoryServer:
		return SeverityCritical
	default:
		return SeverityHigh
	}
}

// FieldError is a validation failure attached to one input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// APIError is the classified error returned by every pipeline operation that
// talks to the network.
type APIError struct {
	Status      int
	Code        string
	Message     string
	Category    Category
	Severity    Severity
	FieldErrors []FieldError
	Retryable   bool

	Request    *Request
	RequestID  string
	Attempt    int
	RetryAfter time.Duration
	Details    map[string]any
	Timestamp  time.Time
	Cause      error
}

func newAPIError(category Category, status int, message string, cause error) *APIError {
	return &APIError{
		Status:    status,
		Code:      defaultCode(category, status),
		Message:   message,
		Category:  category,
		Severity:  SeverityForCategory(category),
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func defaultCode(c Category, status int) string {
	if status > 0 {
		return fmt.Sprintf("HTTP_%d", status)
	}
	return strings.ToUpper(string(c))
}

// Error implements error.
func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Category, e.Message)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *APIError by category, so
// errors.Is(err, &APIError{Category: CategoryNotFound}) works.
func (e *APIError) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*APIError); ok {
		return e.Category == t.Category
	}
	return false
}

// HasFieldErrors reports whether the server returned per-field failures.
func (e *APIError) HasFieldErrors() bool {
	return e != nil && len(e.FieldErrors) > 0
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *APIError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\n", e.Category)
	fmt.Fprintf(&b, "Severity: %s\n", e.Severity)
	fmt.Fprintf(&b, "Code: %s\n", e.Code)
	fmt.Fprintf(&b, "Message: %s\n", e.Message)
	if e.RequestID != "" {
		fmt.Fprintf(&b, "Request ID: %s\n", e.RequestID)
	}
	if e.Request != nil {
		fmt.Fprintf(&b, "Method: %s\n", e.Request.Method)
		fmt.Fprintf(&b, "Path: %s\n", e.Request.Path)
	}
	if e.Status > 0 {
		fmt.Fprintf(&b, "Status Code: %d\n", e.Status)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, "Attempt: %d\n", e.Attempt)
	}
	fmt.Fprintf(&b, "Retryable: %t\n", e.Retryable)
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, "Retry After: %v\n", e.RetryAfter)
	}
	for _, fe := range e.FieldErrors {
		fmt.Fprintf(&b, "Field %s: %s\n", fe.Field, fe.Message)
	}
	if !e.Timestamp.IsZero() {
		fmt.Fprintf(&b, "Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, "Cause: %v\n", e.Cause)
	}
	return b.String()
}

// AsAPIError extracts an *APIError from err's chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is an *APIError flagged retryable.
func IsRetryable(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Retryable
}

// IsCategory reports whether err is an *APIError of category c.
func IsCategory(err error, c Category) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Category == c
}

// RateLimitError is returned when the local limiter refuses admission.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
	Cause      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v for %q, retry after %v", e.Cause, e.Key, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return e.Cause
}
