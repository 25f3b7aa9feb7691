package enzyme

import (
	"net/url"
	"strings"
)

// KeyFunc derives the rate-limit key of a request.
type KeyFunc func(req *Request) string

// DefaultEndpointKeyFunc keys by the un-substituted path template, so every
// /users/{id} call shares one window. Absolute URLs are keyed by host and path.
func DefaultEndpointKeyFunc(req *Request) string {
	path := req.Path
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return u.Host + u.Path
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	return path
}

// RouteKeyFunc keys by method and path template.
func RouteKeyFunc(req *Request) string {
	return req.Method + " " + DefaultEndpointKeyFunc(req)
}

// HostKeyFunc keys by the host of absolute request paths; relative paths
// share the "default" key.
func HostKeyFunc(req *Request) string {
	if u, err := url.Parse(req.Path); err == nil && u.IsAbs() {
		return "host:" + u.Host
	}
	return defaultLimiterKey
}

func (c *Client) rateLimitKey(req *Request) string {
	if req.RateLimitKey != "" {
		return req.RateLimitKey
	}
	if c.keyFunc != nil {
		return c.keyFunc(req)
	}
	return DefaultEndpointKeyFunc(req)
}
